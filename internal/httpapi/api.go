package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"laurel.org/internal/audit"
	"laurel.org/internal/auth"
	"laurel.org/internal/clock"
	"laurel.org/internal/ledger"
	"laurel.org/internal/mint"
	"laurel.org/internal/obs"
	"laurel.org/internal/pause"
	"laurel.org/internal/permit"
	"laurel.org/internal/roles"
	"laurel.org/internal/scarcity"
	"laurel.org/internal/stream"
	"laurel.org/internal/txn"
)

const serviceName = "laurel-api"

// Pinger is satisfied by the Postgres store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness. A nil Pinger is always ready.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

// Deps are the ledger components served over HTTP. Scarcity is nil for
// achievement ledgers; Stream may be nil to disable SSE.
type Deps struct {
	Mint     *mint.Coordinator
	Ledger   *ledger.Ledger
	Scarcity *scarcity.Tracker
	Gate     *pause.Gate
	Roles    *roles.Registry
	Permits  *permit.Verifier
	Issuer   *auth.Issuer
	Events   audit.Reader
	Stream   *stream.Stream
	Ready    ReadyProbe
	Clock    clock.Clock
	Version  string
}

// Options tune the middleware chain.
type Options struct {
	RateBurst    int
	RatePerSec   float64
	CORSOrigins  []string
	MaxBodyBytes int64
}

// API is the HTTP layer.
type API struct {
	mux  *http.ServeMux
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) (*API, error) {
	if deps.Mint == nil || deps.Ledger == nil || deps.Gate == nil || deps.Roles == nil || deps.Permits == nil || deps.Issuer == nil {
		return nil, errors.New("httpapi: ledger components and token issuer are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{mux: http.NewServeMux(), deps: deps, opts: opts}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("POST /v1/assets", a.handleMint)
	a.mux.HandleFunc("POST /v1/assets/permit", a.handleMintWithPermit)
	a.mux.HandleFunc("POST /v1/assets/batch", a.handleBatchMint)
	a.mux.HandleFunc("GET /v1/assets/{id}", a.handleGetAsset)
	a.mux.HandleFunc("POST /v1/assets/{id}/transfer", a.handleTransfer)
	a.mux.HandleFunc("POST /v1/assets/{id}/lock", a.handleSetTransferLock)
	a.mux.HandleFunc("POST /v1/assets/{id}/revoke", a.handleRevoke)
	a.mux.HandleFunc("GET /v1/owners/{address}", a.handleOwner)

	a.mux.HandleFunc("PUT /v1/categories/{tag}/max-supply", a.handleSetMaxSupply)
	a.mux.HandleFunc("GET /v1/categories/{tag}/supply", a.handleSupply)

	a.mux.HandleFunc("POST /v1/pause", a.handlePause)
	a.mux.HandleFunc("POST /v1/unpause", a.handleUnpause)

	a.mux.HandleFunc("GET /v1/roles/{role}", a.handleRoleMembers)
	a.mux.HandleFunc("POST /v1/roles/{role}/grant", a.handleRoleGrant)
	a.mux.HandleFunc("POST /v1/roles/{role}/revoke", a.handleRoleRevoke)
	a.mux.HandleFunc("POST /v1/roles/{role}/renounce", a.handleRoleRenounce)

	a.mux.HandleFunc("GET /v1/permits/nonce/{address}", a.handlePermitNonce)
	a.mux.HandleFunc("GET /v1/permits/domain", a.handlePermitDomain)

	a.mux.HandleFunc("GET /v1/events", a.handleEvents)
	a.mux.HandleFunc("GET /v1/events/stream", a.handleEventStream)
}

// Handler returns the mux wrapped in the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSec)
	h = CORS(h, a.opts.CORSOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":             serviceName,
		"version":          a.deps.Version,
		"time":             a.deps.Clock.Now().UTC().Format(time.RFC3339),
		"variant":          a.deps.Ledger.Variant(),
		"state":            a.deps.Gate.State(ctx).String(),
		"total_supply":     a.deps.Ledger.TotalSupply(ctx),
		"domain_separator": a.deps.Permits.DomainSeparator().Hex(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// errBadInput marks request validation failures detected in handlers.
var errBadInput = errors.New("invalid input")

func badInput(msg string) error {
	return &inputError{msg: msg}
}

type inputError struct{ msg string }

func (e *inputError) Error() string { return e.msg }
func (e *inputError) Unwrap() error { return errBadInput }

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errNoCaller):
		w.Header().Set("WWW-Authenticate", `Bearer realm="laurel"`)
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, roles.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, permit.ErrInvalidSignature):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, permit.ErrPermitExpired):
		writeError(w, r, http.StatusGone, err.Error())
	case errors.Is(err, errBadInput),
		errors.Is(err, ledger.ErrInvalidRecipient),
		errors.Is(err, ledger.ErrInvalidTags),
		errors.Is(err, ledger.ErrWrongVariant),
		errors.Is(err, mint.ErrArrayLengthMismatch),
		errors.Is(err, roles.ErrUnknownRole),
		errors.Is(err, roles.ErrInvalidIdentity):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNonexistentRecord):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrAlreadyRevoked),
		errors.Is(err, ledger.ErrTransferWhileLocked),
		errors.Is(err, ledger.ErrNotOwner),
		errors.Is(err, scarcity.ErrSupplyExceeded),
		errors.Is(err, scarcity.ErrInvalidMaxSupply),
		errors.Is(err, txn.ErrReentrantCall):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, pause.ErrPaused):
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		obs.Error("request_failed", err, map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func trimmed(s string) string { return strings.TrimSpace(s) }

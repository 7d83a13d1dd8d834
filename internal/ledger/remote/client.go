// Package remote is an HTTP client for a running laurel API.
package remote

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"laurel.org/internal/auth"
	"laurel.org/internal/ledger"
	"laurel.org/internal/mint"
	"laurel.org/internal/pause"
	"laurel.org/internal/permit"
	"laurel.org/internal/roles"
	"laurel.org/internal/scarcity"
	"laurel.org/internal/signature"
)

// Client talks to one API base URL. It is safe for concurrent use once
// logged in.
type Client struct {
	base  string
	http  *http.Client
	token string
}

// New creates a client. hc may be nil for a client with a 10s timeout.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// Info is the subset of /v1/info the client relies on.
type Info struct {
	Version     string         `json:"version"`
	Variant     ledger.Variant `json:"variant"`
	State       string         `json:"state"`
	TotalSupply uint64         `json:"total_supply"`
}

// Login proves control of key and keeps the returned bearer token for
// later calls.
func (c *Client) Login(ctx context.Context, key *ecdsa.PrivateKey) error {
	issuedAt := time.Now().Unix()
	sig, err := auth.SignLogin(key, issuedAt)
	if err != nil {
		return err
	}
	var out struct {
		Token string `json:"token"`
	}
	err = c.call(ctx, http.MethodPost, "/v1/auth/token", map[string]any{
		"address":   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		"issued_at": issuedAt,
		"signature": signature.Encode(sig),
	}, &out)
	if err != nil {
		return err
	}
	c.token = out.Token
	return nil
}

func (c *Client) Info(ctx context.Context) (Info, error) {
	var out Info
	err := c.call(ctx, http.MethodGet, "/v1/info", nil, &out)
	return out, err
}

func (c *Client) Grant(ctx context.Context, role roles.Role, who common.Address) error {
	return c.call(ctx, http.MethodPost, "/v1/roles/"+string(role)+"/grant", map[string]string{"account": who.Hex()}, nil)
}

// Mint issues one asset; tags are hex encoded on the wire.
func (c *Client) Mint(ctx context.Context, req mint.Request) (ledger.Asset, error) {
	var out ledger.Asset
	err := c.call(ctx, http.MethodPost, "/v1/assets", mintBody(req), &out)
	return out, err
}

// MintWithPermit submits a signed permit. The client need not be logged in.
func (c *Client) MintWithPermit(ctx context.Context, req mint.PermitRequest) (ledger.Asset, error) {
	body := mintBody(req.Request)
	body["deadline"] = req.Deadline
	body["signature"] = signature.Encode(req.Signature)
	var out ledger.Asset
	err := c.call(ctx, http.MethodPost, "/v1/assets/permit", body, &out)
	return out, err
}

func (c *Client) Asset(ctx context.Context, id uint64) (ledger.Asset, error) {
	var out ledger.Asset
	err := c.call(ctx, http.MethodGet, "/v1/assets/"+strconv.FormatUint(id, 10), nil, &out)
	return out, err
}

func (c *Client) Transfer(ctx context.Context, id uint64, from, to common.Address) error {
	return c.call(ctx, http.MethodPost, "/v1/assets/"+strconv.FormatUint(id, 10)+"/transfer",
		map[string]string{"from": from.Hex(), "to": to.Hex()}, nil)
}

func (c *Client) Balance(ctx context.Context, owner common.Address) (uint64, error) {
	var out struct {
		Balance uint64 `json:"balance"`
	}
	err := c.call(ctx, http.MethodGet, "/v1/owners/"+owner.Hex(), nil, &out)
	return out.Balance, err
}

func (c *Client) Nonce(ctx context.Context, who common.Address) (uint64, error) {
	var out struct {
		Nonce uint64 `json:"nonce"`
	}
	err := c.call(ctx, http.MethodGet, "/v1/permits/nonce/"+who.Hex(), nil, &out)
	return out.Nonce, err
}

func (c *Client) Domain(ctx context.Context) (permit.Domain, error) {
	var out permit.Domain
	err := c.call(ctx, http.MethodGet, "/v1/permits/domain", nil, &out)
	return out, err
}

func mintBody(req mint.Request) map[string]any {
	tags := make([]string, len(req.Tags))
	for i, t := range req.Tags {
		tags[i] = t.Hex()
	}
	body := map[string]any{"to": req.To.Hex(), "tags": tags, "uri": req.URI}
	if req.Series != 0 {
		body["series"] = req.Series
	}
	return body
}

// APIError is a non-2xx response that maps to no known ledger error.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("laurel api: %d %s", e.Status, e.Message)
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var payload struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return mapLedgerError(&APIError{Status: resp.StatusCode, Message: payload.Error, RequestID: payload.RequestID})
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// known lists the errors the server reports by message, most specific
// first.
var known = []error{
	ledger.ErrTransferWhileLocked,
	ledger.ErrAlreadyRevoked,
	ledger.ErrNotOwner,
	ledger.ErrNonexistentRecord,
	ledger.ErrInvalidRecipient,
	ledger.ErrInvalidTags,
	ledger.ErrWrongVariant,
	scarcity.ErrSupplyExceeded,
	scarcity.ErrInvalidMaxSupply,
	mint.ErrArrayLengthMismatch,
	permit.ErrPermitExpired,
	permit.ErrInvalidSignature,
	pause.ErrPaused,
	roles.ErrUnknownRole,
	roles.ErrUnauthorized,
}

// mapLedgerError converts an API failure back into the ledger sentinel it
// was rendered from, keeping the server message.
func mapLedgerError(apiErr *APIError) error {
	for _, target := range known {
		if strings.Contains(apiErr.Message, target.Error()) {
			return fmt.Errorf("%w: %s", target, apiErr.Message)
		}
	}
	switch apiErr.Status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ledger.ErrNonexistentRecord, apiErr.Message)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", roles.ErrUnauthorized, apiErr.Message)
	}
	return apiErr
}

// IsAPIError reports whether err is an unmapped API failure with status.
func IsAPIError(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// WithTimeout returns a context with a default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}

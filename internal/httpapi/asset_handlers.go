package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"laurel.org/internal/auth"
	"laurel.org/internal/ledger"
	"laurel.org/internal/mint"
	"laurel.org/internal/signature"
)

type mintRequest struct {
	To     string   `json:"to"`
	Tags   []string `json:"tags"`
	URI    string   `json:"uri"`
	Series uint64   `json:"series,omitempty"`
}

func (m mintRequest) parse() (mint.Request, error) {
	to, err := parseAddress("to", m.To)
	if err != nil {
		return mint.Request{}, err
	}
	tags, err := parseTags(m.Tags)
	if err != nil {
		return mint.Request{}, err
	}
	return mint.Request{To: to, Tags: tags, URI: m.URI, Series: m.Series}, nil
}

type permitMintRequest struct {
	mintRequest
	Deadline  uint64 `json:"deadline"`
	Signature string `json:"signature"`
}

type batchMintRequest struct {
	Recipients []string   `json:"recipients"`
	Tags       [][]string `json:"tags"`
	URIs       []string   `json:"uris"`
	Series     []uint64   `json:"series,omitempty"`
}

type batchMintResponse struct {
	Assets []ledger.Asset `json:"assets"`
}

type transferRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type lockRequest struct {
	Locked *bool `json:"locked"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

type ownerResponse struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

func (a *API) handleMint(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	var body mintRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req, err := body.parse()
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	asset, err := a.deps.Mint.Mint(r.Context(), who, req)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

// handleMintWithPermit accepts anonymous relayers; an authenticated caller
// is recorded as the relayer.
func (a *API) handleMintWithPermit(w http.ResponseWriter, r *http.Request) {
	var body permitMintRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req, err := body.mintRequest.parse()
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	// Wrong-length signatures reach the verifier and fail as invalid
	// signatures; only non-hex input is a malformed request.
	sig, err := signature.Decode(body.Signature)
	if err != nil {
		handleLedgerError(w, r, badInput(err.Error()))
		return
	}
	relayer, _ := auth.CallerFromContext(r.Context())
	asset, err := a.deps.Mint.MintWithPermit(r.Context(), relayer, mint.PermitRequest{
		Request:   req,
		Deadline:  body.Deadline,
		Signature: sig,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

func (a *API) handleBatchMint(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	var body batchMintRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	batch := mint.Batch{
		Recipients: make([]common.Address, len(body.Recipients)),
		Tags:       make([][]common.Hash, len(body.Tags)),
		URIs:       body.URIs,
		Series:     body.Series,
	}
	for i, raw := range body.Recipients {
		if batch.Recipients[i], err = parseAddress(fmt.Sprintf("recipients[%d]", i), raw); err != nil {
			handleLedgerError(w, r, err)
			return
		}
	}
	for i, raw := range body.Tags {
		if batch.Tags[i], err = parseTags(raw); err != nil {
			handleLedgerError(w, r, fmt.Errorf("tags[%d]: %w", i, err))
			return
		}
	}
	assets, err := a.deps.Mint.BatchMint(r.Context(), who, batch)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchMintResponse{Assets: assets})
}

func (a *API) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	id, err := parseAssetID(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	asset, err := a.deps.Ledger.Metadata(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (a *API) handleTransfer(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	id, err := parseAssetID(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	var body transferRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseAddress("from", body.From)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	to, err := parseAddress("to", body.To)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if err := a.deps.Ledger.Transfer(r.Context(), who, id, from, to); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.writeAsset(w, r, id)
}

func (a *API) handleSetTransferLock(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	id, err := parseAssetID(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	var body lockRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if body.Locked == nil {
		handleLedgerError(w, r, badInput("locked is required"))
		return
	}
	if err := a.deps.Ledger.SetTransferLock(r.Context(), who, id, *body.Locked); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.writeAsset(w, r, id)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	id, err := parseAssetID(r)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	var body revokeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Ledger.Revoke(r.Context(), who, id, body.Reason); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.writeAsset(w, r, id)
}

func (a *API) handleOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ownerResponse{
		Address: owner.Hex(),
		Balance: a.deps.Ledger.BalanceOf(r.Context(), owner),
	})
}

func (a *API) writeAsset(w http.ResponseWriter, r *http.Request, id uint64) {
	asset, err := a.deps.Ledger.Metadata(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func parseAssetID(r *http.Request) (uint64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, badInput(fmt.Sprintf("asset id %q must be a non-negative integer", raw))
	}
	return id, nil
}

// parseAddress checks syntax only; the null address is left for the ledger
// to reject with its own error.
func parseAddress(field, raw string) (common.Address, error) {
	raw = trimmed(raw)
	if raw == "" {
		return common.Address{}, badInput(field + " is required")
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, badInput(fmt.Sprintf("%s %q is not a hex address", field, raw))
	}
	return common.HexToAddress(raw), nil
}

func parseTags(raw []string) ([]common.Hash, error) {
	out := make([]common.Hash, len(raw))
	for i, s := range raw {
		tag, err := ledger.TagFromString(s)
		if err != nil {
			return nil, err
		}
		out[i] = tag
	}
	return out, nil
}

package httpapi

import (
	"errors"
	"net/http"
	"time"

	"laurel.org/internal/audit"
	"laurel.org/internal/auth"
	"laurel.org/internal/signature"
)

// tokenRequest proves control of Address by a personal-sign over
// auth.LoginMessage(Address, IssuedAt).
type tokenRequest struct {
	Address   string `json:"address"`
	IssuedAt  int64  `json:"issued_at"`
	Signature string `json:"signature"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	who, err := parseAddress("address", req.Address)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sig, err := signature.Decode(req.Signature)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := auth.VerifyLogin(who, req.IssuedAt, sig, a.deps.Clock.Now()); err != nil {
		code := http.StatusUnauthorized
		if errors.Is(err, auth.ErrLoginExpired) {
			code = http.StatusGone
		}
		writeError(w, r, code, err.Error())
		return
	}

	token, expiresAt, err := a.deps.Issuer.Issue(who)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"address":    who.Hex(),
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		Address:   who.Hex(),
		ExpiresAt: expiresAt,
	})
}

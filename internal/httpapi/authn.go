package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"laurel.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var errNoCaller = errors.New("authentication required")

// withAuth resolves an optional bearer token into the caller identity.
// Requests without a token pass through anonymous; a bad token is rejected.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(authHeader)
		if r.Method == http.MethodOptions || strings.TrimSpace(header) == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, err := extractBearerToken(header)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="laurel"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		caller, err := a.deps.Issuer.Parse(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="laurel", error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := auth.ContextWithCaller(r.Context(), caller)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// caller returns the authenticated identity or errNoCaller.
func caller(r *http.Request) (common.Address, error) {
	who, ok := auth.CallerFromContext(r.Context())
	if !ok {
		return common.Address{}, errNoCaller
	}
	return who, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

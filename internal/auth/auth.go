package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"laurel.org/internal/clock"
)

const issuer = "laurel"

// Claims carries the caller address in the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// Issuer signs and validates HS256 bearer tokens bound to an address.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

// NewIssuer builds an Issuer. clk may be nil for the system clock.
func NewIssuer(secret string, ttl time.Duration, clk clock.Clock) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be greater than zero")
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, clock: clk}, nil
}

// Issue signs a token for who and returns it with its expiry.
func (i *Issuer) Issue(who common.Address) (string, time.Time, error) {
	if who == (common.Address{}) {
		return "", time.Time{}, errors.New("address is required")
	}
	now := i.clock.Now().UTC()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   who.Hex(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies the token and returns the caller address it was issued to.
func (i *Issuer) Parse(token string) (common.Address, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return common.Address{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return common.Address{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return common.Address{}, ErrInvalidToken
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, ErrInvalidToken
	}
	who := common.HexToAddress(claims.Subject)
	if who == (common.Address{}) {
		return common.Address{}, ErrInvalidToken
	}
	return who, nil
}

// TTL reports the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

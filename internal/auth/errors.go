package auth

import "errors"

var (
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrInvalidLogin  = errors.New("auth: invalid login signature")
	ErrLoginExpired  = errors.New("auth: login message outside accepted window")
	ErrMissingSecret = errors.New("auth: token secret is not configured")
)

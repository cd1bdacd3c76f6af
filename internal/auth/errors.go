package auth

import "errors"

// Domain errors for the auth package.
var (
	// ErrTokenInvalid is returned for tokens that fail signature, expiry,
	// or claim validation.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

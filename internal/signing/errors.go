package signing

import "errors"

// Domain errors for the signing package.
var (
	// ErrInvalidKey is returned when key material cannot be parsed.
	ErrInvalidKey = errors.New("signing: invalid key")
)

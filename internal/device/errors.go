package device

import "errors"

// Domain errors for the device package.
var (
	// ErrNotRegistered is returned when an unknown device presents a
	// public key that was never pre-authorised.
	ErrNotRegistered = errors.New("device: public key not registered")
)

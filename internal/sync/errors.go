package sync

import "errors"

// Domain errors for the sync package.
var (
	// ErrSessionNotFound is returned when no session exists for a nonce.
	ErrSessionNotFound = errors.New("sync: session not found")

	// ErrSessionNotVerified is returned when a record-exchange operation
	// is attempted before the mutual handshake completed.
	ErrSessionNotVerified = errors.New("sync: session not verified")

	// ErrSessionClosed is returned when a closed session (or its nonce)
	// is used again.
	ErrSessionClosed = errors.New("sync: session closed")

	// ErrNonceReused is returned when a session is created with a nonce
	// that has been seen before. Nonces are single-use by design.
	ErrNonceReused = errors.New("sync: nonce already used")

	// ErrInvalidNonce is returned for nonces that are not 32 hex chars.
	ErrInvalidNonce = errors.New("sync: invalid nonce")

	// ErrSignatureInvalid is returned when a handshake signature does not
	// verify against the session's hashable representation.
	ErrSignatureInvalid = errors.New("sync: handshake signature invalid")

	// ErrInvalidDeviceRecord is returned when the handshake's device
	// record is not a device or does not self-verify.
	ErrInvalidDeviceRecord = errors.New("sync: invalid device record")
)

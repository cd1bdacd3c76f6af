package record

import "errors"

// Domain errors for the record package.
//
// The validation kinds (unsigned import, signature mismatch, untrusted
// signer, missing foreign key) quarantine a record in purgatory rather
// than failing the batch; check them collectively with IsValidationError.
var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("record: not found")

	// ErrUnknownModel is returned for a wire tag with no registered type.
	ErrUnknownModel = errors.New("record: unknown model tag")

	// ErrUnregisteredDevice is returned when a record is saved before the
	// own-device bootstrap has completed.
	ErrUnregisteredDevice = errors.New("record: cannot save before registering this device")

	// ErrUnsignedImport is returned when an imported record has no signer.
	ErrUnsignedImport = errors.New("record: imported record must be signed")

	// ErrSignatureMismatch is returned when an imported record's signature
	// does not verify against its canonical bytes.
	ErrSignatureMismatch = errors.New("record: signature did not match")

	// ErrUntrustedSigner is returned when a trust-required record was
	// signed by a device that is not trusted. It may resolve if the signer
	// is later marked trusted.
	ErrUntrustedSigner = errors.New("record: requires a trusted signer")

	// ErrMissingForeignKey is returned when a referenced record (including
	// the signer's device record) has not been imported yet. It resolves
	// as history fills in.
	ErrMissingForeignKey = errors.New("record: referenced record not present")
)

// validationErrors are the quarantinable kinds: transient ordering gaps
// or trust states that a later import round can repair.
var validationErrors = []error{
	ErrUnsignedImport,
	ErrSignatureMismatch,
	ErrUntrustedSigner,
	ErrMissingForeignKey,
}

// IsValidationError reports whether err is a quarantinable import
// failure, as opposed to a fatal storage or crypto error.
func IsValidationError(err error) bool {
	for _, kind := range validationErrors {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

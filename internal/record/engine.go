package record

import (
	"context"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/duocyber/fieldsync/internal/infrastructure/logging"
	"github.com/duocyber/fieldsync/internal/signing"
)

// Directory exposes the device registry operations the engine needs to
// sign, verify, and account for records. It is implemented by the device
// package; depending on the interface here keeps the packages acyclic.
type Directory interface {
	// OwnDevice returns the process's own device, bootstrapping it on
	// first use.
	OwnDevice(ctx context.Context) (*Device, error)

	// IncrementAndGetCounter atomically advances and returns the own
	// device's write counter. Returns 0 before bootstrap completes.
	IncrementAndGetCounter(ctx context.Context) (int64, error)

	// SetCounterPosition advances a remote device's high-water counter to
	// max(current, counter).
	SetCounterPosition(ctx context.Context, deviceID string, counter int64) error

	// IsTrusted reports whether the device's metadata grants trust.
	IsTrusted(ctx context.Context, deviceID string) (bool, error)

	// DevicePublicKey returns the deserialized public key of a known
	// device. Returns an error wrapping ErrNotFound for unknown devices.
	DevicePublicKey(ctx context.Context, deviceID string) (*rsa.PublicKey, error)

	// ZoneOf returns the zone id the device is assigned to, or "" when it
	// has no assignment.
	ZoneOf(ctx context.Context, deviceID string) (string, error)
}

// Engine implements the signed-record save/verify lifecycle.
//
// Local saves assign the next own-device counter, derive the content
// id, and sign. Imported saves verify the existing signature and
// advance the signer's counter position. Verification failures never
// propagate as errors or panics; they read as invalid.
type Engine struct {
	store    Store
	dir      Directory
	signer   *signing.Signer
	registry *Registry
	logger   *logging.Logger
}

// NewEngine creates a signed-record engine.
//
// Parameters:
//   - store: Record persistence
//   - dir: Device directory (own device, counters, trust, keys)
//   - signer: This device's signing key
//   - registry: Record class registry (trust requirements)
//   - logger: Structured logger
func NewEngine(store Store, dir Directory, signer *signing.Signer, registry *Registry, logger *logging.Logger) *Engine {
	return &Engine{
		store:    store,
		dir:      dir,
		signer:   signer,
		registry: registry,
		logger:   logger,
	}
}

// Registry returns the record class registry the engine validates against.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Store returns the engine's record store.
func (e *Engine) Store() Store {
	return e.store
}

// SaveLocal signs and persists a locally-authored record.
//
// The record receives the next own-device counter and, when new, a
// content-derived id (UUIDv5 over the signer id and counter). A skeleton
// row is persisted before signing so the id allocation is stable; until
// the signed row lands the record simply fails verification, so a crash
// between the phases leaves nothing exploitable.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - m: The record to save (mutated: counter, id, signature, signed_by)
//
// Returns:
//   - error: ErrUnregisteredDevice before bootstrap; otherwise storage or
//     signing failures
func (e *Engine) SaveLocal(ctx context.Context, m Model) error {
	own, err := e.dir.OwnDevice(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnregisteredDevice, err)
	}

	counter, err := e.dir.IncrementAndGetCounter(ctx)
	if err != nil {
		return fmt.Errorf("assigning counter: %w", err)
	}

	b := m.GetBase()
	b.Counter = counter
	if b.SignedVersion == 0 {
		b.SignedVersion = 1
	}
	if b.ID == "" {
		b.ID = RecordUUID(own.ID, counter)
		// Allocate the id before signing so re-signing the same logical
		// record can never mint a second identity.
		if err := e.store.Put(ctx, m); err != nil {
			return fmt.Errorf("allocating record id: %w", err)
		}
	}

	if err := e.sign(m, own); err != nil {
		return err
	}

	if err := e.store.Put(ctx, m); err != nil {
		return fmt.Errorf("saving signed record: %w", err)
	}

	return nil
}

// SaveImported verifies and persists a record received from a peer.
//
// The record must carry its original signature. Validation failures
// (unsigned, unknown signer, untrusted signer for trust-required
// classes, signature mismatch, missing references) return errors that
// satisfy IsValidationError so the importer can quarantine the record.
// After commit, the signer's counter position advances.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - m: The imported record
//
// Returns:
//   - error: A validation error kind, or a fatal storage error
func (e *Engine) SaveImported(ctx context.Context, m Model) error {
	return e.saveImported(ctx, m, true)
}

// SaveImportedOutOfBand imports a record delivered outside batch
// selection (the handshake's zone records) without advancing the
// signer's high-water counter. Batch selection later backfills any
// records the out-of-band delivery skipped over; advancing the counter
// here would hide them forever.
func (e *Engine) SaveImportedOutOfBand(ctx context.Context, m Model) error {
	return e.saveImported(ctx, m, false)
}

func (e *Engine) saveImported(ctx context.Context, m Model, advanceCounter bool) error {
	b := m.GetBase()
	if b.SignedBy == "" {
		return fmt.Errorf("%w: %s %s", ErrUnsignedImport, m.ModelTag(), b.ID)
	}

	key, err := e.signerKey(ctx, m)
	if err != nil {
		return err
	}

	if e.registry.TrustRequired(m.ModelTag()) {
		trusted, err := e.dir.IsTrusted(ctx, b.SignedBy)
		if err != nil {
			return fmt.Errorf("checking signer trust: %w", err)
		}
		if !trusted {
			return fmt.Errorf("%w: %s %s signed by %s", ErrUntrustedSigner, m.ModelTag(), b.ID, b.SignedBy)
		}
	}

	if !e.verifyBytes(m, key) {
		e.logger.Warn("import signature mismatch",
			"model", m.ModelTag(), "record_id", b.ID, "signed_by", b.SignedBy)
		return fmt.Errorf("%w: %s %s", ErrSignatureMismatch, m.ModelTag(), b.ID)
	}

	if err := e.checkReferences(ctx, m); err != nil {
		return err
	}

	if err := e.store.Put(ctx, m); err != nil {
		return fmt.Errorf("saving imported record: %w", err)
	}

	if advanceCounter {
		if err := e.dir.SetCounterPosition(ctx, b.SignedBy, b.Counter); err != nil {
			return fmt.Errorf("advancing counter position: %w", err)
		}
	}

	return nil
}

// Verify reports whether the record's signature is valid.
//
// It is false for unsigned records, for trust-required records whose
// signer is not trusted, for unknown signers, and for signature
// mismatches. It never panics and never propagates an error.
func (e *Engine) Verify(ctx context.Context, m Model) bool {
	b := m.GetBase()
	if b.Signature == "" || b.SignedBy == "" {
		return false
	}

	if e.registry.TrustRequired(m.ModelTag()) {
		trusted, err := e.dir.IsTrusted(ctx, b.SignedBy)
		if err != nil || !trusted {
			return false
		}
	}

	key, err := e.signerKey(ctx, m)
	if err != nil {
		return false
	}

	return e.verifyBytes(m, key)
}

// ResolveZone resolves the zone a record belongs to: the record's own
// zone if it carries one, else the signer's zone, else - only for a
// trusted signer - the record's fallback zone.
//
// Returns "" when the record resolves to no zone.
func (e *Engine) ResolveZone(ctx context.Context, m Model) (string, error) {
	if zoned, ok := m.(intrinsicallyZoned); ok {
		if zone := zoned.IntrinsicZone(); zone != "" {
			return zone, nil
		}
	}

	b := m.GetBase()
	if b.SignedBy == "" {
		return "", nil
	}

	zone, err := e.dir.ZoneOf(ctx, b.SignedBy)
	if err != nil {
		return "", fmt.Errorf("resolving signer zone: %w", err)
	}
	if zone != "" {
		return zone, nil
	}

	trusted, err := e.dir.IsTrusted(ctx, b.SignedBy)
	if err != nil {
		return "", fmt.Errorf("checking signer trust: %w", err)
	}
	if trusted {
		return b.ZoneFallback, nil
	}

	return "", nil
}

// sign computes the record's signature under the own device's key.
func (e *Engine) sign(m Model, own *Device) error {
	b := m.GetBase()
	b.SignedBy = own.ID

	sig, err := e.signer.Sign(CanonicalBytes(m))
	if err != nil {
		return fmt.Errorf("signing %s %s: %w", m.ModelTag(), b.ID, err)
	}
	b.Signature = signing.EncodeBase64(sig)
	return nil
}

// signerKey resolves the public key that must verify this record. Device
// records are self-signed, so the key comes from the record itself; for
// everything else the signer must already be a known device.
func (e *Engine) signerKey(ctx context.Context, m Model) (*rsa.PublicKey, error) {
	b := m.GetBase()

	if d, ok := m.(*Device); ok {
		if b.SignedBy != b.ID {
			return nil, fmt.Errorf("%w: device %s not self-signed", ErrSignatureMismatch, b.ID)
		}
		key, err := signing.DeserializePublicKey(d.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: device %s key unreadable", ErrSignatureMismatch, b.ID)
		}
		return key, nil
	}

	key, err := e.dir.DevicePublicKey(ctx, b.SignedBy)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: signer device %s", ErrMissingForeignKey, b.SignedBy)
		}
		return nil, fmt.Errorf("resolving signer key: %w", err)
	}
	return key, nil
}

// verifyBytes checks the signature against the canonical bytes. Any
// decoding failure reads as invalid.
func (e *Engine) verifyBytes(m Model, key *rsa.PublicKey) bool {
	sig, err := signing.DecodeBase64(m.GetBase().Signature)
	if err != nil {
		return false
	}
	return signing.Verify(CanonicalBytes(m), sig, key)
}

// checkReferences verifies every record this one depends on is present.
func (e *Engine) checkReferences(ctx context.Context, m Model) error {
	refs := m.References()
	if fallback := m.GetBase().ZoneFallback; fallback != "" {
		refs = append(refs, Reference{Model: TagZone, ID: fallback})
	}

	for _, ref := range refs {
		if ref.ID == "" {
			continue
		}
		exists, err := e.store.Exists(ctx, ref.Model, ref.ID)
		if err != nil {
			return fmt.Errorf("checking reference %s %s: %w", ref.Model, ref.ID, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s %s", ErrMissingForeignKey, ref.Model, ref.ID)
		}
	}
	return nil
}

// RecordUUID derives a record's content id: UUIDv5 over the signer's id
// (as namespace) and the decimal counter. The same (signer, counter)
// always yields the same id, so re-signing a logical record never forks
// its identity.
func RecordUUID(signerID string, counter int64) string {
	namespace, err := uuid.Parse(signerID)
	if err != nil {
		// A malformed signer id cannot mint ids in anyone's namespace.
		namespace = uuid.Nil
	}
	id := uuid.NewSHA1(namespace, []byte(strconv.FormatInt(counter, 10)))
	return hex.EncodeToString(id[:])
}

// DeviceUUID derives a device's id: UUIDv5 over the installation's root
// namespace and the device's serialized public key.
func DeviceUUID(rootNamespace uuid.UUID, publicKey string) string {
	id := uuid.NewSHA1(rootNamespace, []byte(publicKey))
	return hex.EncodeToString(id[:])
}

// RootNamespace derives the installation-wide UUID namespace from the
// central authority's hostname. It must never change once devices have
// been issued ids.
func RootNamespace(centralHost string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(centralHost))
}

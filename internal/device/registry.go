package device

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/duocyber/fieldsync/internal/infrastructure/logging"
	"github.com/duocyber/fieldsync/internal/record"
	"github.com/duocyber/fieldsync/internal/signing"
)

// Options configure the registry's own-device identity.
type Options struct {
	// Name and Description go into the self-signed device record.
	Name        string
	Description string

	// Central marks this process as the central authority: the own device
	// is flagged trusted at bootstrap.
	Central bool

	// CentralHost seeds the root UUID namespace shared by the
	// installation.
	CentralHost string
}

// Registry owns the Device records and their local metadata: own-device
// bootstrap, the monotonic write counter, remote high-water counters,
// trust flags, zone membership, and pre-authorised public keys.
//
// It implements record.Directory for the signed-record engine.
//
// Thread Safety: all methods are safe for concurrent use; the own-device
// bootstrap is serialised by an internal mutex.
type Registry struct {
	db     *sql.DB
	store  record.Store
	signer *signing.Signer
	opts   Options
	rootNS uuid.UUID
	logger *logging.Logger

	mu  sync.Mutex
	own *record.Device
}

// NewRegistry creates a device registry.
//
// Parameters:
//   - db: Open database (device_metadata, registered_public_keys)
//   - store: Record store holding the device records
//   - signer: This device's key pair
//   - opts: Own-device identity options
//   - logger: Structured logger
func NewRegistry(db *sql.DB, store record.Store, signer *signing.Signer, opts Options, logger *logging.Logger) *Registry {
	return &Registry{
		db:     db,
		store:  store,
		signer: signer,
		opts:   opts,
		rootNS: record.RootNamespace(opts.CentralHost),
		logger: logger,
	}
}

// RootNamespace returns the installation-wide UUID namespace.
func (r *Registry) RootNamespace() uuid.UUID {
	return r.rootNS
}

// OwnDevice returns the process's own device, lazily bootstrapping one
// if none exists.
//
// Bootstrap is a cyclic self-signature: the id derives from the public
// key, the signature covers the canonical bytes, and signed_by equals
// id. It runs as two phases - skeleton insert for the id, then the
// signature update - and is serialised against concurrent callers.
//
// Returns:
//   - *record.Device: The own device (never nil on success)
//   - error: If bootstrap or the lookup fails
func (r *Registry) OwnDevice(ctx context.Context) (*record.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.own != nil {
		return r.own, nil
	}

	var deviceID string
	err := r.db.QueryRowContext(ctx,
		"SELECT device_id FROM device_metadata WHERE is_own_device = 1",
	).Scan(&deviceID)
	switch {
	case err == nil:
		m, err := r.store.Get(ctx, record.TagDevice, deviceID)
		if err != nil {
			return nil, fmt.Errorf("loading own device %s: %w", deviceID, err)
		}
		r.own = m.(*record.Device)
		return r.own, nil
	case errors.Is(err, sql.ErrNoRows):
		return r.bootstrapOwnDevice(ctx)
	default:
		return nil, fmt.Errorf("querying own device: %w", err)
	}
}

// bootstrapOwnDevice creates and self-signs the own device record.
// Callers hold r.mu.
func (r *Registry) bootstrapOwnDevice(ctx context.Context) (*record.Device, error) {
	pub, err := signing.SerializePublicKey(r.signer.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("serializing own public key: %w", err)
	}

	d := &record.Device{
		Base: record.Base{
			ID:            record.DeviceUUID(r.rootNS, pub),
			SignedVersion: 1,
		},
		Name:        r.opts.Name,
		Description: r.opts.Description,
		PublicKey:   pub,
	}

	// Phase one: allocate the row. Until the signature lands the record
	// simply fails verification.
	if err := r.store.Put(ctx, d); err != nil {
		return nil, fmt.Errorf("allocating own device record: %w", err)
	}

	d.SignedBy = d.ID
	sig, err := r.signer.Sign(record.CanonicalBytes(d))
	if err != nil {
		return nil, fmt.Errorf("self-signing own device: %w", err)
	}
	d.Signature = signing.EncodeBase64(sig)

	if err := r.store.Put(ctx, d); err != nil {
		return nil, fmt.Errorf("saving own device record: %w", err)
	}

	trusted := 0
	if r.opts.Central {
		trusted = 1
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO device_metadata (device_id, is_trusted, is_own_device, counter_position)
		VALUES (?, ?, 1, 0)`,
		d.ID, trusted,
	); err != nil {
		return nil, fmt.Errorf("saving own device metadata: %w", err)
	}

	r.logger.Info("own device bootstrapped",
		"device_id", d.ID, "name", d.Name, "trusted", r.opts.Central)

	r.own = d
	return d, nil
}

// IncrementAndGetCounter atomically increments and returns the own
// device's write counter.
//
// The read-modify-write runs in one transaction on the single-writer
// pool, so concurrent local saves receive distinct, gapless counters.
// Returns 0 if called before the own-device bootstrap has completed.
func (r *Registry) IncrementAndGetCounter(ctx context.Context) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting counter transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	var position int64
	err = tx.QueryRowContext(ctx,
		"SELECT counter_position FROM device_metadata WHERE is_own_device = 1",
	).Scan(&position)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil // own device not bootstrapped yet
		}
		return 0, fmt.Errorf("reading counter: %w", err)
	}

	position++
	if _, err := tx.ExecContext(ctx,
		"UPDATE device_metadata SET counter_position = ? WHERE is_own_device = 1",
		position,
	); err != nil {
		return 0, fmt.Errorf("advancing counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing counter: %w", err)
	}
	return position, nil
}

// Counter returns the own device's current counter without advancing it.
// Returns 0 before bootstrap.
func (r *Registry) Counter(ctx context.Context) (int64, error) {
	var position int64
	err := r.db.QueryRowContext(ctx,
		"SELECT counter_position FROM device_metadata WHERE is_own_device = 1",
	).Scan(&position)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading counter: %w", err)
	}
	return position, nil
}

// SetCounterPosition advances a device's recorded high-water counter to
// max(current, counter). Regressions are silently ignored: the position
// is monotonic by invariant.
func (r *Registry) SetCounterPosition(ctx context.Context, deviceID string, counter int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_metadata (device_id, counter_position)
		VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			counter_position = MAX(counter_position, excluded.counter_position)`,
		deviceID, counter,
	)
	if err != nil {
		return fmt.Errorf("setting counter position for %s: %w", deviceID, err)
	}
	return nil
}

// GetMetadata returns a device's metadata, or a fresh unsaved shell when
// no row exists yet.
func (r *Registry) GetMetadata(ctx context.Context, deviceID string) (*Metadata, error) {
	var m Metadata
	var trusted, ownDevice int
	err := r.db.QueryRowContext(ctx, `
		SELECT device_id, is_trusted, is_own_device, counter_position
		FROM device_metadata WHERE device_id = ?`, deviceID,
	).Scan(&m.DeviceID, &trusted, &ownDevice, &m.CounterPosition)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &Metadata{DeviceID: deviceID}, nil
		}
		return nil, fmt.Errorf("querying metadata for %s: %w", deviceID, err)
	}

	m.IsTrusted = trusted != 0
	m.IsOwnDevice = ownDevice != 0
	m.saved = true
	return &m, nil
}

// SetTrusted grants or revokes a device's trust flag.
func (r *Registry) SetTrusted(ctx context.Context, deviceID string, trusted bool) error {
	flag := 0
	if trusted {
		flag = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_metadata (device_id, is_trusted)
		VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET is_trusted = excluded.is_trusted`,
		deviceID, flag,
	)
	if err != nil {
		return fmt.Errorf("setting trust for %s: %w", deviceID, err)
	}
	return nil
}

// IsTrusted reports whether the device's metadata grants trust.
// Unknown devices are not trusted.
func (r *Registry) IsTrusted(ctx context.Context, deviceID string) (bool, error) {
	var trusted int
	err := r.db.QueryRowContext(ctx,
		"SELECT is_trusted FROM device_metadata WHERE device_id = ?", deviceID,
	).Scan(&trusted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("querying trust for %s: %w", deviceID, err)
	}
	return trusted != 0, nil
}

// Device returns a device record by id.
// Returns an error wrapping record.ErrNotFound for unknown devices.
func (r *Registry) Device(ctx context.Context, deviceID string) (*record.Device, error) {
	m, err := r.store.Get(ctx, record.TagDevice, deviceID)
	if err != nil {
		return nil, err
	}
	return m.(*record.Device), nil
}

// DevicePublicKey returns the deserialized public key of a known device.
func (r *Registry) DevicePublicKey(ctx context.Context, deviceID string) (*rsa.PublicKey, error) {
	d, err := r.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	key, err := signing.DeserializePublicKey(d.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parsing key of device %s: %w", deviceID, err)
	}
	return key, nil
}

// DeviceByPublicKey looks up a device by its serialized public key.
// Returns an error wrapping record.ErrNotFound when no device matches.
func (r *Registry) DeviceByPublicKey(ctx context.Context, publicKey string) (*record.Device, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM synced_records
		WHERE model = ? AND json_extract(fields, '$.public_key') = ?`,
		record.TagDevice, publicKey,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("device by public key: %w", record.ErrNotFound)
		}
		return nil, fmt.Errorf("querying device by public key: %w", err)
	}
	return r.Device(ctx, id)
}

// ZoneOf returns the zone id the device is assigned to via its
// DeviceZone record, or "" when it has no assignment.
func (r *Registry) ZoneOf(ctx context.Context, deviceID string) (string, error) {
	var zone string
	err := r.db.QueryRowContext(ctx, `
		SELECT json_extract(fields, '$.zone') FROM synced_records
		WHERE model = ? AND json_extract(fields, '$.device') = ? AND deleted = 0
		LIMIT 1`,
		record.TagDeviceZone, deviceID,
	).Scan(&zone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("querying zone of %s: %w", deviceID, err)
	}
	return zone, nil
}

// DeviceZoneRecord returns the device's zone assignment record.
// Returns an error wrapping record.ErrNotFound when none exists.
func (r *Registry) DeviceZoneRecord(ctx context.Context, deviceID string) (*record.DeviceZone, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM synced_records
		WHERE model = ? AND json_extract(fields, '$.device') = ? AND deleted = 0
		LIMIT 1`,
		record.TagDeviceZone, deviceID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("device zone of %s: %w", deviceID, record.ErrNotFound)
		}
		return nil, fmt.Errorf("querying device zone of %s: %w", deviceID, err)
	}

	m, err := r.store.Get(ctx, record.TagDeviceZone, id)
	if err != nil {
		return nil, err
	}
	return m.(*record.DeviceZone), nil
}

// InZone reports whether the device is assigned to the given zone.
func (r *Registry) InZone(ctx context.Context, deviceID, zoneID string) (bool, error) {
	zone, err := r.ZoneOf(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return zone != "" && zone == zoneID, nil
}

// DeviceIDsInZone returns the ids of devices participating in a zone:
// members by DeviceZone assignment, plus trusted devices whose records
// (their own device record or anything they have signed) fall back to
// the zone.
func (r *Registry) DeviceIDsInZone(ctx context.Context, zoneID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT d.id FROM synced_records d
		WHERE d.model = ? AND (
			d.id IN (
				SELECT json_extract(fields, '$.device') FROM synced_records
				WHERE model = ? AND json_extract(fields, '$.zone') = ? AND deleted = 0
			)
			OR (
				d.id IN (
					SELECT device_id FROM device_metadata WHERE is_trusted = 1
				)
				AND (
					d.zone_fallback = ?
					OR EXISTS (
						SELECT 1 FROM synced_records sr
						WHERE sr.signed_by = d.id AND sr.zone_fallback = ?
					)
				)
			)
		)
		ORDER BY d.id`,
		record.TagDevice, record.TagDeviceZone, zoneID, zoneID, zoneID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying devices in zone %s: %w", zoneID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning device id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices in zone: %w", err)
	}
	return ids, nil
}

// RegisterPublicKey pre-authorises a public key for a zone. Only the
// central authority holds these rows.
func (r *Registry) RegisterPublicKey(ctx context.Context, publicKey, zoneID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO registered_public_keys (public_key, zone_id)
		VALUES (?, ?)
		ON CONFLICT(public_key) DO UPDATE SET zone_id = excluded.zone_id`,
		publicKey, zoneID,
	)
	if err != nil {
		return fmt.Errorf("registering public key: %w", err)
	}
	return nil
}

// ConsumeRegisteredKey atomically looks up and removes a pre-authorised
// key, returning the zone it was approved for. ok is false when the key
// was never registered (or already consumed).
func (r *Registry) ConsumeRegisteredKey(ctx context.Context, publicKey string) (zoneID string, ok bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("starting consume transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	err = tx.QueryRowContext(ctx,
		"SELECT zone_id FROM registered_public_keys WHERE public_key = ?", publicKey,
	).Scan(&zoneID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("querying registered key: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM registered_public_keys WHERE public_key = ?", publicKey,
	); err != nil {
		return "", false, fmt.Errorf("consuming registered key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("committing key consumption: %w", err)
	}
	return zoneID, true, nil
}

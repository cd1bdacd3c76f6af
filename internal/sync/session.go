package sync

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duocyber/fieldsync/internal/device"
	"github.com/duocyber/fieldsync/internal/infrastructure/logging"
	"github.com/duocyber/fieldsync/internal/record"
	"github.com/duocyber/fieldsync/internal/signing"
)

// noncePattern matches a session nonce: 32 lowercase hex chars.
var noncePattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Session is one replication session, keyed by the client's nonce.
//
// The lifecycle runs unverified → verified → closed. Record-exchange
// operations require verified; a closed session's nonces are never
// reused.
type Session struct {
	ClientNonce      string
	ServerNonce      string
	ClientDevice     string
	ServerDevice     string
	Verified         bool
	Closed           bool
	IP               string
	ClientVersion    string
	ClientOS         string
	ModelsUploaded   int64
	ModelsDownloaded int64
	LastActive       time.Time
}

// HashableRepresentation returns the exact string both sides sign:
// "client_nonce:client_device_id:server_nonce:server_device_id".
func (s *Session) HashableRepresentation() string {
	return strings.Join([]string{
		s.ClientNonce, s.ClientDevice, s.ServerNonce, s.ServerDevice,
	}, ":")
}

// NewNonce generates a fresh 32-hex-char session nonce.
func NewNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SignSession produces a device's base64 signature over the session's
// hashable representation. Both the client and the server sides use it.
func SignSession(signer *signing.Signer, s *Session) (string, error) {
	sig, err := signer.Sign([]byte(s.HashableRepresentation()))
	if err != nil {
		return "", fmt.Errorf("signing session: %w", err)
	}
	return signing.EncodeBase64(sig), nil
}

// VerifySessionSignature checks a base64 handshake signature under the
// given device key. Any failure reads as invalid.
func VerifySessionSignature(s *Session, signature string, key *rsa.PublicKey) bool {
	raw, err := signing.DecodeBase64(signature)
	if err != nil {
		return false
	}
	return signing.Verify([]byte(s.HashableRepresentation()), raw, key)
}

// CreateRequest carries the client's half of the session handshake.
type CreateRequest struct {
	ClientNonce   string
	ClientDevice  record.Model
	IP            string
	ClientVersion string
	ClientOS      string
}

// Manager drives the server side of the session handshake and owns the
// sync_sessions rows.
type Manager struct {
	db      *sql.DB
	devices *device.Registry
	engine  *record.Engine
	signer  *signing.Signer
	logger  *logging.Logger
	timeout time.Duration
}

// NewManager creates a session manager.
//
// Parameters:
//   - db: Open database (sync_sessions table)
//   - devices: Device registry for identity and registration
//   - engine: Record engine for importing presented device records
//   - signer: This device's key for the server half of the handshake
//   - timeout: Idle interval after which GC reaps sessions
//   - logger: Structured logger
func NewManager(db *sql.DB, devices *device.Registry, engine *record.Engine, signer *signing.Signer, timeout time.Duration, logger *logging.Logger) *Manager {
	return &Manager{
		db:      db,
		devices: devices,
		engine:  engine,
		signer:  signer,
		logger:  logger,
		timeout: timeout,
	}
}

// CreateResult is the server half of an established session.
type CreateResult struct {
	Session      *Session
	ServerDevice *record.Device

	// Signature covers the four-tuple under the server device's key.
	Signature string

	// ZoneRecords carries the client's Zone and DeviceZone records, when
	// the server knows them. Zone membership is not batch-synced; it
	// travels here during the handshake.
	ZoneRecords []record.Model
}

// Create establishes the server half of a session.
//
// The client device must be known, or registerable by consuming a
// pre-authorised public key - in which case the device record is
// imported and, when this process is the authority, assigned to the
// approved zone. The returned signature covers the four-tuple
// "client_nonce:client_device_id:server_nonce:server_device_id" under
// the server's key.
//
// Returns:
//   - *CreateResult: The persisted half-session (verified=false) plus
//     the server identity and the client's zone records
//   - error: ErrInvalidNonce, ErrNonceReused, ErrInvalidDeviceRecord,
//     device.ErrNotRegistered, or a storage failure
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if !noncePattern.MatchString(req.ClientNonce) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNonce, req.ClientNonce)
	}

	// Nonces are single-use: even a closed session blocks reuse.
	if _, err := m.Get(ctx, req.ClientNonce); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrNonceReused, req.ClientNonce)
	} else if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	clientDevice, ok := req.ClientDevice.(*record.Device)
	if !ok || clientDevice == nil {
		return nil, ErrInvalidDeviceRecord
	}

	if err := m.admitClientDevice(ctx, clientDevice); err != nil {
		return nil, err
	}

	own, err := m.devices.OwnDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving own device: %w", err)
	}

	session := &Session{
		ClientNonce:   req.ClientNonce,
		ServerNonce:   NewNonce(),
		ClientDevice:  clientDevice.ID,
		ServerDevice:  own.ID,
		IP:            req.IP,
		ClientVersion: req.ClientVersion,
		ClientOS:      req.ClientOS,
		LastActive:    time.Now().UTC(),
	}

	if err := m.insert(ctx, session); err != nil {
		return nil, err
	}

	serverSig, err := SignSession(m.signer, session)
	if err != nil {
		return nil, err
	}

	zoneRecords, err := m.clientZoneRecords(ctx, clientDevice.ID)
	if err != nil {
		return nil, err
	}

	m.logger.Info("session created",
		"client_nonce", session.ClientNonce,
		"client_device", session.ClientDevice,
		"ip", session.IP)

	return &CreateResult{
		Session:      session,
		ServerDevice: own,
		Signature:    serverSig,
		ZoneRecords:  zoneRecords,
	}, nil
}

// clientZoneRecords collects the client's DeviceZone assignment and its
// Zone, when this node holds them.
func (m *Manager) clientZoneRecords(ctx context.Context, clientDeviceID string) ([]record.Model, error) {
	dz, err := m.devices.DeviceZoneRecord(ctx, clientDeviceID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var records []record.Model
	zone, err := m.engine.Store().Get(ctx, record.TagZone, dz.Zone)
	switch {
	case err == nil:
		records = append(records, zone)
	case errors.Is(err, record.ErrNotFound):
		// assignment without its zone; ship what we have
	default:
		return nil, err
	}

	return append(records, dz), nil
}

// admitClientDevice accepts a known device, or registers an unknown one
// whose public key was pre-authorised (consuming the authorisation).
func (m *Manager) admitClientDevice(ctx context.Context, d *record.Device) error {
	_, err := m.devices.Device(ctx, d.ID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, record.ErrNotFound):
		// fall through to registration
	default:
		return fmt.Errorf("looking up client device: %w", err)
	}

	zoneID, ok, err := m.devices.ConsumeRegisteredKey(ctx, d.PublicKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: device %s", device.ErrNotRegistered, d.ID)
	}

	if err := m.engine.SaveImported(ctx, d); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDeviceRecord, err)
	}

	// Only a trusted authority can author the zone assignment; elsewhere
	// registered keys do not exist in the first place.
	own, err := m.devices.OwnDevice(ctx)
	if err != nil {
		return fmt.Errorf("resolving own device: %w", err)
	}
	trusted, err := m.devices.IsTrusted(ctx, own.ID)
	if err != nil {
		return err
	}
	if trusted {
		dz := &record.DeviceZone{Device: d.ID, Zone: zoneID}
		if err := m.engine.SaveLocal(ctx, dz); err != nil {
			return fmt.Errorf("assigning device zone: %w", err)
		}
	}

	m.logger.Info("device registered",
		"device_id", d.ID, "zone", zoneID)
	return nil
}

// VerifyClient completes the handshake: it checks the client's signature
// over the four-tuple and marks the session verified.
func (m *Manager) VerifyClient(ctx context.Context, clientNonce, signature string) error {
	session, err := m.Get(ctx, clientNonce)
	if err != nil {
		return err
	}
	if session.Closed {
		return fmt.Errorf("%w: %s", ErrSessionClosed, clientNonce)
	}

	key, err := m.devices.DevicePublicKey(ctx, session.ClientDevice)
	if err != nil {
		return fmt.Errorf("resolving client key: %w", err)
	}

	if !VerifySessionSignature(session, signature, key) {
		m.logger.Warn("client handshake signature rejected",
			"client_nonce", clientNonce, "client_device", session.ClientDevice)
		return fmt.Errorf("%w: client %s", ErrSignatureInvalid, session.ClientDevice)
	}

	if _, err := m.db.ExecContext(ctx, `
		UPDATE sync_sessions SET verified = 1, last_active = ?
		WHERE client_nonce = ?`,
		time.Now().UTC().Format(time.RFC3339), clientNonce,
	); err != nil {
		return fmt.Errorf("marking session verified: %w", err)
	}

	m.logger.Info("session verified", "client_nonce", clientNonce)
	return nil
}

// Get loads a session by client nonce.
func (m *Manager) Get(ctx context.Context, clientNonce string) (*Session, error) {
	var s Session
	var verified, closed int
	var lastActive string

	err := m.db.QueryRowContext(ctx, `
		SELECT client_nonce, server_nonce, client_device, server_device,
			verified, closed, ip, client_version, client_os,
			models_uploaded, models_downloaded, last_active
		FROM sync_sessions WHERE client_nonce = ?`, clientNonce,
	).Scan(&s.ClientNonce, &s.ServerNonce, &s.ClientDevice, &s.ServerDevice,
		&verified, &closed, &s.IP, &s.ClientVersion, &s.ClientOS,
		&s.ModelsUploaded, &s.ModelsDownloaded, &lastActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, clientNonce)
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}

	s.Verified = verified != 0
	s.Closed = closed != 0
	s.LastActive, _ = time.Parse(time.RFC3339, lastActive) //nolint:errcheck // format is controlled
	return &s, nil
}

// RequireVerified loads a session and enforces the exchange
// preconditions: it must exist, be verified, and not be closed.
func (m *Manager) RequireVerified(ctx context.Context, clientNonce string) (*Session, error) {
	session, err := m.Get(ctx, clientNonce)
	if err != nil {
		return nil, err
	}
	if session.Closed {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, clientNonce)
	}
	if !session.Verified {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotVerified, clientNonce)
	}
	return session, nil
}

// RecordExchange adds to the session's upload/download accounting and
// refreshes its activity timestamp.
func (m *Manager) RecordExchange(ctx context.Context, clientNonce string, uploaded, downloaded int64) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE sync_sessions SET
			models_uploaded = models_uploaded + ?,
			models_downloaded = models_downloaded + ?,
			last_active = ?
		WHERE client_nonce = ?`,
		uploaded, downloaded,
		time.Now().UTC().Format(time.RFC3339), clientNonce,
	)
	if err != nil {
		return fmt.Errorf("recording exchange: %w", err)
	}
	return nil
}

// Close terminates a session explicitly. The nonce stays burned.
func (m *Manager) Close(ctx context.Context, clientNonce string) error {
	result, err := m.db.ExecContext(ctx,
		"UPDATE sync_sessions SET closed = 1 WHERE client_nonce = ?", clientNonce)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, clientNonce)
	}
	return nil
}

// List returns all sessions, most recently active first.
func (m *Manager) List(ctx context.Context) ([]Session, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT client_nonce, server_nonce, client_device, server_device,
			verified, closed, ip, client_version, client_os,
			models_uploaded, models_downloaded, last_active
		FROM sync_sessions ORDER BY last_active DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var verified, closed int
		var lastActive string
		if err := rows.Scan(&s.ClientNonce, &s.ServerNonce, &s.ClientDevice, &s.ServerDevice,
			&verified, &closed, &s.IP, &s.ClientVersion, &s.ClientOS,
			&s.ModelsUploaded, &s.ModelsDownloaded, &lastActive); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		s.Verified = verified != 0
		s.Closed = closed != 0
		s.LastActive, _ = time.Parse(time.RFC3339, lastActive) //nolint:errcheck // format is controlled
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// GC reaps idle sessions: abandoned unverified rows are deleted, idle
// verified sessions are closed. Returns how many rows were touched.
func (m *Manager) GC(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-m.timeout).Format(time.RFC3339)

	deleted, err := m.db.ExecContext(ctx,
		"DELETE FROM sync_sessions WHERE verified = 0 AND last_active < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting abandoned sessions: %w", err)
	}
	deletedCount, _ := deleted.RowsAffected() //nolint:errcheck // always succeeds on SQLite

	closed, err := m.db.ExecContext(ctx,
		"UPDATE sync_sessions SET closed = 1 WHERE closed = 0 AND last_active < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("closing idle sessions: %w", err)
	}
	closedCount, _ := closed.RowsAffected() //nolint:errcheck // always succeeds on SQLite

	return deletedCount + closedCount, nil
}

// RunGCLoop reaps sessions periodically until the context is cancelled.
func (m *Manager) RunGCLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := m.GC(ctx)
			if err != nil {
				m.logger.Error("session GC failed", "error", err)
				continue
			}
			if reaped > 0 {
				m.logger.Debug("session GC", "reaped", reaped)
			}
		}
	}
}

// insert persists a fresh half-session.
func (m *Manager) insert(ctx context.Context, s *Session) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO sync_sessions (
			client_nonce, server_nonce, client_device, server_device,
			verified, closed, ip, client_version, client_os,
			models_uploaded, models_downloaded, last_active
		) VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?, 0, 0, ?)`,
		s.ClientNonce, s.ServerNonce, s.ClientDevice, s.ServerDevice,
		s.IP, s.ClientVersion, s.ClientOS,
		s.LastActive.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

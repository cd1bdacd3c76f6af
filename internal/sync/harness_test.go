package sync

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/duocyber/fieldsync/internal/device"
	"github.com/duocyber/fieldsync/internal/infrastructure/logging"
	"github.com/duocyber/fieldsync/internal/record"
	"github.com/duocyber/fieldsync/internal/signing"
)

// setupTestDB creates an in-memory SQLite database with the full
// replication schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// Each pooled connection would get its own :memory: database, so pin
	// the pool to a single connection.
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE synced_records (
			id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			counter INTEGER NOT NULL DEFAULT 0,
			signature TEXT NOT NULL DEFAULT '',
			signed_version INTEGER NOT NULL DEFAULT 1,
			signed_by TEXT NOT NULL DEFAULT '',
			zone_fallback TEXT NOT NULL DEFAULT '',
			deleted INTEGER NOT NULL DEFAULT 0,
			fields TEXT NOT NULL DEFAULT '{}',
			saved_at TEXT NOT NULL
		) STRICT;
		CREATE TABLE device_metadata (
			device_id TEXT PRIMARY KEY,
			is_trusted INTEGER NOT NULL DEFAULT 0,
			is_own_device INTEGER NOT NULL DEFAULT 0,
			counter_position INTEGER NOT NULL DEFAULT 0
		) STRICT;
		CREATE TABLE registered_public_keys (
			public_key TEXT PRIMARY KEY,
			zone_id TEXT NOT NULL
		) STRICT;
		CREATE TABLE sync_sessions (
			client_nonce TEXT PRIMARY KEY,
			server_nonce TEXT NOT NULL DEFAULT '',
			client_device TEXT NOT NULL,
			server_device TEXT NOT NULL DEFAULT '',
			verified INTEGER NOT NULL DEFAULT 0,
			closed INTEGER NOT NULL DEFAULT 0,
			ip TEXT NOT NULL DEFAULT '',
			client_version TEXT NOT NULL DEFAULT '',
			client_os TEXT NOT NULL DEFAULT '',
			models_uploaded INTEGER NOT NULL DEFAULT 0,
			models_downloaded INTEGER NOT NULL DEFAULT 0,
			last_active TEXT NOT NULL
		) STRICT;
		CREATE TABLE import_purgatory (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			counter INTEGER NOT NULL DEFAULT 0,
			retry_attempts INTEGER NOT NULL DEFAULT 0,
			serialized_records TEXT NOT NULL,
			exceptions TEXT NOT NULL DEFAULT ''
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// testNode is one replication participant with its own database.
type testNode struct {
	db       *sql.DB
	store    record.Store
	devices  *device.Registry
	engine   *record.Engine
	selector *Selector
	importer *Importer
	manager  *Manager
	signer   *signing.Signer
	own      *record.Device
}

// newTestNode builds a fully bootstrapped node.
func newTestNode(t *testing.T, name string, central bool) *testNode {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	signer := signing.NewSigner(key)

	db := setupTestDB(t)
	reg := record.DefaultRegistry()
	store := record.NewSQLiteStore(db, reg)
	logger := logging.Default()

	devices := device.NewRegistry(db, store, signer, device.Options{
		Name:        name,
		Central:     central,
		CentralHost: "sync.example.org",
	}, logger)

	engine := record.NewEngine(store, devices, signer, reg, logger)

	n := &testNode{
		db:       db,
		store:    store,
		devices:  devices,
		engine:   engine,
		selector: NewSelector(store, devices, reg, DefaultBatchLimit),
		importer: NewImporter(db, engine, devices, logger),
		manager:  NewManager(db, devices, engine, signer, 5*time.Minute, logger),
		signer:   signer,
	}

	n.own, err = devices.OwnDevice(context.Background())
	if err != nil {
		t.Fatalf("bootstrapping %s: %v", name, err)
	}

	return n
}

// learnDevice imports another node's self-signed device record.
func (n *testNode) learnDevice(t *testing.T, other *testNode) {
	t.Helper()

	copied := *other.own
	if err := n.engine.SaveImported(context.Background(), &copied); err != nil {
		t.Fatalf("importing device record: %v", err)
	}
}

// joinZone puts the node's own device into a zone by writing the zone
// and assignment records directly (as a trusted authority would have).
func (n *testNode) joinZone(t *testing.T, zoneID string) {
	t.Helper()
	n.assignZone(t, n.own.ID, zoneID)
}

// assignZone writes a zone and a device assignment for any device id.
func (n *testNode) assignZone(t *testing.T, deviceID, zoneID string) {
	t.Helper()
	ctx := context.Background()

	z := &record.Zone{
		Base: record.Base{ID: zoneID, SignedBy: n.own.ID},
		Name: zoneID,
	}
	if err := n.store.Put(ctx, z); err != nil {
		t.Fatalf("storing zone: %v", err)
	}

	dz := &record.DeviceZone{
		Base:   record.Base{ID: "dz_" + deviceID, SignedBy: n.own.ID},
		Device: deviceID,
		Zone:   zoneID,
	}
	if err := n.store.Put(ctx, dz); err != nil {
		t.Fatalf("storing device zone: %v", err)
	}
}

// transfer serializes records and imports them on another node.
func transfer(t *testing.T, _, to *testNode, models []record.Model) *ImportResult {
	t.Helper()

	data, err := record.Serialize(models)
	if err != nil {
		t.Fatalf("serializing transfer: %v", err)
	}
	result, err := to.importer.SaveRecords(context.Background(), []byte(data))
	if err != nil {
		t.Fatalf("importing transfer: %v", err)
	}
	return result
}

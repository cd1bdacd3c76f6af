// FieldSync - signed replication for intermittently-connected devices.
//
// This is the main entry point for the FieldSync daemon. Each process
// holds a local datastore, signs every record it authors with its own
// key, and periodically converges with peers or the central authority
// one zone at a time.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duocyber/fieldsync/internal/api"
	"github.com/duocyber/fieldsync/internal/device"
	"github.com/duocyber/fieldsync/internal/infrastructure/config"
	"github.com/duocyber/fieldsync/internal/infrastructure/database"
	"github.com/duocyber/fieldsync/internal/infrastructure/logging"
	"github.com/duocyber/fieldsync/internal/record"
	"github.com/duocyber/fieldsync/internal/signing"
	"github.com/duocyber/fieldsync/internal/sync"
	_ "github.com/duocyber/fieldsync/migrations" // register embedded migrations
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // semantic version (e.g., "1.0.0")
	commit  = "unknown" // git commit hash
	date    = "unknown" // build date
)

func main() {
	configPath := flag.String("config", "configs/fieldsync.yaml", "path to configuration file")
	flag.Parse()

	fmt.Printf("FieldSync %s (%s) built %s\n", version, commit, date)

	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Returning an error allows main to handle exit codes
// consistently.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := logging.New(cfg.Logging, version)
	logger.Info("starting fieldsync",
		"node", cfg.Node.Name,
		"central", cfg.Node.Central)

	// Storage
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // best-effort close on shutdown

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	// Identity
	signer, err := signing.LoadOrGenerate(cfg.Security.KeyPath)
	if err != nil {
		return fmt.Errorf("loading device key: %w", err)
	}

	registry := record.DefaultRegistry()
	store := record.NewSQLiteStore(db.SQLDB(), registry)

	devices := device.NewRegistry(db.SQLDB(), store, signer, device.Options{
		Name:        cfg.Node.Name,
		Description: cfg.Node.Description,
		Central:     cfg.Node.Central,
		CentralHost: cfg.Node.CentralHost,
	}, logger)

	engine := record.NewEngine(store, devices, signer, registry, logger)

	own, err := devices.OwnDevice(ctx)
	if err != nil {
		return fmt.Errorf("bootstrapping own device: %w", err)
	}
	logger.Info("own device ready", "device_id", own.ID)

	// Replication
	selector := sync.NewSelector(store, devices, registry, cfg.Sync.BatchLimit)
	importer := sync.NewImporter(db.SQLDB(), engine, devices, logger)
	sessions := sync.NewManager(db.SQLDB(), devices, engine, signer,
		cfg.GetSessionTimeout(), logger)

	go sessions.RunGCLoop(ctx, cfg.GetSessionTimeout())
	go importer.RunRetryLoop(ctx, cfg.GetPurgatoryRetryInterval())

	if cfg.Sync.PeerURL != "" && cfg.Sync.PeerSyncInterval > 0 {
		client := sync.NewClient(cfg.Sync.PeerURL, signer, devices, engine,
			selector, importer, cfg.Sync.ClientVersion, cfg.Sync.PeerTrusted, logger)
		go runPeerSyncLoop(ctx, client, cfg.Sync.Zone, cfg.GetPeerSyncInterval(), logger)
	}

	// API server
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   logger,
		Devices:  devices,
		Engine:   engine,
		Store:    store,
		Selector: selector,
		Importer: importer,
		Sessions: sessions,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	logger.Info("fieldsync running", "address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))

	<-ctx.Done()

	logger.Info("shutdown signal received")
	if err := server.Close(); err != nil {
		logger.Error("API shutdown failed", "error", err)
	}

	return nil
}

// runPeerSyncLoop runs sync rounds against the configured peer until the
// context is cancelled. Failed rounds log and retry at the next tick:
// intermittent connectivity is the expected condition, not an error
// state.
func runPeerSyncLoop(ctx context.Context, client *sync.Client, zone string, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := client.Sync(ctx, zone)
			if err != nil {
				logger.Warn("peer sync round failed", "error", err)
				continue
			}
			logger.Info("peer sync round complete",
				"downloaded", stats.Downloaded,
				"uploaded", stats.Uploaded)
		}
	}
}

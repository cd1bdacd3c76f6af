// Package database provides SQLite connection management for FieldSync.
//
// This package manages:
//   - Opening the SQLite database with WAL mode, busy timeout, and
//     foreign keys enabled
//   - A single-writer connection pool (the signed-record store relies on
//     serialised transactions for counter assignment and two-phase saves)
//   - Embedded, versioned schema migrations
//   - A connectivity health check (HealthCheck)
//
// # Migrations
//
// Migration files are embedded by the migrations package and named
// YYYYMMDD_HHMMSS_description.up.sql (with an optional matching
// .down.sql). Each migration runs in its own transaction and is recorded
// in the schema_migrations table.
//
// # Usage
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database

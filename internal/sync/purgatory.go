package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/duocyber/fieldsync/internal/device"
	"github.com/duocyber/fieldsync/internal/infrastructure/logging"
	"github.com/duocyber/fieldsync/internal/record"
)

// PurgatoryRow is one quarantined batch awaiting retry.
type PurgatoryRow struct {
	ID                int64
	CreatedAt         time.Time
	Counter           int64
	RetryAttempts     int
	SerializedRecords string
	Exceptions        string
}

// ImportResult summarises one import pass.
type ImportResult struct {
	SavedCount   int `json:"saved_model_count"`
	UnsavedCount int `json:"unsaved_model_count"`
}

// Importer ingests serialized record batches, quarantining records that
// fail validation so transient ordering gaps cannot wedge replication.
type Importer struct {
	db      *sql.DB
	engine  *record.Engine
	devices *device.Registry
	logger  *logging.Logger
}

// NewImporter creates a batch importer.
func NewImporter(db *sql.DB, engine *record.Engine, devices *device.Registry, logger *logging.Logger) *Importer {
	return &Importer{
		db:      db,
		engine:  engine,
		devices: devices,
		logger:  logger,
	}
}

// SaveRecords deserializes and imports a batch.
//
// Each record saves independently in imported mode. Validation failures
// (unknown signer, parent not yet imported, signature mismatch,
// untrusted signer) are collected into a purgatory row for later retry;
// anything else aborts the import as a fatal error.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - data: JSON array of {model, pk, fields} envelopes
//
// Returns:
//   - *ImportResult: Saved/unsaved counts
//   - error: Fatal (non-validation) failures only
func (i *Importer) SaveRecords(ctx context.Context, data []byte) (*ImportResult, error) {
	models, err := record.Deserialize(i.engine.Registry(), data)
	if err != nil {
		return nil, err
	}
	return i.importModels(ctx, models, nil)
}

// ImportModels imports already-deserialized records.
func (i *Importer) ImportModels(ctx context.Context, models []record.Model) (*ImportResult, error) {
	return i.importModels(ctx, models, nil)
}

// importModels drives one import pass. When retrying an existing
// purgatory row, the row is updated in place - or deleted once
// everything finally saves.
func (i *Importer) importModels(ctx context.Context, models []record.Model, retrying *PurgatoryRow) (*ImportResult, error) {
	var unsaved []record.Model
	var exceptions string
	saved := 0

	for _, m := range models {
		err := i.engine.SaveImported(ctx, m)
		switch {
		case err == nil:
			saved++
		case record.IsValidationError(err):
			exceptions += err.Error() + "\n"
			unsaved = append(unsaved, m)
		default:
			return nil, fmt.Errorf("importing %s %s: %w", m.ModelTag(), m.GetBase().ID, err)
		}
	}

	if len(unsaved) > 0 {
		if err := i.quarantine(ctx, unsaved, exceptions, retrying); err != nil {
			return nil, err
		}
	} else if retrying != nil {
		// Everything saved this time: the quarantine row has served.
		if err := i.deleteRow(ctx, retrying.ID); err != nil {
			return nil, err
		}
	}

	if saved > 0 || len(unsaved) > 0 {
		i.logger.Info("import pass complete",
			"saved", saved, "unsaved", len(unsaved), "retry", retrying != nil)
	}

	return &ImportResult{SavedCount: saved, UnsavedCount: len(unsaved)}, nil
}

// quarantine creates or updates the purgatory row for records that
// failed validation.
func (i *Importer) quarantine(ctx context.Context, unsaved []record.Model, exceptions string, existing *PurgatoryRow) error {
	serialized, err := record.Serialize(unsaved)
	if err != nil {
		return fmt.Errorf("serializing unsaved records: %w", err)
	}

	if existing != nil {
		_, err := i.db.ExecContext(ctx, `
			UPDATE import_purgatory SET
				serialized_records = ?, exceptions = ?, retry_attempts = retry_attempts + 1
			WHERE id = ?`,
			serialized, exceptions, existing.ID,
		)
		if err != nil {
			return fmt.Errorf("updating purgatory row: %w", err)
		}
		return nil
	}

	counter, err := i.devices.Counter(ctx)
	if err != nil {
		return err
	}

	_, err = i.db.ExecContext(ctx, `
		INSERT INTO import_purgatory (created_at, counter, retry_attempts, serialized_records, exceptions)
		VALUES (?, ?, 1, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), counter, serialized, exceptions,
	)
	if err != nil {
		return fmt.Errorf("inserting purgatory row: %w", err)
	}
	return nil
}

// Retry re-drives every purgatory row, oldest first. Rows that drain
// completely are deleted; the rest accumulate another retry attempt.
//
// There is no retry cap here: operators bound retries externally if
// they need to.
func (i *Importer) Retry(ctx context.Context) error {
	rows, err := i.ListRows(ctx)
	if err != nil {
		return err
	}

	for idx := range rows {
		row := rows[idx]
		models, err := record.Deserialize(i.engine.Registry(), []byte(row.SerializedRecords))
		if err != nil {
			i.logger.Error("purgatory row is unreadable",
				"purgatory_id", row.ID, "error", err)
			continue
		}
		if _, err := i.importModels(ctx, models, &row); err != nil {
			return err
		}
	}
	return nil
}

// RunRetryLoop re-drives purgatory periodically until the context is
// cancelled.
func (i *Importer) RunRetryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := i.Retry(ctx); err != nil {
				i.logger.Error("purgatory retry failed", "error", err)
			}
		}
	}
}

// ListRows returns all purgatory rows, oldest first.
func (i *Importer) ListRows(ctx context.Context) ([]PurgatoryRow, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT id, created_at, counter, retry_attempts, serialized_records, exceptions
		FROM import_purgatory ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing purgatory: %w", err)
	}
	defer rows.Close()

	var result []PurgatoryRow
	for rows.Next() {
		var r PurgatoryRow
		var createdAt string
		if err := rows.Scan(&r.ID, &createdAt, &r.Counter, &r.RetryAttempts,
			&r.SerializedRecords, &r.Exceptions); err != nil {
			return nil, fmt.Errorf("scanning purgatory row: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating purgatory: %w", err)
	}
	return result, nil
}

// deleteRow removes a drained purgatory row.
func (i *Importer) deleteRow(ctx context.Context, id int64) error {
	if _, err := i.db.ExecContext(ctx,
		"DELETE FROM import_purgatory WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting purgatory row: %w", err)
	}
	return nil
}

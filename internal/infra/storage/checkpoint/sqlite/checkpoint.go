// Package sqlite stores checkpoints in the settings table of a local SQLite
// database. It is the default store for single host runs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/blockscan/internal/domain/scan"
	"github.com/ahrav/blockscan/internal/infra/storage"
)

var _ scan.CheckpointRepository = (*CheckpointStore)(nil)

// CheckpointStore persists one row per checkpoint key.
type CheckpointStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewCheckpointStore wraps an open database from storage.OpenSQLite.
func NewCheckpointStore(db *sql.DB, tracer trace.Tracer) *CheckpointStore {
	return &CheckpointStore{db: db, tracer: tracer}
}

// Save upserts the checkpoint value and stamps UpdatedAt.
func (s *CheckpointStore) Save(ctx context.Context, cp *scan.Checkpoint) error {
	attrs := storage.Attrs(storage.SQLiteAttributes,
		attribute.String("checkpoint_key", cp.Key),
		attribute.Int64("last_processed_id", cp.LastProcessedID),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.save_checkpoint", attrs, func(ctx context.Context) error {
		now := time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO settings (name, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, cp.Key, cp.LastProcessedID, now)
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		cp.UpdatedAt = now
		return nil
	})
}

// Load returns nil when key has never been saved.
func (s *CheckpointStore) Load(ctx context.Context, key string) (*scan.Checkpoint, error) {
	var cp *scan.Checkpoint
	attrs := storage.Attrs(storage.SQLiteAttributes, attribute.String("checkpoint_key", key))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.load_checkpoint", attrs, func(ctx context.Context) error {
		var (
			value     int64
			updatedAt time.Time
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT value, updated_at FROM settings WHERE name = ?`, key,
		).Scan(&value, &updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		cp = &scan.Checkpoint{Key: key, LastProcessedID: value, UpdatedAt: updatedAt}
		return nil
	})
	return cp, err
}

// Delete removes key. Deleting a missing key succeeds.
func (s *CheckpointStore) Delete(ctx context.Context, key string) error {
	attrs := storage.Attrs(storage.SQLiteAttributes, attribute.String("checkpoint_key", key))
	return storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.delete_checkpoint", attrs, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE name = ?`, key); err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
		return nil
	})
}

// Package postgres stores checkpoints in the PostgreSQL settings table, next
// to the records being scanned.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/blockscan/internal/domain/scan"
	"github.com/ahrav/blockscan/internal/infra/storage"
)

var _ scan.CheckpointRepository = (*checkpointStore)(nil)

// checkpointStore provides a PostgreSQL implementation of
// scan.CheckpointRepository, enabling resumable scans across process
// restarts.
type checkpointStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewCheckpointStore creates a PostgreSQL-backed checkpoint store using the
// provided pool. The settings table must already exist.
func NewCheckpointStore(pool *pgxpool.Pool, tracer trace.Tracer) *checkpointStore {
	return &checkpointStore{pool: pool, tracer: tracer}
}

const (
	upsertCheckpoint = `
		INSERT INTO settings (name, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		RETURNING updated_at`
	getCheckpoint    = `SELECT value, updated_at FROM settings WHERE name = $1`
	deleteCheckpoint = `DELETE FROM settings WHERE name = $1`
)

// Save upserts the checkpoint and copies the database timestamp back onto cp.
func (p *checkpointStore) Save(ctx context.Context, cp *scan.Checkpoint) error {
	dbAttrs := storage.Attrs(storage.PostgresAttributes,
		attribute.String("checkpoint_key", cp.Key),
		attribute.Int64("last_processed_id", cp.LastProcessedID),
	)
	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.save_checkpoint", dbAttrs, func(ctx context.Context) error {
		if err := p.pool.QueryRow(ctx, upsertCheckpoint, cp.Key, cp.LastProcessedID).Scan(&cp.UpdatedAt); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		return nil
	})
}

// Load retrieves a checkpoint by key. Returns nil if none exists.
func (p *checkpointStore) Load(ctx context.Context, key string) (*scan.Checkpoint, error) {
	var checkpoint *scan.Checkpoint
	dbAttrs := storage.Attrs(storage.PostgresAttributes, attribute.String("checkpoint_key", key))
	err := storage.ExecuteAndTrace(ctx, p.tracer, "postgres.load_checkpoint", dbAttrs, func(ctx context.Context) error {
		cp := scan.Checkpoint{Key: key}
		if err := p.pool.QueryRow(ctx, getCheckpoint, key).Scan(&cp.LastProcessedID, &cp.UpdatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		checkpoint = &cp
		return nil
	})
	return checkpoint, err
}

// Delete removes the checkpoint for key. It is not an error if the
// checkpoint does not exist.
func (p *checkpointStore) Delete(ctx context.Context, key string) error {
	dbAttrs := storage.Attrs(storage.PostgresAttributes, attribute.String("checkpoint_key", key))
	return storage.ExecuteAndTrace(ctx, p.tracer, "postgres.delete_checkpoint", dbAttrs, func(ctx context.Context) error {
		if _, err := p.pool.Exec(ctx, deleteCheckpoint, key); err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
		return nil
	})
}

// Package badger stores checkpoints in an embedded badger key/value
// database, for hosts without a SQL settings store.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/blockscan/internal/domain/scan"
	"github.com/ahrav/blockscan/internal/infra/storage"
	"github.com/ahrav/blockscan/pkg/common/logger"
)

var _ scan.CheckpointRepository = (*CheckpointStore)(nil)

var defaultKVAttributes = []attribute.KeyValue{attribute.String("db.system", "badger")}

// record is the value stored under each checkpoint key.
type record struct {
	LastProcessedID int64     `json:"last_processed_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CheckpointStore keeps one badger entry per checkpoint key.
type CheckpointStore struct {
	db     *badger.DB
	tracer trace.Tracer
}

// Open creates dir if needed and opens the badger database inside it.
func Open(dir string, log *logger.Logger, tracer trace.Tracer) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o774); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir %s: %w", dir, err)
	}

	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log: log})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", dir, err)
	}
	return &CheckpointStore{db: db, tracer: tracer}, nil
}

// Close flushes and closes the database.
func (s *CheckpointStore) Close() error { return s.db.Close() }

func (s *CheckpointStore) Save(ctx context.Context, cp *scan.Checkpoint) error {
	attrs := storage.Attrs(defaultKVAttributes,
		attribute.String("checkpoint_key", cp.Key),
		attribute.Int64("last_processed_id", cp.LastProcessedID),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "badger.save_checkpoint", attrs, func(ctx context.Context) error {
		if cp.LastProcessedID < 0 {
			return fmt.Errorf("checkpoint %s: negative id %d", cp.Key, cp.LastProcessedID)
		}
		rec := record{LastProcessedID: cp.LastProcessedID, UpdatedAt: time.Now().UTC()}
		val, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(cp.Key), val)
		}); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		cp.UpdatedAt = rec.UpdatedAt
		return nil
	})
}

// Load returns nil when key is absent.
func (s *CheckpointStore) Load(ctx context.Context, key string) (*scan.Checkpoint, error) {
	var cp *scan.Checkpoint
	attrs := storage.Attrs(defaultKVAttributes, attribute.String("checkpoint_key", key))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "badger.load_checkpoint", attrs, func(ctx context.Context) error {
		var val []byte
		err := s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			if err != nil {
				return err
			}
			val, err = item.ValueCopy(nil)
			return err
		})
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}

		var rec record
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal checkpoint %s: %w", key, err)
		}
		cp = &scan.Checkpoint{Key: key, LastProcessedID: rec.LastProcessedID, UpdatedAt: rec.UpdatedAt}
		return nil
	})
	return cp, err
}

// Delete removes key. Badger treats deleting a missing key as a no-op.
func (s *CheckpointStore) Delete(ctx context.Context, key string) error {
	attrs := storage.Attrs(defaultKVAttributes, attribute.String("checkpoint_key", key))
	return storage.ExecuteAndTrace(ctx, s.tracer, "badger.delete_checkpoint", attrs, func(ctx context.Context) error {
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(key))
		}); err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
		return nil
	})
}

// badgerLogger routes badger's internal logging through the service logger.
type badgerLogger struct{ log *logger.Logger }

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(context.Background(), fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(context.Background(), fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(context.Background(), fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(context.Background(), fmt.Sprintf(format, args...), "component", "badger")
}

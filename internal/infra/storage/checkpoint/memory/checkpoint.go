// Package memory provides an in-process checkpoint store for tests and
// dry runs. Nothing survives a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ahrav/blockscan/internal/domain/scan"
)

var _ scan.CheckpointRepository = (*CheckpointStore)(nil)

// CheckpointStore is a thread-safe map of checkpoint key to value.
type CheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]scan.Checkpoint
}

// NewCheckpointStore creates an empty in-memory checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]scan.Checkpoint)}
}

func (s *CheckpointStore) Save(ctx context.Context, cp *scan.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *cp
	stored.UpdatedAt = time.Now()
	s.checkpoints[cp.Key] = stored
	return nil
}

// Load returns a copy so callers cannot mutate the stored value.
func (s *CheckpointStore) Load(ctx context.Context, key string) (*scan.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[key]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *CheckpointStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, key)
	return nil
}

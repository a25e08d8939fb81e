// Package memory provides an in-process record store used by tests and
// local dry runs.
package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/ahrav/blockscan/internal/domain/scan"
	"github.com/ahrav/blockscan/internal/infra/storage/records"
)

var _ scan.RecordQuerier = (*RecordStore)(nil)

// RecordStore keeps posts ordered by id.
type RecordStore struct {
	mu    sync.RWMutex
	posts []records.Post
}

// NewRecordStore creates a store seeded with posts.
func NewRecordStore(posts ...records.Post) *RecordStore {
	s := new(RecordStore)
	s.Insert(posts...)
	return s
}

// Insert adds posts, replacing any with the same id.
func (s *RecordStore) Insert(posts ...records.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range posts {
		i, found := slices.BinarySearchFunc(s.posts, p.ID, func(e records.Post, id int64) int {
			return cmp.Compare(e.ID, id)
		})
		if found {
			s.posts[i] = p
			continue
		}
		s.posts = slices.Insert(s.posts, i, p)
	}
}

// FetchPage returns up to q.Size ids above q.Filter.AfterID that match the
// filter.
func (s *RecordStore) FetchPage(ctx context.Context, q scan.PageQuery) (scan.Page, error) {
	if err := ctx.Err(); err != nil {
		return scan.Page{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f := q.Filter
	end := f.DateBeforeExclusive()
	ids := make([]int64, 0, q.Size+1)
	for _, p := range s.posts {
		if p.ID <= f.AfterID {
			continue
		}
		if p.Type != f.PostType || p.Status != f.Status {
			continue
		}
		if p.Date.Before(f.DateAfter) || !p.Date.Before(end) {
			continue
		}
		if !strings.Contains(p.Content, f.Marker) {
			continue
		}
		ids = append(ids, p.ID)
		if len(ids) > q.Size {
			break
		}
	}
	return records.Trim(ids, q.Size), nil
}

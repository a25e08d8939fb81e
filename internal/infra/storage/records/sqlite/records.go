// Package sqlite reads posts from a local SQLite database. It backs dry runs
// against an exported copy of the content tables.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/blockscan/internal/domain/scan"
	"github.com/ahrav/blockscan/internal/infra/storage"
	"github.com/ahrav/blockscan/internal/infra/storage/records"
)

var _ scan.RecordQuerier = (*RecordStore)(nil)

const fetchPage = `
	SELECT id FROM posts
	WHERE id > ?
	  AND post_type = ?
	  AND post_status = ?
	  AND post_date >= ? AND post_date < ?
	  AND instr(post_content, ?) > 0
	ORDER BY id ASC
	LIMIT ?`

// RecordStore queries the posts table.
type RecordStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewRecordStore wraps an open database from storage.OpenSQLite.
func NewRecordStore(db *sql.DB, tracer trace.Tracer) *RecordStore {
	return &RecordStore{db: db, tracer: tracer}
}

// FetchPage reads one extra row past q.Size to learn whether another page
// exists.
func (s *RecordStore) FetchPage(ctx context.Context, q scan.PageQuery) (scan.Page, error) {
	var page scan.Page
	attrs := storage.Attrs(storage.SQLiteAttributes,
		attribute.Int("page", q.Number),
		attribute.Int("size", q.Size),
		attribute.Int64("after_id", q.Filter.AfterID),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.fetch_page", attrs, func(ctx context.Context) error {
		f := q.Filter
		rows, err := s.db.QueryContext(ctx, fetchPage,
			f.AfterID,
			f.PostType,
			f.Status,
			f.DateAfter.UTC().Format(storage.SQLiteTimeLayout),
			f.DateBeforeExclusive().UTC().Format(storage.SQLiteTimeLayout),
			f.Marker,
			q.Size+1,
		)
		if err != nil {
			return fmt.Errorf("failed to query page %d: %w", q.Number, err)
		}
		defer rows.Close()

		ids := make([]int64, 0, q.Size+1)
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("failed to scan post id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read page %d: %w", q.Number, err)
		}
		page = records.Trim(ids, q.Size)
		return nil
	})
	return page, err
}

// Insert writes posts, replacing rows with the same id.
func (s *RecordStore) Insert(ctx context.Context, posts ...records.Post) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin insert: %w", err)
	}
	defer tx.Rollback()

	for _, p := range posts {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO posts (id, post_type, post_status, post_date, post_content)
			VALUES (?, ?, ?, ?, ?)
		`, p.ID, p.Type, p.Status, p.Date.UTC().Format(storage.SQLiteTimeLayout), p.Content); err != nil {
			return fmt.Errorf("failed to insert post %d: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

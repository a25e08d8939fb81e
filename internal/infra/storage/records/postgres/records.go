// Package postgres reads matching post ids from the production content
// database.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/blockscan/internal/domain/scan"
	"github.com/ahrav/blockscan/internal/infra/storage"
	"github.com/ahrav/blockscan/internal/infra/storage/records"
)

var _ scan.RecordQuerier = (*recordStore)(nil)

// The keyset predicate on id keeps every page an index range scan no
// matter how deep the run is.
const fetchPage = `
	SELECT id FROM posts
	WHERE id > $1
	  AND post_type = $2
	  AND post_status = $3
	  AND post_date >= $4 AND post_date < $5
	  AND strpos(post_content, $6) > 0
	ORDER BY id ASC
	LIMIT $7`

type recordStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewRecordStore creates a record store reading the posts table through pool.
func NewRecordStore(pool *pgxpool.Pool, tracer trace.Tracer) *recordStore {
	return &recordStore{pool: pool, tracer: tracer}
}

// FetchPage returns up to q.Size ids above the filter's AfterID.
func (r *recordStore) FetchPage(ctx context.Context, q scan.PageQuery) (scan.Page, error) {
	var page scan.Page
	dbAttrs := storage.Attrs(storage.PostgresAttributes,
		attribute.Int("page", q.Number),
		attribute.Int("size", q.Size),
		attribute.Int64("after_id", q.Filter.AfterID),
	)
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.fetch_page", dbAttrs, func(ctx context.Context) error {
		f := q.Filter
		rows, err := r.pool.Query(ctx, fetchPage,
			f.AfterID,
			f.PostType,
			f.Status,
			f.DateAfter,
			f.DateBeforeExclusive(),
			f.Marker,
			q.Size+1,
		)
		if err != nil {
			return fmt.Errorf("failed to query page %d: %w", q.Number, err)
		}

		ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("failed to read page %d: %w", q.Number, err)
		}
		page = records.Trim(ids, q.Size)
		return nil
	})
	return page, err
}

// Insert upserts posts. Used to seed test databases and local fixtures.
func (r *recordStore) Insert(ctx context.Context, posts ...records.Post) error {
	dbAttrs := storage.Attrs(storage.PostgresAttributes, attribute.Int("posts", len(posts)))
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.insert_posts", dbAttrs, func(ctx context.Context) error {
		batch := new(pgx.Batch)
		for _, p := range posts {
			batch.Queue(`
				INSERT INTO posts (id, post_type, post_status, post_date, post_content)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET
					post_type = EXCLUDED.post_type,
					post_status = EXCLUDED.post_status,
					post_date = EXCLUDED.post_date,
					post_content = EXCLUDED.post_content`,
				p.ID, p.Type, p.Status, p.Date.UTC(), p.Content)
		}
		if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert posts: %w", err)
		}
		return nil
	})
}

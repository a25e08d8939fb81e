package scan

import "context"

// CheckpointRepository persists resume points. Implementations must be
// durable across process restarts; Load returns nil, nil when key is absent
// and Delete of an absent key is not an error.
type CheckpointRepository interface {
	Load(ctx context.Context, key string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	Delete(ctx context.Context, key string) error
}

// RecordQuerier fetches pages of matching record identifiers in ascending
// order. Any returned error is treated as transient by the scanner.
type RecordQuerier interface {
	FetchPage(ctx context.Context, q PageQuery) (Page, error)
}

// Reporter receives scan output as it is produced.
type Reporter interface {
	// ReportPage is called once per non-empty page, in page order, with
	// ascending identifiers.
	ReportPage(ctx context.Context, pageNumber int, ids []int64) error
	// ReportSummary is called once when a run ends normally.
	ReportSummary(ctx context.Context, s Summary) error
}

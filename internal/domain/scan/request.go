// Package scan holds the domain model for marker scans: the request a caller
// submits, the checkpoint that makes a scan resumable, the page shape returned
// by a record store and the ports the scanner depends on.
package scan

import (
	"fmt"
	"time"
)

// DateLayout is the only accepted calendar date format.
const DateLayout = "2006-01-02"

// Defaults applied by the CLI when the operator omits a value.
const (
	DefaultBatchSize   = 100_000
	DefaultLookback    = 30 * 24 * time.Hour
	DefaultMarker      = "<!-- wp:dmg/read-more "
	DefaultPostType    = "post"
	DefaultPostStatus  = "publish"
	DefaultJobName     = "read-more"
	checkpointKeyspace = "blockscan.last_processed_id."
)

// Request is an immutable description of one scan invocation.
type Request struct {
	dateAfter  time.Time
	dateBefore time.Time
	batchSize  int
	marker     string
	postType   string
	status     string
}

// NewRequest validates raw operator input and builds a Request. All failures
// wrap ErrInvalidArgument.
func NewRequest(dateAfter, dateBefore string, batchSize int, marker string) (Request, error) {
	if batchSize <= 0 {
		return Request{}, fmt.Errorf("%w: batch size must be a positive integer, got %d", ErrInvalidArgument, batchSize)
	}
	if marker == "" {
		return Request{}, fmt.Errorf("%w: marker must not be empty", ErrInvalidArgument)
	}

	after, err := ParseDate(dateAfter)
	if err != nil {
		return Request{}, fmt.Errorf("%w: date-after: %v", ErrInvalidArgument, err)
	}
	before, err := ParseDate(dateBefore)
	if err != nil {
		return Request{}, fmt.Errorf("%w: date-before: %v", ErrInvalidArgument, err)
	}
	if after.After(before) {
		return Request{}, fmt.Errorf("%w: date-after %s is later than date-before %s",
			ErrInvalidArgument, dateAfter, dateBefore)
	}

	return Request{
		dateAfter:  after,
		dateBefore: before,
		batchSize:  batchSize,
		marker:     marker,
		postType:   DefaultPostType,
		status:     DefaultPostStatus,
	}, nil
}

// ParseDate parses a strict YYYY-MM-DD calendar date. The input must
// round-trip exactly, so "2024-2-3" and "2024-02-30" are both rejected.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, use YYYY-MM-DD", s)
	}
	if d.Format(DateLayout) != s {
		return time.Time{}, fmt.Errorf("invalid date %q, use YYYY-MM-DD", s)
	}
	return d, nil
}

// Getters for Request.
func (r Request) DateAfter() time.Time  { return r.dateAfter }
func (r Request) DateBefore() time.Time { return r.dateBefore }
func (r Request) BatchSize() int        { return r.batchSize }
func (r Request) Marker() string        { return r.marker }
func (r Request) PostType() string      { return r.postType }
func (r Request) Status() string        { return r.status }

// WithPostScope returns a copy of r restricted to records of postType in
// status. Empty arguments keep the current value.
func (r Request) WithPostScope(postType, status string) Request {
	if postType != "" {
		r.postType = postType
	}
	if status != "" {
		r.status = status
	}
	return r
}

// Filter builds the record filter for this request, excluding every id at or
// below afterID.
func (r Request) Filter(afterID int64) Filter {
	return Filter{
		PostType:   r.postType,
		Status:     r.status,
		DateAfter:  r.dateAfter,
		DateBefore: r.dateBefore,
		Marker:     r.marker,
		AfterID:    afterID,
	}
}

// CheckpointKey returns the settings key holding the resume point for job.
func CheckpointKey(job string) string {
	if job == "" {
		job = DefaultJobName
	}
	return checkpointKeyspace + job
}

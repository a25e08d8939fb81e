package scan

import (
	"slices"
	"time"
)

// Filter narrows the record store to the records a scan cares about. Date
// bounds are calendar days and inclusive at both ends.
type Filter struct {
	PostType   string
	Status     string
	DateAfter  time.Time
	DateBefore time.Time
	Marker     string
	// AfterID excludes every identifier <= AfterID. Record ids start at 1, so
	// zero excludes nothing a store can hold.
	AfterID int64
}

// DateBeforeExclusive returns the first instant after the inclusive
// DateBefore day, for half-open range comparisons.
func (f Filter) DateBeforeExclusive() time.Time { return f.DateBefore.AddDate(0, 0, 1) }

// PageQuery asks a record store for one page. Number is the 1-based ordinal
// of the page within the current run; stores page by AfterID and only use
// Number for tracing.
type PageQuery struct {
	Filter Filter
	Size   int
	Number int
}

// Page is one bounded batch of matching identifiers.
type Page struct {
	IDs        []int64
	IsLastPage bool
}

// Empty reports whether the page carries no identifiers.
func (p Page) Empty() bool { return len(p.IDs) == 0 }

// Normalize returns the page identifiers sorted, de-duplicated and strictly
// greater than afterID. The input slice is not modified.
func (p Page) Normalize(afterID int64) []int64 {
	ids := slices.Clone(p.IDs)
	if !slices.IsSorted(ids) {
		slices.Sort(ids)
	}
	ids = slices.Compact(ids)

	i, _ := slices.BinarySearch(ids, afterID+1)
	return ids[i:]
}

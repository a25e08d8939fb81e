package reporter

import (
	"context"
	"errors"

	"github.com/ahrav/blockscan/internal/domain/scan"
)

// Tee forwards every call to each reporter in order. It stops at the first
// failure so a page is never checkpointed unless every sink accepted it.
type Tee []scan.Reporter

var _ scan.Reporter = Tee(nil)

// NewTee drops nil reporters and returns a single reporter unwrapped.
func NewTee(reporters ...scan.Reporter) scan.Reporter {
	var t Tee
	for _, r := range reporters {
		if r != nil {
			t = append(t, r)
		}
	}
	if len(t) == 1 {
		return t[0]
	}
	return t
}

func (t Tee) ReportPage(ctx context.Context, pageNumber int, ids []int64) error {
	for _, r := range t {
		if err := r.ReportPage(ctx, pageNumber, ids); err != nil {
			return err
		}
	}
	return nil
}

// ReportSummary gives every reporter the summary and joins their errors.
func (t Tee) ReportSummary(ctx context.Context, s scan.Summary) error {
	var errs []error
	for _, r := range t {
		errs = append(errs, r.ReportSummary(ctx, s))
	}
	return errors.Join(errs...)
}

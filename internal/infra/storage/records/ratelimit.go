package records

import (
	"context"

	"github.com/ahrav/blockscan/internal/domain/scan"
	"github.com/ahrav/blockscan/pkg/common"
)

// RateLimited paces page queries so a long scan cannot saturate a shared
// content database.
type RateLimited struct {
	next    scan.RecordQuerier
	limiter *common.RateLimiter
}

var _ scan.RecordQuerier = (*RateLimited)(nil)

// NewRateLimited wraps next with a limiter allowing rps queries per second.
// A non-positive rps returns next unchanged.
func NewRateLimited(next scan.RecordQuerier, rps float64, burst int) scan.RecordQuerier {
	if rps <= 0 {
		return next
	}
	return &RateLimited{next: next, limiter: common.NewRateLimiter(rps, burst)}
}

// FetchPage waits for a token and then delegates. A wait cut short by ctx
// surfaces as the context error.
func (r *RateLimited) FetchPage(ctx context.Context, q scan.PageQuery) (scan.Page, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return scan.Page{}, err
	}
	return r.next.FetchPage(ctx, q)
}

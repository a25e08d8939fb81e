package scan

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Retry budget used when the operator does not override it. The default
// sequence waits 1, 2, 4, 8, 16 and 32 seconds before giving up.
const (
	DefaultMaxRetries   = 6
	DefaultInitialDelay = time.Second
)

// MaxRetryDelay caps a single backoff wait however large the retry budget.
const MaxRetryDelay = time.Hour

// Policy decides whether and how long to wait before retrying a failed page
// fetch. Attempts are 1-based: attempt 1 is the first retry after the
// initial failure.
type Policy struct {
	InitialDelay time.Duration
	MaxRetries   int
}

// DefaultPolicy returns the 1s doubling policy capped at six retries.
func DefaultPolicy() Policy {
	return Policy{InitialDelay: DefaultInitialDelay, MaxRetries: DefaultMaxRetries}
}

// ShouldRetry returns false once attempt exceeds the retry budget.
func (p Policy) ShouldRetry(attempt int) bool { return attempt >= 1 && attempt <= p.MaxRetries }

// NextDelay returns the wait before retry attempt, doubling from
// InitialDelay and saturating at MaxRetryDelay.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 || p.InitialDelay <= 0 {
		return 0
	}
	d := min(p.InitialDelay, MaxRetryDelay)
	for i := 1; i < attempt; i++ {
		if d >= MaxRetryDelay/2 {
			return MaxRetryDelay
		}
		d *= 2
	}
	return d
}

// NewBackOff returns a stateful backoff producing the same sequence as
// NextDelay and returning backoff.Stop after MaxRetries delays. Reset it
// after every successful fetch.
func (p Policy) NewBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = min(p.InitialDelay, MaxRetryDelay)
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = MaxRetryDelay
	exp.MaxElapsedTime = 0
	exp.Reset()

	if p.MaxRetries <= 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(exp, uint64(p.MaxRetries))
}

// Package scan drives a marker scan to completion: it pages through the
// record store, streams matches to a reporter, checkpoints after every page
// and retries transient query failures with exponential backoff.
//
// A Scanner is single threaded by construction. Two runs sharing a job name
// must not execute concurrently; nothing here locks the checkpoint key.
package scan

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/blockscan/internal/domain/scan"
	"github.com/ahrav/blockscan/pkg/common/logger"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// TransitionFunc observes state machine transitions.
type TransitionFunc func(from, to scan.State)

// Scanner orchestrates paging, checkpointing, retrying and reporting.
type Scanner struct {
	checkpoints scan.CheckpointRepository
	records     scan.RecordQuerier
	reporter    scan.Reporter

	policy       scan.Policy
	job          string
	sleep        SleepFunc
	onTransition TransitionFunc
	heapAlloc    func() uint64
	now          func() time.Time
	newRunID     func() string

	logger  *logger.Logger
	metrics ScanMetrics
	tracer  trace.Tracer
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithPolicy overrides the default retry policy.
func WithPolicy(p scan.Policy) Option { return func(s *Scanner) { s.policy = p } }

// WithJob scopes the checkpoint key to job.
func WithJob(job string) Option { return func(s *Scanner) { s.job = job } }

// WithSleep replaces the backoff wait. Tests use it to observe delays
// without waiting.
func WithSleep(fn SleepFunc) Option { return func(s *Scanner) { s.sleep = fn } }

// WithTransitionHook registers fn to observe every state change.
func WithTransitionHook(fn TransitionFunc) Option { return func(s *Scanner) { s.onTransition = fn } }

// WithMetrics records scan metrics to m.
func WithMetrics(m ScanMetrics) Option { return func(s *Scanner) { s.metrics = m } }

// WithClock replaces time.Now for elapsed time accounting.
func WithClock(now func() time.Time) Option { return func(s *Scanner) { s.now = now } }

// WithRunID fixes the identifier attached to logs and the summary.
func WithRunID(id string) Option { return func(s *Scanner) { s.newRunID = func() string { return id } } }

// NewScanner creates a Scanner with the default retry policy and job name.
func NewScanner(
	checkpoints scan.CheckpointRepository,
	records scan.RecordQuerier,
	reporter scan.Reporter,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Scanner {
	s := &Scanner{
		checkpoints: checkpoints,
		records:     records,
		reporter:    reporter,
		policy:      scan.DefaultPolicy(),
		job:         scan.DefaultJobName,
		sleep:       sleepContext,
		heapAlloc:   heapAlloc,
		now:         time.Now,
		newRunID:    func() string { return uuid.New().String() },
		logger:      logger,
		metrics:     noopMetrics{},
		tracer:      tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run carries the mutable state of one Run invocation.
type run struct {
	*Scanner

	req     scan.Request
	key     string
	state   scan.State
	lastID  int64
	summary scan.Summary
	log     *logger.Logger
}

func (r *run) transition(ctx context.Context, next scan.State) {
	if !r.state.CanTransitionTo(next) {
		r.log.Error(ctx, "invalid scanner transition", "from", r.state.String(), "to", next.String())
	}
	if r.onTransition != nil {
		r.onTransition(r.state, next)
	}
	r.log.Debug(ctx, "scanner state change", "from", r.state.String(), "to", next.String())
	r.state = next
}

// Run scans every record matching req, resuming after the persisted
// checkpoint if one exists. It returns the run summary and, on abnormal
// termination, an error matching scan.ErrFatal, scan.ErrInvalidArgument or
// the context error. A failed or interrupted run never modifies the last
// persisted checkpoint beyond the pages it fully reported.
func (s *Scanner) Run(ctx context.Context, req scan.Request) (scan.Summary, error) {
	if req.BatchSize() <= 0 {
		return scan.Summary{}, fmt.Errorf("%w: batch size must be a positive integer", scan.ErrInvalidArgument)
	}

	runID := s.newRunID()
	ctx, span := s.tracer.Start(ctx, "scanner.run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("job", s.job),
			attribute.Int("batch_size", req.BatchSize()),
			attribute.String("date_after", req.DateAfter().Format(scan.DateLayout)),
			attribute.String("date_before", req.DateBefore().Format(scan.DateLayout)),
		))
	defer span.End()

	r := &run{
		Scanner: s,
		req:     req,
		key:     scan.CheckpointKey(s.job),
		state:   scan.StateIdle,
		summary: scan.Summary{RunID: runID, Job: s.job},
		log:     s.logger.With("run_id", runID, "job", s.job),
	}

	start := s.now()
	heapBefore := s.heapAlloc()
	summary, err := r.execute(ctx)
	summary.Elapsed = s.now().Sub(start)
	summary.MemoryDelta = int64(s.heapAlloc()) - int64(heapBefore)
	s.metrics.ObserveRunDuration(ctx, summary.Elapsed)

	span.SetAttributes(
		attribute.Int("total_found", summary.TotalFound),
		attribute.Int("pages", summary.Pages),
		attribute.Int("retries", summary.Retries),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return summary, err
	}

	if err := s.reporter.ReportSummary(ctx, summary); err != nil {
		return summary, scan.NewFatalError("report summary", err)
	}
	return summary, nil
}

func (r *run) execute(ctx context.Context) (scan.Summary, error) {
	cp, err := r.checkpoints.Load(ctx, r.key)
	if err != nil {
		r.transition(ctx, scan.StateFailed)
		return r.summary, scan.NewFatalError("load checkpoint", err)
	}
	if cp != nil {
		r.lastID = cp.LastProcessedID
	}

	r.log.Info(ctx, "starting scan",
		"date_after", r.req.DateAfter().Format(scan.DateLayout),
		"date_before", r.req.DateBefore().Format(scan.DateLayout),
		"batch_size", r.req.BatchSize(),
		"resume_after_id", r.lastID,
	)

	bo := r.policy.NewBackOff()
	pageNum, attempt := 1, 0
	r.transition(ctx, scan.StateFetchingPage)

pages:
	for {
		page, err := r.fetch(ctx, pageNum)
		switch {
		case err != nil && ctx.Err() != nil:
			r.transition(ctx, scan.StateFailed)
			return r.summary, fmt.Errorf("scan interrupted on page %d: %w", pageNum, ctx.Err())

		case err != nil:
			attempt++
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				r.transition(ctx, scan.StateFailed)
				r.log.Error(ctx, "query failed, giving up",
					"page", pageNum,
					"attempts", attempt,
					"error", err,
				)
				return r.summary, scan.NewFatalError(
					fmt.Sprintf("fetch page %d", pageNum),
					fmt.Errorf("%w after %d retries: %w", scan.ErrRetriesExhausted, attempt-1, err),
				)
			}

			r.transition(ctx, scan.StateRetrying)
			r.summary.Retries++
			r.metrics.IncRetries(ctx)
			r.log.Warn(ctx, "query failed, retrying",
				"page", pageNum,
				"attempt", attempt,
				"max_retries", r.policy.MaxRetries,
				"delay", delay.String(),
				"error", err,
			)
			if err := r.sleep(ctx, delay); err != nil {
				r.transition(ctx, scan.StateFailed)
				return r.summary, fmt.Errorf("scan interrupted during backoff on page %d: %w", pageNum, err)
			}
			r.transition(ctx, scan.StateFetchingPage)
			continue

		case page.Empty():
			break pages
		}

		attempt = 0
		bo.Reset()

		ids := page.Normalize(r.lastID)
		if len(ids) == 0 {
			r.log.Warn(ctx, "page held no identifiers above checkpoint, stopping",
				"page", pageNum,
				"after_id", r.lastID,
				"returned", len(page.IDs),
			)
			break pages
		}

		r.transition(ctx, scan.StateEmittingPage)
		if err := r.emit(ctx, pageNum, ids); err != nil {
			r.transition(ctx, scan.StateFailed)
			return r.summary, err
		}

		if page.IsLastPage {
			break pages
		}
		pageNum++
		r.transition(ctx, scan.StateFetchingPage)
	}

	// Every page has been reported, so a cancellation arriving now must not
	// leave the final checkpoint behind.
	if r.summary.TotalFound > 0 {
		if err := r.checkpoints.Delete(context.WithoutCancel(ctx), r.key); err != nil {
			r.transition(ctx, scan.StateFailed)
			return r.summary, scan.NewFatalError("clear checkpoint", err)
		}
	}
	r.transition(ctx, scan.StateDone)
	r.summary.Completed = true

	r.log.Info(ctx, "scan complete",
		"total_found", r.summary.TotalFound,
		"pages", r.summary.Pages,
		"retries", r.summary.Retries,
	)
	return r.summary, nil
}

func (r *run) fetch(ctx context.Context, pageNum int) (scan.Page, error) {
	ctx, span := r.tracer.Start(ctx, "scanner.fetch_page",
		trace.WithAttributes(
			attribute.Int("page", pageNum),
			attribute.Int64("after_id", r.lastID),
			attribute.Int("size", r.req.BatchSize()),
		))
	defer span.End()

	page, err := r.records.FetchPage(ctx, scan.PageQuery{
		Filter: r.req.Filter(r.lastID),
		Size:   r.req.BatchSize(),
		Number: pageNum,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.IncFetchErrors(ctx)
		return scan.Page{}, err
	}

	r.metrics.IncPagesFetched(ctx)
	span.SetAttributes(
		attribute.Int("ids", len(page.IDs)),
		attribute.Bool("last_page", page.IsLastPage),
	)
	return page, nil
}

// emit reports ids and then advances the checkpoint to the last of them.
func (r *run) emit(ctx context.Context, pageNum int, ids []int64) error {
	if err := r.reporter.ReportPage(ctx, pageNum, ids); err != nil {
		return scan.NewFatalError(fmt.Sprintf("report page %d", pageNum), err)
	}
	r.summary.TotalFound += len(ids)
	r.summary.Pages++
	r.metrics.AddIDsEmitted(ctx, len(ids))

	// A reported page is checkpointed even while the run is being cancelled,
	// otherwise the next run would emit it again.
	next := ids[len(ids)-1]
	if err := r.checkpoints.Save(context.WithoutCancel(ctx), scan.NewCheckpoint(r.key, next)); err != nil {
		r.log.Error(ctx, "failed to persist checkpoint", "page", pageNum, "last_id", next, "error", err)
		return scan.NewFatalError("save checkpoint", err)
	}
	r.lastID = next
	r.summary.LastID = next

	r.log.Debug(ctx, "page processed", "page", pageNum, "ids", len(ids), "last_id", next)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func heapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

package scan

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/blockscan/internal/domain/scan"
	cpmemory "github.com/ahrav/blockscan/internal/infra/storage/checkpoint/memory"
	"github.com/ahrav/blockscan/internal/infra/storage/records"
	recmemory "github.com/ahrav/blockscan/internal/infra/storage/records/memory"
	"github.com/ahrav/blockscan/pkg/common/logger"
	"github.com/ahrav/blockscan/pkg/common/otel"
)

const testJob = "test-job"

var testKey = scan.CheckpointKey(testJob)

// seedStore returns a store holding n matching posts with ids 1..n plus
// noise that must never be reported.
func seedStore(n int) *recmemory.RecordStore {
	date := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	store := recmemory.NewRecordStore()
	for i := 1; i <= n; i++ {
		store.Insert(records.PublishedPost(int64(i), date, "intro "+scan.DefaultMarker+"{} /--> outro"))
	}
	store.Insert(
		records.PublishedPost(int64(n+1), date, "plain content"),
		records.PublishedPost(int64(n+2), date.AddDate(0, 3, 0), scan.DefaultMarker),
	)
	return store
}

func newRequest(t *testing.T, batch int) scan.Request {
	t.Helper()
	req, err := scan.NewRequest("2024-01-01", "2024-01-31", batch, scan.DefaultMarker)
	require.NoError(t, err)
	return req
}

type recordingReporter struct {
	mu        sync.Mutex
	pages     [][]int64
	summaries []scan.Summary
	onPage    func(pageNumber int)
	err       error
}

func (r *recordingReporter) ReportPage(_ context.Context, pageNumber int, ids []int64) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	r.pages = append(r.pages, append([]int64(nil), ids...))
	r.mu.Unlock()
	if r.onPage != nil {
		r.onPage(pageNumber)
	}
	return nil
}

func (r *recordingReporter) ReportSummary(_ context.Context, s scan.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return nil
}

func (r *recordingReporter) all() []int64 {
	var out []int64
	for _, p := range r.pages {
		out = append(out, p...)
	}
	return out
}

func (r *recordingReporter) sizes() []int {
	out := make([]int, 0, len(r.pages))
	for _, p := range r.pages {
		out = append(out, len(p))
	}
	return out
}

// recordingCheckpoints keeps every saved value on top of the memory store.
type recordingCheckpoints struct {
	*cpmemory.CheckpointStore
	saved []int64
}

func newRecordingCheckpoints() *recordingCheckpoints {
	return &recordingCheckpoints{CheckpointStore: cpmemory.NewCheckpointStore()}
}

func (c *recordingCheckpoints) Save(ctx context.Context, cp *scan.Checkpoint) error {
	c.saved = append(c.saved, cp.LastProcessedID)
	return c.CheckpointStore.Save(ctx, cp)
}

// flakyQuerier fails whenever failOn returns true for the 1-based call number.
type flakyQuerier struct {
	delegate scan.RecordQuerier
	failOn   func(call int) bool
	calls    int
	queries  []scan.PageQuery
}

func (f *flakyQuerier) FetchPage(ctx context.Context, q scan.PageQuery) (scan.Page, error) {
	f.calls++
	f.queries = append(f.queries, q)
	if f.failOn != nil && f.failOn(f.calls) {
		return scan.Page{}, errors.New("connection reset by peer")
	}
	return f.delegate.FetchPage(ctx, q)
}

type sleepRecorder struct{ delays []time.Duration }

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestScanner(cp scan.CheckpointRepository, q scan.RecordQuerier, rep scan.Reporter, opts ...Option) *Scanner {
	base := []Option{WithJob(testJob), WithRunID("run-1"), WithSleep(func(context.Context, time.Duration) error { return nil })}
	return NewScanner(cp, q, rep, logger.Noop(), otel.NoopTracer(), append(base, opts...)...)
}

func expectedIDs(n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	return ids
}

func TestScanner_ThreePagesCompleteAndClearCheckpoint(t *testing.T) {
	checkpoints := newRecordingCheckpoints()
	reporter := new(recordingReporter)
	s := newTestScanner(checkpoints, seedStore(250), reporter)

	summary, err := s.Run(context.Background(), newRequest(t, 100))
	require.NoError(t, err)

	assert.Equal(t, []int{100, 100, 50}, reporter.sizes())
	assert.Equal(t, expectedIDs(250), reporter.all())
	assert.Equal(t, 250, summary.TotalFound)
	assert.Equal(t, 3, summary.Pages)
	assert.True(t, summary.Completed)
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, []int64{100, 200, 250}, checkpoints.saved)

	cp, err := checkpoints.Load(context.Background(), testKey)
	require.NoError(t, err)
	assert.Nil(t, cp, "checkpoint should be cleared after a complete scan")

	require.Len(t, reporter.summaries, 1)
	assert.Equal(t, 250, reporter.summaries[0].TotalFound)
}

func TestScanner_ExactMultipleOfBatch(t *testing.T) {
	reporter := new(recordingReporter)
	q := &flakyQuerier{delegate: seedStore(200)}
	s := newTestScanner(cpmemory.NewCheckpointStore(), q, reporter)

	summary, err := s.Run(context.Background(), newRequest(t, 100))
	require.NoError(t, err)

	assert.Equal(t, []int{100, 100}, reporter.sizes())
	assert.Equal(t, 200, summary.TotalFound)
	assert.Equal(t, 2, q.calls, "the last page reports no more results, so no extra fetch")
}

func TestScanner_ZeroResultsLeavesCheckpointUnchanged(t *testing.T) {
	ctx := context.Background()
	checkpoints := cpmemory.NewCheckpointStore()
	require.NoError(t, checkpoints.Save(ctx, scan.NewCheckpoint(testKey, 5000)))

	reporter := new(recordingReporter)
	s := newTestScanner(checkpoints, seedStore(10), reporter)

	summary, err := s.Run(ctx, newRequest(t, 100))
	require.NoError(t, err)

	assert.Zero(t, summary.TotalFound)
	assert.True(t, summary.Completed)
	assert.Empty(t, reporter.pages)
	require.Len(t, reporter.summaries, 1)

	cp, err := checkpoints.Load(ctx, testKey)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(5000), cp.LastProcessedID)
}

func TestScanner_ResumesAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	checkpoints := cpmemory.NewCheckpointStore()
	require.NoError(t, checkpoints.Save(ctx, scan.NewCheckpoint(testKey, 40)))

	reporter := new(recordingReporter)
	q := &flakyQuerier{delegate: seedStore(50)}
	s := newTestScanner(checkpoints, q, reporter)

	summary, err := s.Run(ctx, newRequest(t, 100))
	require.NoError(t, err)

	assert.Equal(t, expectedIDs(50)[40:], reporter.all())
	assert.Equal(t, 10, summary.TotalFound)
	assert.Equal(t, int64(40), q.queries[0].Filter.AfterID)
}

func TestScanner_RetriesThenSucceeds(t *testing.T) {
	reporter := new(recordingReporter)
	sleeper := new(sleepRecorder)
	q := &flakyQuerier{delegate: seedStore(30), failOn: func(call int) bool { return call <= 2 }}
	s := newTestScanner(cpmemory.NewCheckpointStore(), q, reporter, WithSleep(sleeper.sleep))

	summary, err := s.Run(context.Background(), newRequest(t, 100))
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
	assert.Equal(t, 2, summary.Retries)
	assert.True(t, summary.Retried())
	assert.Equal(t, 30, summary.TotalFound)
	assert.Equal(t, 3, q.calls)
	for _, query := range q.queries {
		assert.Equal(t, 1, query.Number, "retries must re-request the same page")
	}
}

func TestScanner_RetryBudgetResetsAfterSuccess(t *testing.T) {
	sleeper := new(sleepRecorder)
	// Call 1 fails (page 1), call 2 succeeds, call 3 fails (page 2), call 4 succeeds.
	q := &flakyQuerier{delegate: seedStore(15), failOn: func(call int) bool { return call == 1 || call == 3 }}
	s := newTestScanner(cpmemory.NewCheckpointStore(), q, new(recordingReporter), WithSleep(sleeper.sleep))

	summary, err := s.Run(context.Background(), newRequest(t, 10))
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{time.Second, time.Second}, sleeper.delays)
	assert.Equal(t, 15, summary.TotalFound)
}

func TestScanner_ExhaustedRetriesFailWithoutTouchingCheckpoint(t *testing.T) {
	ctx := context.Background()
	checkpoints := cpmemory.NewCheckpointStore()
	require.NoError(t, checkpoints.Save(ctx, scan.NewCheckpoint(testKey, 3)))

	reporter := new(recordingReporter)
	sleeper := new(sleepRecorder)
	q := &flakyQuerier{delegate: seedStore(10), failOn: func(int) bool { return true }}
	s := newTestScanner(checkpoints, q, reporter, WithSleep(sleeper.sleep))

	summary, err := s.Run(ctx, newRequest(t, 100))
	require.Error(t, err)

	assert.ErrorIs(t, err, scan.ErrFatal)
	assert.ErrorIs(t, err, scan.ErrRetriesExhausted)
	assert.Contains(t, err.Error(), "connection reset by peer")
	var fatal *scan.FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, "fetch page 1", fatal.Op)

	assert.Equal(t, 7, q.calls, "one initial attempt plus six retries, no fetch after abandoning")
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 32 * time.Second,
	}, sleeper.delays)
	assert.Equal(t, 6, summary.Retries)
	assert.False(t, summary.Completed)
	assert.Empty(t, reporter.pages)
	assert.Empty(t, reporter.summaries)

	cp, err := checkpoints.Load(ctx, testKey)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(3), cp.LastProcessedID)
}

func TestScanner_ResumeAfterFailureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := seedStore(95)
	checkpoints := newRecordingCheckpoints()

	// First run dies on page 3 after pages 1 and 2 succeeded.
	first := new(recordingReporter)
	broken := &flakyQuerier{delegate: store, failOn: func(call int) bool { return call >= 3 }}
	_, err := newTestScanner(checkpoints, broken, first).Run(ctx, newRequest(t, 20))
	require.ErrorIs(t, err, scan.ErrFatal)
	assert.Equal(t, []int{20, 20}, first.sizes())

	cp, err := checkpoints.Load(ctx, testKey)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(40), cp.LastProcessedID)

	second := new(recordingReporter)
	summary, err := newTestScanner(checkpoints, store, second).Run(ctx, newRequest(t, 20))
	require.NoError(t, err)
	assert.Equal(t, 55, summary.TotalFound)

	union := append(first.all(), second.all()...)
	assert.Equal(t, expectedIDs(95), union, "resumed runs must emit every id exactly once")

	assert.True(t, slices.IsSorted(checkpoints.saved), "checkpoint must never move backwards")
	assert.Equal(t, []int64{20, 40, 60, 80, 95}, checkpoints.saved)
}

func TestScanner_CancelledBetweenPagesResumesCleanly(t *testing.T) {
	store := seedStore(60)
	checkpoints := cpmemory.NewCheckpointStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := &recordingReporter{onPage: func(page int) {
		if page == 2 {
			cancel()
		}
	}}

	_, err := newTestScanner(checkpoints, store, first).Run(ctx, newRequest(t, 10))
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, scan.ErrFatal)
	assert.Equal(t, []int{10, 10}, first.sizes())

	cp, err := checkpoints.Load(context.Background(), testKey)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(20), cp.LastProcessedID, "the page reported before cancellation is checkpointed")

	second := new(recordingReporter)
	_, err = newTestScanner(checkpoints, store, second).Run(context.Background(), newRequest(t, 10))
	require.NoError(t, err)

	assert.Equal(t, expectedIDs(60), append(first.all(), second.all()...))
}

// ctxCheckpoints refuses every call made with a done context, as a database
// driver would.
type ctxCheckpoints struct{ *cpmemory.CheckpointStore }

func (c ctxCheckpoints) Load(ctx context.Context, key string) (*scan.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.CheckpointStore.Load(ctx, key)
}

func (c ctxCheckpoints) Save(ctx context.Context, cp *scan.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.CheckpointStore.Save(ctx, cp)
}

func (c ctxCheckpoints) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.CheckpointStore.Delete(ctx, key)
}

func TestScanner_CancelledDuringLastPageStillCompletes(t *testing.T) {
	checkpoints := ctxCheckpoints{cpmemory.NewCheckpointStore()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reporter := &recordingReporter{onPage: func(page int) {
		if page == 3 {
			cancel()
		}
	}}

	var states []scan.State
	hook := func(_, to scan.State) { states = append(states, to) }

	summary, err := newTestScanner(checkpoints, seedStore(25), reporter, WithTransitionHook(hook)).
		Run(ctx, newRequest(t, 10))
	require.NoError(t, err)
	assert.True(t, summary.Completed)
	assert.Equal(t, 25, summary.TotalFound)
	assert.Equal(t, []int{10, 10, 5}, reporter.sizes())
	require.NotEmpty(t, states)
	assert.Equal(t, scan.StateDone, states[len(states)-1])

	cp, err := checkpoints.Load(context.Background(), testKey)
	require.NoError(t, err)
	assert.Nil(t, cp, "a fully reported scan must not leave a checkpoint behind")
}

func TestScanner_ClearCheckpointFailureIsFatal(t *testing.T) {
	checkpoints := new(mockCheckpoints)
	checkpoints.On("Load", mock.Anything, testKey).Return(nil, nil)
	checkpoints.On("Save", mock.Anything, mock.Anything).Return(nil)
	checkpoints.On("Delete", mock.Anything, testKey).Return(errors.New("disk full"))

	var states []scan.State
	hook := func(_, to scan.State) { states = append(states, to) }

	summary, err := newTestScanner(checkpoints, seedStore(5), new(recordingReporter), WithTransitionHook(hook)).
		Run(context.Background(), newRequest(t, 10))
	require.ErrorIs(t, err, scan.ErrFatal)
	assert.False(t, summary.Completed)
	require.NotEmpty(t, states)
	assert.Equal(t, scan.StateFailed, states[len(states)-1])
	assert.NotContains(t, states, scan.StateDone)
}

func TestScanner_CancelledDuringBackoff(t *testing.T) {
	checkpoints := cpmemory.NewCheckpointStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := &flakyQuerier{delegate: seedStore(10), failOn: func(int) bool { return true }}
	sleep := func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}
	s := newTestScanner(checkpoints, q, new(recordingReporter), WithSleep(sleep))

	_, err := s.Run(ctx, newRequest(t, 100))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.calls)

	cp, err := checkpoints.Load(context.Background(), testKey)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

type mockCheckpoints struct{ mock.Mock }

func (m *mockCheckpoints) Load(ctx context.Context, key string) (*scan.Checkpoint, error) {
	args := m.Called(ctx, key)
	if cp := args.Get(0); cp != nil {
		return cp.(*scan.Checkpoint), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCheckpoints) Save(ctx context.Context, cp *scan.Checkpoint) error {
	return m.Called(ctx, cp).Error(0)
}

func (m *mockCheckpoints) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type mockQuerier struct{ mock.Mock }

func (m *mockQuerier) FetchPage(ctx context.Context, q scan.PageQuery) (scan.Page, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(scan.Page), args.Error(1)
}

func TestScanner_InvalidRequestTouchesNothing(t *testing.T) {
	checkpoints := new(mockCheckpoints)
	q := new(mockQuerier)
	s := newTestScanner(checkpoints, q, new(recordingReporter))

	_, err := s.Run(context.Background(), scan.Request{})
	require.ErrorIs(t, err, scan.ErrInvalidArgument)

	checkpoints.AssertNotCalled(t, "Load", mock.Anything, mock.Anything)
	q.AssertNotCalled(t, "FetchPage", mock.Anything, mock.Anything)
}

func TestScanner_CheckpointWriteFailureIsFatal(t *testing.T) {
	checkpoints := new(mockCheckpoints)
	checkpoints.On("Load", mock.Anything, testKey).Return(nil, nil)
	checkpoints.On("Save", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	q := new(mockQuerier)
	q.On("FetchPage", mock.Anything, mock.Anything).Return(scan.Page{IDs: []int64{1, 2, 3}}, nil).Once()

	reporter := new(recordingReporter)
	s := newTestScanner(checkpoints, q, reporter)

	_, err := s.Run(context.Background(), newRequest(t, 3))
	require.ErrorIs(t, err, scan.ErrFatal)
	assert.Contains(t, err.Error(), "save checkpoint")
	assert.Equal(t, [][]int64{{1, 2, 3}}, reporter.pages)

	checkpoints.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	q.AssertNumberOfCalls(t, "FetchPage", 1)
}

func TestScanner_CheckpointLoadFailureIsFatal(t *testing.T) {
	checkpoints := new(mockCheckpoints)
	checkpoints.On("Load", mock.Anything, testKey).Return(nil, errors.New("settings unavailable"))
	q := new(mockQuerier)

	_, err := newTestScanner(checkpoints, q, new(recordingReporter)).Run(context.Background(), newRequest(t, 10))
	require.ErrorIs(t, err, scan.ErrFatal)
	q.AssertNotCalled(t, "FetchPage", mock.Anything, mock.Anything)
}

func TestScanner_ReporterFailureStopsBeforeCheckpoint(t *testing.T) {
	checkpoints := newRecordingCheckpoints()
	reporter := &recordingReporter{err: errors.New("broken pipe")}

	_, err := newTestScanner(checkpoints, seedStore(5), reporter).Run(context.Background(), newRequest(t, 10))
	require.ErrorIs(t, err, scan.ErrFatal)
	assert.Empty(t, checkpoints.saved)
}

func TestScanner_SortsAndFiltersBackendOutput(t *testing.T) {
	ctx := context.Background()
	checkpoints := cpmemory.NewCheckpointStore()
	require.NoError(t, checkpoints.Save(ctx, scan.NewCheckpoint(testKey, 10)))

	q := new(mockQuerier)
	q.On("FetchPage", mock.Anything, mock.MatchedBy(func(pq scan.PageQuery) bool { return pq.Filter.AfterID == 10 })).
		Return(scan.Page{IDs: []int64{14, 10, 12, 12, 9}, IsLastPage: false}, nil).Once()
	q.On("FetchPage", mock.Anything, mock.MatchedBy(func(pq scan.PageQuery) bool { return pq.Filter.AfterID == 14 })).
		Return(scan.Page{IsLastPage: true}, nil).Once()

	reporter := new(recordingReporter)
	summary, err := newTestScanner(checkpoints, q, reporter).Run(ctx, newRequest(t, 5))
	require.NoError(t, err)

	assert.Equal(t, [][]int64{{12, 14}}, reporter.pages)
	assert.Equal(t, 2, summary.TotalFound)
	q.AssertExpectations(t)
}

func TestScanner_StateTransitions(t *testing.T) {
	var states []scan.State
	hook := func(_, to scan.State) { states = append(states, to) }

	q := &flakyQuerier{delegate: seedStore(15), failOn: func(call int) bool { return call == 2 }}
	s := newTestScanner(cpmemory.NewCheckpointStore(), q, new(recordingReporter), WithTransitionHook(hook))

	_, err := s.Run(context.Background(), newRequest(t, 10))
	require.NoError(t, err)

	assert.Equal(t, []scan.State{
		scan.StateFetchingPage,
		scan.StateEmittingPage,
		scan.StateFetchingPage,
		scan.StateRetrying,
		scan.StateFetchingPage,
		scan.StateEmittingPage,
		scan.StateDone,
	}, states)
}

func TestScanner_ElapsedUsesClock(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := 0
	clock := func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Second)
	}

	summary, err := newTestScanner(cpmemory.NewCheckpointStore(), seedStore(1), new(recordingReporter), WithClock(clock)).
		Run(context.Background(), newRequest(t, 10))
	require.NoError(t, err)
	assert.Equal(t, time.Second, summary.Elapsed)
}

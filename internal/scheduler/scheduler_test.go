package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-detect/internal/engine"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/queue"
	"github.com/miradorstack/mirador-detect/internal/store"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

var base = time.Date(2024, 5, 2, 10, 17, 0, 0, time.UTC)

type fakeExecutor struct {
	mu         sync.Mutex
	detects    []int64
	backfills  [][2]time.Time
	result     *engine.Result
	err        error
	onBackfill func()
}

func (f *fakeExecutor) Detect(_ context.Context, job *models.Job) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detects = append(f.detects, job.ID)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &engine.Result{Status: models.JobStatusRunning}, nil
}

func (f *fakeExecutor) Backfill(_ context.Context, _ *models.Job, start, end time.Time) (*engine.BackfillReport, error) {
	f.mu.Lock()
	f.backfills = append(f.backfills, [2]time.Time{start, end})
	hook := f.onBackfill
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return &engine.BackfillReport{}, nil
}

func (f *fakeExecutor) detectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.detects)
}

type harness struct {
	srv   *miniredis.Miniredis
	clock *clock.Mock
	jobs  *store.JobStore
	queue *queue.Queue
	svc   *Service
	exec  *fakeExecutor
	loop  *ExecutionLoop
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mock := clock.NewMock()
	mock.Set(base)
	jobs := store.NewJobStore(client, "")
	q := queue.New(client, "jobs", jobs)
	svc := NewService(q, jobs, mock, nil)
	exec := &fakeExecutor{}
	loop := NewExecutionLoop(svc, q, exec, mock, LoopConfig{Workers: 2, BackfillOnLag: true}, nil)
	return &harness{srv: srv, clock: mock, jobs: jobs, queue: q, svc: svc, exec: exec, loop: loop}
}

func hourlyJob(id int64) *models.Job {
	return &models.Job{
		ID:               id,
		TestName:         "pageviews",
		Query:            `{"queryType":"groupBy"}`,
		Status:           models.JobStatusCreated,
		Granularity:      models.GranularityHour,
		GranularityRange: 1,
	}
}

func (h *harness) score(t *testing.T, key string, id string) (float64, bool) {
	t.Helper()
	score, err := h.srv.ZScore(key, id)
	if err != nil {
		return 0, false
	}
	return score, true
}

func minutes(t time.Time) int64 { return utils.EpochMinutes(t) }

func TestScheduleJobQueuesAndPersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	times, err := h.svc.ScheduleJob(ctx, hourlyJob(7))
	require.NoError(t, err)

	hour := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, minutes(hour), times.QueryTime)
	assert.Equal(t, minutes(hour)+7, times.RunTime)

	score, ok := h.score(t, queue.ReadyKey("jobs"), "7")
	require.True(t, ok)
	assert.Equal(t, float64(times.RunTime), score)

	stored, err := h.jobs.GetJob(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stored.Status)
	assert.Equal(t, times.RunTime, stored.EffectiveRunTime)
	assert.Equal(t, times.QueryTime, stored.EffectiveQueryTime)
}

func TestStopJobRemovesEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ScheduleJob(ctx, hourlyJob(7))
	require.NoError(t, err)
	require.NoError(t, h.svc.StopJob(ctx, 7))

	_, ok := h.score(t, queue.ReadyKey("jobs"), "7")
	assert.False(t, ok)
	stored, err := h.jobs.GetJob(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusStopped, stored.Status)

	assert.ErrorIs(t, h.svc.StopJob(ctx, 99), store.ErrJobNotFound)
}

func TestStopAndRescheduleReplacesEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := hourlyJob(7)
	_, err := h.svc.ScheduleJob(ctx, job)
	require.NoError(t, err)

	h.clock.Add(2 * time.Hour)
	times, err := h.svc.StopAndReschedule(ctx, job)
	require.NoError(t, err)

	score, ok := h.score(t, queue.ReadyKey("jobs"), "7")
	require.True(t, ok)
	assert.Equal(t, float64(times.RunTime), score)
	assert.Equal(t, minutes(time.Date(2024, 5, 2, 12, 7, 0, 0, time.UTC)), times.RunTime)
}

func TestPeekQueueAndRemoveAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// offsets put the runs at 10:01, 10:30 and 10:45
	for _, id := range []int64{1, 30, 45} {
		_, err := h.svc.ScheduleJob(ctx, hourlyJob(id))
		require.NoError(t, err)
	}
	n, err := h.svc.PeekQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	h.clock.Add(13 * time.Minute)
	n, err = h.svc.PeekQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	h.clock.Add(15 * time.Minute)
	n, err = h.svc.PeekQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, h.svc.RemoveAll(ctx))
	n, err = h.svc.PeekQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTickExecutesDueJobAndReschedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	times, err := h.svc.ScheduleJob(ctx, hourlyJob(30))
	require.NoError(t, err)

	assert.Zero(t, h.loop.Tick(ctx), "job 30 runs at 10:30")

	h.clock.Set(utils.FromEpochMinutes(times.RunTime))
	assert.Equal(t, 1, h.loop.Tick(ctx))
	assert.Equal(t, []int64{30}, h.exec.detects)

	score, ok := h.score(t, queue.ReadyKey("jobs"), "30")
	require.True(t, ok)
	assert.Equal(t, float64(times.RunTime+60), score)
	assert.False(t, h.srv.Exists(queue.PendingKey("jobs")))

	stored, err := h.jobs.GetJob(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stored.Status)
	assert.Equal(t, times.QueryTime+60, stored.EffectiveQueryTime)
}

func TestTickRunsLateJobOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	times, err := h.svc.ScheduleJob(ctx, hourlyJob(30))
	require.NoError(t, err)

	// late enough to pass the pending timeout, not enough to lag a whole step
	h.clock.Set(utils.FromEpochMinutes(times.RunTime + 10))
	assert.Equal(t, 1, h.loop.Tick(ctx))
	assert.Equal(t, []int64{30}, h.exec.detects)

	score, ok := h.score(t, queue.ReadyKey("jobs"), "30")
	require.True(t, ok)
	assert.Equal(t, float64(times.RunTime+60), score)
	assert.False(t, h.srv.Exists(queue.PendingKey("jobs")))
	assert.False(t, h.srv.Exists(queue.ParkedKey("jobs")))
}

func TestTickMarksNoData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.result = &engine.Result{Status: models.JobStatusNoData}

	times, err := h.svc.ScheduleJob(ctx, hourlyJob(1))
	require.NoError(t, err)
	h.clock.Set(utils.FromEpochMinutes(times.RunTime))
	require.Equal(t, 1, h.loop.Tick(ctx))

	stored, err := h.jobs.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusNoData, stored.Status)
	_, ok := h.score(t, queue.ReadyKey("jobs"), "1")
	assert.True(t, ok, "NODATA jobs keep running")
}

func TestTickConfigErrorStopsJob(t *testing.T) {
	for name, err := range map[string]error{
		"config":    utils.ConfigError("query.Build", "query is missing \"intervals\"", nil),
		"transient": utils.TransientError("druid.Query", "broker request failed", errors.New("timeout")),
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.exec.err = err

			times, serr := h.svc.ScheduleJob(ctx, hourlyJob(1))
			require.NoError(t, serr)
			h.clock.Set(utils.FromEpochMinutes(times.RunTime))
			require.Equal(t, 1, h.loop.Tick(ctx))

			stored, gerr := h.jobs.GetJob(ctx, 1)
			require.NoError(t, gerr)
			assert.Equal(t, models.JobStatusError, stored.Status)
			assert.False(t, h.srv.Exists(queue.ReadyKey("jobs")))
			assert.False(t, h.srv.Exists(queue.PendingKey("jobs")))
		})
	}
}

func TestTickBackendFailureStillReschedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.err = utils.BackendError("detect.Detect", "1 of 3 series failed", errors.New("boom"))

	times, err := h.svc.ScheduleJob(ctx, hourlyJob(1))
	require.NoError(t, err)
	h.clock.Set(utils.FromEpochMinutes(times.RunTime))
	require.Equal(t, 1, h.loop.Tick(ctx))

	score, ok := h.score(t, queue.ReadyKey("jobs"), "1")
	require.True(t, ok)
	assert.Equal(t, float64(times.RunTime+60), score)
	stored, err := h.jobs.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stored.Status)
}

func TestTickCatchesUpLaggingJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ScheduleJob(ctx, hourlyJob(7))
	require.NoError(t, err)
	h.clock.Set(time.Date(2024, 5, 2, 13, 30, 0, 0, time.UTC))

	require.Equal(t, 1, h.loop.Tick(ctx))
	assert.Empty(t, h.exec.detects)
	require.Len(t, h.exec.backfills, 1)
	assert.Equal(t, time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC), h.exec.backfills[0][0])
	assert.Equal(t, time.Date(2024, 5, 2, 13, 0, 0, 0, time.UTC), h.exec.backfills[0][1])

	stored, err := h.jobs.GetJob(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stored.Status)
	assert.Equal(t, minutes(time.Date(2024, 5, 2, 14, 7, 0, 0, time.UTC)), stored.EffectiveRunTime)
	assert.Equal(t, minutes(time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC)), stored.EffectiveQueryTime)
	assert.False(t, h.srv.Exists(queue.PendingKey("jobs")))
}

func TestTickMarksUnrecoverableJobZombie(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.onBackfill = func() { h.clock.Add(3 * time.Hour) }

	_, err := h.svc.ScheduleJob(ctx, hourlyJob(7))
	require.NoError(t, err)
	h.clock.Set(time.Date(2024, 5, 2, 13, 30, 0, 0, time.UTC))

	require.Equal(t, 1, h.loop.Tick(ctx))

	stored, err := h.jobs.GetJob(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusZombie, stored.Status)
	assert.False(t, h.srv.Exists(queue.ReadyKey("jobs")))
	assert.False(t, h.srv.Exists(queue.PendingKey("jobs")))
}

func TestRunTicksUntilCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	times, err := h.svc.ScheduleJob(ctx, hourlyJob(1))
	require.NoError(t, err)
	h.clock.Set(utils.FromEpochMinutes(times.RunTime))

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		h.clock.Add(DefaultExecutionDelay)
		return h.exec.detectCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

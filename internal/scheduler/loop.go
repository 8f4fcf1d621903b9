package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-detect/internal/engine"
	"github.com/miradorstack/mirador-detect/internal/metrics"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/schedule"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// DefaultExecutionDelay is the period between queue drains.
const DefaultExecutionDelay = 30 * time.Second

// Executor runs detections for jobs.
type Executor interface {
	Detect(ctx context.Context, job *models.Job) (*engine.Result, error)
	Backfill(ctx context.Context, job *models.Job, start, end time.Time) (*engine.BackfillReport, error)
}

// LoopConfig tunes the execution loop.
type LoopConfig struct {
	Delay   time.Duration
	Workers int
	// BackfillOnLag backfills the missed steps of a lagging job before rescheduling it.
	BackfillOnLag bool
}

// ExecutionLoop periodically drains due jobs from the queue and executes them.
type ExecutionLoop struct {
	service   *Service
	queue     JobQueue
	executor  Executor
	clock     clock.Clock
	cfg       LoopConfig
	logger    *slog.Logger
	latencies *utils.LatencyTracker
}

// NewExecutionLoop constructs a loop. A nil clock uses the system clock; it should be the
// clock the service was built with.
func NewExecutionLoop(service *Service, queue JobQueue, executor Executor, clk clock.Clock, cfg LoopConfig, logger *slog.Logger) *ExecutionLoop {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultExecutionDelay
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &ExecutionLoop{
		service:   service,
		queue:     queue,
		executor:  executor,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// Run drains the queue every Delay until ctx is cancelled.
func (l *ExecutionLoop) Run(ctx context.Context) error {
	ticker := l.clock.Ticker(l.cfg.Delay)
	defer ticker.Stop()

	l.logger.Info("execution loop started", slog.Duration("delay", l.cfg.Delay), slog.Int("workers", l.cfg.Workers))
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("execution loop stopped")
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick pops every due job and executes them on the worker pool. It returns the number of
// jobs executed. A job is dispatched at most once per tick.
func (l *ExecutionLoop) Tick(ctx context.Context) int {
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(l.cfg.Workers)

	dispatched := make(map[int64]bool)
	n := 0
	for {
		job, err := l.queue.PopJob(gctx, l.service.clock.NowMinutes())
		if err != nil {
			l.logger.Error("queue pop failed", slog.Any("error", err))
			break
		}
		if job == nil {
			break
		}
		if dispatched[job.ID] {
			// recovered while this tick still owns it; its own completion requeues it
			l.logger.Warn("job popped twice in one tick", slog.Int64("job_id", job.ID))
			break
		}
		dispatched[job.ID] = true
		n++
		grp.Go(func() error {
			l.execute(gctx, job)
			return nil
		})
	}
	_ = grp.Wait()

	if due, err := l.service.PeekQueue(ctx); err == nil {
		metrics.SetReadyDue(due)
	}
	return n
}

func (l *ExecutionLoop) execute(ctx context.Context, job *models.Job) {
	start := l.clock.Now()
	outcome := l.executeJob(ctx, job)
	duration := l.clock.Since(start)

	metrics.ObserveExecution(duration, outcome)
	l.latencies.Observe(duration)
	if count := l.latencies.Count(); count >= 20 && count%20 == 0 {
		summary := l.latencies.Summary()
		l.logger.Info("job execution latency",
			slog.Int("samples", summary.Count),
			slog.Duration("p50", summary.P50),
			slog.Duration("p95", summary.P95),
			slog.Duration("max", summary.Max))
	}
}

// executeJob runs one job and puts it back on the queue. It returns the metrics outcome.
func (l *ExecutionLoop) executeJob(ctx context.Context, job *models.Job) string {
	logger := l.logger.With(slog.Int64("job_id", job.ID))
	now := l.service.clock.NowMinutes()
	if job.EffectiveRunTime > 0 && now > job.EffectiveRunTime+job.Granularity.Minutes() {
		return l.catchUp(ctx, job, now, logger)
	}

	outcome := metrics.OutcomeSuccess
	result, err := l.executor.Detect(ctx, job)
	switch {
	case err != nil && (utils.IsConfig(err) || utils.IsTransient(err)):
		logger.Error("job failed", slog.String("kind", utils.KindOf(err).String()), slog.Any("error", err))
		if ferr := l.service.fail(ctx, job, models.JobStatusError); ferr != nil {
			logger.Error("mark job failed", slog.Any("error", ferr))
		}
		return metrics.OutcomeError
	case err != nil:
		logger.Error("detection cycle failed", slog.Any("error", err))
		outcome = metrics.OutcomeError
	case result.Status == models.JobStatusNoData:
		job.Status = models.JobStatusNoData
		outcome = metrics.OutcomeNoData
	default:
		job.Status = models.JobStatusRunning
	}

	if _, _, err := l.service.RescheduleJob(ctx, job); err != nil {
		logger.Error("reschedule failed", slog.Any("error", err))
		return metrics.OutcomeError
	}
	return outcome
}

// catchUp handles a job popped more than one granularity after its run time: missed steps
// are backfilled, then the job is scheduled from the current time. A job that still cannot
// be placed in the future becomes a zombie.
func (l *ExecutionLoop) catchUp(ctx context.Context, job *models.Job, now int64, logger *slog.Logger) string {
	times := l.service.clock.ScheduleTime(job)
	logger.Warn("job is lagging",
		slog.Int64("run_time", job.EffectiveRunTime),
		slog.Int64("now", now))

	if l.cfg.BackfillOnLag {
		from := utils.FromEpochMinutes(job.ReportNominalTime())
		to := utils.FromEpochMinutes(times.QueryTime)
		report, err := l.executor.Backfill(ctx, job, from, to)
		switch {
		case err != nil && (utils.IsConfig(err) || utils.IsTransient(err)):
			logger.Error("lagging job backfill failed", slog.Any("error", err))
			if ferr := l.service.fail(ctx, job, models.JobStatusError); ferr != nil {
				logger.Error("mark job failed", slog.Any("error", ferr))
			}
			return metrics.OutcomeError
		case err != nil:
			logger.Warn("lagging job backfill incomplete", slog.Any("error", err))
		default:
			logger.Info("lagging job backfilled", slog.Int("buckets", report.Buckets), slog.Int("failed", report.Failed))
		}
	}

	now = l.service.clock.NowMinutes()
	if times.RunTime <= now {
		times = schedule.Advance(job, times)
	}
	if times.RunTime <= now {
		logger.Error("job cannot be rescheduled into the future")
		if err := l.service.fail(ctx, job, models.JobStatusZombie); err != nil {
			logger.Error("mark job zombie", slog.Any("error", err))
		}
		return metrics.OutcomeZombie
	}

	job.Status = models.JobStatusRunning
	if err := l.service.requeue(ctx, job, times); err != nil {
		logger.Error("reschedule failed", slog.Any("error", err))
		return metrics.OutcomeError
	}
	return metrics.OutcomeSuccess
}

// Package scheduler places jobs on the queue and runs the periodic loop that executes them.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/miradorstack/mirador-detect/internal/metrics"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/schedule"
)

// JobQueue is the distributed ready/pending queue.
type JobQueue interface {
	Push(ctx context.Context, dueMinutes, jobID int64) error
	Complete(ctx context.Context, jobID, nextDueMinutes int64) error
	PopJob(ctx context.Context, nowMinutes int64) (*models.Job, error)
	Remove(ctx context.Context, jobID int64) error
	RemoveAll(ctx context.Context) error
	PeekCount(ctx context.Context, nowMinutes int64) (int64, error)
}

// JobStore reads and writes job records.
type JobStore interface {
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	PutJob(ctx context.Context, job *models.Job) error
}

// Service schedules, reschedules and stops jobs.
type Service struct {
	queue  JobQueue
	jobs   JobStore
	clock  *schedule.Clock
	logger *slog.Logger
}

// NewService constructs a service. A nil clock uses the system clock.
func NewService(queue JobQueue, jobs JobStore, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{queue: queue, jobs: jobs, clock: schedule.NewClock(clk), logger: logger}
}

// Clock exposes the schedule clock.
func (s *Service) Clock() *schedule.Clock { return s.clock }

// ScheduleJob computes the job's first run, queues it and persists the job as RUNNING.
func (s *Service) ScheduleJob(ctx context.Context, job *models.Job) (schedule.Times, error) {
	times := s.clock.ScheduleTime(job)
	job.EffectiveQueryTime = times.QueryTime
	job.EffectiveRunTime = times.RunTime
	job.Status = models.JobStatusRunning
	if err := s.queue.Push(ctx, times.RunTime, job.ID); err != nil {
		return schedule.Times{}, err
	}
	if err := s.jobs.PutJob(ctx, job); err != nil {
		return schedule.Times{}, err
	}
	s.logger.Info("job scheduled",
		slog.Int64("job_id", job.ID),
		slog.Int64("run_time", times.RunTime),
		slog.Int64("query_time", times.QueryTime))
	return times, nil
}

// ScheduleJobByID loads a job and schedules it.
func (s *Service) ScheduleJobByID(ctx context.Context, id int64) (schedule.Times, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return schedule.Times{}, err
	}
	return s.ScheduleJob(ctx, job)
}

// RescheduleJob advances the job by one step and moves it from pending back to ready. Jobs
// in the error state are taken off the queue instead. ok reports whether the job was queued.
func (s *Service) RescheduleJob(ctx context.Context, job *models.Job) (times schedule.Times, ok bool, err error) {
	times, ok = s.clock.RescheduleTime(job)
	if !ok {
		if err := s.queue.Remove(ctx, job.ID); err != nil {
			return schedule.Times{}, false, err
		}
		return schedule.Times{}, false, s.jobs.PutJob(ctx, job)
	}
	return times, true, s.requeue(ctx, job, times)
}

// StopJob removes the job from the queue and marks it STOPPED.
func (s *Service) StopJob(ctx context.Context, id int64) error {
	if err := s.queue.Remove(ctx, id); err != nil {
		return err
	}
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return err
	}
	job.Status = models.JobStatusStopped
	if err := s.jobs.PutJob(ctx, job); err != nil {
		return err
	}
	s.logger.Info("job stopped", slog.Int64("job_id", id))
	return nil
}

// StopAndReschedule drops any queued entry for the job and schedules it afresh.
func (s *Service) StopAndReschedule(ctx context.Context, job *models.Job) (schedule.Times, error) {
	if err := s.queue.Remove(ctx, job.ID); err != nil {
		return schedule.Times{}, err
	}
	return s.ScheduleJob(ctx, job)
}

// PeekQueue counts the jobs due now.
func (s *Service) PeekQueue(ctx context.Context) (int64, error) {
	n, err := s.queue.PeekCount(ctx, s.clock.NowMinutes())
	if err != nil {
		return 0, err
	}
	metrics.SetReadyDue(n)
	return n, nil
}

// RemoveAll clears the queue.
func (s *Service) RemoveAll(ctx context.Context) error {
	return s.queue.RemoveAll(ctx)
}

// fail takes the job off the queue and persists it in the error state.
func (s *Service) fail(ctx context.Context, job *models.Job, status models.JobStatus) error {
	job.Status = status
	if err := s.queue.Remove(ctx, job.ID); err != nil {
		return err
	}
	if err := s.jobs.PutJob(ctx, job); err != nil {
		return fmt.Errorf("persist job %d: %w", job.ID, err)
	}
	return nil
}

func (s *Service) requeue(ctx context.Context, job *models.Job, times schedule.Times) error {
	job.EffectiveQueryTime = times.QueryTime
	job.EffectiveRunTime = times.RunTime
	if err := s.queue.Complete(ctx, job.ID, times.RunTime); err != nil {
		return err
	}
	return s.jobs.PutJob(ctx, job)
}

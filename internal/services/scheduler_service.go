package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/miradorstack/mirador-detect/internal/api"
	"github.com/miradorstack/mirador-detect/internal/engine"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/schedule"
	"github.com/miradorstack/mirador-detect/internal/store"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// Scheduler is the queue-facing part of the scheduler service.
type Scheduler interface {
	ScheduleJobByID(ctx context.Context, id int64) (schedule.Times, error)
	StopJob(ctx context.Context, id int64) error
	PeekQueue(ctx context.Context) (int64, error)
}

// JobLoader reads job records.
type JobLoader interface {
	GetJob(ctx context.Context, id int64) (*models.Job, error)
}

// Backfiller re-runs detection over a historical window.
type Backfiller interface {
	Backfill(ctx context.Context, job *models.Job, start, end time.Time) (*engine.BackfillReport, error)
}

// SchedulerService implements the admin gRPC Scheduler service.
type SchedulerService struct {
	logger     *slog.Logger
	scheduler  Scheduler
	jobs       JobLoader
	backfiller Backfiller
	latencies  *utils.LatencyTracker
}

var _ api.SchedulerServer = (*SchedulerService)(nil)

// NewSchedulerService constructs the admin facade. backfiller may be nil, in which case
// Backfill answers FailedPrecondition.
func NewSchedulerService(logger *slog.Logger, scheduler Scheduler, jobs JobLoader, backfiller Backfiller) *SchedulerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulerService{
		logger:     logger,
		scheduler:  scheduler,
		jobs:       jobs,
		backfiller: backfiller,
		latencies:  utils.NewLatencyTracker(256),
	}
}

// ScheduleJob queues the job and returns its first run time in epoch minutes.
func (s *SchedulerService) ScheduleJob(ctx context.Context, req *wrapperspb.Int64Value) (*wrapperspb.Int64Value, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	times, err := s.scheduler.ScheduleJobByID(ctx, id)
	if err != nil {
		s.logger.Error("schedule job failed", slog.Int64("job_id", id), slog.Any("error", err))
		return nil, toStatus(err, "schedule job")
	}
	return wrapperspb.Int64(times.RunTime), nil
}

// StopJob removes the job from the queue and marks it STOPPED.
func (s *SchedulerService) StopJob(ctx context.Context, req *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	if err := s.scheduler.StopJob(ctx, id); err != nil {
		s.logger.Error("stop job failed", slog.Int64("job_id", id), slog.Any("error", err))
		return nil, toStatus(err, "stop job")
	}
	return &emptypb.Empty{}, nil
}

// PeekQueue returns the number of jobs currently due.
func (s *SchedulerService) PeekQueue(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	n, err := s.scheduler.PeekQueue(ctx)
	if err != nil {
		return nil, toStatus(err, "peek queue")
	}
	return wrapperspb.Int64(n), nil
}

// Backfill re-runs detection for a job over the requested window.
func (s *SchedulerService) Backfill(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.backfiller == nil {
		return nil, status.Error(codes.FailedPrecondition, "backfill not configured")
	}
	domainReq, err := api.FromBackfillStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	job, err := s.jobs.GetJob(ctx, domainReq.JobID)
	if err != nil {
		return nil, toStatus(err, "load job")
	}

	start := time.Now()
	report, err := s.backfiller.Backfill(ctx, job, domainReq.Start, domainReq.End)
	duration := time.Since(start)
	if err != nil {
		s.logger.Error("backfill failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return nil, toStatus(err, "backfill")
	}
	s.latencies.Observe(duration)
	s.logger.Info("backfill complete",
		slog.Int64("job_id", job.ID),
		slog.Int("buckets", report.Buckets),
		slog.Int("failed", report.Failed),
		slog.Int("findings", report.Findings),
		slog.Duration("duration", duration))
	if count := s.latencies.Count(); count >= 10 && count%10 == 0 {
		s.logger.Info("backfill latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
	return api.ToBackfillStruct(report), nil
}

// LatencyP95 returns the current p95 backfill latency.
func (s *SchedulerService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func jobID(req *wrapperspb.Int64Value) (int64, error) {
	if req == nil || req.GetValue() <= 0 {
		return 0, status.Error(codes.InvalidArgument, "job id must be positive")
	}
	return req.GetValue(), nil
}

func toStatus(err error, what string) error {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case utils.IsConfig(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case utils.IsTransient(err):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Errorf(codes.Internal, "%s failed", what)
	}
}

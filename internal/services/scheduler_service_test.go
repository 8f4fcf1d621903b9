package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/miradorstack/mirador-detect/internal/engine"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/schedule"
	"github.com/miradorstack/mirador-detect/internal/store"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

type schedulerStub struct {
	err     error
	stopped []int64
}

func (s *schedulerStub) ScheduleJobByID(ctx context.Context, id int64) (schedule.Times, error) {
	if s.err != nil {
		return schedule.Times{}, s.err
	}
	return schedule.Times{RunTime: 100 + id, QueryTime: id}, nil
}

func (s *schedulerStub) StopJob(ctx context.Context, id int64) error {
	if s.err != nil {
		return s.err
	}
	s.stopped = append(s.stopped, id)
	return nil
}

func (s *schedulerStub) PeekQueue(ctx context.Context) (int64, error) { return 3, s.err }

type jobsStub map[int64]*models.Job

func (j jobsStub) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	job, ok := j[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, store.ErrJobNotFound)
	}
	return job, nil
}

type backfillerStub struct {
	err        error
	start, end time.Time
}

func (b *backfillerStub) Backfill(ctx context.Context, job *models.Job, start, end time.Time) (*engine.BackfillReport, error) {
	b.start, b.end = start, end
	if b.err != nil {
		return nil, b.err
	}
	return &engine.BackfillReport{Buckets: 4, Failed: 1, Findings: 2}, nil
}

func TestScheduleJob(t *testing.T) {
	svc := NewSchedulerService(nil, &schedulerStub{}, jobsStub{}, nil)

	out, err := svc.ScheduleJob(context.Background(), wrapperspb.Int64(7))
	require.NoError(t, err)
	assert.Equal(t, int64(107), out.GetValue())

	_, err = svc.ScheduleJob(context.Background(), wrapperspb.Int64(0))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestScheduleJobErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("job 9: %w", store.ErrJobNotFound), codes.NotFound},
		{utils.ConfigError("op", "bad granularity", nil), codes.InvalidArgument},
		{utils.TransientError("op", "store unavailable", errors.New("dial")), codes.Unavailable},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		svc := NewSchedulerService(nil, &schedulerStub{err: tc.err}, jobsStub{}, nil)
		_, err := svc.ScheduleJob(context.Background(), wrapperspb.Int64(9))
		assert.Equal(t, tc.code, status.Code(err), tc.err.Error())
	}
}

func TestStopJobAndPeek(t *testing.T) {
	sched := &schedulerStub{}
	svc := NewSchedulerService(nil, sched, jobsStub{}, nil)

	_, err := svc.StopJob(context.Background(), wrapperspb.Int64(5))
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, sched.stopped)

	n, err := svc.PeekQueue(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n.GetValue())
}

func TestBackfill(t *testing.T) {
	backfiller := &backfillerStub{}
	svc := NewSchedulerService(nil, &schedulerStub{}, jobsStub{1: {ID: 1}}, backfiller)

	req, err := structpb.NewStruct(map[string]interface{}{"job_id": 1, "start": "2024-05-01T00:00", "end": "2024-05-01T04:00"})
	require.NoError(t, err)

	out, err := svc.Backfill(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, float64(4), out.AsMap()["buckets"])
	assert.Equal(t, float64(1), out.AsMap()["failed"])
	assert.Equal(t, float64(2), out.AsMap()["findings"])
	assert.Equal(t, time.Date(2024, 5, 1, 4, 0, 0, 0, time.UTC), backfiller.end)
}

func TestBackfillErrors(t *testing.T) {
	ctx := context.Background()
	req, err := structpb.NewStruct(map[string]interface{}{"job_id": 2, "start": "2024-05-01T00:00", "end": "2024-05-01T04:00"})
	require.NoError(t, err)

	unconfigured := NewSchedulerService(nil, &schedulerStub{}, jobsStub{}, nil)
	_, err = unconfigured.Backfill(ctx, req)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	svc := NewSchedulerService(nil, &schedulerStub{}, jobsStub{}, &backfillerStub{})
	_, err = svc.Backfill(ctx, req)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = svc.Backfill(ctx, &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	failing := NewSchedulerService(nil, &schedulerStub{}, jobsStub{2: {ID: 2}},
		&backfillerStub{err: utils.ConfigError("engine.Backfill", "window shorter than one granularity", nil)})
	_, err = failing.Backfill(ctx, req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

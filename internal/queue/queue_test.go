package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/store"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

type fakeLoader struct {
	jobs map[int64]*models.Job
}

func (f *fakeLoader) GetJob(_ context.Context, id int64) (*models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, store.ErrJobNotFound)
	}
	return job, nil
}

func newQueue(t *testing.T, loader JobLoader, opts ...Option) (*miniredis.Miniredis, *Queue) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, New(client, "jobs", loader, opts...)
}

func TestKeysShareHashTag(t *testing.T) {
	assert.Equal(t, "{queue}.jobs", ReadyKey("jobs"))
	assert.Equal(t, "{queue}.jobsPending", PendingKey("jobs"))
	assert.Equal(t, "{queue}.jobsParked", ParkedKey("jobs"))
}

func TestPopMovesDueEntryToPending(t *testing.T) {
	srv, q := newQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, 10, 1))
	require.NoError(t, q.Push(ctx, 20, 2))
	require.NoError(t, q.Push(ctx, 30, 3))

	id, ok, err := q.Pop(ctx, 25)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), id)

	ready, _ := srv.ZMembers("{queue}.jobs")
	assert.NotContains(t, ready, "1")
	score, err := srv.ZScore("{queue}.jobsPending", "1")
	require.NoError(t, err)
	assert.Equal(t, float64(10), score)

	id, ok, err = q.Pop(ctx, 25)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), id)

	_, ok, err = q.Pop(ctx, 25)
	require.NoError(t, err)
	assert.False(t, ok, "entry due at 30 must not pop at 25")
}

func TestPopRecoversAbandonedPending(t *testing.T) {
	srv, q := newQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, 10, 7))
	_, ok, err := q.Pop(ctx, 10)
	require.NoError(t, err)
	require.True(t, ok)

	// exactly five minutes after the pop is still in flight
	_, ok, err = q.Pop(ctx, 15)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, srv.Exists("{queue}.jobsPending"))

	id, ok, err := q.Pop(ctx, 16)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
	score, err := srv.ZScore("{queue}.jobsPending", "7")
	require.NoError(t, err)
	assert.Equal(t, float64(10), score, "recovered entry keeps its original score")
}

func TestLatePopIsNotRecoveredByTheNextPop(t *testing.T) {
	srv, q := newQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, 10, 7))
	id, ok, err := q.Pop(ctx, 20)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), id)

	_, ok, err = q.Pop(ctx, 20)
	require.NoError(t, err)
	assert.False(t, ok, "an entry popped late stays in flight")
	score, err := srv.ZScore("{queue}.jobsPending", "7")
	require.NoError(t, err)
	assert.Equal(t, float64(10), score)
	assert.Equal(t, "20", srv.HGet("{queue}.jobsParked", "7"))

	_, ok, err = q.Pop(ctx, 25)
	require.NoError(t, err)
	assert.False(t, ok)

	id, ok, err = q.Pop(ctx, 26)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
}

func TestPendingWithoutParkTimeRecoversByScore(t *testing.T) {
	srv, q := newQueue(t, nil)
	ctx := context.Background()

	_, err := srv.ZAdd("{queue}.jobsPending", 10, "7")
	require.NoError(t, err)

	id, ok, err := q.Pop(ctx, 16)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, "16", srv.HGet("{queue}.jobsParked", "7"))
}

func TestPendingTimeoutIsOverridable(t *testing.T) {
	_, q := newQueue(t, nil, WithPendingTimeout(60))
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, 10, 7))
	_, _, err := q.Pop(ctx, 10)
	require.NoError(t, err)

	_, ok, err := q.Pop(ctx, 30)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentPopsNeverShareAJob(t *testing.T) {
	_, q := newQueue(t, nil)
	ctx := context.Background()

	const jobs = 60
	for i := int64(1); i <= jobs; i++ {
		require.NoError(t, q.Push(ctx, 100, i))
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, ok, err := q.Pop(ctx, 100)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %d popped %d times", id, n)
	}
}

func TestPopJobDropsMissingRecords(t *testing.T) {
	loader := &fakeLoader{jobs: map[int64]*models.Job{2: {ID: 2, Granularity: models.GranularityHour}}}
	srv, q := newQueue(t, loader)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, 5, 1))
	require.NoError(t, q.Push(ctx, 6, 2))

	job, err := q.PopJob(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, int64(2), job.ID)

	pending, _ := srv.ZMembers("{queue}.jobsPending")
	assert.Equal(t, []string{"2"}, pending)

	job, err = q.PopJob(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRemoveAndPeek(t *testing.T) {
	srv, q := newQueue(t, nil)
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		require.NoError(t, q.Push(ctx, i*10, i))
	}
	_, _, err := q.Pop(ctx, 10)
	require.NoError(t, err)

	n, err := q.PeekCount(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, q.Remove(ctx, 1))
	require.NoError(t, q.Remove(ctx, 2))
	assert.False(t, srv.Exists("{queue}.jobsPending"))
	ready, _ := srv.ZMembers("{queue}.jobs")
	assert.Equal(t, []string{"3", "4"}, ready)

	require.NoError(t, q.RemoveAll(ctx))
	assert.False(t, srv.Exists("{queue}.jobs"))
}

func TestCompleteMovesPendingBackToReady(t *testing.T) {
	srv, q := newQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, 10, 1))
	id, ok, err := q.Pop(ctx, 10)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Complete(ctx, id, 70))
	assert.False(t, srv.Exists("{queue}.jobsPending"))
	assert.False(t, srv.Exists("{queue}.jobsParked"))
	score, err := srv.ZScore("{queue}.jobs", "1")
	require.NoError(t, err)
	assert.Equal(t, float64(70), score)

	_, ok, err = q.Pop(ctx, 69)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreUnavailableIsTransient(t *testing.T) {
	srv, q := newQueue(t, nil)
	srv.SetError("LOADING dataset in memory")

	_, _, err := q.Pop(context.Background(), 10)
	require.Error(t, err)
	assert.True(t, utils.IsTransient(err))
}

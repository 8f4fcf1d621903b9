// Package queue implements the distributed job queue: a ready set and a pending set of
// job ids scored by due time in minutes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/miradorstack/mirador-detect/internal/metrics"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/store"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// DefaultPendingTimeout is how many minutes a popped entry may sit in pending before the
// next pop moves it back to the ready set.
const DefaultPendingTimeout int64 = 5

// popScript recovers abandoned pending entries, then moves the earliest due ready entry
// into pending with its original score and records when it was parked. An entry is
// abandoned once it has been parked for longer than the timeout; entries without a park
// time fall back to their score.
//
// KEYS[1] ready, KEYS[2] pending, KEYS[3] park times, ARGV[1] now, ARGV[2] pending timeout.
// Returns {recovered} or {recovered, jobId, score}.
var popScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local cutoff = now - tonumber(ARGV[2])
local stale = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. cutoff, 'WITHSCORES')
local recovered = 0
for i = 1, #stale, 2 do
  local parked = redis.call('HGET', KEYS[3], stale[i])
  if not parked or tonumber(parked) < cutoff then
    redis.call('ZREM', KEYS[2], stale[i])
    redis.call('HDEL', KEYS[3], stale[i])
    redis.call('ZADD', KEYS[1], stale[i + 1], stale[i])
    recovered = recovered + 1
  end
end
local entry = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'WITHSCORES', 'LIMIT', 0, 1)
if #entry < 2 then
  return {recovered}
end
redis.call('ZREM', KEYS[1], entry[1])
redis.call('ZADD', KEYS[2], entry[2], entry[1])
redis.call('HSET', KEYS[3], entry[1], now)
return {recovered, entry[1], entry[2]}
`)

// JobLoader resolves a popped id to its job record.
type JobLoader interface {
	GetJob(ctx context.Context, id int64) (*models.Job, error)
}

// Option customises a Queue.
type Option func(*Queue)

// WithPendingTimeout overrides DefaultPendingTimeout.
func WithPendingTimeout(minutes int64) Option {
	return func(q *Queue) {
		if minutes > 0 {
			q.pendingTimeout = minutes
		}
	}
}

// WithLogger sets the logger used for recovery and dropped-entry messages.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// Queue is safe for concurrent use by many workers and processes.
type Queue struct {
	client         redis.UniversalClient
	ready          string
	pending        string
	parked         string
	pendingTimeout int64
	jobs           JobLoader
	logger         *slog.Logger
}

// New returns a queue named name. Both keys share the {queue} hash tag.
func New(client redis.UniversalClient, name string, jobs JobLoader, opts ...Option) *Queue {
	q := &Queue{
		client:         client,
		ready:          ReadyKey(name),
		pending:        PendingKey(name),
		parked:         ParkedKey(name),
		pendingTimeout: DefaultPendingTimeout,
		jobs:           jobs,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ReadyKey is the sorted-set key of due entries.
func ReadyKey(name string) string { return "{queue}." + name }

// PendingKey is the sorted-set key of in-flight entries.
func PendingKey(name string) string { return "{queue}." + name + "Pending" }

// ParkedKey is the hash of pop times, in minutes, of in-flight entries.
func ParkedKey(name string) string { return "{queue}." + name + "Parked" }

// Push inserts or re-scores a job in the ready set.
func (q *Queue) Push(ctx context.Context, dueMinutes, jobID int64) error {
	err := q.client.ZAdd(ctx, q.ready, redis.Z{Score: float64(dueMinutes), Member: member(jobID)}).Err()
	if err != nil {
		return utils.TransientError("queue.Push", fmt.Sprintf("push job %d", jobID), err)
	}
	return nil
}

// Pop atomically recovers abandoned pending entries and parks the earliest ready entry
// due at or before now. ok is false when nothing is due.
func (q *Queue) Pop(ctx context.Context, nowMinutes int64) (jobID int64, ok bool, err error) {
	res, err := popScript.Run(ctx, q.client, []string{q.ready, q.pending, q.parked}, nowMinutes, q.pendingTimeout).Slice()
	if err != nil {
		return 0, false, utils.TransientError("queue.Pop", "pop script", err)
	}
	if len(res) > 0 {
		if recovered, _ := res[0].(int64); recovered > 0 {
			metrics.ObserveRecovered(int(recovered))
			q.logger.Warn("recovered abandoned queue entries", slog.Int64("count", recovered))
		}
	}
	if len(res) < 3 {
		return 0, false, nil
	}
	raw, _ := res[1].(string)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, utils.NewAppError("queue.Pop", fmt.Sprintf("malformed queue member %q", raw), err)
	}
	metrics.ObservePop()
	return id, true, nil
}

// PopJob pops the next due job and loads its record. Ids whose record no longer exists
// are dropped from pending and the next entry is tried. It returns nil when nothing is due.
func (q *Queue) PopJob(ctx context.Context, nowMinutes int64) (*models.Job, error) {
	for {
		id, ok, err := q.Pop(ctx, nowMinutes)
		if err != nil || !ok {
			return nil, err
		}
		job, err := q.jobs.GetJob(ctx, id)
		if errors.Is(err, store.ErrJobNotFound) {
			q.logger.Warn("dropping queue entry without job record", slog.Int64("job_id", id))
			if err := q.RemovePending(ctx, id); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
}

// Remove deletes a job from both sets.
func (q *Queue) Remove(ctx context.Context, jobID int64) error {
	m := member(jobID)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.ready, m)
		pipe.ZRem(ctx, q.pending, m)
		pipe.HDel(ctx, q.parked, m)
		return nil
	})
	if err != nil {
		return utils.TransientError("queue.Remove", fmt.Sprintf("remove job %d", jobID), err)
	}
	return nil
}

// Complete moves a job out of pending and back into ready with its next due time in one
// transaction.
func (q *Queue) Complete(ctx context.Context, jobID, nextDueMinutes int64) error {
	m := member(jobID)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.pending, m)
		pipe.HDel(ctx, q.parked, m)
		pipe.ZAdd(ctx, q.ready, redis.Z{Score: float64(nextDueMinutes), Member: m})
		return nil
	})
	if err != nil {
		return utils.TransientError("queue.Complete", fmt.Sprintf("reschedule job %d", jobID), err)
	}
	return nil
}

// RemovePending deletes a job from the pending set once its execution completed.
func (q *Queue) RemovePending(ctx context.Context, jobID int64) error {
	m := member(jobID)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.pending, m)
		pipe.HDel(ctx, q.parked, m)
		return nil
	})
	if err != nil {
		return utils.TransientError("queue.RemovePending", fmt.Sprintf("complete job %d", jobID), err)
	}
	return nil
}

// RemoveAll clears both sets.
func (q *Queue) RemoveAll(ctx context.Context) error {
	if err := q.client.Del(ctx, q.ready, q.pending, q.parked).Err(); err != nil {
		return utils.TransientError("queue.RemoveAll", "clear queue", err)
	}
	return nil
}

// PeekCount counts ready entries due at or before now.
func (q *Queue) PeekCount(ctx context.Context, nowMinutes int64) (int64, error) {
	n, err := q.client.ZCount(ctx, q.ready, "-inf", strconv.FormatInt(nowMinutes, 10)).Result()
	if err != nil {
		return 0, utils.TransientError("queue.PeekCount", "count ready entries", err)
	}
	return n, nil
}

func member(jobID int64) string {
	return strconv.FormatInt(jobID, 10)
}

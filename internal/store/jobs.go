// Package store persists job records and anomaly reports as Redis hashes.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// ErrJobNotFound is returned when no record exists for a job id.
var ErrJobNotFound = errors.New("job not found")

// JobStore reads and writes job records keyed by id.
type JobStore struct {
	client redis.UniversalClient
	prefix string
}

// NewJobStore returns a store writing keys of the form "<prefix>:<id>".
func NewJobStore(client redis.UniversalClient, prefix string) *JobStore {
	if prefix == "" {
		prefix = "job"
	}
	return &JobStore{client: client, prefix: prefix}
}

// GetJob loads a job record.
func (s *JobStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, utils.TransientError("store.GetJob", fmt.Sprintf("read job %d", id), err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	job, err := models.JobFromMap(fields)
	if err != nil {
		return nil, utils.NewAppError("store.GetJob", "decode job record", err)
	}
	return job, nil
}

// PutJob replaces the stored record with the job's current fields.
func (s *JobStore) PutJob(ctx context.Context, job *models.Job) error {
	fields := job.ToMap()
	args := make([]string, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}

	key := s.key(job.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, args)
		return nil
	})
	if err != nil {
		return utils.TransientError("store.PutJob", fmt.Sprintf("write job %d", job.ID), err)
	}
	return nil
}

// DeleteJob removes a job record. Missing records are not an error.
func (s *JobStore) DeleteJob(ctx context.Context, id int64) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return utils.TransientError("store.DeleteJob", fmt.Sprintf("delete job %d", id), err)
	}
	return nil
}

func (s *JobStore) key(id int64) string {
	return s.prefix + ":" + strconv.FormatInt(id, 10)
}

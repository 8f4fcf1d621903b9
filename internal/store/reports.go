package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// ReportStore keeps anomaly reports in one hash per job. Fields are "<queryEndTime>:<uniqueId>".
type ReportStore struct {
	client redis.UniversalClient
	prefix string
}

// NewReportStore returns a store writing keys of the form "<prefix>:<jobId>".
func NewReportStore(client redis.UniversalClient, prefix string) *ReportStore {
	if prefix == "" {
		prefix = "reports"
	}
	return &ReportStore{client: client, prefix: prefix}
}

// PutReports writes all reports in a single transaction.
func (s *ReportStore) PutReports(ctx context.Context, reports []models.AnomalyReport) error {
	if len(reports) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range reports {
			payload, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal report %s: %w", r.UniqueID, err)
			}
			pipe.HSet(ctx, s.key(r.JobID), field(r.ReportQueryEndTime, r.UniqueID), payload)
		}
		return nil
	})
	if err != nil {
		return utils.TransientError("store.PutReports", "write reports", err)
	}
	return nil
}

// ListReports returns a job's reports ordered by query end time.
func (s *ReportStore) ListReports(ctx context.Context, jobID int64) ([]models.AnomalyReport, error) {
	raw, err := s.client.HGetAll(ctx, s.key(jobID)).Result()
	if err != nil {
		return nil, utils.TransientError("store.ListReports", fmt.Sprintf("read reports for job %d", jobID), err)
	}
	reports := make([]models.AnomalyReport, 0, len(raw))
	for f, payload := range raw {
		var r models.AnomalyReport
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode report %s: %w", f, err)
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].ReportQueryEndTime != reports[j].ReportQueryEndTime {
			return reports[i].ReportQueryEndTime < reports[j].ReportQueryEndTime
		}
		return reports[i].UniqueID < reports[j].UniqueID
	})
	return reports, nil
}

// DeleteReportsAt removes a job's reports for one query end time (minutes).
func (s *ReportStore) DeleteReportsAt(ctx context.Context, jobID, queryEndTime int64) error {
	key := s.key(jobID)
	fields, err := s.client.HKeys(ctx, key).Result()
	if err != nil {
		return utils.TransientError("store.DeleteReportsAt", fmt.Sprintf("list reports for job %d", jobID), err)
	}
	prefix := strconv.FormatInt(queryEndTime, 10) + ":"
	var stale []string
	for _, f := range fields {
		if strings.HasPrefix(f, prefix) {
			stale = append(stale, f)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, key, stale...).Err(); err != nil {
		return utils.TransientError("store.DeleteReportsAt", fmt.Sprintf("delete reports for job %d", jobID), err)
	}
	return nil
}

func (s *ReportStore) key(jobID int64) string {
	return s.prefix + ":" + strconv.FormatInt(jobID, 10)
}

func field(queryEndTime int64, uniqueID string) string {
	return strconv.FormatInt(queryEndTime, 10) + ":" + uniqueID
}

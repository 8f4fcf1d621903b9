// Package engine wires query building, data fetching, series parsing and detection for
// live job runs and historical backfills.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-detect/internal/detect"
	"github.com/miradorstack/mirador-detect/internal/metrics"
	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/query"
	"github.com/miradorstack/mirador-detect/internal/timeseries"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

const defaultBackfillConcurrency = 4

// DataSource is the time-series store queried for each detection.
type DataSource interface {
	Query(ctx context.Context, doc string) ([]byte, error)
	HasDataSource(ctx context.Context, name string) (bool, error)
}

// ReportStore persists anomaly reports.
type ReportStore interface {
	PutReports(ctx context.Context, reports []models.AnomalyReport) error
	DeleteReportsAt(ctx context.Context, jobID, queryEndTime int64) error
}

// Options configures an Orchestrator.
type Options struct {
	Logger     *slog.Logger
	Source     DataSource
	Reports    ReportStore
	Forecaster detect.Forecaster
	// Defaults is the detection config every job starts from.
	Defaults detect.Config
	// BackfillConcurrency bounds the buckets detected at once.
	BackfillConcurrency int
}

// Orchestrator runs detections for jobs.
type Orchestrator struct {
	logger              *slog.Logger
	source              DataSource
	reports             ReportStore
	forecaster          detect.Forecaster
	defaults            detect.Config
	parser              *timeseries.Parser
	backfillConcurrency int
}

// Result is the outcome of one live detection.
type Result struct {
	// QueryEndTime is the timestamp, in minutes, of the last bucket detected.
	QueryEndTime int64
	Findings     []models.Finding
	Reports      []models.AnomalyReport
	// Status is JobStatusNoData when every finding is NODATA, otherwise JobStatusRunning.
	Status models.JobStatus
}

// BackfillReport summarises a backfill run.
type BackfillReport struct {
	Buckets  int
	Failed   int
	Findings int
}

// NewOrchestrator constructs an orchestrator. Source is required.
func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaults := opts.Defaults
	defaults.ApplyDefaults(false)
	concurrency := opts.BackfillConcurrency
	if concurrency <= 0 {
		concurrency = defaultBackfillConcurrency
	}
	return &Orchestrator{
		logger:              logger,
		source:              opts.Source,
		reports:             opts.Reports,
		forecaster:          opts.Forecaster,
		defaults:            defaults,
		parser:              timeseries.NewParser(logger),
		backfillConcurrency: concurrency,
	}
}

// Detect runs the job's query for its effective query time and detects anomalies in the
// response. Reports are persisted when a report store is configured. When only some series
// fail detection, the result carries the sibling findings plus an ERROR report per failed
// series and is returned together with the backend error.
func (o *Orchestrator) Detect(ctx context.Context, job *models.Job) (*Result, error) {
	if o.source == nil {
		return nil, fmt.Errorf("data source not configured")
	}

	q, err := query.NewBuilder(job.Query).
		Granularity(job.Granularity).
		Range(job.Range()).
		Intervals(job.LookbackIntervals()).
		EndAtMinutes(job.EffectiveQueryTime).
		Build()
	if err != nil {
		return nil, err
	}

	endMinutes := q.ExpectedEndMinutes()
	series, err := o.fetch(ctx, q)
	if err != nil {
		return nil, o.recordFailure(ctx, job, endMinutes, err)
	}

	findings, detectErr := o.detectSeries(ctx, job, series, endMinutes)
	if detectErr != nil && (findings == nil || utils.KindOf(detectErr) != utils.KindBackend) {
		return nil, o.recordFailure(ctx, job, endMinutes, detectErr)
	}
	failed := failedSeries(series, findings)

	result := &Result{
		QueryEndTime: endMinutes,
		Findings:     findings,
		Reports:      buildReports(job, findings, failed, endMinutes),
		Status:       models.JobStatusRunning,
	}
	if len(failed) == 0 && models.AllNoData(findings) {
		result.Status = models.JobStatusNoData
	}
	if o.reports != nil {
		if err := o.reports.PutReports(ctx, result.Reports); err != nil {
			return nil, utils.TransientError("engine.Detect", "persist reports", err)
		}
	}

	o.logger.Info("job detection complete",
		slog.Int64("job_id", job.ID),
		slog.Int("series", len(series)),
		slog.Int("anomalous", countAnomalous(findings)),
		slog.Int("failed", len(failed)),
		slog.String("status", string(result.Status)))
	return result, detectErr
}

// Backfill re-runs detection for every step between start and end as if the job had run
// at that time. Each bucket runs independently; a failed bucket is counted, not fatal.
func (o *Orchestrator) Backfill(ctx context.Context, job *models.Job, start, end time.Time) (*BackfillReport, error) {
	const op = "engine.Backfill"
	if o.source == nil {
		return nil, fmt.Errorf("data source not configured")
	}

	g := job.Granularity
	if !g.Valid() {
		return nil, utils.ConfigError(op, fmt.Sprintf("unknown granularity %q", g), nil)
	}
	rng := job.Range()
	shift := g.Minutes() * int64(rng-1)
	intervalEnd := utils.EpochMinutes(g.Floor(end.UTC())) + shift
	windowStart := utils.EpochMinutes(g.Floor(start.UTC())) + shift
	if intervalEnd-windowStart < g.Minutes() {
		return nil, utils.ConfigError(op, "backfill window is shorter than one granularity", nil)
	}

	// buckets stride by one granularity over base-granularity data; each window spans
	// what a live run sees and sums every range points into one
	step := g.Minutes()
	lookback := job.LookbackIntervals() * rng
	queryStart := windowStart - step*int64(lookback)
	steps := int((intervalEnd - windowStart + step - 1) / step)

	q, err := query.NewBuilder(job.Query).
		Granularity(g).
		Range(1).
		Intervals(lookback + steps).
		EndAtMinutes(intervalEnd).
		Build()
	if err != nil {
		return nil, err
	}
	series, err := o.fetch(ctx, q)
	if err != nil {
		return nil, err
	}

	cfg := o.jobConfig(job)
	aggregation, err := cfg.Int(detect.KeyAggregation)
	if err != nil || aggregation < 1 {
		aggregation = 1
	}
	aggregation *= rng
	buckets := timeseries.Partition(series, queryStart, intervalEnd, step, lookback, timeseries.PartitionOptions{
		FillMissing: cfg.Get(detect.KeyFillMissing) != "0",
		Aggregation: aggregation,
		Logger:      o.logger,
	})

	var (
		mu     sync.Mutex
		report = &BackfillReport{Buckets: len(buckets)}
	)
	grp := new(errgroup.Group)
	grp.SetLimit(o.backfillConcurrency)
	for _, bucket := range buckets {
		grp.Go(func() error {
			endMinutes := bucket.EndMinutes(step * int64(aggregation))
			anomalous, err := o.backfillBucket(ctx, job, bucket.Series, endMinutes)
			metrics.ObserveBackfillBucket(err != nil)

			mu.Lock()
			defer mu.Unlock()
			report.Findings += anomalous
			if err != nil {
				report.Failed++
				o.logger.Warn("backfill bucket failed",
					slog.Int64("job_id", job.ID),
					slog.Int64("end_minutes", endMinutes),
					slog.Any("error", err))
			}
			return nil
		})
	}
	_ = grp.Wait()

	o.logger.Info("backfill complete",
		slog.Int64("job_id", job.ID),
		slog.Int("buckets", report.Buckets),
		slog.Int("failed", report.Failed),
		slog.Int("findings", report.Findings))
	return report, nil
}

// backfillBucket detects one bucket and replaces its reports. A bucket with failed series
// still persists its sibling findings and returns the backend error.
func (o *Orchestrator) backfillBucket(ctx context.Context, job *models.Job, series []*models.Series, endMinutes int64) (int, error) {
	findings, detectErr := o.detectSeries(ctx, job, series, endMinutes)
	if detectErr != nil && (findings == nil || utils.KindOf(detectErr) != utils.KindBackend) {
		return 0, detectErr
	}
	if o.reports != nil {
		if err := o.reports.DeleteReportsAt(ctx, job.ID, endMinutes); err != nil {
			return 0, fmt.Errorf("clear reports: %w", err)
		}
		reports := buildReports(job, findings, failedSeries(series, findings), endMinutes)
		if err := o.reports.PutReports(ctx, reports); err != nil {
			return 0, fmt.Errorf("persist reports: %w", err)
		}
	}
	return countAnomalous(findings), detectErr
}

// fetch checks the data source, runs the query and parses the response.
func (o *Orchestrator) fetch(ctx context.Context, q *query.Query) ([]*models.Series, error) {
	if name := q.DataSource(); name != "" {
		ok, err := o.source.HasDataSource(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, utils.ConfigError("engine.fetch", fmt.Sprintf("data source %q does not exist", name), nil)
		}
	}
	body, err := o.source.Query(ctx, q.JSON)
	if err != nil {
		return nil, err
	}
	return o.parser.Parse(body, q)
}

// detectSeries configures a fresh backend for the job and detects series ending at endMinutes.
func (o *Orchestrator) detectSeries(ctx context.Context, job *models.Job, series []*models.Series, endMinutes int64) ([]models.Finding, error) {
	backend, err := detect.New(o.jobConfig(job), detect.Deps{Forecaster: o.forecaster, Logger: o.logger})
	if err != nil {
		return nil, err
	}
	backend.PreRunConfigure(job.SigmaThreshold, job.Granularity, job.Range())
	backend.SetDetectionWindow(endMinutes, frequency(job), job.Range())
	return backend.Detect(ctx, series, endMinutes)
}

// jobConfig overlays the job's model selection on the defaults.
func (o *Orchestrator) jobConfig(job *models.Job) detect.Config {
	cfg := o.defaults.Clone()
	set := func(key, value string) {
		if value != "" {
			cfg.Set(key, value)
		}
	}
	set(detect.KeyFramework, job.Framework)
	set(detect.KeyTSModel, job.TimeseriesModel)
	set(detect.KeyADModel, job.AnomalyDetectionModel)
	set(detect.KeyProphetGrowthModel, job.ProphetGrowthModel)
	set(detect.KeyProphetYearlySeasonality, job.ProphetYearlySeasonality)
	set(detect.KeyProphetWeeklySeasonality, job.ProphetWeeklySeasonality)
	set(detect.KeyProphetDailySeasonality, job.ProphetDailySeasonality)
	return cfg
}

func frequency(job *models.Job) models.Granularity {
	if g, err := models.ParseGranularity(job.Frequency); err == nil {
		return g
	}
	return job.Granularity
}

// buildReports converts findings to reports. Anomalous and NODATA findings get a report
// each and every failed series gets an ERROR report; a run with none of these is recorded
// as one empty SUCCESS report.
func buildReports(job *models.Job, findings []models.Finding, failed []*models.Series, endMinutes int64) []models.AnomalyReport {
	freq := job.Frequency
	if freq == "" {
		freq = string(job.Granularity)
	}
	base := models.AnomalyReport{
		JobID:              job.ID,
		QueryURL:           job.URL,
		ReportQueryEndTime: endMinutes,
		JobFrequency:       freq,
		TestName:           job.TestName,
	}

	var out []models.AnomalyReport
	for _, f := range findings {
		if !f.NoData && !f.HasAnomaly() {
			continue
		}
		r := base
		r.UniqueID = f.SeriesID
		if r.UniqueID == "" {
			r.UniqueID = uuid.NewString()
		}
		r.MetricName = f.Metric
		r.GroupByFilters = f.Dimensions
		r.ModelName = f.Model
		r.ModelParam = f.ModelParam
		if f.NoData {
			r.Status = models.ReportStatusNoData
		} else {
			r.Status = models.ReportStatusSuccess
			r.Anomalies = f.Intervals
			r.HasAnomaly = true
		}
		out = append(out, r)
	}
	for _, s := range failed {
		r := base
		r.UniqueID = s.ID
		if r.UniqueID == "" {
			r.UniqueID = uuid.NewString()
		}
		r.MetricName = s.Metric
		r.GroupByFilters = s.Source
		r.Status = models.ReportStatusError
		out = append(out, r)
	}
	if len(out) == 0 {
		r := base
		r.UniqueID = uuid.NewString()
		r.Status = models.ReportStatusSuccess
		out = append(out, r)
	}
	return out
}

// failedSeries returns the series that produced no finding.
func failedSeries(series []*models.Series, findings []models.Finding) []*models.Series {
	if len(findings) >= len(series) {
		return nil
	}
	seen := make(map[string]bool, len(findings))
	for _, f := range findings {
		seen[f.SeriesID] = true
	}
	var out []*models.Series
	for _, s := range series {
		if !seen[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

func countAnomalous(findings []models.Finding) int {
	n := 0
	for _, f := range findings {
		if f.HasAnomaly() {
			n++
		}
	}
	return n
}

// recordFailure persists an ERROR report for runs that will take the job out of the
// queue, then returns err unchanged.
func (o *Orchestrator) recordFailure(ctx context.Context, job *models.Job, endMinutes int64, err error) error {
	if o.reports == nil || !(utils.IsConfig(err) || utils.IsTransient(err)) {
		return err
	}
	if putErr := o.reports.PutReports(ctx, []models.AnomalyReport{errorReport(job, endMinutes)}); putErr != nil {
		o.logger.Warn("persist error report failed", slog.Int64("job_id", job.ID), slog.Any("error", putErr))
	}
	return err
}

func errorReport(job *models.Job, endMinutes int64) models.AnomalyReport {
	r := buildReports(job, nil, nil, endMinutes)[0]
	r.Status = models.ReportStatusError
	return r
}

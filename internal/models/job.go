package models

import (
	"fmt"
	"strconv"
)

// JobStatus tracks where a job is in its lifecycle.
type JobStatus string

const (
	JobStatusCreated JobStatus = "CREATED"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusStopped JobStatus = "STOPPED"
	JobStatusError   JobStatus = "ERROR"
	JobStatusNoData  JobStatus = "NODATA"
	JobStatusZombie  JobStatus = "ZOMBIE"
)

// Job is a scheduled detection over one query template.
// EffectiveRunTime and EffectiveQueryTime are minutes since the epoch; zero means never run.
type Job struct {
	ID              int64
	Owner           string
	OwnerEmail      string
	TestName        string
	TestDescription string
	UserQuery       string
	Query           string
	URL             string
	Status          JobStatus

	EffectiveRunTime   int64
	EffectiveQueryTime int64

	Granularity      Granularity
	GranularityRange int
	TimeseriesRange  int
	HoursOfLag       int
	SigmaThreshold   float64
	Frequency        string

	Framework             string
	TimeseriesModel       string
	AnomalyDetectionModel string

	ProphetGrowthModel       string
	ProphetYearlySeasonality string
	ProphetWeeklySeasonality string
	ProphetDailySeasonality  string
}

// Range is the granularity multiplier, at least 1.
func (j *Job) Range() int {
	if j.GranularityRange < 1 {
		return 1
	}
	return j.GranularityRange
}

// LookbackIntervals is the number of historical buckets a detection covers.
func (j *Job) LookbackIntervals() int {
	if j.TimeseriesRange > 0 {
		return j.TimeseriesRange
	}
	return j.Granularity.DefaultIntervals()
}

// StepMinutes is the length of one detection step including the multiplier.
func (j *Job) StepMinutes() int64 {
	return j.Granularity.Minutes() * int64(j.Range())
}

// ReportNominalTime is the query end time of the last completed detection in minutes.
func (j *Job) ReportNominalTime() int64 {
	return j.EffectiveQueryTime - j.StepMinutes()
}

// Clone returns a shallow copy safe to mutate.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}

const (
	fieldID                       = "jobId"
	fieldOwner                    = "owner"
	fieldOwnerEmail               = "ownerEmail"
	fieldTestName                 = "testName"
	fieldTestDescription          = "testDescription"
	fieldUserQuery                = "userQuery"
	fieldQuery                    = "query"
	fieldURL                      = "url"
	fieldStatus                   = "jobStatus"
	fieldEffectiveRunTime         = "effectiveRunTime"
	fieldEffectiveQueryTime       = "effectiveQueryTime"
	fieldGranularity              = "granularity"
	fieldGranularityRange         = "granularityRange"
	fieldTimeseriesRange          = "timeseriesRange"
	fieldHoursOfLag               = "hoursOfLag"
	fieldSigmaThreshold           = "sigmaThreshold"
	fieldFrequency                = "frequency"
	fieldFramework                = "timeseriesFramework"
	fieldTimeseriesModel          = "timeseriesModel"
	fieldAnomalyDetectionModel    = "anomalyDetectionModel"
	fieldProphetGrowthModel       = "prophetGrowthModel"
	fieldProphetYearlySeasonality = "prophetYearlySeasonality"
	fieldProphetWeeklySeasonality = "prophetWeeklySeasonality"
	fieldProphetDailySeasonality  = "prophetDailySeasonality"
)

// ToMap flattens the job into the string map persisted by the job record store.
func (j *Job) ToMap() map[string]string {
	m := map[string]string{
		fieldID:                 strconv.FormatInt(j.ID, 10),
		fieldStatus:             string(j.Status),
		fieldEffectiveRunTime:   strconv.FormatInt(j.EffectiveRunTime, 10),
		fieldEffectiveQueryTime: strconv.FormatInt(j.EffectiveQueryTime, 10),
		fieldGranularity:        string(j.Granularity),
		fieldGranularityRange:   strconv.Itoa(j.Range()),
		fieldTimeseriesRange:    strconv.Itoa(j.TimeseriesRange),
		fieldHoursOfLag:         strconv.Itoa(j.HoursOfLag),
		fieldSigmaThreshold:     strconv.FormatFloat(j.SigmaThreshold, 'f', -1, 64),
	}
	optional := map[string]string{
		fieldOwner:                    j.Owner,
		fieldOwnerEmail:               j.OwnerEmail,
		fieldTestName:                 j.TestName,
		fieldTestDescription:          j.TestDescription,
		fieldUserQuery:                j.UserQuery,
		fieldQuery:                    j.Query,
		fieldURL:                      j.URL,
		fieldFrequency:                j.Frequency,
		fieldFramework:                j.Framework,
		fieldTimeseriesModel:          j.TimeseriesModel,
		fieldAnomalyDetectionModel:    j.AnomalyDetectionModel,
		fieldProphetGrowthModel:       j.ProphetGrowthModel,
		fieldProphetYearlySeasonality: j.ProphetYearlySeasonality,
		fieldProphetWeeklySeasonality: j.ProphetWeeklySeasonality,
		fieldProphetDailySeasonality:  j.ProphetDailySeasonality,
	}
	for k, v := range optional {
		if v != "" {
			m[k] = v
		}
	}
	return m
}

// JobFromMap rebuilds a job from its persisted string map.
func JobFromMap(m map[string]string) (*Job, error) {
	id, err := strconv.ParseInt(m[fieldID], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("job id %q: %w", m[fieldID], err)
	}
	granularity, err := ParseGranularity(m[fieldGranularity])
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", id, err)
	}

	job := &Job{
		ID:                       id,
		Owner:                    m[fieldOwner],
		OwnerEmail:               m[fieldOwnerEmail],
		TestName:                 m[fieldTestName],
		TestDescription:          m[fieldTestDescription],
		UserQuery:                m[fieldUserQuery],
		Query:                    m[fieldQuery],
		URL:                      m[fieldURL],
		Status:                   JobStatus(m[fieldStatus]),
		Granularity:              granularity,
		Frequency:                m[fieldFrequency],
		Framework:                m[fieldFramework],
		TimeseriesModel:          m[fieldTimeseriesModel],
		AnomalyDetectionModel:    m[fieldAnomalyDetectionModel],
		ProphetGrowthModel:       m[fieldProphetGrowthModel],
		ProphetYearlySeasonality: m[fieldProphetYearlySeasonality],
		ProphetWeeklySeasonality: m[fieldProphetWeeklySeasonality],
		ProphetDailySeasonality:  m[fieldProphetDailySeasonality],
	}
	if job.Status == "" {
		job.Status = JobStatusCreated
	}

	ints := []struct {
		key string
		dst *int64
	}{
		{fieldEffectiveRunTime, &job.EffectiveRunTime},
		{fieldEffectiveQueryTime, &job.EffectiveQueryTime},
	}
	for _, f := range ints {
		if err := parseInt64(m, f.key, f.dst); err != nil {
			return nil, fmt.Errorf("job %d: %w", id, err)
		}
	}

	smalls := []struct {
		key string
		dst *int
	}{
		{fieldGranularityRange, &job.GranularityRange},
		{fieldTimeseriesRange, &job.TimeseriesRange},
		{fieldHoursOfLag, &job.HoursOfLag},
	}
	for _, f := range smalls {
		var v int64
		if err := parseInt64(m, f.key, &v); err != nil {
			return nil, fmt.Errorf("job %d: %w", id, err)
		}
		*f.dst = int(v)
	}
	if job.GranularityRange < 1 {
		job.GranularityRange = 1
	}

	if v := m[fieldSigmaThreshold]; v != "" {
		sigma, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("job %d: %s %q: %w", id, fieldSigmaThreshold, v, err)
		}
		job.SigmaThreshold = sigma
	}
	return job, nil
}

func parseInt64(m map[string]string, key string, dst *int64) error {
	v, ok := m[key]
	if !ok || v == "" {
		return nil
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s %q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}

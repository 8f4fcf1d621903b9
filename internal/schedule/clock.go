// Package schedule computes when a job runs next and which window it queries.
package schedule

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// Times is a (query time, run time) pair in minutes since the epoch.
type Times struct {
	QueryTime int64
	RunTime   int64
}

// Clock derives schedule times from a wall clock.
type Clock struct {
	clock clock.Clock
}

// NewClock wraps c; a nil clock uses the system clock.
func NewClock(c clock.Clock) *Clock {
	if c == nil {
		c = clock.New()
	}
	return &Clock{clock: c}
}

// Now returns the current time in UTC.
func (c *Clock) Now() time.Time {
	return c.clock.Now().UTC()
}

// NowMinutes returns the current time in minutes since the epoch.
func (c *Clock) NowMinutes() int64 {
	return utils.EpochMinutes(c.Now())
}

// ScheduleTime computes the first run of a job from the current time.
// The query time is the granularity floor of now minus the job's lag. The run time adds
// the lag back plus a per-job offset so jobs sharing a granularity spread across the hour.
func (c *Clock) ScheduleTime(job *models.Job) Times {
	lag := time.Duration(job.HoursOfLag) * time.Hour
	queryTime := utils.EpochMinutes(job.Granularity.Floor(c.Now().Add(-lag)))
	runTime := queryTime + int64(job.HoursOfLag)*60 + Offset(job)
	return Times{QueryTime: queryTime, RunTime: runTime}
}

// RescheduleTime advances a job by one granularity step. Jobs that never ran are scheduled
// from scratch. ok is false for jobs in the error state, which are not rescheduled.
func (c *Clock) RescheduleTime(job *models.Job) (times Times, ok bool) {
	if job.Status == models.JobStatusError {
		return Times{}, false
	}
	if job.EffectiveRunTime == 0 {
		return c.ScheduleTime(job), true
	}
	return Advance(job, Times{QueryTime: job.EffectiveQueryTime, RunTime: job.EffectiveRunTime}), true
}

// Advance moves both times forward by one granularity. Months move by calendar month.
func Advance(job *models.Job, t Times) Times {
	if job.Granularity == models.GranularityMonth {
		return Times{
			QueryTime: utils.EpochMinutes(models.AddMonths(utils.FromEpochMinutes(t.QueryTime), 1)),
			RunTime:   utils.EpochMinutes(models.AddMonths(utils.FromEpochMinutes(t.RunTime), 1)),
		}
	}
	step := job.Granularity.Minutes()
	return Times{QueryTime: t.QueryTime + step, RunTime: t.RunTime + step}
}

// Offset is the deterministic stagger in minutes applied to a job's run time.
func Offset(job *models.Job) int64 {
	if job.Granularity == models.GranularityMinute {
		return 1
	}
	id := job.ID
	if id < 0 {
		id = -id
	}
	return id % 60
}

package models

import (
	"fmt"
	"strings"
	"time"
)

// Granularity is the bucket size of a job's metric.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
	GranularityWeek   Granularity = "week"
	GranularityMonth  Granularity = "month"
)

type granularitySpec struct {
	minutes   int64
	intervals int
	unit      string
	timeUnit  bool
}

var granularities = map[Granularity]granularitySpec{
	GranularityMinute: {minutes: 1, intervals: 180, unit: "M", timeUnit: true},
	GranularityHour:   {minutes: 60, intervals: 672, unit: "H", timeUnit: true},
	GranularityDay:    {minutes: 1440, intervals: 28, unit: "D"},
	GranularityWeek:   {minutes: 10080, intervals: 12, unit: "W"},
	GranularityMonth:  {minutes: 43800, intervals: 6, unit: "M"},
}

// Granularities lists every supported granularity from finest to coarsest.
func Granularities() []Granularity {
	return []Granularity{GranularityMinute, GranularityHour, GranularityDay, GranularityWeek, GranularityMonth}
}

// ParseGranularity resolves a granularity name case-insensitively.
func ParseGranularity(value string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := granularities[g]; !ok {
		return "", fmt.Errorf("unknown granularity %q", value)
	}
	return g, nil
}

// Valid reports whether g is one of the supported granularities.
func (g Granularity) Valid() bool {
	_, ok := granularities[g]
	return ok
}

// Minutes is the nominal length of one bucket. Month is 43800.
func (g Granularity) Minutes() int64 {
	return granularities[g].minutes
}

// DefaultIntervals is the default lookback in buckets.
func (g Granularity) DefaultIntervals() int {
	return granularities[g].intervals
}

// Period returns the ISO-8601 period of one bucket, e.g. PT1H.
func (g Granularity) Period() string {
	return g.PeriodOf(1)
}

// PeriodOf returns the ISO-8601 period of n buckets.
func (g Granularity) PeriodOf(n int) string {
	if n < 1 {
		n = 1
	}
	spec := granularities[g]
	if spec.timeUnit {
		return fmt.Sprintf("PT%d%s", n, spec.unit)
	}
	return fmt.Sprintf("P%d%s", n, spec.unit)
}

// Floor truncates t to the start of its bucket in UTC. Weeks start on Monday.
func (g Granularity) Floor(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case GranularityMinute:
		return t.Truncate(time.Minute)
	case GranularityHour:
		return t.Truncate(time.Hour)
	case GranularityDay:
		return midnight(t)
	case GranularityWeek:
		back := (int(t.Weekday()) + 6) % 7
		return midnight(t).AddDate(0, 0, -back)
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// Add moves t forward by n buckets. Months move by calendar month.
func (g Granularity) Add(t time.Time, n int) time.Time {
	if g == GranularityMonth {
		return AddMonths(t, n)
	}
	return t.Add(time.Duration(g.Minutes()*int64(n)) * time.Minute)
}

// AddMonths adds calendar months, clamping the day to the end of short months.
func AddMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first); day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

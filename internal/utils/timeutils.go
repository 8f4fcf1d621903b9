package utils

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DruidTimestampLayout is the layout of datapoint timestamps after the T/Z separators are stripped.
	DruidTimestampLayout = "2006-01-02 15:04:05.000"
	// IntervalLayout formats interval bounds; the UTC offset is appended explicitly.
	IntervalLayout = "2006-01-02T15:04:05"
	// CLITimeLayout is accepted by the backfill command line.
	CLITimeLayout = "2006-01-02T15:04"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// ParseDruidTimestamp converts a datapoint timestamp to epoch seconds.
func ParseDruidTimestamp(value string) (int64, error) {
	if value == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	cleaned := strings.ReplaceAll(value, "T", " ")
	cleaned = strings.ReplaceAll(cleaned, "Z", "")
	t, err := time.ParseInLocation(DruidTimestampLayout, cleaned, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t.Unix(), nil
}

// FormatInterval renders a single interval bound with an explicit UTC offset.
func FormatInterval(t time.Time) string {
	return t.UTC().Format(IntervalLayout) + "+00:00"
}

// ParseCLITime parses yyyy-MM-ddTHH:mm (or RFC3339) as UTC.
func ParseCLITime(value string) (time.Time, error) {
	if t, err := time.ParseInLocation(CLITimeLayout, value, time.UTC); err == nil {
		return t, nil
	}
	return ParseRFC3339(value)
}

// EpochMinutes converts a time into minutes since the epoch.
func EpochMinutes(t time.Time) int64 {
	return t.Unix() / 60
}

// FromEpochMinutes converts minutes since the epoch into a UTC time.
func FromEpochMinutes(minutes int64) time.Time {
	return time.Unix(minutes*60, 0).UTC()
}

// DurationMinutes converts a pair of timestamps into minute duration.
func DurationMinutes(start, end time.Time) float64 {
	if end.Before(start) {
		start, end = end, start
	}
	return end.Sub(start).Minutes()
}

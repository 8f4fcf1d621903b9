package detect

import (
	"fmt"
	"math"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// BaseWindows derives the two seasonal window sizes for a granularity and multiplier.
// noPeriod is true for month, which has no fixed period.
func BaseWindows(g models.Granularity, rng int) (w1, w2 int, noPeriod bool) {
	if rng < 1 {
		rng = 1
	}
	r := float64(rng)
	switch g {
	case models.GranularityMinute:
		return 1, roundHalfUp(60 / r), false
	case models.GranularityHour:
		return roundHalfUp(24 / r), roundHalfUp(168 / r), false
	case models.GranularityDay:
		return 1, roundHalfUp(7 / r), false
	case models.GranularityWeek:
		return 1, roundHalfUp(4 / r), false
	case models.GranularityMonth:
		return 1, roundHalfUp(12 / r), true
	default:
		return 1, 7, false
	}
}

// FormatWindows renders windows as "w1,w2".
func FormatWindows(w1, w2 int) string {
	return fmt.Sprintf("%d,%d", w1, w2)
}

// DetectionWindowStart is the earliest timestamp, in seconds, eligible for reporting.
func DetectionWindowStart(endTimeMinutes int64, frequency models.Granularity, lookback int) int64 {
	return (endTimeMinutes - int64(lookback)*frequency.Minutes()) * 60
}

func roundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5))
}

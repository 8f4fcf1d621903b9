package models

// ForecastRequest asks an external forecasting service for expected values. Each series maps
// epoch seconds to observed values.
type ForecastRequest struct {
	Growth            string
	YearlySeasonality string
	WeeklySeasonality string
	DailySeasonality  string
	Series            []map[int64]float64
}

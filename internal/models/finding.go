package models

// Interval is one anomalous stretch of a series. Start and End are epoch seconds, inclusive.
type Interval struct {
	Start     int64   `json:"start"`
	End       int64   `json:"end"`
	Actual    float64 `json:"actual"`
	Expected  float64 `json:"expected"`
	Magnitude float64 `json:"magnitude"`
}

// Finding is the detection result for one series. NoData marks a series that could not be evaluated.
type Finding struct {
	SeriesID   string
	Metric     string
	Dimensions string
	Model      string
	ModelParam string
	Intervals  []Interval
	NoData     bool
}

// HasAnomaly reports whether any interval was detected.
func (f Finding) HasAnomaly() bool {
	return !f.NoData && len(f.Intervals) > 0
}

// NoDataFinding returns the sentinel finding for a series; s may be nil when no series came back.
func NoDataFinding(s *Series) Finding {
	if s == nil {
		return Finding{NoData: true}
	}
	return Finding{SeriesID: s.ID, Metric: s.Metric, Dimensions: s.Source, NoData: true}
}

// AllNoData reports whether every finding is a NODATA sentinel. It is false for an empty slice.
func AllNoData(findings []Finding) bool {
	if len(findings) == 0 {
		return false
	}
	for _, f := range findings {
		if !f.NoData {
			return false
		}
	}
	return true
}

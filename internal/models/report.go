package models

// ReportStatus labels a persisted anomaly report.
type ReportStatus string

const (
	ReportStatusSuccess ReportStatus = "SUCCESS"
	ReportStatusNoData  ReportStatus = "NODATA"
	ReportStatusError   ReportStatus = "ERROR"
)

// AnomalyReport is the persisted form of a finding for one job run.
type AnomalyReport struct {
	UniqueID           string       `json:"uniqueId"`
	JobID              int64        `json:"jobId"`
	MetricName         string       `json:"metricName,omitempty"`
	GroupByFilters     string       `json:"groupByFilters,omitempty"`
	Anomalies          []Interval   `json:"anomalies,omitempty"`
	QueryURL           string       `json:"queryUrl,omitempty"`
	ReportQueryEndTime int64        `json:"reportQueryEndTime"`
	JobFrequency       string       `json:"jobFrequency"`
	Status             ReportStatus `json:"status"`
	ModelName          string       `json:"modelName,omitempty"`
	ModelParam         string       `json:"modelParam,omitempty"`
	TestName           string       `json:"testName,omitempty"`
	HasAnomaly         bool         `json:"hasAnomaly"`
}

package models

import "time"

// BackfillRequest asks for detection to be re-run over a historical window of a job.
type BackfillRequest struct {
	JobID int64
	Start time.Time
	End   time.Time
}


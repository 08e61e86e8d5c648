package extractor

import (
	"fmt"
	"time"
)

// Report is the outcome of Run.
type Report struct {
	ExtractKey string
	State      State
	// Rows written since the run started, or since the last resume.
	Rows int64
	// TotalRows written for the extraction, earlier runs included.
	TotalRows int64
	Chunks    int64
	// Resumed is set when the rows were added after a pause or on top of a
	// previous run's checkpoints.
	Resumed    bool
	SubQueries int
	Finished   int
	Reason     string
	Err        error
	Duration   time.Duration
}

// Message is the human-readable outcome. Pausing, finishing a resumed
// extraction and finishing a fresh one read differently.
func (r Report) Message() string {
	switch r.State {
	case StatePaused:
		return fmt.Sprintf("Extraction %s paused after %d rows. Resume to continue.", r.ExtractKey, r.Rows)
	case StateCompleted:
		if r.Resumed {
			return fmt.Sprintf("Extraction %s resumed and added %d more rows (%d total).", r.ExtractKey, r.Rows, r.TotalRows)
		}
		return fmt.Sprintf("Extraction %s completed with %d rows.", r.ExtractKey, r.TotalRows)
	case StateStopped:
		return fmt.Sprintf("Extraction %s stopped after %d rows: %s.", r.ExtractKey, r.TotalRows, r.Reason)
	case StateFailed:
		return fmt.Sprintf("Extraction %s failed after %d rows: %v", r.ExtractKey, r.TotalRows, r.Err)
	default:
		return fmt.Sprintf("Extraction %s is %s with %d rows.", r.ExtractKey, r.State, r.TotalRows)
	}
}

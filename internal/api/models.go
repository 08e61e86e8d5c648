package api

import (
	"time"

	"etl-extract/internal/config"
)

// JobRequest mirrors the structure of config.Config so a job can be posted
// as the same document the CLI reads from disk, plus the resume flag.
type JobRequest struct {
	config.Config
	Resume bool `json:"resume"`
}

// JobResponse is returned after a successful job creation.
type JobResponse struct {
	JobID      string `json:"job_id"`
	ExtractKey string `json:"extract_key"`
}

// ControlResponse is returned after a control command was accepted.
type ControlResponse struct {
	JobID  string `json:"job_id"`
	Action string `json:"action"`
	Status string `json:"status"`
}

// JobStatus represents the runtime state of a launched job.
type JobStatus struct {
	JobID      string     `json:"job_id"`
	ExtractKey string     `json:"extract_key"`
	Status     string     `json:"status"` // queued | running | paused | stopped | completed | failed | cancelled
	Progress   int64      `json:"progress"`
	Rows       int64      `json:"rows"`
	Message    string     `json:"message,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

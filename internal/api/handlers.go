package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"etl-extract/internal/config"
	"etl-extract/internal/extractor"
	"etl-extract/internal/progress"
	"etl-extract/internal/sink"
	"etl-extract/internal/store"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Debugf("encode response: %v", err)
	}
}

// createJob handles POST /jobs
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req JobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	jobID := uuid.NewString()
	cfg := req.Config
	if cfg.ExtractKey == "" {
		cfg.ExtractKey = jobID
	}
	// Prepare also parses every query and expands its parameters
	if err := cfg.Prepare(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	for _, e := range s.jobs {
		if e.status.ExtractKey == cfg.ExtractKey && e.status.FinishedAt == nil {
			s.mu.Unlock()
			http.Error(w, "extraction "+cfg.ExtractKey+" is already running", http.StatusConflict)
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	entry := &jobEntry{
		status: &JobStatus{
			JobID:      jobID,
			ExtractKey: cfg.ExtractKey,
			Status:     "queued",
			StartedAt:  time.Now(),
		},
		cancel: cancel,
	}
	s.jobs[jobID] = entry
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runJob(ctx, entry, &cfg, req.Resume)
	}()

	writeJSON(w, http.StatusAccepted, JobResponse{JobID: jobID, ExtractKey: cfg.ExtractKey})
}

// runJob initialises the job's dependencies and runs the extractor.
func (s *Server) runJob(ctx context.Context, entry *jobEntry, cfg *config.Config, resume bool) {
	conn, err := s.deps.OpenSource(ctx, cfg.Source, cfg.Retry)
	if err != nil {
		s.markJobError(entry, err)
		return
	}
	defer conn.Close()

	st, err := s.deps.OpenStore(cfg.Output, cfg.ExtractKey)
	if err != nil {
		s.markJobError(entry, err)
		return
	}
	defer st.Close()

	// Wrap store with retry logic for a busy database file
	st = sink.NewRetryStore(st, cfg.Retry.Attempts, cfg.Retry.DelayMS, store.IsBusy)

	ext := extractor.New(cfg, conn, st, s.deps.Channel, extractor.Options{Resume: resume})
	s.mu.Lock()
	entry.ext = ext
	entry.status.Status = "running"
	s.mu.Unlock()

	if s.deps.Channel != nil {
		wctx, stop := context.WithCancel(ctx)
		defer stop()
		go progress.Watch(wctx, s.deps.Channel, cfg.ExtractKey, cfg.Progress.Poll(), ext.Request)
	}

	rep, err := ext.Run(ctx, cfg.Definitions())

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.status.Status != "cancelled" {
		entry.status.Status = strings.ToLower(rep.State.String())
	}
	entry.status.Rows = rep.TotalRows
	entry.status.Message = rep.Message()
	if err != nil {
		entry.status.Error = err.Error()
	}
	finished := time.Now()
	entry.status.FinishedAt = &finished
}

func (s *Server) snapshot(r *http.Request, entry *jobEntry) JobStatus {
	s.mu.RLock()
	st := *entry.status
	ext := entry.ext
	s.mu.RUnlock()

	if ext != nil && st.FinishedAt == nil {
		st.Status = strings.ToLower(ext.State().String())
		st.Rows = ext.Rows()
	}
	if s.deps.Channel != nil {
		if pct, err := s.deps.Channel.Progress(r.Context(), st.ExtractKey); err == nil {
			st.Progress = pct
		}
	}
	return st
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*jobEntry, bool) {
	id := chi.URLParam(r, "id")
	s.mu.RLock()
	entry, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
	}
	return entry, ok
}

// getJob handles GET /jobs/{id}
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(r, entry))
}

// listJobs handles GET /jobs
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	entries := make([]*jobEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]JobStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.snapshot(r, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	writeJSON(w, http.StatusOK, out)
}

// getJobLogs handles GET /jobs/{id}/logs
func (s *Server) getJobLogs(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.deps.Channel == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	lines, err := s.deps.Channel.Logs(r.Context(), entry.status.ExtractKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, lines)
}

// controlJob handles POST /jobs/{id}/{pause|resume|stop}
func (s *Server) controlJob(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	cmd, err := progress.ParseCommand(chi.URLParam(r, "action"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	ext := entry.ext
	s.mu.RUnlock()
	if ext == nil {
		http.Error(w, "job is not running", http.StatusConflict)
		return
	}
	if err := ext.Request(cmd); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, extractor.ErrInvalidTransition) {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	writeJSON(w, http.StatusAccepted, ControlResponse{
		JobID:  entry.status.JobID,
		Action: string(cmd),
		Status: strings.ToLower(ext.State().String()),
	})
}

// cancelJob handles DELETE /jobs/{id}
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	if entry.status.FinishedAt == nil {
		entry.status.Status = "cancelled"
	}
	s.mu.Unlock()

	if entry.cancel != nil {
		entry.cancel()
	}
	w.WriteHeader(http.StatusNoContent)
}

// markJobError sets the status of the job to failed with the provided err.
func (s *Server) markJobError(entry *jobEntry, err error) {
	logrus.Errorf("job %s failed: %v", entry.status.JobID, err)
	s.mu.Lock()
	entry.status.Status = "failed"
	entry.status.Error = err.Error()
	finished := time.Now()
	entry.status.FinishedAt = &finished
	s.mu.Unlock()
}

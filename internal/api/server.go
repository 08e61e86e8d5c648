// Package api serves extraction jobs over HTTP: jobs are posted as a
// configuration document, run in the background and controlled through
// pause, resume and stop actions.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"etl-extract/internal/config"
	"etl-extract/internal/extractor"
	"etl-extract/internal/progress"
	"etl-extract/internal/sink"
	"etl-extract/internal/source"
	"etl-extract/internal/store"
)

// Deps are the factories a job uses to reach its source and output.
type Deps struct {
	OpenSource func(ctx context.Context, cfg config.SourceConfig, retry config.RetryConfig) (source.Conn, error)
	OpenStore  func(cfg config.OutputConfig, extractKey string) (sink.Store, error)
	// Channel carries progress and control for every job; may be nil.
	Channel progress.Channel
}

// DefaultDeps connects to real databases and opens the configured output.
func DefaultDeps(ch progress.Channel) Deps {
	return Deps{
		OpenSource: func(ctx context.Context, cfg config.SourceConfig, retry config.RetryConfig) (source.Conn, error) {
			db, err := source.Open(ctx, cfg, retry)
			if err != nil {
				return nil, err
			}
			return db, nil
		},
		OpenStore: store.OpenOutput,
		Channel:   ch,
	}
}

// Server encapsulates the HTTP router and job registry.
type Server struct {
	router chi.Router
	deps   Deps

	mu   sync.RWMutex
	jobs map[string]*jobEntry
	wg   sync.WaitGroup
}

type jobEntry struct {
	status *JobStatus
	ext    *extractor.Extractor
	cancel context.CancelFunc // allows cancellation via DELETE /jobs/{id}
}

// NewServer builds a server with request logging and panic recovery
// middlewares.
func NewServer(deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		jobs:   make(map[string]*jobEntry),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(s.loggingMiddleware)
	r.Use(chimw.Recoverer)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.createJob)
		r.Get("/", s.listJobs)
		r.Get("/{id}", s.getJob)
		r.Get("/{id}/logs", s.getJobLogs)
		r.Post("/{id}/{action}", s.controlJob)
		r.Delete("/{id}", s.cancelJob)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts the listener down
// and cancels the running jobs.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("HTTP server running on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close cancels every job and waits for them to return.
func (s *Server) Close() {
	s.mu.RLock()
	for _, e := range s.jobs {
		if e.cancel != nil {
			e.cancel()
		}
	}
	s.mu.RUnlock()
	s.wg.Wait()
}

// Simple request logger middleware.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logrus.Infof("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// Package sink defines the output side of an extraction: where chunks are
// written and where per-query progress is recorded so that an interrupted
// extraction can resume without losing or duplicating rows.
package sink

import (
	"context"
	"time"

	"etl-extract/internal/query"
	"etl-extract/internal/source"
)

// Query status values recorded by a Tracker.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusComplete   = "complete"
	StatusError      = "error"
)

// Key identifies one sub-query of an extraction.
type Key struct {
	ExtractKey string
	Table      string
	Query      string
	SubQuery   int
}

// Checkpoint is the resume position of a sub-query: the last chunk committed
// and the number of rows committed up to and including it.
type Checkpoint struct {
	Key
	Seq       int64
	Rows      int64
	UpdatedAt time.Time
}

// QueryStatus is the bookkeeping row of a sub-query.
type QueryStatus struct {
	Key
	SQL       string
	Status    string
	Rows      int64
	Error     string
	UpdatedAt time.Time
}

// Metadata describes one configured query, recorded once per extraction.
type Metadata struct {
	ExtractKey string
	Query      string
	SQL        string
	Table      string
	Parsed     *query.Parsed
}

// Store persists extracted rows.
//
// InsertRows must make the rows and cp durable together: after a crash either
// both are visible or neither is. Stores that cannot do so are wrapped by
// Track, which records checkpoints only after the rows are written.
//
// Implementations must be safe for use by one writer at a time; the extractor
// serialises its calls.
type Store interface {
	CreateTable(ctx context.Context, table string, columns []string) error
	InsertRows(ctx context.Context, table string, rows []source.Row, cp Checkpoint) error
	Flush() error
	// Relocate moves the output to path and keeps it open there.
	Relocate(path string) error
	Path() string
	Close() error
}

// Tracker reads back checkpoints and keeps per-sub-query status.
type Tracker interface {
	LoadCheckpoint(ctx context.Context, key Key) (Checkpoint, bool, error)
	SetStatus(ctx context.Context, st QueryStatus) error
	Statuses(ctx context.Context, extractKey string) ([]QueryStatus, error)
	SaveMetadata(ctx context.Context, md Metadata) error
	// Reset forgets every checkpoint and status of extractKey.
	Reset(ctx context.Context, extractKey string) error
}

// Wrapper is implemented by decorators so that capabilities of the wrapped
// store can be discovered.
type Wrapper interface {
	Unwrap() Store
}

// TrackerOf finds a Tracker on s or on any store it wraps.
func TrackerOf(s Store) (Tracker, bool) {
	for s != nil {
		if t, ok := s.(Tracker); ok {
			return t, true
		}
		w, ok := s.(Wrapper)
		if !ok {
			return nil, false
		}
		s = w.Unwrap()
	}
	return nil, false
}

// Package stream turns a query result into a finite sequence of fixed-size
// chunks, honouring a row limit and a cooperative stop that is only observed
// between chunks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"etl-extract/internal/source"
)

var (
	// ErrInvalidChunkSize is returned for chunk sizes below one.
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	// ErrFetchTimeout is returned when a single fetch exceeds the configured
	// timeout. The cursor is unusable afterwards.
	ErrFetchTimeout = errors.New("fetch timed out")
)

// Chunk is one batch of rows. Seq increases strictly within one row source.
type Chunk struct {
	Seq     int64
	Columns []string
	Rows    []source.Row
}

// Config tunes a RowSource.
type Config struct {
	ChunkSize int
	// RowLimit caps the total rows delivered, counting Skip; 0 means no cap.
	RowLimit int64
	// Skip rows are read and discarded before the first chunk. Used to resume
	// after rows that were already committed.
	Skip int64
	// StartSeq is the sequence number of the last chunk delivered before; the
	// first chunk gets StartSeq+1.
	StartSeq int64
	// FetchTimeout bounds each fetch; 0 disables it.
	FetchTimeout time.Duration
}

// RowSource reads one query in chunks. Next is not safe for concurrent use;
// Stop may be called from any goroutine.
type RowSource struct {
	conn  source.Conn
	query string
	cfg   Config

	cursor  source.Cursor
	read    int64
	seq     int64
	started bool

	exhausted    bool
	limitReached bool
	stopReq      atomic.Bool
	stopped      atomic.Bool
}

// New builds a row source for query. The statement is not executed until the
// first call to Next.
func New(conn source.Conn, query string, cfg Config) (*RowSource, error) {
	if cfg.ChunkSize < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, cfg.ChunkSize)
	}
	if cfg.RowLimit < 0 {
		cfg.RowLimit = 0
	}
	// a chunk never needs to be larger than the whole allowance
	if cfg.RowLimit > 0 && int64(cfg.ChunkSize) > cfg.RowLimit {
		cfg.ChunkSize = int(cfg.RowLimit)
	}
	return &RowSource{conn: conn, query: query, cfg: cfg, seq: cfg.StartSeq}, nil
}

// Next returns the following chunk, or io.EOF once the source is exhausted,
// the row limit is reached or a stop request has been observed.
//
// The chunk that ends the result set may be short, and it is empty when the
// row count is a multiple of the chunk size.
func (s *RowSource) Next(ctx context.Context) (*Chunk, error) {
	if s.exhausted || s.limitReached || s.stopped.Load() {
		return nil, io.EOF
	}
	if s.stopReq.Load() {
		s.stopped.Store(true)
		return nil, io.EOF
	}

	if !s.started {
		if err := s.start(ctx); err != nil {
			return nil, err
		}
		if s.exhausted {
			return nil, io.EOF
		}
	}

	n := s.cfg.ChunkSize
	if s.cfg.RowLimit > 0 {
		remaining := s.cfg.RowLimit - s.read
		if remaining <= 0 {
			s.limitReached = true
			return nil, io.EOF
		}
		if remaining < int64(n) {
			n = int(remaining)
		}
	}

	rows, err := s.fetch(ctx, n)
	if err != nil {
		return nil, err
	}
	s.read += int64(len(rows))
	s.seq++

	switch {
	case len(rows) < n:
		s.exhausted = true
	case s.cfg.RowLimit > 0 && s.read >= s.cfg.RowLimit:
		s.limitReached = true
	}
	return &Chunk{Seq: s.seq, Columns: s.cursor.Columns(), Rows: rows}, nil
}

func (s *RowSource) start(ctx context.Context) error {
	cur, err := s.conn.Execute(ctx, s.query)
	if err != nil {
		return fmt.Errorf("execute query: %w", err)
	}
	s.cursor = cur
	s.started = true

	for s.read < s.cfg.Skip {
		n := s.cfg.ChunkSize
		if left := s.cfg.Skip - s.read; left < int64(n) {
			n = int(left)
		}
		rows, err := s.fetch(ctx, n)
		if err != nil {
			return fmt.Errorf("skip committed rows: %w", err)
		}
		s.read += int64(len(rows))
		if len(rows) < n {
			s.exhausted = true
			return nil
		}
	}
	if s.cfg.RowLimit > 0 && s.read >= s.cfg.RowLimit {
		s.limitReached = true
	}
	return nil
}

func (s *RowSource) fetch(ctx context.Context, n int) ([]source.Row, error) {
	if s.cfg.FetchTimeout <= 0 {
		return s.cursor.FetchMany(ctx, n)
	}

	type result struct {
		rows []source.Row
		err  error
	}
	done := make(chan result, 1)
	go func() {
		rows, err := s.cursor.FetchMany(ctx, n)
		done <- result{rows, err}
	}()

	timer := time.NewTimer(s.cfg.FetchTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.rows, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrFetchTimeout, s.cfg.FetchTimeout)
	}
}

// Stop asks the source to end at the next chunk boundary. A chunk already
// being fetched is still returned.
func (s *RowSource) Stop() {
	s.stopReq.Store(true)
}

// IsStopped reports whether a stop request has taken effect.
func (s *RowSource) IsStopped() bool {
	return s.stopped.Load()
}

// Exhausted reports whether the result set ran out.
func (s *RowSource) Exhausted() bool { return s.exhausted }

// LimitReached reports whether the row limit ended the source.
func (s *RowSource) LimitReached() bool { return s.limitReached }

// Done reports whether the source finished on its own, through exhaustion or
// the row limit, rather than being stopped.
func (s *RowSource) Done() bool { return s.exhausted || s.limitReached }

// Read is the number of rows consumed so far, skipped rows included.
func (s *RowSource) Read() int64 { return s.read }

// Seq is the sequence number of the last chunk returned.
func (s *RowSource) Seq() int64 { return s.seq }

// Close releases the cursor.
func (s *RowSource) Close() error {
	if s.cursor == nil {
		return nil
	}
	return s.cursor.Close()
}

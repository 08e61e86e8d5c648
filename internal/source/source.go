// Package source is the extractor's view of a source database: a connection
// that executes a statement and hands back a cursor fetched in batches.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"etl-extract/internal/config"

	"github.com/sirupsen/logrus"
)

// Row is one result row, values already normalised (see Normalize).
type Row []any

// Cursor is an open result set.
type Cursor interface {
	Columns() []string
	// FetchMany returns up to n rows. Fewer than n rows means the result set
	// is exhausted.
	FetchMany(ctx context.Context, n int) ([]Row, error)
	Close() error
}

// Conn executes queries against a source database.
type Conn interface {
	Execute(ctx context.Context, query string) (Cursor, error)
	Close() error
}

// DB adapts a database/sql pool to Conn. Concurrent Execute calls each get
// their own connection from the pool.
type DB struct {
	db *sql.DB
}

// NewDB wraps an already opened pool.
func NewDB(db *sql.DB) *DB {
	return &DB{db: db}
}

// Open establishes a source connection with retry support. Every attempt
// opens the pool and pings it; the retry configuration controls the number
// of attempts and the delay (in milliseconds) between them.
func Open(ctx context.Context, cfg config.SourceConfig, retryCfg config.RetryConfig) (*DB, error) {
	driver, err := DriverName(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if retryCfg.Attempts == 0 {
		retryCfg.Attempts = 3
	}
	if retryCfg.DelayMS == 0 {
		retryCfg.DelayMS = 1500
	}

	for attempt := 1; attempt <= retryCfg.Attempts; attempt++ {
		var db *sql.DB
		db, err = sql.Open(driver, cfg.DSN)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				if cfg.MaxOpenConns > 0 {
					db.SetMaxOpenConns(cfg.MaxOpenConns)
				}
				return NewDB(db), nil
			}
			db.Close()
		}

		logrus.Warnf("source connect failed (attempt %d/%d): %v", attempt, retryCfg.Attempts, err)

		// Don't wait after the final attempt
		if attempt < retryCfg.Attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(retryCfg.DelayMS) * time.Millisecond):
			}
		}
	}

	return nil, fmt.Errorf("connect to %s source: %w", cfg.Driver, err)
}

// Execute runs query and returns a cursor over its result set. The cursor
// stays bound to ctx: cancelling it aborts any pending fetch.
func (d *DB) Execute(ctx context.Context, query string) (Cursor, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &sqlCursor{rows: rows, cols: cols}, nil
}

// Close releases the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

type sqlCursor struct {
	rows *sql.Rows
	cols []string
	done bool
}

func (c *sqlCursor) Columns() []string { return c.cols }

func (c *sqlCursor) FetchMany(ctx context.Context, n int) ([]Row, error) {
	if c.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Row, 0, n)
	for len(out) < n {
		if !c.rows.Next() {
			c.done = true
			if err := c.rows.Err(); err != nil {
				return out, err
			}
			break
		}
		vals := make([]any, len(c.cols))
		ptrs := make([]any, len(c.cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := c.rows.Scan(ptrs...); err != nil {
			return out, err
		}
		for i, v := range vals {
			vals[i] = Normalize(v)
		}
		out = append(out, Row(vals))
	}
	return out, nil
}

func (c *sqlCursor) Close() error {
	return c.rows.Close()
}

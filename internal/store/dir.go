package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"etl-extract/internal/sink"
	"etl-extract/internal/source"
)

// metaFile holds the extraction-wide bookkeeping of a Dir. Table archives
// may not start with metaPrefix.
const (
	metaFile   = "_extract.db"
	metaPrefix = "_extract"
)

// Dir keeps one archive per target table in a directory, plus a metadata
// archive for query status. Each table's checkpoints live in that table's
// archive so rows and checkpoint still commit together.
type Dir struct {
	mu       sync.Mutex
	dir      string
	password string
	meta     *Store
	tables   map[string]*Store
}

var (
	_ sink.Store   = (*Dir)(nil)
	_ sink.Tracker = (*Dir)(nil)
)

// OpenDir opens (or creates) a per-table archive directory.
func OpenDir(dir, password string) (*Dir, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create archive directory")
	}
	meta, err := Open(filepath.Join(dir, metaFile), password)
	if err != nil {
		return nil, err
	}
	return &Dir{dir: dir, password: password, meta: meta, tables: make(map[string]*Store)}, nil
}

func (d *Dir) tableFile(table string) string {
	return filepath.Join(d.dir, table+".db")
}

// table returns the archive of table, opening it when create is set or the
// file already exists.
func (d *Dir) table(table string, create bool) (*Store, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.tables[table]; ok {
		return s, nil
	}
	if table == "" || strings.ContainsAny(table, `/\`) || strings.HasPrefix(strings.ToLower(table), metaPrefix) {
		return nil, errors.Errorf("invalid target table name %q", table)
	}
	path := d.tableFile(table)
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, nil
		}
	}
	s, err := Open(path, d.password)
	if err != nil {
		return nil, err
	}
	d.tables[table] = s
	return s, nil
}

func (d *Dir) CreateTable(ctx context.Context, table string, columns []string) error {
	s, err := d.table(table, true)
	if err != nil {
		return err
	}
	return s.CreateTable(ctx, table, columns)
}

func (d *Dir) InsertRows(ctx context.Context, table string, rows []source.Row, cp sink.Checkpoint) error {
	s, err := d.table(table, false)
	if err != nil {
		return err
	}
	if s == nil {
		return errors.Errorf("table %s not created", table)
	}
	return s.InsertRows(ctx, table, rows, cp)
}

// Table exposes the archive holding table, or nil.
func (d *Dir) Table(table string) (*Store, error) {
	return d.table(table, false)
}

func (d *Dir) LoadCheckpoint(ctx context.Context, key sink.Key) (sink.Checkpoint, bool, error) {
	s, err := d.table(key.Table, false)
	if err != nil || s == nil {
		return sink.Checkpoint{Key: key}, false, err
	}
	return s.LoadCheckpoint(ctx, key)
}

func (d *Dir) SetStatus(ctx context.Context, st sink.QueryStatus) error {
	return d.meta.SetStatus(ctx, st)
}

func (d *Dir) Statuses(ctx context.Context, extractKey string) ([]sink.QueryStatus, error) {
	return d.meta.Statuses(ctx, extractKey)
}

func (d *Dir) SaveMetadata(ctx context.Context, md sink.Metadata) error {
	return d.meta.SaveMetadata(ctx, md)
}

// Reset clears the bookkeeping of extractKey in the metadata archive and in
// every table archive of the directory.
func (d *Dir) Reset(ctx context.Context, extractKey string) error {
	if err := d.meta.Reset(ctx, extractKey); err != nil {
		return err
	}
	files, err := filepath.Glob(filepath.Join(d.dir, "*.db"))
	if err != nil {
		return err
	}
	for _, f := range files {
		name := filepath.Base(f)
		if name == metaFile {
			continue
		}
		s, err := d.table(strings.TrimSuffix(name, ".db"), false)
		if err != nil {
			return err
		}
		if s == nil {
			continue
		}
		if err := s.Reset(ctx, extractKey); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dir) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.tables {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	return d.meta.Flush()
}

func (d *Dir) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dir
}

// Relocate closes every archive, moves the directory and reopens the
// archives that were open, with their tables still registered. When the move
// fails they are reopened where they were.
func (d *Dir) Relocate(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	open := make([]*Store, 0, len(d.tables)+1)
	open = append(open, d.meta)
	for _, s := range d.tables {
		open = append(open, s)
	}
	for _, s := range open {
		if err := s.detach(); err != nil {
			if aerr := d.attachAll(open, d.dir); aerr != nil {
				log.Errorf("Archives in %s could not be reopened: %v", d.dir, aerr)
			}
			return err
		}
	}

	err := os.MkdirAll(filepath.Dir(path), 0o700)
	if err == nil {
		err = moveFile(d.dir, path)
	}
	if err != nil {
		if aerr := d.attachAll(open, d.dir); aerr != nil {
			log.Errorf("Archives in %s could not be reopened: %v", d.dir, aerr)
		}
		return err
	}
	d.dir = path
	return d.attachAll(open, path)
}

// attachAll reopens every store under dir, keeping its file name.
func (d *Dir) attachAll(stores []*Store, dir string) error {
	var first error
	for _, s := range stores {
		if err := s.attach(filepath.Join(dir, filepath.Base(s.Path()))); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (d *Dir) closeAll() error {
	var first error
	for name, s := range d.tables {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
		delete(d.tables, name)
	}
	if err := d.meta.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeAll()
}

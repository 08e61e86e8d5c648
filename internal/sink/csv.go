package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"etl-extract/internal/source"
)

// csvFile wraps an opened CSV file with its writer and cached headers.
// All writes must respect the header order to keep column consistency.
type csvFile struct {
	file    *os.File
	writer  *csv.Writer
	headers []string
}

// CSVStore writes every target table to "<dir>/<table>.csv". The first time
// a table is created the header row is written; later runs append to the
// existing file and keep its header.
//
// CSV files cannot commit rows and checkpoints atomically, so resuming is
// only as precise as the last flushed chunk. Use Track to pair it with a
// tracker.
type CSVStore struct {
	outputDir string
	mu        sync.Mutex
	files     map[string]*csvFile // keyed by target table
}

// NewCSVStore initialises a store that writes CSV files under the given
// directory, creating the directory tree if it doesn't already exist.
func NewCSVStore(outputDir string) (*CSVStore, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create csv output directory: %w", err)
	}

	return &CSVStore{
		outputDir: outputDir,
		files:     make(map[string]*csvFile),
	}, nil
}

// CreateTable opens (or creates) the table's file.
func (s *CSVStore) CreateTable(_ context.Context, table string, columns []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[table]; ok {
		return nil
	}
	cf, err := openCSV(filepath.Join(s.outputDir, table+".csv"), columns)
	if err != nil {
		return err
	}
	s.files[table] = cf
	return nil
}

// openCSV opens fp for appending and writes the header when the file is new
// or empty.
func openCSV(fp string, columns []string) (*csvFile, error) {
	info, err := os.Stat(fp)
	exists := err == nil && info.Size() > 0

	f, err := os.OpenFile(fp, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv file %s: %w", fp, err)
	}

	w := csv.NewWriter(f)
	if !exists {
		if err := w.Write(columns); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write csv header for %s: %w", fp, err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to flush csv header for %s: %w", fp, err)
		}
	}
	return &csvFile{file: f, writer: w, headers: columns}, nil
}

// InsertRows appends rows in header order and flushes them to disk.
func (s *CSVStore) InsertRows(_ context.Context, table string, rows []source.Row, _ Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cf, ok := s.files[table]
	if !ok {
		return fmt.Errorf("csv table %s not created", table)
	}

	for _, r := range rows {
		rec := make([]string, len(cf.headers))
		for i := range cf.headers {
			if i < len(r) {
				rec[i] = formatCell(r[i])
			}
		}
		if err := cf.writer.Write(rec); err != nil {
			return err
		}
	}
	cf.writer.Flush()
	if err := cf.writer.Error(); err != nil {
		return err
	}
	return cf.file.Sync()
}

func formatCell(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(source.Hex(v))
}

// Flush writes buffered data of every open file.
func (s *CSVStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cf := range s.files {
		cf.writer.Flush()
		if err := cf.writer.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Path is the output directory.
func (s *CSVStore) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputDir
}

// Relocate closes every file, moves the output directory to path and reopens
// the files that were open there with the same headers. When the move fails
// they are reopened where they were.
func (s *CSVStore) Relocate(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	headers := make(map[string][]string, len(s.files))
	for table, cf := range s.files {
		headers[table] = cf.headers
	}
	if err := s.closeFiles(); err != nil {
		return errors.Join(err, s.reopenFiles(headers))
	}

	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err == nil {
		err = os.Rename(s.outputDir, path)
	}
	if err != nil {
		return errors.Join(fmt.Errorf("move csv output to %s: %w", path, err), s.reopenFiles(headers))
	}
	s.outputDir = path
	return s.reopenFiles(headers)
}

// reopenFiles must be called with mu held.
func (s *CSVStore) reopenFiles(headers map[string][]string) error {
	var first error
	for table, cols := range headers {
		cf, err := openCSV(filepath.Join(s.outputDir, table+".csv"), cols)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		s.files[table] = cf
	}
	return first
}

// Close flushes and closes every file.
func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFiles()
}

func (s *CSVStore) closeFiles() error {
	var first error
	for table, cf := range s.files {
		cf.writer.Flush()
		if err := cf.writer.Error(); err != nil && first == nil {
			first = err
		}
		if err := cf.file.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.files, table)
	}
	return first
}

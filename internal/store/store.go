// Package store is the encrypted SQLite archive extractions are written to.
//
// Row values are sealed cell by cell with a key derived from the archive
// password; table and column names and the bookkeeping tables stay in clear
// text so an archive can be inspected without the password. Rows and the
// checkpoint that covers them are committed in one transaction.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"etl-extract/internal/crypto"
	"etl-extract/internal/query"
	"etl-extract/internal/sink"
	"etl-extract/internal/source"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// reserved prefix of the bookkeeping tables
const reservedPrefix = "_extract_"

// known plaintext sealed at creation; opening it proves the password
const verifier = "etl-extract archive"

// ErrWrongPassword is returned by Open when the password does not match the
// one the archive was created with.
var ErrWrongPassword = errors.New("wrong archive password")

// ErrClosed is returned by writes to an archive that has been closed.
var ErrClosed = errors.New("archive is closed")

// Store is a single-file encrypted archive. It implements sink.Store and
// sink.Tracker.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	enc    *crypto.Encryptor
	tables map[string][]string
}

var (
	_ sink.Store   = (*Store)(nil)
	_ sink.Tracker = (*Store)(nil)
)

// Open opens the archive at path, creating it (and its directory) when
// missing, and applies pending migrations.
func Open(path, password string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create archive directory")
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, path: path, tables: make(map[string][]string)}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}
	if err := s.unlock(password); err != nil {
		db.Close()
		return nil, err
	}

	log.Debugf("Archive opened at %s", path)
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open archive")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping archive")
	}
	// one writer; a single connection also keeps transactions serialised
	db.SetMaxOpenConns(1)
	return db, nil
}

// runMigrations applies database migrations using goose
func (s *Store) runMigrations() error {
	fsys, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return errors.Wrap(err, "failed to create migration provider")
	}
	if _, err := provider.Up(context.Background()); err != nil {
		return errors.Wrap(err, "failed to apply migrations")
	}
	return nil
}

// unlock derives the cell key. A new archive gets a fresh salt and verifier.
func (s *Store) unlock(password string) error {
	var salt, check []byte
	err := s.db.QueryRow(`SELECT value FROM _extract_archive WHERE key = 'salt'`).Scan(&salt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if salt, err = crypto.NewSalt(); err != nil {
			return err
		}
		enc, err := crypto.NewEncryptor(password, salt)
		if err != nil {
			return err
		}
		if check, err = enc.Seal([]byte(verifier)); err != nil {
			return err
		}
		if _, err := s.db.Exec(`INSERT INTO _extract_archive (key, value) VALUES ('salt', ?), ('check', ?)`, salt, check); err != nil {
			return errors.Wrap(err, "failed to initialise archive")
		}
		s.enc = enc
		return nil
	case err != nil:
		return errors.Wrap(err, "failed to read archive salt")
	}

	if err := s.db.QueryRow(`SELECT value FROM _extract_archive WHERE key = 'check'`).Scan(&check); err != nil {
		return errors.Wrap(err, "failed to read archive verifier")
	}
	enc, err := crypto.NewEncryptor(password, salt)
	if err != nil {
		return err
	}
	if pt, err := enc.Open(check); err != nil || string(pt) != verifier {
		return ErrWrongPassword
	}
	s.enc = enc
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// uniqueColumns renames blank and repeated column names.
func uniqueColumns(cols []string) []string {
	seen := map[string]bool{"_row_id": true}
	out := make([]string, len(cols))
	for i, c := range cols {
		if c == "" {
			c = fmt.Sprintf("column_%d", i+1)
		}
		name := c
		for n := 2; seen[strings.ToLower(name)]; n++ {
			name = fmt.Sprintf("%s_%d", c, n)
		}
		seen[strings.ToLower(name)] = true
		out[i] = name
	}
	return out
}

// CreateTable creates the data table if needed and registers its columns for
// InsertRows.
func (s *Store) CreateTable(ctx context.Context, table string, columns []string) error {
	if table == "" || strings.HasPrefix(strings.ToLower(table), reservedPrefix) {
		return errors.Errorf("invalid target table name %q", table)
	}
	cols := uniqueColumns(columns)

	defs := make([]string, 0, len(cols)+1)
	defs = append(defs, `"_row_id" INTEGER PRIMARY KEY AUTOINCREMENT`)
	for _, c := range cols {
		defs = append(defs, quoteIdent(c)+" BLOB")
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(defs, ", "))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrapf(err, "failed to create table %s", table)
	}
	s.tables[table] = cols
	return nil
}

// InsertRows seals and inserts rows and, when cp names an extraction, records
// the checkpoint and a chunk log entry in the same transaction.
func (s *Store) InsertRows(ctx context.Context, table string, rows []source.Row, cp sink.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrClosed
	}
	cols, ok := s.tables[table]
	if !ok {
		return errors.Errorf("table %s not created", table)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if len(rows) > 0 {
		quoted := make([]string, len(cols))
		marks := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = quoteIdent(c)
			marks[i] = "?"
		}
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", ")))
		if err != nil {
			return errors.Wrapf(err, "failed to prepare insert into %s", table)
		}
		defer stmt.Close()

		args := make([]any, len(cols))
		for _, r := range rows {
			for i := range cols {
				var v any
				if i < len(r) {
					v = r[i]
				}
				if args[i], err = s.enc.Seal(encodeValue(v)); err != nil {
					return err
				}
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return errors.Wrapf(err, "failed to insert into %s", table)
			}
		}
	}

	if cp.ExtractKey != "" {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO _extract_checkpoints (extract_key, target_table, query_name, sub_query, last_seq, rows, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (extract_key, target_table, query_name, sub_query)
			DO UPDATE SET last_seq = excluded.last_seq, rows = excluded.rows, updated_at = excluded.updated_at`,
			cp.ExtractKey, cp.Table, cp.Query, cp.SubQuery, cp.Seq, cp.Rows, now)
		if err != nil {
			return errors.Wrap(err, "failed to save checkpoint")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO _extract_chunk_log (extract_key, target_table, query_name, sub_query, seq, rows, written_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cp.ExtractKey, cp.Table, cp.Query, cp.SubQuery, cp.Seq, len(rows), now)
		if err != nil {
			return errors.Wrap(err, "failed to log chunk")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit chunk")
	}
	return nil
}

// ReadRows decrypts every row of table in insertion order.
func (s *Store) ReadRows(ctx context.Context, table string) ([]string, []source.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s ORDER BY _row_id", quoteIdent(table)))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read %s", table)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	cols = cols[1:]

	var out []source.Row
	for rows.Next() {
		raw := make([][]byte, len(cols)+1)
		ptrs := make([]any, len(raw))
		var rowID int64
		ptrs[0] = &rowID
		for i := 1; i < len(raw); i++ {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		r := make(source.Row, len(cols))
		for i := range cols {
			pt, err := s.enc.Open(raw[i+1])
			if err != nil {
				return nil, nil, err
			}
			if r[i], err = decodeValue(pt); err != nil {
				return nil, nil, err
			}
		}
		out = append(out, r)
	}
	return cols, out, rows.Err()
}

// Count returns the number of rows in table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count %s", table)
	}
	return n, nil
}

// Tables lists the data tables of the archive.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE '\_extract\_%' ESCAPE '\'
		  AND name NOT LIKE 'sqlite\_%' ESCAPE '\' AND name <> 'goose_db_version'
		ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tables")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// LoadCheckpoint returns the last committed position of a sub-query.
func (s *Store) LoadCheckpoint(ctx context.Context, key sink.Key) (sink.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sink.Checkpoint{Key: key}
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT last_seq, rows, updated_at FROM _extract_checkpoints
		WHERE extract_key = ? AND target_table = ? AND query_name = ? AND sub_query = ?`,
		key.ExtractKey, key.Table, key.Query, key.SubQuery).Scan(&cp.Seq, &cp.Rows, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, errors.Wrap(err, "failed to load checkpoint")
	}
	cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return cp, true, nil
}

// SetStatus upserts the status row of a sub-query.
func (s *Store) SetStatus(ctx context.Context, st sink.QueryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _extract_query_status (extract_key, target_table, query_name, sub_query, sql_text, status, rows, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (extract_key, target_table, query_name, sub_query)
		DO UPDATE SET sql_text = CASE WHEN excluded.sql_text = '' THEN sql_text ELSE excluded.sql_text END,
			status = excluded.status, rows = excluded.rows, error = excluded.error, updated_at = excluded.updated_at`,
		st.ExtractKey, st.Table, st.Query, st.SubQuery, st.SQL, st.Status, st.Rows, st.Error,
		time.Now().UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "failed to save query status")
}

// Statuses lists the status rows of an extraction ordered by query and
// sub-query.
func (s *Store) Statuses(ctx context.Context, extractKey string) ([]sink.QueryStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_table, query_name, sub_query, sql_text, status, rows, error, updated_at
		FROM _extract_query_status WHERE extract_key = ?
		ORDER BY query_name, sub_query`, extractKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list query status")
	}
	defer rows.Close()

	var out []sink.QueryStatus
	for rows.Next() {
		st := sink.QueryStatus{Key: sink.Key{ExtractKey: extractKey}}
		var updated string
		if err := rows.Scan(&st.Table, &st.Query, &st.SubQuery, &st.SQL, &st.Status, &st.Rows, &st.Error, &updated); err != nil {
			return nil, err
		}
		st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

// SaveMetadata records a query definition with its parsed form.
func (s *Store) SaveMetadata(ctx context.Context, md sink.Metadata) error {
	parsed := md.Parsed
	if parsed == nil {
		parsed = query.Parse(md.SQL)
	}
	blob, err := json.Marshal(parsed)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO _extract_metadata (extract_key, query_name, target_table, sql_text, parsed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (extract_key, query_name)
		DO UPDATE SET target_table = excluded.target_table, sql_text = excluded.sql_text, parsed = excluded.parsed`,
		md.ExtractKey, md.Query, md.Table, md.SQL, string(blob))
	return errors.Wrap(err, "failed to save metadata")
}

// Metadata returns the recorded query definitions of an extraction.
func (s *Store) Metadata(ctx context.Context, extractKey string) ([]sink.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT query_name, target_table, sql_text, parsed FROM _extract_metadata
		WHERE extract_key = ? ORDER BY query_name`, extractKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read metadata")
	}
	defer rows.Close()

	var out []sink.Metadata
	for rows.Next() {
		md := sink.Metadata{ExtractKey: extractKey, Parsed: &query.Parsed{}}
		var parsed string
		if err := rows.Scan(&md.Query, &md.Table, &md.SQL, &parsed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(parsed), md.Parsed); err != nil {
			return nil, errors.Wrapf(err, "failed to decode metadata of %s", md.Query)
		}
		out = append(out, md)
	}
	return out, rows.Err()
}

// ChunkEntry is one line of the chunk log.
type ChunkEntry struct {
	sink.Key
	Seq       int64
	Rows      int64
	WrittenAt time.Time
}

// ChunkLog lists the chunks committed for an extraction in commit order.
func (s *Store) ChunkLog(ctx context.Context, extractKey string) ([]ChunkEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_table, query_name, sub_query, seq, rows, written_at
		FROM _extract_chunk_log WHERE extract_key = ? ORDER BY id`, extractKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read chunk log")
	}
	defer rows.Close()

	var out []ChunkEntry
	for rows.Next() {
		e := ChunkEntry{Key: sink.Key{ExtractKey: extractKey}}
		var written string
		if err := rows.Scan(&e.Table, &e.Query, &e.SubQuery, &e.Seq, &e.Rows, &written); err != nil {
			return nil, err
		}
		e.WrittenAt, _ = time.Parse(time.RFC3339Nano, written)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Reset forgets the checkpoints, statuses and chunk log of an extraction.
// Data rows are kept.
func (s *Store) Reset(ctx context.Context, extractKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tbl := range []string{"_extract_checkpoints", "_extract_query_status", "_extract_chunk_log"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+tbl+" WHERE extract_key = ?", extractKey); err != nil {
			return errors.Wrapf(err, "failed to reset %s", tbl)
		}
	}
	return nil
}

// Flush checkpoints the write-ahead log into the main file.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return errors.Wrap(err, "failed to checkpoint wal")
}

// Path is the archive file.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Relocate closes the archive, moves it to path and reopens it there. The
// registered tables stay registered. When the move fails the archive is
// reopened where it was.
func (s *Store) Relocate(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "failed to close archive")
	}
	s.db = nil
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return s.reopen(s.path, errors.Wrap(err, "failed to create archive directory"))
	}
	if err := moveArchive(s.path, path); err != nil {
		return s.reopen(s.path, err)
	}
	db, err := openDB(path)
	if err != nil {
		if merr := moveArchive(path, s.path); merr != nil {
			return errors.Wrapf(err, "archive left at %s", path)
		}
		return s.reopen(s.path, err)
	}
	log.Infof("Archive moved %s -> %s", s.path, path)
	s.db, s.path = db, path
	return nil
}

// reopen reattaches the archive at path and returns cause. It must be called
// with mu held.
func (s *Store) reopen(path string, cause error) error {
	db, err := openDB(path)
	if err != nil {
		log.Errorf("Archive %s could not be reopened: %v", path, err)
		return cause
	}
	s.db = db
	return cause
}

// detach closes the database handle and keeps the key and registered tables
// so that attach can continue where the archive left off.
func (s *Store) detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.Wrap(err, "failed to close archive")
}

// attach reopens a detached archive at path; an attached one is left alone.
func (s *Store) attach(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := openDB(path)
	if err != nil {
		return err
	}
	s.db, s.path = db, path
	return nil
}

// moveArchive moves the database file and its WAL side files, undoing the
// partial move on failure.
func moveArchive(from, to string) error {
	if err := moveFile(from, to); err != nil {
		return err
	}
	moved := []string{""}
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(from + suffix); err != nil {
			continue
		}
		if err := moveFile(from+suffix, to+suffix); err != nil {
			for _, m := range moved {
				_ = os.Rename(to+m, from+m)
			}
			return err
		}
		moved = append(moved, suffix)
	}
	return nil
}

func moveFile(from, to string) error {
	if err := os.Rename(from, to); err != nil {
		return errors.Wrapf(err, "failed to move %s to %s", from, to)
	}
	return nil
}

// Close closes the archive.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// IsBusy reports whether err is SQLite's "database is locked" condition,
// which clears once the competing writer finishes.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

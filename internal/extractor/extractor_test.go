package extractor

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"etl-extract/internal/config"
	"etl-extract/internal/params"
	"etl-extract/internal/progress"
	"etl-extract/internal/query"
	"etl-extract/internal/sink"
	"etl-extract/internal/source"
	"etl-extract/internal/store"
)

const itemsSQL = "SELECT id, grp FROM items ORDER BY id"

// seedSource creates an items table with ids 1..n and grp = id%3 + 1.
func seedSource(t *testing.T, n int) *source.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, grp INTEGER)`)
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		_, err = db.Exec(`INSERT INTO items (id, grp) VALUES (?, ?)`, i, i%3+1)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	conn, err := source.Open(context.Background(), config.SourceConfig{Driver: "sqlite", DSN: dsn}, config.RetryConfig{Attempts: 1})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "out.db"), "secret")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testConfig(key string) *config.Config {
	return &config.Config{
		ExtractKey: key,
		Source:     config.SourceConfig{Driver: "sqlite"},
		ChunkSize:  10,
		QueueSize:  2,
		Workers:    1,
		Retry:      config.RetryConfig{Attempts: 3, DelayMS: 1},
	}
}

func items(ps ...*params.Parameter) []*query.Definition {
	return []*query.Definition{query.NewDefinition("items", itemsSQL, "", ps)}
}

func readIDs(t *testing.T, st *store.Store, table string) []int64 {
	t.Helper()
	_, rows, err := st.ReadRows(context.Background(), table)
	require.NoError(t, err)
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r[0].(int64))
	}
	return ids
}

func seq(from, to int64) []int64 {
	var out []int64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestRunCompletes(t *testing.T) {
	ctx := context.Background()
	conn := seedSource(t, 25)
	st := openStore(t)
	ch := progress.NewMemoryChannel(time.Minute)
	defer ch.Close()

	var chunks []ChunkEvent
	e := New(testConfig("full"), conn, st, ch, Options{Hooks: Hooks{
		OnChunk: func(ev ChunkEvent) { chunks = append(chunks, ev) },
	}})
	rep, err := e.Run(ctx, items())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, int64(25), rep.TotalRows)
	assert.False(t, rep.Resumed)
	assert.Equal(t, "Extraction full completed with 25 rows.", rep.Message())
	assert.Equal(t, seq(1, 25), readIDs(t, st, "items"))

	// 10, 10, 5
	require.Len(t, chunks, 3)
	assert.Equal(t, 5, chunks[2].Rows)
	assert.Equal(t, int64(3), chunks[2].Seq)

	pct, err := ch.Progress(ctx, "full")
	require.NoError(t, err)
	assert.Equal(t, int64(100), pct)
	status, err := ch.Status(ctx, "full")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusComplete, status)
	finished, err := ch.Finished(ctx)
	require.NoError(t, err)
	assert.Contains(t, finished, "full")

	sts, err := st.Statuses(ctx, "full")
	require.NoError(t, err)
	require.Len(t, sts, 1)
	assert.Equal(t, sink.StatusComplete, sts[0].Status)
	assert.Equal(t, int64(25), sts[0].Rows)

	_, err = e.Run(ctx, items())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestRunEvenChunkEndsWithEmptyChunk(t *testing.T) {
	conn := seedSource(t, 20)
	st := openStore(t)

	rep, err := New(testConfig("even"), conn, st, nil, Options{}).Run(context.Background(), items())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, int64(3), rep.Chunks)
	assert.Equal(t, int64(20), rep.TotalRows)
}

func TestRunZeroRows(t *testing.T) {
	conn := seedSource(t, 5)
	st := openStore(t)

	e := New(testConfig("empty"), conn, st, nil, Options{})
	rep, err := e.ExtractFromQuery(context.Background(), "none", "SELECT id, grp FROM items WHERE id > 1000", nil)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
	assert.Zero(t, rep.TotalRows)
	assert.Empty(t, readIDs(t, st, "items"))
}

func TestRunRowLimitStops(t *testing.T) {
	conn := seedSource(t, 25)
	st := openStore(t)
	cfg := testConfig("limited")
	cfg.RowLimit = 15

	rep, err := New(cfg, conn, st, nil, Options{}).Run(context.Background(), items())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, rep.State)
	assert.Contains(t, rep.Reason, "row limit of 15 reached")
	assert.Equal(t, int64(15), rep.TotalRows)
	assert.Equal(t, seq(1, 15), readIDs(t, st, "items"))
}

func TestRunRowLimitAcrossSubQueries(t *testing.T) {
	conn := seedSource(t, 30)
	st := openStore(t)
	cfg := testConfig("limited-fanout")
	cfg.RowLimit = 14
	cfg.Workers = 3
	grp := &params.Parameter{Name: "grp", Interpretation: "ITER", Operation: "IN", Values: []string{"1", "2", "3"}}

	rep, err := New(cfg, conn, st, nil, Options{}).Run(context.Background(), items(grp))
	require.NoError(t, err)
	assert.Equal(t, StateStopped, rep.State)
	assert.Equal(t, int64(14), rep.TotalRows)
	assert.Len(t, readIDs(t, st, "items"), 14)
}

func TestRunParameterFanOut(t *testing.T) {
	for _, workers := range []int{1, 2} {
		t.Run(strings.Repeat("w", workers), func(t *testing.T) {
			ctx := context.Background()
			conn := seedSource(t, 30)
			st := openStore(t)
			cfg := testConfig("fanout")
			cfg.Workers = workers
			grp := &params.Parameter{Name: "grp", Interpretation: "ITER", Operation: "IN", Values: []string{"3", "1", "2"}}

			var mu sync.Mutex
			var seen []int
			e := New(cfg, conn, st, nil, Options{Hooks: Hooks{
				OnSubQuery: func(done, total int) {
					mu.Lock()
					seen = append(seen, done)
					mu.Unlock()
					assert.Equal(t, 3, total)
				},
			}})
			rep, err := e.Run(ctx, items(grp))
			require.NoError(t, err)
			assert.Equal(t, StateCompleted, rep.State)
			assert.Equal(t, 3, rep.SubQueries)
			assert.Equal(t, 3, rep.Finished)
			assert.Equal(t, int64(30), rep.TotalRows)
			assert.ElementsMatch(t, seq(1, 30), readIDs(t, st, "items"))
			assert.ElementsMatch(t, []int{1, 2, 3}, seen)

			sts, err := st.Statuses(ctx, "fanout")
			require.NoError(t, err)
			require.Len(t, sts, 3)
			for i, s := range sts {
				assert.Equal(t, i, s.SubQuery)
				assert.Equal(t, sink.StatusComplete, s.Status)
				assert.Equal(t, int64(10), s.Rows)
			}
			assert.Contains(t, sts[0].SQL, "WHERE grp = 1 ORDER BY id")
		})
	}
}

func TestPauseAndResumeInProcess(t *testing.T) {
	conn := seedSource(t, 100)
	st := openStore(t)
	cfg := testConfig("pausing")
	cfg.ChunkSize = 5
	cfg.QueueSize = 1

	var once sync.Once
	var e *Extractor
	e = New(cfg, conn, st, nil, Options{Hooks: Hooks{
		OnChunk: func(ChunkEvent) {
			once.Do(func() { assert.NoError(t, e.Request(progress.CmdPause)) })
		},
	}})
	assert.ErrorIs(t, e.Request(progress.CmdResume), ErrInvalidTransition)

	done := make(chan Report, 1)
	go func() {
		rep, err := e.Run(context.Background(), items())
		assert.NoError(t, err)
		done <- rep
	}()

	require.Eventually(t, func() bool { return e.State() == StatePaused }, 5*time.Second, 5*time.Millisecond)
	paused := e.Rows()
	assert.Less(t, paused, int64(100))
	assert.ErrorIs(t, e.Request(progress.CmdPause), ErrInvalidTransition)

	require.NoError(t, e.Request(progress.CmdResume))

	var rep Report
	select {
	case rep = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("extraction did not finish after resume")
	}
	assert.Equal(t, StateCompleted, rep.State)
	assert.True(t, rep.Resumed)
	assert.Equal(t, int64(100), rep.TotalRows)
	assert.Equal(t, 100-paused, rep.Rows)
	assert.Contains(t, rep.Message(), "resumed and added")
	assert.Equal(t, seq(1, 100), readIDs(t, st, "items"))
}

func TestStopInProcess(t *testing.T) {
	conn := seedSource(t, 100)
	st := openStore(t)
	cfg := testConfig("stopping")
	cfg.ChunkSize = 5
	cfg.QueueSize = 1

	var once sync.Once
	var e *Extractor
	e = New(cfg, conn, st, nil, Options{Hooks: Hooks{
		OnChunk: func(ChunkEvent) {
			once.Do(func() { assert.NoError(t, e.Request(progress.CmdStop)) })
		},
	}})
	rep, err := e.Run(context.Background(), items())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, rep.State)
	assert.Equal(t, "stop requested", rep.Reason)
	assert.Less(t, rep.TotalRows, int64(100))
	assert.Len(t, readIDs(t, st, "items"), int(rep.TotalRows))
	assert.ErrorIs(t, e.Request(progress.CmdResume), ErrInvalidTransition)
	assert.ErrorIs(t, e.Request(progress.CmdStop), ErrInvalidTransition)
}

func TestStopWhilePaused(t *testing.T) {
	conn := seedSource(t, 100)
	st := openStore(t)
	cfg := testConfig("pause-stop")
	cfg.ChunkSize = 5
	cfg.QueueSize = 1

	var once sync.Once
	var e *Extractor
	e = New(cfg, conn, st, nil, Options{Hooks: Hooks{
		OnChunk: func(ChunkEvent) {
			once.Do(func() { assert.NoError(t, e.Request(progress.CmdPause)) })
		},
	}})
	done := make(chan Report, 1)
	go func() {
		rep, _ := e.Run(context.Background(), items())
		done <- rep
	}()
	require.Eventually(t, func() bool { return e.State() == StatePaused }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, e.Request(progress.CmdStop))

	select {
	case rep := <-done:
		assert.Equal(t, StateStopped, rep.State)
		assert.Equal(t, "stop requested", rep.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("extraction did not stop")
	}
}

func TestResumeAcrossRuns(t *testing.T) {
	ctx := context.Background()
	conn := seedSource(t, 100)
	st := openStore(t)
	cfg := testConfig("resumable")
	cfg.ChunkSize = 5
	cfg.QueueSize = 1

	var once sync.Once
	var first *Extractor
	first = New(cfg, conn, st, nil, Options{ReturnOnPause: true, Hooks: Hooks{
		OnChunk: func(ChunkEvent) {
			once.Do(func() { assert.NoError(t, first.Request(progress.CmdPause)) })
		},
	}})
	rep, err := first.Run(ctx, items())
	require.NoError(t, err)
	require.Equal(t, StatePaused, rep.State)
	paused := rep.TotalRows
	assert.Less(t, paused, int64(100))
	assert.Contains(t, rep.Message(), "Resume to continue")

	sts, err := st.Statuses(ctx, "resumable")
	require.NoError(t, err)
	require.Len(t, sts, 1)
	assert.Equal(t, sink.StatusInProgress, sts[0].Status)

	second := New(cfg, conn, st, nil, Options{Resume: true})
	rep, err = second.Run(ctx, items())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
	assert.True(t, rep.Resumed)
	assert.Equal(t, int64(100), rep.TotalRows)
	assert.Equal(t, 100-paused, rep.Rows)
	assert.Equal(t, seq(1, 100), readIDs(t, st, "items"))

	log, err := st.ChunkLog(ctx, "resumable")
	require.NoError(t, err)
	var logged int64
	for i, c := range log {
		assert.Equal(t, int64(i+1), c.Seq)
		logged += c.Rows
	}
	assert.Equal(t, int64(100), logged)
}

func TestResumeSkipsCompletedSubQueries(t *testing.T) {
	ctx := context.Background()
	conn := seedSource(t, 30)
	st := openStore(t)
	cfg := testConfig("skip-done")
	grp := &params.Parameter{Name: "grp", Interpretation: "ITER", Operation: "IN", Values: []string{"1", "2", "3"}}

	rep, err := New(cfg, conn, st, nil, Options{}).Run(ctx, items(grp))
	require.NoError(t, err)
	require.Equal(t, StateCompleted, rep.State)

	rep, err = New(cfg, conn, st, nil, Options{Resume: true}).Run(ctx, items(grp))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
	assert.Zero(t, rep.Rows)
	assert.Equal(t, int64(30), rep.TotalRows)
	assert.Len(t, readIDs(t, st, "items"), 30)
}

// failingStore fails the nth InsertRows call.
type failingStore struct {
	sink.Store
	failOn int
	calls  int
}

func (f *failingStore) InsertRows(ctx context.Context, table string, rows []source.Row, cp sink.Checkpoint) error {
	f.calls++
	if f.calls == f.failOn {
		return errors.New("disk full")
	}
	return f.Store.InsertRows(ctx, table, rows, cp)
}

func (f *failingStore) Unwrap() sink.Store { return f.Store }

func TestWriteFailureFails(t *testing.T) {
	ctx := context.Background()
	conn := seedSource(t, 25)
	st := openStore(t)
	ch := progress.NewMemoryChannel(time.Minute)
	defer ch.Close()

	rep, err := New(testConfig("broken"), conn, &failingStore{Store: st, failOn: 2}, ch, Options{}).Run(ctx, items())
	require.Error(t, err)
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "items", we.Table)
	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, int64(10), rep.TotalRows)
	assert.Contains(t, rep.Message(), "disk full")

	status, err := ch.Status(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusFailed, status)

	sts, err := st.Statuses(ctx, "broken")
	require.NoError(t, err)
	require.Len(t, sts, 1)
	assert.Equal(t, sink.StatusError, sts[0].Status)
	assert.Contains(t, sts[0].Error, "disk full")
}

// flakyConn makes the second fetch of a cursor fail while fails lasts.
type flakyConn struct {
	source.Conn
	fails atomic.Int32
}

func (c *flakyConn) Execute(ctx context.Context, q string) (source.Cursor, error) {
	cur, err := c.Conn.Execute(ctx, q)
	if err != nil {
		return nil, err
	}
	return &flakyCursor{Cursor: cur, conn: c}, nil
}

type flakyCursor struct {
	source.Cursor
	conn  *flakyConn
	calls int
}

func (c *flakyCursor) FetchMany(ctx context.Context, n int) ([]source.Row, error) {
	c.calls++
	if c.calls == 2 && c.conn.fails.Dec() >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return c.Cursor.FetchMany(ctx, n)
}

func TestSourceErrorIsRetriedFromCheckpoint(t *testing.T) {
	conn := &flakyConn{Conn: seedSource(t, 25)}
	conn.fails.Store(1)
	st := openStore(t)

	rep, err := New(testConfig("flaky"), conn, st, nil, Options{}).Run(context.Background(), items())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)
	assert.Equal(t, int64(25), rep.TotalRows)
	assert.Equal(t, seq(1, 25), readIDs(t, st, "items"))
}

func TestSourceErrorExhaustsRetries(t *testing.T) {
	conn := &flakyConn{Conn: seedSource(t, 25)}
	conn.fails.Store(10)
	st := openStore(t)
	cfg := testConfig("hopeless")
	cfg.Retry.Attempts = 2

	rep, err := New(cfg, conn, st, nil, Options{}).Run(context.Background(), items())
	var se *SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "items", se.Query)
	assert.Equal(t, StateFailed, rep.State)
}

func TestRunRejectsMalformedQuery(t *testing.T) {
	conn := seedSource(t, 1)
	st := openStore(t)

	rep, err := New(testConfig("bad"), conn, st, nil, Options{}).ExtractFromQuery(context.Background(), "bad", "SELECT 1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no source table found")
	assert.Equal(t, StateFailed, rep.State)
}

func TestCancelStops(t *testing.T) {
	conn := seedSource(t, 100)
	st := openStore(t)
	cfg := testConfig("cancelled")
	cfg.ChunkSize = 5
	cfg.QueueSize = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	e := New(cfg, conn, st, nil, Options{Hooks: Hooks{
		OnChunk: func(ChunkEvent) { once.Do(cancel) },
	}})
	rep, err := e.Run(ctx, items())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, rep.State)
	assert.Contains(t, rep.Reason, "interrupted")
}

func TestRunToCSV(t *testing.T) {
	dir := t.TempDir()
	conn := seedSource(t, 12)
	csvStore, err := sink.NewCSVStore(dir)
	require.NoError(t, err)
	defer csvStore.Close()

	rep, err := New(testConfig("csv"), conn, csvStore, nil, Options{}).Run(context.Background(), items())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rep.State)

	data, err := os.ReadFile(filepath.Join(dir, "items.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 13)
	assert.Equal(t, "id,grp", lines[0])
	assert.Equal(t, "1,2", lines[1])
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateRunning, StatePaused, true},
		{StateRunning, StateStopped, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StatePaused, StateRunning, true},
		{StatePaused, StateStopped, true},
		{StatePaused, StateCompleted, false},
		{StateStopped, StateRunning, false},
		{StateCompleted, StatePaused, false},
		{StateFailed, StateRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			m := machine{state: tt.from}
			err := m.transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, m.get())
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, m.get())
			}
		})
	}
	assert.True(t, StateStopped.Terminal())
	assert.False(t, StatePaused.Terminal())
}

// Package extractor orchestrates an extraction: it expands each query into
// sub-queries, streams every sub-query through a bounded queue into the
// output store and answers pause, resume and stop requests at chunk
// boundaries.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"etl-extract/internal/config"
	"etl-extract/internal/metrics"
	"etl-extract/internal/params"
	"etl-extract/internal/progress"
	"etl-extract/internal/query"
	"etl-extract/internal/queue"
	"etl-extract/internal/sink"
	"etl-extract/internal/source"
	"etl-extract/internal/stream"
)

// ErrAlreadyStarted is returned when Run is called twice on one Extractor.
var ErrAlreadyStarted = errors.New("extraction already started")

// ChunkEvent describes a committed chunk.
type ChunkEvent struct {
	Query    string
	SubQuery int
	Table    string
	Seq      int64
	Rows     int
	Total    int64
}

// Hooks are called synchronously from the extraction goroutines.
type Hooks struct {
	OnChunk    func(ChunkEvent)
	OnSubQuery func(done, total int)
}

// Options tune a single Run.
type Options struct {
	// Resume continues from the checkpoints of a previous run with the same
	// extract key instead of starting over.
	Resume bool
	// ReturnOnPause makes Run return a PAUSED report instead of waiting for a
	// resume or stop request.
	ReturnOnPause bool
	Hooks         Hooks
}

type halt int

const (
	haltNone halt = iota
	haltPause
	haltStop
)

// task is one sub-query: a definition with one combination of parameter
// fragments applied.
type task struct {
	def       *query.Definition
	index     int
	sql       string
	key       sink.Key
	done      atomic.Bool
	committed int64
}

// Extractor orchestrates the end-to-end extraction.
// It is decoupled from the concrete source and store so that tests (or other
// front ends) can inject their own.
type Extractor struct {
	cfg     *config.Config
	conn    source.Conn
	store   sink.Store
	tracker sink.Tracker
	pub     *progress.Publisher
	opts    Options
	log     *logrus.Entry

	pool *queue.Pool[*stream.Chunk]
	sm   machine

	started  atomic.Bool
	ctrlMu   sync.Mutex
	pending  halt
	reason   string
	resumeCh chan struct{}
	stopCh   chan struct{}

	writeMu sync.Mutex
	created map[string]bool

	rows     atomic.Int64
	total    atomic.Int64
	chunks   atomic.Int64
	finished atomic.Int64
	limitHit atomic.Bool
	resumed  bool
}

// New constructs a fully-initialised Extractor. The caller owns conn, st and
// ch and closes them after Run returns. ch may be nil.
func New(cfg *config.Config, conn source.Conn, st sink.Store, ch progress.Channel, opts Options) *Extractor {
	st, tr := sink.Track(st)
	return &Extractor{
		cfg:      cfg,
		conn:     conn,
		store:    st,
		tracker:  tr,
		pub:      progress.NewPublisher(ch, cfg.ExtractKey, cfg.Progress.RatePerSecond),
		opts:     opts,
		log:      logrus.WithField(progress.FieldExtract, cfg.ExtractKey),
		pool:     queue.NewPool[*stream.Chunk](),
		resumeCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}, 1),
		created:  make(map[string]bool),
	}
}

// State is the current lifecycle state.
func (e *Extractor) State() State { return e.sm.get() }

// Rows is the number of rows written so far, earlier runs included.
func (e *Extractor) Rows() int64 { return e.total.Load() }

// Request applies a control command. Pause and stop take effect at the next
// chunk boundary of every running sub-query; resume only applies to a paused
// extraction.
func (e *Extractor) Request(cmd progress.Command) error {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()

	st := e.sm.get()
	switch cmd {
	case progress.CmdPause:
		if st != StateRunning || e.pending != haltNone {
			return fmt.Errorf("%w: cannot pause while %s", ErrInvalidTransition, st)
		}
		e.pending = haltPause
		e.pool.StopAll()
		e.log.Info("Pause requested")
	case progress.CmdResume:
		if st != StatePaused {
			return fmt.Errorf("%w: cannot resume while %s", ErrInvalidTransition, st)
		}
		select {
		case e.resumeCh <- struct{}{}:
		default:
		}
	case progress.CmdStop:
		if st.Terminal() {
			return fmt.Errorf("%w: cannot stop while %s", ErrInvalidTransition, st)
		}
		e.requestStop("stop requested")
		if st == StatePaused && e.opts.ReturnOnPause {
			// Run has already returned; nobody else will finish the extraction
			if err := e.sm.transition(StateStopped); err != nil {
				return err
			}
			e.pub.Finish(context.Background(), progress.StatusStopped)
		}
	default:
		return fmt.Errorf("unknown control command %q", cmd)
	}
	return nil
}

// requestStop must be called with ctrlMu held.
func (e *Extractor) requestStop(reason string) {
	if e.pending == haltStop {
		return
	}
	e.pending = haltStop
	e.reason = reason
	e.pool.StopAll()
	select {
	case e.stopCh <- struct{}{}:
	default:
	}
	e.log.Infof("Stop requested: %s", reason)
}

func (e *Extractor) halted() (halt, string) {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()
	return e.pending, e.reason
}

// ExtractFromQuery runs a single ad-hoc query.
func (e *Extractor) ExtractFromQuery(ctx context.Context, name, sql string, ps []*params.Parameter) (Report, error) {
	return e.Run(ctx, []*query.Definition{query.NewDefinition(name, sql, "", ps)})
}

// Run extracts every definition and blocks until the extraction completes,
// fails or is stopped, or pauses when ReturnOnPause is set. The error is
// non-nil only for a FAILED extraction.
func (e *Extractor) Run(ctx context.Context, defs []*query.Definition) (Report, error) {
	if !e.started.CompareAndSwap(false, true) {
		return Report{ExtractKey: e.cfg.ExtractKey, State: e.State()}, ErrAlreadyStarted
	}
	startTs := time.Now()
	metrics.ActiveExtractions.Inc()
	defer metrics.ActiveExtractions.Dec()

	tasks, err := e.plan(defs)
	if err != nil {
		return e.fail(ctx, startTs, tasks, err)
	}
	if err := e.setup(ctx, defs, tasks); err != nil {
		return e.fail(ctx, startTs, tasks, err)
	}

	e.pub.Status(ctx, progress.StatusRunning)
	e.pub.Progress(ctx, 10)
	e.log.Infof("Starting extraction | queries=%d subqueries=%d chunkSize=%d workers=%d rowLimit=%d resume=%t",
		len(defs), len(tasks), e.cfg.ChunkSize, e.cfg.Workers, e.cfg.RowLimit, e.opts.Resume)

	for {
		err := e.runTasks(ctx, tasks)
		h, reason := e.halted()
		finished := countDone(tasks)

		switch {
		case err != nil && ctx.Err() != nil:
			return e.finish(ctx, startTs, tasks, StateStopped, "interrupted: "+ctx.Err().Error(), nil)
		case err != nil:
			return e.fail(ctx, startTs, tasks, err)
		case finished == len(tasks) && !e.limitHit.Load():
			return e.finish(ctx, startTs, tasks, StateCompleted, "", nil)
		case h == haltStop:
			return e.finish(ctx, startTs, tasks, StateStopped, reason, nil)
		case h == haltPause:
			if err := e.sm.transition(StatePaused); err != nil {
				return e.fail(ctx, startTs, tasks, err)
			}
			rep := e.report(startTs, tasks, StatePaused, "", nil)
			e.pub.Status(ctx, progress.StatusPaused)
			e.log.Info(rep.Message())
			if e.opts.ReturnOnPause {
				return rep, nil
			}
			if !e.awaitResume(ctx) {
				h, reason = e.halted()
				if h != haltStop {
					reason = "interrupted while paused"
				}
				return e.finish(ctx, startTs, tasks, StateStopped, reason, nil)
			}
		default:
			return e.finish(ctx, startTs, tasks, StateStopped, "row limit reached", nil)
		}
	}
}

// awaitResume blocks in PAUSED until resume (true) or stop (false).
func (e *Extractor) awaitResume(ctx context.Context) bool {
	select {
	case <-e.resumeCh:
	case <-e.stopCh:
		return false
	case <-ctx.Done():
		return false
	}

	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()
	if e.pending == haltStop {
		return false
	}
	if err := e.sm.transition(StateRunning); err != nil {
		return false
	}
	e.pending = haltNone
	e.pool.Reset()
	e.resumed = true
	e.rows.Store(0)
	e.pub.Status(ctx, progress.StatusRunning)
	e.log.Infof("Resuming extraction from %d rows", e.total.Load())
	return true
}

// plan expands every definition into its sub-queries.
func (e *Extractor) plan(defs []*query.Definition) ([]*task, error) {
	var tasks []*task
	d := e.cfg.Dialect()
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		combos, err := params.Expand(def.Parameters, d)
		if err != nil {
			return nil, fmt.Errorf("query %q: %w", def.Name, err)
		}
		i := 0
		for frags := range combos.All() {
			tasks = append(tasks, &task{
				def:   def,
				index: i,
				sql:   query.Compose(def.SQL, frags),
				key: sink.Key{
					ExtractKey: e.cfg.ExtractKey,
					Table:      def.TargetTable,
					Query:      def.Name,
					SubQuery:   i,
				},
			})
			i++
		}
	}
	return tasks, nil
}

// setup records metadata and statuses, or loads them back on resume.
func (e *Extractor) setup(ctx context.Context, defs []*query.Definition, tasks []*task) error {
	if !e.opts.Resume {
		if err := e.tracker.Reset(ctx, e.cfg.ExtractKey); err != nil {
			return fmt.Errorf("reset bookkeeping: %w", err)
		}
	}
	for _, def := range defs {
		md := sink.Metadata{
			ExtractKey: e.cfg.ExtractKey,
			Query:      def.Name,
			SQL:        def.SQL,
			Table:      def.TargetTable,
			Parsed:     def.Parsed,
		}
		if err := e.tracker.SaveMetadata(ctx, md); err != nil {
			return fmt.Errorf("save metadata of %s: %w", def.Name, err)
		}
	}

	complete := make(map[sink.Key]bool)
	if e.opts.Resume {
		sts, err := e.tracker.Statuses(ctx, e.cfg.ExtractKey)
		if err != nil {
			return fmt.Errorf("load statuses: %w", err)
		}
		for _, st := range sts {
			if st.Status == sink.StatusComplete {
				complete[st.Key] = true
			}
		}
	}

	var prior int64
	for _, t := range tasks {
		if e.opts.Resume {
			cp, ok, err := e.tracker.LoadCheckpoint(ctx, t.key)
			if err != nil {
				return fmt.Errorf("load checkpoint of %s[%d]: %w", t.key.Query, t.index, err)
			}
			if ok {
				t.committed = cp.Rows
				prior += cp.Rows
			}
			if complete[t.key] {
				t.done.Store(true)
				continue
			}
			if ok {
				continue
			}
		}
		if err := e.setStatus(ctx, t, sink.StatusNotStarted, ""); err != nil {
			return err
		}
	}
	e.finished.Store(int64(countDone(tasks)))
	if e.opts.Resume {
		e.resumed = prior > 0
		e.total.Store(prior)
		e.log.Infof("Resuming extraction | committed=%d finishedSubqueries=%d/%d", prior, countDone(tasks), len(tasks))
	}
	return nil
}

// runTasks runs every unfinished sub-query, at most Workers at a time. It
// returns the first error; the other sub-queries are cancelled.
func (e *Extractor) runTasks(ctx context.Context, tasks []*task) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.cfg.Workers, 1))
	for _, t := range tasks {
		if t.done.Load() {
			continue
		}
		if h, _ := e.halted(); h != haltNone || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := e.runWithRetry(gctx, t); err != nil {
				return err
			}
			if t.done.Load() {
				n := int(e.finished.Inc())
				e.pub.Progress(gctx, 10+int64(85*n/len(tasks)))
				if e.opts.Hooks.OnSubQuery != nil {
					e.opts.Hooks.OnSubQuery(n, len(tasks))
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// runWithRetry reruns a sub-query from its last checkpoint after a source
// failure. Write failures are not retried here.
func (e *Extractor) runWithRetry(ctx context.Context, t *task) error {
	attempts := max(e.cfg.Retry.Attempts, 1)
	delay := time.Duration(e.cfg.Retry.DelayMS) * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := e.runTask(ctx, t)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		var se *SourceError
		if !errors.As(err, &se) || attempt >= attempts {
			if serr := e.setStatus(ctx, t, sink.StatusError, err.Error()); serr != nil {
				e.log.Warnf("record error status of %s[%d]: %v", t.key.Query, t.index, serr)
			}
			metrics.SubQueries.WithLabelValues(e.cfg.ExtractKey, sink.StatusError).Inc()
			return err
		}

		e.log.Warnf("sub-query %s[%d] failed (attempt %d/%d), retrying from last checkpoint: %v",
			t.key.Query, t.index, attempt, attempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runTask streams one sub-query from its checkpoint until it is exhausted,
// reaches the row limit or is stopped.
func (e *Extractor) runTask(ctx context.Context, t *task) error {
	cp, _, err := e.tracker.LoadCheckpoint(ctx, t.key)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	t.committed = cp.Rows

	var limit int64
	if e.cfg.RowLimit > 0 {
		remaining := e.cfg.RowLimit - e.total.Load()
		if remaining <= 0 {
			e.reachLimit()
			return nil
		}
		limit = cp.Rows + remaining
	}

	src, err := stream.New(e.conn, t.sql, stream.Config{
		ChunkSize:    e.cfg.ChunkSize,
		RowLimit:     limit,
		Skip:         cp.Rows,
		StartSeq:     cp.Seq,
		FetchTimeout: e.cfg.FetchTimeout(),
	})
	if err != nil {
		return err
	}
	defer src.Close()

	q := e.pool.New(e.cfg.QueueSize, e.cfg.QueueTimeout())
	defer e.pool.Release(q.ID())

	if err := e.setStatus(ctx, t, sink.StatusInProgress, ""); err != nil {
		return err
	}
	e.log.Debugf("sub-query %s[%d] | skip=%d seq=%d sql=%s", t.key.Query, t.index, cp.Rows, cp.Seq, t.sql)

	g, gctx := errgroup.WithContext(ctx)

	// producer
	g.Go(func() error {
		defer q.Close()
		for {
			if q.Stopped() {
				src.Stop()
			}
			c, err := src.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return &SourceError{Query: t.key.Query, SubQuery: t.index, Err: err}
			}
			if err := q.Put(gctx, c); err != nil {
				return fmt.Errorf("queue chunk %d: %w", c.Seq, err)
			}
			metrics.QueueDepth.WithLabelValues(e.cfg.ExtractKey).Set(float64(e.pool.Depth()))
		}
	})

	// consumer
	g.Go(func() error {
		for {
			c, ok, err := q.Get(gctx)
			if errors.Is(err, queue.ErrTimeout) {
				continue
			}
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := e.persist(gctx, t, c); err != nil {
				return err
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if src.Done() {
		t.done.Store(true)
		if err := e.setStatus(ctx, t, sink.StatusComplete, ""); err != nil {
			return err
		}
		metrics.SubQueries.WithLabelValues(e.cfg.ExtractKey, sink.StatusComplete).Inc()
		e.log.Infof("[OK] Sub-query %s[%d] complete | Rows: %d", t.key.Query, t.index, t.committed)
	}
	return nil
}

// persist writes one chunk together with its checkpoint. Writes are
// serialised across sub-queries.
func (e *Extractor) persist(ctx context.Context, t *task, c *stream.Chunk) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	table := t.key.Table
	if !e.created[table] {
		if err := e.store.CreateTable(ctx, table, c.Columns); err != nil {
			return &WriteError{Table: table, Err: err}
		}
		e.created[table] = true
	}

	rows := c.Rows
	if e.cfg.RowLimit > 0 {
		remaining := e.cfg.RowLimit - e.total.Load()
		if remaining < 0 {
			remaining = 0
		}
		if int64(len(rows)) > remaining {
			rows = rows[:remaining]
		}
	}

	cp := sink.Checkpoint{Key: t.key, Seq: c.Seq, Rows: t.committed + int64(len(rows))}
	startTs := time.Now()
	if err := e.store.InsertRows(ctx, table, rows, cp); err != nil {
		return &WriteError{Table: table, Err: err}
	}
	metrics.ChunkWriteSeconds.Observe(time.Since(startTs).Seconds())

	n := int64(len(rows))
	t.committed = cp.Rows
	e.rows.Add(n)
	total := e.total.Add(n)
	e.chunks.Inc()
	metrics.RowsExtracted.WithLabelValues(e.cfg.ExtractKey, table).Add(float64(n))
	metrics.ChunksWritten.WithLabelValues(e.cfg.ExtractKey).Inc()

	e.log.Infof("[OK] %s[%d] chunk %d | Rows: %d | Total: %d | Time: %.2fs",
		t.key.Query, t.index, c.Seq, n, total, time.Since(startTs).Seconds())

	if e.opts.Hooks.OnChunk != nil {
		e.opts.Hooks.OnChunk(ChunkEvent{
			Query:    t.key.Query,
			SubQuery: t.index,
			Table:    table,
			Seq:      c.Seq,
			Rows:     len(rows),
			Total:    total,
		})
	}

	if e.cfg.RowLimit > 0 && total >= e.cfg.RowLimit {
		e.reachLimit()
	}
	return nil
}

func (e *Extractor) reachLimit() {
	if e.limitHit.Swap(true) {
		return
	}
	e.ctrlMu.Lock()
	e.requestStop(fmt.Sprintf("row limit of %d reached", e.cfg.RowLimit))
	e.ctrlMu.Unlock()
}

func (e *Extractor) setStatus(ctx context.Context, t *task, status, msg string) error {
	st := sink.QueryStatus{Key: t.key, SQL: t.sql, Status: status, Rows: t.committed, Error: msg}
	if err := e.tracker.SetStatus(ctx, st); err != nil {
		return &WriteError{Table: t.key.Table, Err: fmt.Errorf("record status: %w", err)}
	}
	return nil
}

func (e *Extractor) report(startTs time.Time, tasks []*task, st State, reason string, err error) Report {
	return Report{
		ExtractKey: e.cfg.ExtractKey,
		State:      st,
		Rows:       e.rows.Load(),
		TotalRows:  e.total.Load(),
		Chunks:     e.chunks.Load(),
		Resumed:    e.resumed,
		SubQueries: len(tasks),
		Finished:   countDone(tasks),
		Reason:     reason,
		Err:        err,
		Duration:   time.Since(startTs),
	}
}

// finish moves to a terminal state, flushes the store and publishes the
// outcome.
func (e *Extractor) finish(ctx context.Context, startTs time.Time, tasks []*task, st State, reason string, runErr error) (Report, error) {
	if err := e.sm.transition(st); err != nil {
		e.log.Warnf("%v", err)
	}
	if err := e.store.Flush(); err != nil && runErr == nil {
		e.log.Warnf("flush output: %v", err)
	}
	metrics.QueueDepth.WithLabelValues(e.cfg.ExtractKey).Set(0)

	rep := e.report(startTs, tasks, st, reason, runErr)
	pctx := context.WithoutCancel(ctx)
	switch st {
	case StateCompleted:
		e.pub.Progress(pctx, 100)
		e.pub.Finish(pctx, progress.StatusComplete)
		if rep.TotalRows == 0 {
			e.log.Warn("Extraction returned no rows; check the queries and their parameters")
		}
		e.log.Info(rep.Message())
	case StateStopped:
		e.pub.Finish(pctx, progress.StatusStopped)
		e.log.Info(rep.Message())
	case StateFailed:
		e.pub.Finish(pctx, progress.StatusFailed)
		e.log.Error(rep.Message())
	}
	return rep, runErr
}

func (e *Extractor) fail(ctx context.Context, startTs time.Time, tasks []*task, err error) (Report, error) {
	return e.finish(ctx, startTs, tasks, StateFailed, "", err)
}

func countDone(tasks []*task) int {
	n := 0
	for _, t := range tasks {
		if t.done.Load() {
			n++
		}
	}
	return n
}

package sink

import (
	"context"
	"sort"
	"sync"
	"time"

	"etl-extract/internal/source"
)

// MemoryTracker keeps checkpoints and statuses in process memory. It lets
// stores without their own bookkeeping pause and resume within one process.
type MemoryTracker struct {
	mu          sync.Mutex
	checkpoints map[Key]Checkpoint
	statuses    map[Key]QueryStatus
	metadata    map[string]Metadata
}

// NewMemoryTracker returns an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		checkpoints: make(map[Key]Checkpoint),
		statuses:    make(map[Key]QueryStatus),
		metadata:    make(map[string]Metadata),
	}
}

func (m *MemoryTracker) LoadCheckpoint(_ context.Context, key Key) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[key]
	return cp, ok, nil
}

func (m *MemoryTracker) commit(cp Checkpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp.UpdatedAt = time.Now().UTC()
	m.checkpoints[cp.Key] = cp
}

func (m *MemoryTracker) SetStatus(_ context.Context, st QueryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.UpdatedAt = time.Now().UTC()
	m.statuses[st.Key] = st
	return nil
}

func (m *MemoryTracker) Statuses(_ context.Context, extractKey string) ([]QueryStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []QueryStatus
	for k, st := range m.statuses {
		if k.ExtractKey == extractKey {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Query != out[j].Query {
			return out[i].Query < out[j].Query
		}
		return out[i].SubQuery < out[j].SubQuery
	})
	return out, nil
}

func (m *MemoryTracker) SaveMetadata(_ context.Context, md Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[md.ExtractKey+"\x00"+md.Query] = md
	return nil
}

func (m *MemoryTracker) Reset(_ context.Context, extractKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.checkpoints {
		if k.ExtractKey == extractKey {
			delete(m.checkpoints, k)
		}
	}
	for k := range m.statuses {
		if k.ExtractKey == extractKey {
			delete(m.statuses, k)
		}
	}
	return nil
}

// tracked records a checkpoint in memory after each successful insert.
type tracked struct {
	Store
	*MemoryTracker
}

func (t *tracked) InsertRows(ctx context.Context, table string, rows []source.Row, cp Checkpoint) error {
	if err := t.Store.InsertRows(ctx, table, rows, cp); err != nil {
		return err
	}
	t.commit(cp)
	return nil
}

func (t *tracked) Unwrap() Store { return t.Store }

// Track returns s together with its Tracker. Stores without one are wrapped
// so that a MemoryTracker follows their inserts.
func Track(s Store) (Store, Tracker) {
	if tr, ok := TrackerOf(s); ok {
		return s, tr
	}
	mt := NewMemoryTracker()
	return &tracked{Store: s, MemoryTracker: mt}, mt
}

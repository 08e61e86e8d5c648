package progress

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryChannel is an in-process Channel with the same key layout and
// expiry as RedisChannel. It serves single-process runs and tests.
type MemoryChannel struct {
	mu     sync.Mutex
	values *ttlcache.Cache[string, string]
	lists  *ttlcache.Cache[string, []string]
	notify chan struct{}
}

var _ Channel = (*MemoryChannel)(nil)

// NewMemoryChannel returns a channel whose keys expire after ttl; 0 keeps
// them forever.
func NewMemoryChannel(ttl time.Duration) *MemoryChannel {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	m := &MemoryChannel{
		values: ttlcache.New[string, string](ttlcache.WithTTL[string, string](ttl)),
		lists:  ttlcache.New[string, []string](ttlcache.WithTTL[string, []string](ttl)),
		notify: make(chan struct{}),
	}
	go m.values.Start()
	go m.lists.Start()
	return m
}

func (m *MemoryChannel) get(key string) string {
	if it := m.values.Get(key); it != nil {
		return it.Value()
	}
	return ""
}

func (m *MemoryChannel) list(key string) []string {
	if it := m.lists.Get(key); it != nil {
		return it.Value()
	}
	return nil
}

// wake releases every PopControl waiting on the channel. Callers hold mu.
func (m *MemoryChannel) wake() {
	close(m.notify)
	m.notify = make(chan struct{})
}

func (m *MemoryChannel) SetProgress(_ context.Context, id string, pct int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values.Set(ProgressKey(id), strconv.FormatInt(pct, 10), ttlcache.DefaultTTL)
	return nil
}

func (m *MemoryChannel) IncrProgress(_ context.Context, id string, by int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _ := strconv.ParseInt(m.get(ProgressKey(id)), 10, 64)
	cur += by
	m.values.Set(ProgressKey(id), strconv.FormatInt(cur, 10), ttlcache.DefaultTTL)
	return cur, nil
}

func (m *MemoryChannel) Progress(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.get(ProgressKey(id))
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func (m *MemoryChannel) SetStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values.Set(StatusKey(id), status, ttlcache.DefaultTTL)
	return nil
}

func (m *MemoryChannel) Status(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(StatusKey(id)), nil
}

func (m *MemoryChannel) PushControl(_ context.Context, id string, cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := append(append([]string(nil), m.list(ControlKey(id))...), string(cmd))
	m.lists.Set(ControlKey(id), q, ttlcache.DefaultTTL)
	m.wake()
	return nil
}

func (m *MemoryChannel) PopControl(ctx context.Context, id string, timeout time.Duration) (Command, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		q := m.list(ControlKey(id))
		if len(q) > 0 {
			m.lists.Set(ControlKey(id), append([]string(nil), q[1:]...), ttlcache.DefaultTTL)
			m.mu.Unlock()
			return normalizeCommand(q[0]), true, nil
		}
		wait := m.notify
		m.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return "", false, nil
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

func (m *MemoryChannel) AppendLog(_ context.Context, id string, at time.Time, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	logs := append(append([]string(nil), m.list(LogsKey(id))...), logMember(at, line))
	// lines can arrive out of order from concurrent loggers
	sort.SliceStable(logs, func(i, j int) bool { return logs[i][:len(logStamp)] < logs[j][:len(logStamp)] })
	m.lists.Set(LogsKey(id), logs, ttlcache.DefaultTTL)
	return nil
}

func (m *MemoryChannel) Logs(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.list(LogsKey(id))...), nil
}

func (m *MemoryChannel) MarkFinished(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.list(FinishedKey)
	for _, x := range ids {
		if x == id {
			return nil
		}
	}
	m.lists.Set(FinishedKey, append(append([]string(nil), ids...), id), ttlcache.NoTTL)
	return nil
}

func (m *MemoryChannel) Finished(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.list(FinishedKey)...), nil
}

func (m *MemoryChannel) Close() error {
	m.values.Stop()
	m.lists.Stop()
	return nil
}

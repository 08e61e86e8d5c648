package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etl-extract/internal/source"
)

// fakeConn serves rows 1..n from memory.
type fakeConn struct {
	n        int
	failAt   int // FetchMany call that fails, 1-based; 0 never
	delay    time.Duration
	mu       sync.Mutex
	executed []string
}

func (c *fakeConn) Execute(_ context.Context, q string) (source.Cursor, error) {
	c.mu.Lock()
	c.executed = append(c.executed, q)
	c.mu.Unlock()
	return &fakeCursor{conn: c}, nil
}

func (c *fakeConn) Close() error { return nil }

type fakeCursor struct {
	conn  *fakeConn
	pos   int
	calls int
}

func (c *fakeCursor) Columns() []string { return []string{"id"} }

func (c *fakeCursor) FetchMany(_ context.Context, n int) ([]source.Row, error) {
	c.calls++
	if c.conn.failAt == c.calls {
		return nil, errors.New("connection reset")
	}
	if c.conn.delay > 0 {
		time.Sleep(c.conn.delay)
	}
	var out []source.Row
	for len(out) < n && c.pos < c.conn.n {
		c.pos++
		out = append(out, source.Row{int64(c.pos)})
	}
	return out, nil
}

func (c *fakeCursor) Close() error { return nil }

func drain(t *testing.T, s *RowSource) (sizes []int, seqs []int64, ids []int64) {
	t.Helper()
	for {
		c, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return
		}
		require.NoError(t, err)
		sizes = append(sizes, len(c.Rows))
		seqs = append(seqs, c.Seq)
		for _, r := range c.Rows {
			ids = append(ids, r[0].(int64))
		}
	}
}

func TestChunkSizes(t *testing.T) {
	tests := []struct {
		rows, chunk int
		want        []int
	}{
		{7, 3, []int{3, 3, 1}},
		{6, 3, []int{3, 3, 0}},
		{0, 3, []int{0}},
		{2, 5, []int{2}},
	}
	for _, tt := range tests {
		s, err := New(&fakeConn{n: tt.rows}, "q", Config{ChunkSize: tt.chunk})
		require.NoError(t, err)

		sizes, seqs, _ := drain(t, s)
		assert.Equal(t, tt.want, sizes, "rows=%d chunk=%d", tt.rows, tt.chunk)
		for i := 1; i < len(seqs); i++ {
			assert.Greater(t, seqs[i], seqs[i-1])
		}
		assert.True(t, s.Exhausted())
		assert.False(t, s.IsStopped())
	}
}

func TestRowLimit(t *testing.T) {
	tests := []struct {
		rows, chunk int
		limit       int64
		want        []int
	}{
		{10, 3, 5, []int{3, 2}},
		{10, 3, 6, []int{3, 3}},
		{10, 5, 2, []int{2}},
		{4, 3, 9, []int{3, 1}},
	}
	for _, tt := range tests {
		s, err := New(&fakeConn{n: tt.rows}, "q", Config{ChunkSize: tt.chunk, RowLimit: tt.limit})
		require.NoError(t, err)

		sizes, _, ids := drain(t, s)
		assert.Equal(t, tt.want, sizes)
		assert.LessOrEqual(t, int64(len(ids)), tt.limit)
		assert.True(t, s.Done())
	}
}

func TestSkipAndStartSeq(t *testing.T) {
	s, err := New(&fakeConn{n: 10}, "q", Config{ChunkSize: 4, Skip: 6, StartSeq: 2})
	require.NoError(t, err)

	sizes, seqs, ids := drain(t, s)
	assert.Equal(t, []int{4, 0}, sizes)
	assert.Equal(t, []int64{3, 4}, seqs)
	assert.Equal(t, []int64{7, 8, 9, 10}, ids)
	assert.Equal(t, int64(10), s.Read())
}

func TestSkipPastEnd(t *testing.T) {
	s, err := New(&fakeConn{n: 3}, "q", Config{ChunkSize: 2, Skip: 5})
	require.NoError(t, err)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, s.Exhausted())
}

func TestStopAtChunkBoundary(t *testing.T) {
	s, err := New(&fakeConn{n: 100}, "q", Config{ChunkSize: 10})
	require.NoError(t, err)

	first, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, first.Rows, 10)
	assert.False(t, s.IsStopped())

	s.Stop()
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, s.IsStopped())
	assert.False(t, s.Done())
	assert.Equal(t, int64(1), s.Seq())
}

func TestFetchErrorPropagates(t *testing.T) {
	s, err := New(&fakeConn{n: 100, failAt: 2}, "q", Config{ChunkSize: 10})
	require.NoError(t, err)

	_, err = s.Next(context.Background())
	require.NoError(t, err)
	_, err = s.Next(context.Background())
	assert.ErrorContains(t, err, "connection reset")
}

func TestFetchTimeout(t *testing.T) {
	s, err := New(&fakeConn{n: 100, delay: 200 * time.Millisecond}, "q", Config{ChunkSize: 10, FetchTimeout: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, ErrFetchTimeout)
}

func TestInvalidChunkSize(t *testing.T) {
	_, err := New(&fakeConn{}, "q", Config{ChunkSize: 0})
	assert.ErrorIs(t, err, ErrInvalidChunkSize)
}

package source

import (
	"context"
	"database/sql"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etl-extract/internal/config"
)

func seed(t *testing.T, rows int) config.SourceConfig {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT, price REAL, raw BLOB)`)
	require.NoError(t, err)
	for i := 1; i <= rows; i++ {
		_, err = db.Exec(`INSERT INTO items (id, name, price, raw) VALUES (?, ?, ?, ?)`, i, "item", float64(i)/2, []byte{0xff, byte(i)})
		require.NoError(t, err)
	}
	return config.SourceConfig{Driver: "sqlite", DSN: dsn}
}

func TestExecuteFetchMany(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, seed(t, 5), config.RetryConfig{Attempts: 1})
	require.NoError(t, err)
	defer db.Close()

	cur, err := db.Execute(ctx, "SELECT id, name, price, raw FROM items ORDER BY id")
	require.NoError(t, err)
	defer cur.Close()

	assert.Equal(t, []string{"id", "name", "price", "raw"}, cur.Columns())

	first, err := cur.FetchMany(ctx, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, Row{int64(1), "item", 0.5, []byte{0xff, 0x01}}, first[0])

	rest, err := cur.FetchMany(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	none, err := cur.FetchMany(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestExecuteBadQuery(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, seed(t, 0), config.RetryConfig{Attempts: 1})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Execute(ctx, "SELECT nope FROM missing")
	assert.Error(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.SourceConfig{Driver: "db2"}, config.RetryConfig{})
	assert.ErrorContains(t, err, "unsupported source driver")
}

func TestNormalize(t *testing.T) {
	ts := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{int32(7), int64(7)},
		{uint64(9), int64(9)},
		{float32(1.5), float64(1.5)},
		{[]byte("text"), "text"},
		{[]byte{0xff, 0xfe}, []byte{0xff, 0xfe}},
		{ts, "2020-01-02T03:04:05Z"},
		{big.NewInt(42), "42"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in))
	}
	assert.Equal(t, "0xff01", Hex([]byte{0xff, 0x01}))
	assert.Equal(t, "x", Hex("x"))
}

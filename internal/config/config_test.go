package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etl-extract/internal/params"
)

const sample = `
extract_key: sales_2020
source:
  driver: mssql
  dsn: sqlserver://user:pw@db:1433?database=sales
  dialect: mssql
queries:
  - sql: SELECT * FROM dbo.Orders
    parameters:
      - name: OrderDate
        interpretation: ITER
        operation: BETWEEN
        values: ["01/01/2020", "01/31/2020"]
  - name: lines
    sql: SELECT * FROM dbo.OrderLines
output:
  path: out
  password: secret
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, sample)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sales_2020", cfg.ExtractKey)
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)
	assert.Equal(t, DefaultQueueSize, cfg.QueueSize)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 1500, cfg.Retry.DelayMS)
	assert.Equal(t, OutputSQLite, cfg.Output.Type)
	assert.Equal(t, LayoutOneDB, cfg.Output.Layout)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "out"), cfg.Output.Path)
	assert.Equal(t, ProgressMemory, cfg.Progress.Type)
	assert.Equal(t, "mssql", cfg.Dialect().Name())

	require.Len(t, cfg.Queries, 2)
	assert.Equal(t, "Orders", cfg.Queries[0].Name)
	require.Len(t, cfg.Queries[0].Parameters, 1)
	assert.Equal(t, []string{"01/01/2020", "01/31/2020"}, cfg.Queries[0].Parameters[0].Values)

	defs := cfg.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "Orders", defs[0].TargetTable)
	assert.Equal(t, "OrderLines", defs[1].TargetTable)
	assert.Equal(t, "lines", defs[1].Name)
}

func TestPrepareErrors(t *testing.T) {
	base := func() Config {
		return Config{
			ExtractKey: "k",
			Source:     SourceConfig{Driver: "sqlite"},
			Queries:    []QueryConfig{{SQL: "SELECT * FROM t"}},
			Output:     OutputConfig{Password: "pw"},
		}
	}

	tests := []struct {
		name  string
		mut   func(*Config)
		field string
	}{
		{"missing key", func(c *Config) { c.ExtractKey = "" }, "extract_key"},
		{"bad key", func(c *Config) { c.ExtractKey = "a/b" }, "extract_key"},
		{"no driver", func(c *Config) { c.Source.Driver = "" }, "source.driver"},
		{"bad dialect", func(c *Config) { c.Source.Dialect = "informix" }, "source.dialect"},
		{"no queries", func(c *Config) { c.Queries = nil }, "queries"},
		{"empty sql", func(c *Config) { c.Queries[0].SQL = " " }, "queries[0].sql"},
		{"duplicate names", func(c *Config) { c.Queries = append(c.Queries, QueryConfig{SQL: "SELECT a FROM t"}) }, "queries[1].name"},
		{"bad output", func(c *Config) { c.Output.Type = "parquet" }, "output.type"},
		{"bad layout", func(c *Config) { c.Output.Layout = "db_per_chunk" }, "output.layout"},
		{"negative chunk", func(c *Config) { c.ChunkSize = -1 }, "chunk_size"},
		{"redis without addr", func(c *Config) { c.Progress.Type = ProgressRedis }, "progress.addr"},
		{"no source table", func(c *Config) { c.Queries[0].Name = "q"; c.Queries[0].SQL = "SELECT 1" }, "queries[0].sql"},
		{"bad parameter", func(c *Config) {
			c.Queries[0].Parameters = []*params.Parameter{{Name: "x", Interpretation: "ITER", Operation: "BETWEEN", Values: []string{"1"}}}
		}, "queries[0].parameters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mut(&cfg)
			err := cfg.Prepare()
			var ce *Error
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestPasswordFromEnvironment(t *testing.T) {
	t.Setenv("EXTRACT_PASSWORD", "from-env")
	cfg := Config{
		ExtractKey: "k",
		Source:     SourceConfig{Driver: "sqlite"},
		Queries:    []QueryConfig{{SQL: "SELECT * FROM t"}},
	}
	require.NoError(t, cfg.Prepare())
	assert.Equal(t, "from-env", cfg.Output.Password)
}

func TestFromJSON(t *testing.T) {
	cfg, err := FromJSON([]byte(`{
		"extract_key": "api_job",
		"source": {"driver": "sqlite", "dsn": "src.db"},
		"queries": [{"sql": "SELECT id FROM items", "parameters": [
			{"Name": "grp", "Interpretation": "ITER", "Operation": "IN", "Values": ["1", "2"]}
		]}],
		"output": {"type": "csv", "path": "/tmp/out"},
		"chunk_size": 100,
		"row_limit": 1000
	}`))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.ChunkSize)
	assert.Equal(t, int64(1000), cfg.RowLimit)
	assert.Equal(t, "items", cfg.Queries[0].Name)
	assert.Equal(t, "grp", cfg.Queries[0].Parameters[0].Name)

	_, err = FromJSON([]byte(`{`))
	assert.Error(t, err)
}

func TestPrepareExpandsParameters(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   error
	}{
		{"mixed bounds", []string{"2020-01-01", "5"}, params.ErrMixedBounds},
		{"range past int64", []string{"1", "1e19"}, params.ErrTooManyFragments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				ExtractKey: "k",
				Source:     SourceConfig{Driver: "sqlite"},
				Queries: []QueryConfig{{SQL: "SELECT * FROM t", Parameters: []*params.Parameter{
					{Name: "x", Interpretation: "ITER", Operation: "BETWEEN", Values: tt.values},
				}}},
				Output: OutputConfig{Password: "pw"},
			}
			err := cfg.Prepare()
			assert.ErrorIs(t, err, tt.want)
			var ce *Error
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "queries[0].parameters", ce.Field)
		})
	}
}

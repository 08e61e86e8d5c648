package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"

	"etl-extract/internal/dialect"
	"etl-extract/internal/params"
	"etl-extract/internal/query"
)

// Output types and layouts.
const (
	OutputSQLite = "sqlite"
	OutputCSV    = "csv"

	LayoutOneDB      = "one_db"
	LayoutDBPerTable = "db_per_table"

	ProgressMemory = "memory"
	ProgressRedis  = "redis"
)

// Defaults applied by Prepare.
const (
	DefaultChunkSize = 50_000
	DefaultQueueSize = 10
)

// Error is a configuration problem tied to one field.
type Error struct {
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func fieldErr(field, format string, args ...any) error {
	return &Error{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func wrapErr(field string, err error) error {
	return &Error{Field: field, Msg: err.Error(), Err: err}
}

type SourceConfig struct {
	Driver       string `yaml:"driver" json:"driver"`
	DSN          string `yaml:"dsn" json:"dsn"`
	Dialect      string `yaml:"dialect" json:"dialect"`
	MaxOpenConns int    `yaml:"max_open_conns" json:"max_open_conns"`
}

type QueryConfig struct {
	Name        string              `yaml:"name" json:"name"`
	SQL         string              `yaml:"sql" json:"sql"`
	TargetTable string              `yaml:"target_table" json:"target_table"`
	Parameters  []*params.Parameter `yaml:"parameters" json:"parameters"`
}

type OutputConfig struct {
	Type     string `yaml:"type" json:"type"`
	Path     string `yaml:"path" json:"path"`
	Password string `yaml:"password" json:"password"`
	Layout   string `yaml:"layout" json:"layout"`
}

type RetryConfig struct {
	Attempts int `yaml:"attempts" json:"attempts"`
	DelayMS  int `yaml:"delay_ms" json:"delay_ms"`
}

type ProgressConfig struct {
	Type       string `yaml:"type" json:"type"`
	Addr       string `yaml:"addr" json:"addr"`
	DB         int    `yaml:"db" json:"db"`
	TTLSeconds int    `yaml:"ttl_seconds" json:"ttl_seconds"`
	// PollMS is how long a control-channel read blocks before re-checking.
	PollMS int `yaml:"poll_ms" json:"poll_ms"`
	// RatePerSecond caps progress updates. Defaults to 2; negative means
	// unlimited.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
}

// TTL is the lifetime of progress keys.
func (p ProgressConfig) TTL() time.Duration {
	return time.Duration(p.TTLSeconds) * time.Second
}

// Poll is the control-channel poll interval.
func (p ProgressConfig) Poll() time.Duration {
	return time.Duration(p.PollMS) * time.Millisecond
}

type Config struct {
	ExtractKey string        `yaml:"extract_key" json:"extract_key"`
	Source     SourceConfig  `yaml:"source" json:"source"`
	Queries    []QueryConfig `yaml:"queries" json:"queries"`
	Output     OutputConfig  `yaml:"output" json:"output"`
	// ChunkSize is the number of rows fetched per chunk.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
	// RowLimit caps the rows of the whole extraction; 0 means no cap.
	RowLimit int64 `yaml:"row_limit" json:"row_limit"`
	// QueueSize is the number of chunks buffered between reader and writer.
	QueueSize int `yaml:"queue_size" json:"queue_size"`
	// Workers is how many sub-queries run at once. Writes stay serialised.
	Workers        int            `yaml:"workers" json:"workers"`
	Retry          RetryConfig    `yaml:"retry" json:"retry"`
	FetchTimeoutMS int            `yaml:"fetch_timeout_ms" json:"fetch_timeout_ms"`
	QueueTimeoutMS int            `yaml:"queue_timeout_ms" json:"queue_timeout_ms"`
	Progress       ProgressConfig `yaml:"progress" json:"progress"`
	LogLevel       string         `yaml:"log_level" json:"log_level"`
}

// Load reads and unmarshals the configuration file located at the given path.
// Relative output paths are resolved against the file's directory.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.Output.Path != "" && !filepath.IsAbs(cfg.Output.Path) {
		cfg.Output.Path = filepath.Join(filepath.Dir(absPath), cfg.Output.Path)
	}

	if err := cfg.Prepare(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromJSON builds a configuration from a JSON job request.
func FromJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode job request: %w", err)
	}
	if err := cfg.Prepare(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Prepare validates the configuration and applies defaults.
func (cfg *Config) Prepare() error {
	if cfg.ExtractKey == "" {
		return fieldErr("extract_key", "is required")
	}
	if strings.ContainsAny(cfg.ExtractKey, `/\ `) {
		return fieldErr("extract_key", "must not contain slashes or spaces")
	}
	if cfg.Source.Driver == "" {
		return fieldErr("source.driver", "is required")
	}
	d, err := dialect.Lookup(cfg.Source.Dialect)
	if err != nil {
		return fieldErr("source.dialect", "%v", err)
	}

	if len(cfg.Queries) == 0 {
		return fieldErr("queries", "must define at least one query")
	}
	names := make(map[string]bool, len(cfg.Queries))
	for i := range cfg.Queries {
		q := &cfg.Queries[i]
		if strings.TrimSpace(q.SQL) == "" {
			return fieldErr(fmt.Sprintf("queries[%d].sql", i), "is required")
		}
		if q.Name == "" {
			q.Name = q.TargetTable
		}
		if q.Name == "" {
			q.Name = query.Parse(q.SQL).Table
		}
		if q.Name == "" {
			return fieldErr(fmt.Sprintf("queries[%d].name", i), "is required when no table can be parsed from the sql")
		}
		if names[q.Name] {
			return fieldErr(fmt.Sprintf("queries[%d].name", i), "duplicates %q", q.Name)
		}
		names[q.Name] = true

		def := query.NewDefinition(q.Name, q.SQL, q.TargetTable, q.Parameters)
		if err := def.Validate(); err != nil {
			return wrapErr(fmt.Sprintf("queries[%d].sql", i), err)
		}
		// expanded here so that bad parameters fail before any connection is made
		if _, err := params.Expand(q.Parameters, d); err != nil {
			return wrapErr(fmt.Sprintf("queries[%d].parameters", i), err)
		}
	}

	switch cfg.Output.Type {
	case "":
		cfg.Output.Type = OutputSQLite
	case OutputSQLite, OutputCSV:
	default:
		return fieldErr("output.type", "unsupported: %s", cfg.Output.Type)
	}
	if cfg.Output.Path == "" {
		cfg.Output.Path = "."
	}
	if cfg.Output.Type == OutputSQLite && cfg.Output.Password == "" {
		cfg.Output.Password = os.Getenv("EXTRACT_PASSWORD")
		if cfg.Output.Password == "" {
			return fieldErr("output.password", "is required for sqlite output (or set EXTRACT_PASSWORD)")
		}
	}
	switch cfg.Output.Layout {
	case "":
		cfg.Output.Layout = LayoutOneDB
	case LayoutOneDB, LayoutDBPerTable:
	default:
		return fieldErr("output.layout", "unsupported: %s", cfg.Output.Layout)
	}

	if cfg.ChunkSize < 0 {
		return fieldErr("chunk_size", "must be positive")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.RowLimit < 0 {
		return fieldErr("row_limit", "must not be negative")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	// Default retry values if not set
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.DelayMS == 0 {
		cfg.Retry.DelayMS = 1500
	}

	switch cfg.Progress.Type {
	case "":
		cfg.Progress.Type = ProgressMemory
	case ProgressMemory:
	case ProgressRedis:
		if cfg.Progress.Addr == "" {
			return fieldErr("progress.addr", "is required for redis progress")
		}
	default:
		return fieldErr("progress.type", "unsupported: %s", cfg.Progress.Type)
	}
	if cfg.Progress.TTLSeconds <= 0 {
		cfg.Progress.TTLSeconds = 24 * 60 * 60
	}
	if cfg.Progress.PollMS <= 0 {
		cfg.Progress.PollMS = 1000
	}
	if cfg.Progress.RatePerSecond == 0 {
		cfg.Progress.RatePerSecond = 2
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return nil
}

// FetchTimeout bounds a single fetch from the source; 0 disables it.
func (cfg *Config) FetchTimeout() time.Duration {
	return time.Duration(cfg.FetchTimeoutMS) * time.Millisecond
}

// QueueTimeout bounds a single queue hand-off; 0 disables it.
func (cfg *Config) QueueTimeout() time.Duration {
	return time.Duration(cfg.QueueTimeoutMS) * time.Millisecond
}

// Dialect resolves the configured source dialect.
func (cfg *Config) Dialect() dialect.Dialect {
	d, err := dialect.Lookup(cfg.Source.Dialect)
	if err != nil {
		return dialect.Default
	}
	return d
}

// Definitions builds the query definitions of the configuration.
func (cfg *Config) Definitions() []*query.Definition {
	defs := make([]*query.Definition, 0, len(cfg.Queries))
	for _, q := range cfg.Queries {
		defs = append(defs, query.NewDefinition(q.Name, q.SQL, q.TargetTable, q.Parameters))
	}
	return defs
}

package store

import (
	"fmt"
	"path/filepath"

	"etl-extract/internal/config"
	"etl-extract/internal/sink"
)

// OpenOutput builds the store an output configuration describes. Output for
// an extraction lives under cfg.Path: one_db uses the file
// "<extractKey>.db", db_per_table and csv a directory named after the key.
func OpenOutput(cfg config.OutputConfig, extractKey string) (sink.Store, error) {
	switch cfg.Type {
	case config.OutputSQLite:
		if cfg.Layout == config.LayoutDBPerTable {
			d, err := OpenDir(filepath.Join(cfg.Path, extractKey), cfg.Password)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
		s, err := Open(filepath.Join(cfg.Path, extractKey+".db"), cfg.Password)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.OutputCSV:
		c, err := sink.NewCSVStore(filepath.Join(cfg.Path, extractKey))
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported output type: %s", cfg.Type)
	}
}

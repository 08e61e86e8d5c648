package query

import (
	"fmt"

	"etl-extract/internal/params"
)

// Definition is one named extraction query with its parameters.
type Definition struct {
	Name        string
	SQL         string
	TargetTable string
	Parameters  []*params.Parameter
	Parsed      *Parsed
}

// NewDefinition parses sql and fills the target table from the parsed table
// name when none is given.
func NewDefinition(name, sql, target string, ps []*params.Parameter) *Definition {
	parsed := Parse(sql)
	if target == "" {
		target = parsed.Table
	}
	if name == "" {
		name = target
	}
	return &Definition{
		Name:        name,
		SQL:         sql,
		TargetTable: target,
		Parameters:  ps,
		Parsed:      parsed,
	}
}

// Validate rejects statements the extractor cannot run.
func (d *Definition) Validate() error {
	if d.Parsed == nil {
		d.Parsed = Parse(d.SQL)
	}
	if d.Parsed.Table == "" {
		return fmt.Errorf("query %q: malformed SELECT, no source table found", d.Name)
	}
	if d.TargetTable == "" {
		return fmt.Errorf("query %q: target table is required", d.Name)
	}
	return nil
}

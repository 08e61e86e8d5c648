// Package dialect holds the vendor-specific bits of SQL text the extractor
// needs when it generates WHERE fragments: date literals and string quoting.
package dialect

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Dialect renders literal values for one source database vendor.
type Dialect interface {
	Name() string
	// DateLiteral renders t (date part only) as a literal the vendor accepts
	// on the right-hand side of a comparison.
	DateLiteral(t time.Time) string
	// QuoteString renders s as a string literal, escaping embedded quotes.
	QuoteString(s string) string
}

type vendor struct {
	name string
	date func(time.Time) string
}

func (v vendor) Name() string                   { return v.name }
func (v vendor) DateLiteral(t time.Time) string { return v.date(t) }

func (v vendor) QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

var registry = map[string]Dialect{
	"ansi": vendor{name: "ansi", date: func(t time.Time) string {
		return "DATE '" + t.Format("2006-01-02") + "'"
	}},
	"mssql": vendor{name: "mssql", date: func(t time.Time) string {
		return "CONVERT(date, '" + t.Format("2006-01-02") + "', 23)"
	}},
	"oracle": vendor{name: "oracle", date: func(t time.Time) string {
		return "TO_DATE('" + t.Format("01/02/2006") + "','MM/DD/YYYY')"
	}},
	"db2": vendor{name: "db2", date: func(t time.Time) string {
		return "DATE('" + t.Format("2006-01-02") + "')"
	}},
	// SAP tables store dates as DATS (YYYYMMDD character fields).
	"sap": vendor{name: "sap", date: func(t time.Time) string {
		return "'" + t.Format("20060102") + "'"
	}},
	"sqlite": vendor{name: "sqlite", date: func(t time.Time) string {
		return "'" + t.Format("2006-01-02") + "'"
	}},
	"postgres": vendor{name: "postgres", date: func(t time.Time) string {
		return "DATE '" + t.Format("2006-01-02") + "'"
	}},
}

// Default is used when a configuration does not name a dialect.
var Default = registry["ansi"]

// Lookup returns the dialect registered under name (case-insensitive).
// An empty name yields Default.
func Lookup(name string) (Dialect, error) {
	if name == "" {
		return Default, nil
	}
	d, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown sql dialect %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return d, nil
}

// Names lists the registered dialects in alphabetical order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

package source

import (
	"fmt"
	"strings"

	// database/sql drivers for the supported source vendors
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	_ "github.com/sijms/go-ora/v2"
	_ "modernc.org/sqlite"
)

var drivers = map[string]string{
	"mssql":     "sqlserver",
	"sqlserver": "sqlserver",
	"oracle":    "oracle",
	"postgres":  "postgres",
	"sqlite":    "sqlite",
}

// DriverName maps a configured source kind to its database/sql driver name.
func DriverName(kind string) (string, error) {
	d, ok := drivers[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return "", fmt.Errorf("unsupported source driver %q", kind)
	}
	return d, nil
}

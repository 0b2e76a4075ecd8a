package store

import (
	"strconv"
	"strings"
)

// Dialect selects the SQL backend a store runs against.
type Dialect string

const (
	// DialectSQLite is the embedded default, one file per coordination run
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres is the shared-server backend
	DialectPostgres Dialect = "postgres"
)

// IsValid checks if the dialect is a known value
func (d Dialect) IsValid() bool {
	switch d {
	case DialectSQLite, DialectPostgres:
		return true
	default:
		return false
	}
}

// DetectDialect infers the dialect from a DSN. Anything that is not a
// PostgreSQL URL is treated as a SQLite path.
func DetectDialect(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// Rebind converts ?-style placeholders to the dialect's native form.
// Queries are written with ? throughout; PostgreSQL needs $1..$n.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

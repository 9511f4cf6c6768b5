package sqlstore

import (
	"errors"
	"strings"

	"github.com/animus-labs/cargo-custody/internal/platform/migrate"
	"github.com/animus-labs/cargo-custody/internal/platform/postgres"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Dialect carries the per-database differences of the SQL ledger.
type Dialect struct {
	Name string
	// migrationRoot is the directory under migrations.FS.
	migrationRoot string
	bind          migrate.Bindvar
	// commitLock runs first in every commit transaction and serializes
	// writers so sequence numbers become visible in order.
	commitLock  string
	isUnique    func(error) bool
	isRetryable func(error) bool
}

var Postgres = Dialect{
	Name:          "postgres",
	migrationRoot: "postgres",
	bind:          migrate.Dollar,
	commitLock:    "SELECT pg_advisory_xact_lock(7714321)",
	isUnique:      postgres.IsUniqueViolation,
	isRetryable:   postgres.IsRetryable,
}

// SQLite expects a database opened with _txlock=immediate, which already
// serializes writers.
var SQLite = Dialect{
	Name:          "sqlite",
	migrationRoot: "sqlite",
	bind:          migrate.Question,
	isUnique:      sqliteIsUnique,
	isRetryable:   sqliteIsBusy,
}

// rebind rewrites ? placeholders for the dialect.
func (d Dialect) rebind(query string) string {
	if d.bind == nil || d.bind(1) == "?" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.bind(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sqliteIsUnique(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

func sqliteIsBusy(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

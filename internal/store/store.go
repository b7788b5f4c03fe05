// Package store implements the durable memory tiers (conversation log,
// entity store, working-memory slots) over database/sql, against either an
// embedded SQLite file or a Postgres server.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when a record is absent or expired.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a concurrent writer won the race for a record.
	ErrConflict = errors.New("concurrent modification")
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// DB is a dialect-aware handle shared by the durable tiers.
type DB struct {
	db     *sql.DB
	driver string
	dsn    string

	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// Open connects to the database and creates the schema if needed.
func Open(ctx context.Context, driver, dsn string, maxOpenConns int) (*DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		// One writer at a time; transactions hold the only connection.
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		if maxOpenConns > 0 {
			db.SetMaxOpenConns(maxOpenConns)
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	d := &DB{db: db, driver: driver, dsn: dsn, now: time.Now}
	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// sqliteDSN appends the WAL and busy-timeout pragmas to dsn, keeping any
// query parameters it already carries.
func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks connectivity to the backing store.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Driver returns the active dialect name.
func (d *DB) Driver() string {
	return d.driver
}

// SetClock replaces the time source. Intended for tests.
func (d *DB) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
	d.last = 0
}

// stamp returns the current time, never earlier than the previous stamp.
func (d *DB) stamp() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.now().UnixNano()
	if n < d.last {
		n = d.last
	}
	d.last = n
	return time.Unix(0, n).UTC()
}

// clock returns the current time without advancing the stamp.
func (d *DB) clock() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now().UTC()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate returns the row-lock suffix for read-modify-write selects.
func (d *DB) forUpdate() string {
	if d.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// skipLocked returns the row-lock suffix for batch claims: rows another
// transaction already holds are left to it.
func (d *DB) skipLocked() string {
	if d.driver == DriverPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// likeContains builds a case-folded LIKE pattern matching s anywhere, with
// the wildcards in s escaped. Use it with ESCAPE '\'.
func likeContains(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(s)) + "%"
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// Package store persists users, calendars, event links and error logs.
//
// The same queries run against PostgreSQL (lib/pq) and SQLite (modernc).
// Queries are written with '?' placeholders and rebound per dialect.
// Timestamps are stored as fixed-width UTC text so they order lexicographically.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

var (
	// ErrNotFound is returned when a required row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyExists is returned on a unique constraint violation.
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrInvalidDSN is returned for an empty or unsupported DSN.
	ErrInvalidDSN = errors.New("store: invalid dsn")
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Store provides relational persistence for the sync service.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// Open connects to dsn and applies the schema.
//
// Supported forms: postgres://..., postgresql://..., sqlite://path, or a bare file path.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	return open(ctx, dsn, logger, sql.Open)
}

func open(ctx context.Context, dsn string, logger *slog.Logger, openDB sqlOpenFunc) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	if logger == nil {
		logger = slog.Default()
	}

	var (
		s      = &Store{logger: logger}
		driver string
		source string
		schema string
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s.dialect, driver, source, schema = dialectPostgres, "postgres", dsn, postgresSchema
	case strings.HasPrefix(dsn, "sqlite://"):
		s.dialect, driver, source, schema = dialectSQLite, "sqlite", sqliteSource(strings.TrimPrefix(dsn, "sqlite://")), sqliteSchema
	case strings.Contains(dsn, "://"):
		return nil, fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidDSN, dsn)
	default:
		s.dialect, driver, source, schema = dialectSQLite, "sqlite", sqliteSource(dsn), sqliteSchema
	}

	db, err := openDB(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if s.dialect == dialectSQLite {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Hour)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("exec schema: %w", err)
	}
	s.db = db
	return s, nil
}

// sqliteSource adds the pragmas every pooled connection needs.
func sqliteSource(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect names the backing database.
func (s *Store) Dialect() string {
	if s.dialect == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind converts '?' placeholders to '$n' for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
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

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// isUniqueViolation recognizes unique constraint errors from both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// formatTime formats a time for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored time.
func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// rowsAffected returns the affected row count, or an error.
func rowsAffected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

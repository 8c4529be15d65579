package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "depot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the shared database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// DB wraps the shared sql.DB handle. It is constructed once at process start
// and passed by reference into the stores that need it.
type DB struct {
	sql *sql.DB
	log logx.Logger
}

// Open opens (creating if necessary) the database and applies migrations.
func Open(cfg Config, log logx.Logger) (*DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	d := &DB{sql: db, log: log}
	if err := d.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = d.sql.ExecContext(ctx, string(b))
	return err
}

// SQL exposes the underlying handle to sibling store packages.
func (d *DB) SQL() *sql.DB { return d.sql }

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// NullStr maps empty strings to SQL NULL.
func NullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// NullTime maps the zero time to SQL NULL, otherwise unix milliseconds.
func NullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// TimeOf converts a nullable unix-milliseconds column back to time.Time.
func TimeOf(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64)
}

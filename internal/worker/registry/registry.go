// Package registry tracks liveness of worker and immediate-execution
// processes via heartbeat rows in the shared database.
//
// A process is online iff now - last_heartbeat < TTL, missing otherwise.
// Rows are created at process start, refreshed periodically and deleted at
// graceful shutdown or by the crash-recovery sweep.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"depot/internal/storage"
	logx "depot/pkg/logx"
)

var ErrNotRegistered = errors.New("process not registered")

// Kind distinguishes long-lived workers from processes that only execute
// immediate dispatches inline.
type Kind string

const (
	KindWorker    Kind = "worker"
	KindImmediate Kind = "immediate"
)

// ProcessStatus is one registry row.
type ProcessStatus struct {
	Name          string            `json:"name"`
	Kind          Kind              `json:"kind"`
	Versions      map[string]string `json:"versions,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Online reports liveness against the given TTL.
func (p ProcessStatus) Online(ttl time.Duration, now time.Time) bool {
	return now.Sub(p.LastHeartbeat) < ttl
}

type Registry struct {
	db  *sql.DB
	log logx.Logger
}

func New(db *storage.DB, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{db: db.SQL(), log: log}
}

// Register inserts or refreshes this process's row.
func (r *Registry) Register(ctx context.Context, st ProcessStatus) error {
	if st.Name == "" {
		return errors.New("process name is required")
	}
	if st.Kind == "" {
		st.Kind = KindWorker
	}
	now := time.Now()
	var versions any
	if len(st.Versions) > 0 {
		b, err := json.Marshal(st.Versions)
		if err != nil {
			return err
		}
		versions = string(b)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO workers(name, kind, versions, last_heartbeat, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		   kind = excluded.kind,
		   versions = excluded.versions,
		   last_heartbeat = excluded.last_heartbeat`,
		st.Name, string(st.Kind), versions, now.UnixMilli(), now.UnixMilli())
	return err
}

// Heartbeat refreshes last_heartbeat. Returns ErrNotRegistered if the row is
// gone (e.g. the sweep already reaped us); the caller should re-register or
// shut down.
func (r *Registry) Heartbeat(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat = ? WHERE name = ?`,
		time.Now().UnixMilli(), name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotRegistered
	}
	return nil
}

// Deregister removes the row at graceful shutdown.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM workers WHERE name = ?`, name)
	return err
}

// Missing returns processes whose heartbeat exceeds the TTL.
func (r *Registry) Missing(ctx context.Context, ttl time.Duration) ([]ProcessStatus, error) {
	cutoff := time.Now().Add(-ttl).UnixMilli()
	return r.list(ctx, `SELECT name, kind, versions, last_heartbeat, created_at
		FROM workers WHERE last_heartbeat < ? ORDER BY last_heartbeat ASC`, cutoff)
}

// Online returns processes with a fresh heartbeat.
func (r *Registry) Online(ctx context.Context, ttl time.Duration) ([]ProcessStatus, error) {
	cutoff := time.Now().Add(-ttl).UnixMilli()
	return r.list(ctx, `SELECT name, kind, versions, last_heartbeat, created_at
		FROM workers WHERE last_heartbeat >= ? ORDER BY name ASC`, cutoff)
}

// CountOnline is used by the fetch loop to scale its idle sleep with fleet size.
func (r *Registry) CountOnline(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl).UnixMilli()
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workers WHERE last_heartbeat >= ?`, cutoff).Scan(&n)
	return n, err
}

func (r *Registry) list(ctx context.Context, q string, args ...any) ([]ProcessStatus, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProcessStatus
	for rows.Next() {
		var (
			st       ProcessStatus
			kind     string
			versions sql.NullString
			hb, cr   int64
		)
		if err := rows.Scan(&st.Name, &kind, &versions, &hb, &cr); err != nil {
			return nil, err
		}
		st.Kind = Kind(kind)
		if versions.Valid && versions.String != "" {
			if err := json.Unmarshal([]byte(versions.String), &st.Versions); err != nil {
				r.log.Warn("bad versions field in registry row", logx.String("name", st.Name), logx.Err(err))
			}
		}
		st.LastHeartbeat = time.UnixMilli(hb)
		st.CreatedAt = time.UnixMilli(cr)
		out = append(out, st)
	}
	return out, rows.Err()
}

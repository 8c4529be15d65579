package locking

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"depot/internal/storage"
	logx "depot/pkg/logx"
)

// sqliteManager stores locks as rows in the shared database. Every acquire
// runs inside one transaction, which is the atomic multi-key check-and-set
// the algorithm depends on.
type sqliteManager struct {
	db  *sql.DB
	log logx.Logger
}

func newSQLiteManager(db *storage.DB, log logx.Logger) *sqliteManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteManager{db: db.SQL(), log: log}
}

func (m *sqliteManager) Acquire(ctx context.Context, taskID, owner string, exclusive, shared []string) error {
	excl := canonical(exclusive)
	shr := canonical(shared)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	held, err := keyHeld(ctx, tx, taskKey(taskID), false)
	if err != nil {
		return err
	}
	if held {
		return &UnavailableError{TaskClaimed: true}
	}

	var blocked []string
	for _, r := range excl {
		// Exclusive access is blocked by any existing holder.
		any, err := keyHeld(ctx, tx, resourceKey(r), false)
		if err != nil {
			return err
		}
		if any {
			blocked = append(blocked, r)
		}
	}
	for _, r := range shr {
		// Shared access is blocked only by an exclusive holder.
		exHeld, err := keyHeld(ctx, tx, resourceKey(r), true)
		if err != nil {
			return err
		}
		if exHeld {
			blocked = append(blocked, r)
		}
	}
	if len(blocked) > 0 {
		return &UnavailableError{Blocked: blocked}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO locks(key, owner, shared) VALUES(?,?,0)`, taskKey(taskID), owner); err != nil {
		return err
	}
	for _, r := range excl {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO locks(key, owner, shared) VALUES(?,?,0)`, resourceKey(r), owner); err != nil {
			return err
		}
	}
	for _, r := range shr {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO locks(key, owner, shared) VALUES(?,?,1)`, resourceKey(r), owner); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// keyHeld reports whether any row holds the key. With exclusiveOnly it only
// counts exclusive rows (shared holders don't block shared access).
func keyHeld(ctx context.Context, tx *sql.Tx, key string, exclusiveOnly bool) (bool, error) {
	q := `SELECT 1 FROM locks WHERE key = ?`
	if exclusiveOnly {
		q += ` AND shared = 0`
	}
	q += ` LIMIT 1`
	var one int
	err := tx.QueryRowContext(ctx, q, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *sqliteManager) Release(ctx context.Context, taskID, owner string, exclusive, shared []string) error {
	excl := canonical(exclusive)
	shr := canonical(shared)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range excl {
		if err := m.releaseSingleOwner(ctx, tx, resourceKey(r), owner, "resource", r); err != nil {
			return err
		}
	}
	for _, r := range shr {
		// Removing our membership from a shared set is inherently idempotent.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM locks WHERE key = ? AND owner = ? AND shared = 1`, resourceKey(r), owner); err != nil {
			return err
		}
	}
	if err := m.releaseSingleOwner(ctx, tx, taskKey(taskID), owner, "task", taskID); err != nil {
		return err
	}
	return tx.Commit()
}

// releaseSingleOwner deletes a single-owner lock only when currently owned by
// owner. A vanished row is a no-op (recovery may have force-released it); a
// row owned by someone else is logged and left alone, because it has since
// been legitimately re-acquired.
func (m *sqliteManager) releaseSingleOwner(ctx context.Context, tx *sql.Tx, key, owner, kind, name string) error {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM locks WHERE key = ? AND owner = ? AND shared = 0`, key, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		held, err := keyHeld(ctx, tx, key, true)
		if err != nil {
			return err
		}
		if held {
			m.log.Warn("skipping release of lock held by another owner",
				logx.String("kind", kind), logx.String("name", name), logx.String("owner", owner))
		}
	}
	return nil
}

func (m *sqliteManager) TasksOwnedBy(ctx context.Context, owner string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT key FROM locks WHERE owner = ? AND shared = 0 AND key LIKE ?`,
		owner, taskPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		ids = append(ids, k[len(taskPrefix):])
	}
	return ids, rows.Err()
}

func (m *sqliteManager) ForceReleaseOwner(ctx context.Context, owner string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM locks WHERE owner = ?`, owner)
	return err
}

func (m *sqliteManager) SignalCancel(ctx context.Context, taskID string) error {
	until := time.Now().Add(SignalTTL).UnixMilli()
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO signals(key, expires_at) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`,
		signalKey(taskID), until)
	return err
}

func (m *sqliteManager) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	var until int64
	err := m.db.QueryRowContext(ctx,
		`SELECT expires_at FROM signals WHERE key = ?`, signalKey(taskID)).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if time.Now().UnixMilli() > until {
		_, _ = m.db.ExecContext(ctx, `DELETE FROM signals WHERE key = ?`, signalKey(taskID))
		return false, nil
	}
	return true, nil
}

func (m *sqliteManager) ClearCancel(ctx context.Context, taskID string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM signals WHERE key = ?`, signalKey(taskID))
	return err
}

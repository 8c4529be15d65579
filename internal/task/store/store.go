// Package store is the durable task record store backed by the shared
// SQLite database.
//
// The store owns task lifetime. State changes go through compare-and-set
// updates so two processes racing on the same task cannot both win; callers
// inspect the returned bool to learn whether their transition applied.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"depot/internal/storage"
	"depot/internal/task"
	logx "depot/pkg/logx"
)

var ErrNotFound = errors.New("task not found")

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func New(db *storage.DB, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db.SQL(), log: log}
}

const taskColumns = `id, name, state, args, exclusive, shared, owner_lock, group_id, parent_id, error, created_at, started_at, finished_at`

// Create inserts a new task row. The task must already be normalized
// (canonical resource lists, WAITING state, CreatedAt set).
func (s *Store) Create(ctx context.Context, t *task.Task) error {
	if t.ID == "" || t.Name == "" {
		return errors.New("task id and name are required")
	}
	if t.State == "" {
		t.State = task.StateWaiting
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	excl, shr, terr, err := encodeLists(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, string(t.State), storage.NullStr(string(t.Args)), excl, shr,
		storage.NullStr(t.OwnerLock), storage.NullStr(t.GroupID), storage.NullStr(t.ParentID),
		terr, t.CreatedAt.UnixMilli(), storage.NullTime(t.StartedAt), storage.NullTime(t.FinishedAt),
	)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListWaiting returns up to limit WAITING tasks ordered by creation time,
// excluding the given task ids (tasks this worker already knows it cannot run).
func (s *Store) ListWaiting(ctx context.Context, limit int, exclude []string) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE state = ?`
	args := []any{string(task.StateWaiting)}
	if len(exclude) > 0 {
		q += ` AND id NOT IN (?` + strings.Repeat(",?", len(exclude)-1) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	q += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)
	return s.list(ctx, q, args...)
}

// ListGroup returns all tasks in a dispatch group, oldest first.
func (s *Store) ListGroup(ctx context.Context, groupID string) ([]*task.Task, error) {
	return s.list(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE group_id = ? ORDER BY created_at ASC, id ASC`, groupID)
}

// FindByOwner returns the tasks whose owner_lock points at the given worker.
// Used by crash recovery to reconstruct what a vanished worker held.
func (s *Store) FindByOwner(ctx context.Context, owner string) ([]*task.Task, error) {
	return s.list(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE owner_lock = ? ORDER BY created_at ASC`, owner)
}

// Recent returns the most recently created tasks (diagnostics/polling).
func (s *Store) Recent(ctx context.Context, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// Start performs the WAITING -> RUNNING transition, assigning the claim owner
// and the start timestamp. Returns false if the task is no longer WAITING
// (someone else raced us to it).
func (s *Store) Start(ctx context.Context, id, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, owner_lock = ?, started_at = ? WHERE id = ? AND state = ?`,
		string(task.StateRunning), owner, time.Now().UnixMilli(), id, string(task.StateWaiting),
	)
	return oneRow(res, err)
}

// MarkCanceling performs RUNNING -> CANCELING. Returns false if the task is
// not RUNNING anymore.
func (s *Store) MarkCanceling(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ? WHERE id = ? AND state = ?`,
		string(task.StateCanceling), id, string(task.StateRunning),
	)
	return oneRow(res, err)
}

// CancelWaiting performs WAITING -> CANCELED directly. No locks were ever
// held for a waiting task, so there is nothing to release.
func (s *Store) CancelWaiting(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, finished_at = ? WHERE id = ? AND state = ?`,
		string(task.StateCanceled), time.Now().UnixMilli(), id, string(task.StateWaiting),
	)
	return oneRow(res, err)
}

// SkipWaiting performs WAITING -> SKIPPED. Skipped tasks never ran and never
// held locks.
func (s *Store) SkipWaiting(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, finished_at = ? WHERE id = ? AND state = ?`,
		string(task.StateSkipped), time.Now().UnixMilli(), id, string(task.StateWaiting),
	)
	return oneRow(res, err)
}

// SetOwner reassigns owner_lock without touching state. Crash recovery uses
// this to take over a missing worker's task before writing the terminal state.
func (s *Store) SetOwner(ctx context.Context, id, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET owner_lock = ? WHERE id = ?`, storage.NullStr(owner), id)
	return oneRow(res, err)
}

// Finish writes a terminal state, clearing owner_lock and stamping
// finished_at. The update only applies when the current state may legally
// transition to the target and the caller still owns the claim (owner may be
// empty for tasks that never had one, e.g. WAITING -> SKIPPED).
func (s *Store) Finish(ctx context.Context, id, owner string, to task.State, terr *task.Error) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("finish to non-terminal state %q", to)
	}
	var errJSON any
	if terr != nil {
		b, err := json.Marshal(terr)
		if err != nil {
			return false, err
		}
		errJSON = string(b)
	}
	froms := make([]string, 0, 3)
	for _, from := range []task.State{task.StateWaiting, task.StateRunning, task.StateCanceling} {
		if task.CanTransition(from, to) {
			froms = append(froms, string(from))
		}
	}
	if len(froms) == 0 {
		return false, fmt.Errorf("no legal transition to %q", to)
	}
	q := `UPDATE tasks SET state = ?, owner_lock = NULL, finished_at = ?, error = ?
	      WHERE id = ? AND state IN (?` + strings.Repeat(",?", len(froms)-1) + `)`
	args := []any{string(to), time.Now().UnixMilli(), errJSON, id}
	for _, f := range froms {
		args = append(args, f)
	}
	if owner != "" {
		q += ` AND (owner_lock IS NULL OR owner_lock = ?)`
		args = append(args, owner)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	return oneRow(res, err)
}

// PurgeFinished deletes terminal tasks that finished before the cutoff.
func (s *Store) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE finished_at IS NOT NULL AND finished_at < ?
		 AND state IN (?,?,?,?)`,
		cutoff.UnixMilli(),
		string(task.StateCompleted), string(task.StateFailed),
		string(task.StateCanceled), string(task.StateSkipped),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) list(ctx context.Context, q string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t          task.Task
		state      string
		args       sql.NullString
		excl, shr  sql.NullString
		owner      sql.NullString
		group      sql.NullString
		parent     sql.NullString
		terr       sql.NullString
		createdAt  int64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.Name, &state, &args, &excl, &shr, &owner, &group, &parent, &terr, &createdAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	t.State = task.State(state)
	if args.Valid {
		t.Args = json.RawMessage(args.String)
	}
	if excl.Valid && excl.String != "" {
		if err := json.Unmarshal([]byte(excl.String), &t.Exclusive); err != nil {
			return nil, fmt.Errorf("task %s: bad exclusive list: %w", t.ID, err)
		}
	}
	if shr.Valid && shr.String != "" {
		if err := json.Unmarshal([]byte(shr.String), &t.Shared); err != nil {
			return nil, fmt.Errorf("task %s: bad shared list: %w", t.ID, err)
		}
	}
	t.OwnerLock = owner.String
	t.GroupID = group.String
	t.ParentID = parent.String
	if terr.Valid && terr.String != "" {
		var e task.Error
		if err := json.Unmarshal([]byte(terr.String), &e); err != nil {
			return nil, fmt.Errorf("task %s: bad error field: %w", t.ID, err)
		}
		t.Error = &e
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	t.StartedAt = storage.TimeOf(startedAt)
	t.FinishedAt = storage.TimeOf(finishedAt)
	return &t, nil
}

func encodeLists(t *task.Task) (excl, shr, terr any, err error) {
	if len(t.Exclusive) > 0 {
		b, e := json.Marshal(t.Exclusive)
		if e != nil {
			return nil, nil, nil, e
		}
		excl = string(b)
	}
	if len(t.Shared) > 0 {
		b, e := json.Marshal(t.Shared)
		if e != nil {
			return nil, nil, nil, e
		}
		shr = string(b)
	}
	if t.Error != nil {
		b, e := json.Marshal(t.Error)
		if e != nil {
			return nil, nil, nil, e
		}
		terr = string(b)
	}
	return excl, shr, terr, nil
}

func oneRow(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

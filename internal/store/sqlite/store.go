// Package sqlite implements the durable task store. Every status change is a
// guarded UPDATE inside a transaction, so the row status is a true
// compare-and-set and the store stays the single source of truth.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/probeworks/gauntlet/internal/model"
	"github.com/probeworks/gauntlet/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	target TEXT NOT NULL,
	requested_tools TEXT NOT NULL,
	service_name TEXT DEFAULT NULL,
	parent_id TEXT DEFAULT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	started_at TEXT DEFAULT NULL,
	completed_at TEXT DEFAULT NULL,
	duration_ns INTEGER DEFAULT NULL,
	result TEXT DEFAULT NULL,
	error TEXT DEFAULT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
`

type Store struct {
	db *sql.DB
}

var _ task.Store = (*Store)(nil)

// Open opens (and if needed initializes) the task database. Passing
// ":memory:" yields a throwaway database for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening task db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between the engine's concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing task schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, t task.Task) error {
	tools, err := json.Marshal(t.RequestedTools)
	if err != nil {
		return fmt.Errorf("encoding requested tools: %w", err)
	}
	var parent any
	if t.ParentID != uuid.Nil {
		parent = t.ParentID.String()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, kind, target, requested_tools, service_name, parent_id, status, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		t.ID.String(), string(t.Kind), t.Target, string(tools),
		nullable(t.ServiceName), parent, t.Status.String(),
		t.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM tasks WHERE id=?`, id.String())
	return scanTask(row.Scan)
}

func (s *Store) ListSubtasks(ctx context.Context, parentID uuid.UUID) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM tasks WHERE parent_id=? ORDER BY created_at, service_name`,
		parentID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing subtasks of %s: %w", parentID, err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var subs []task.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		subs = append(subs, t)
	}
	return subs, rows.Err()
}

func (s *Store) ListMains(ctx context.Context) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM tasks WHERE kind=? ORDER BY created_at DESC, id`,
		string(task.KindMain),
	)
	if err != nil {
		return nil, fmt.Errorf("listing main tasks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var mains []task.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		mains = append(mains, t)
	}
	return mains, rows.Err()
}

// Transition performs the compare-and-set status change: the row is read and
// validated inside a transaction and the UPDATE is guarded by the status the
// validation saw. The loser of a finalization race gets
// model.ErrInvalidTransition, never a silent overwrite.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, status task.Status, result json.RawMessage, errDetail string) (task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.Task{}, err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "rolling back transition failed", "task_id", id.String(), "error", err)
		}
	}()

	row := tx.QueryRowContext(ctx, selectColumns+` FROM tasks WHERE id=?`, id.String())
	current, err := scanTask(row.Scan)
	if err != nil {
		return task.Task{}, err
	}

	updated, err := task.ApplyTransition(current, status, result, errDetail, time.Now().UTC())
	if err != nil {
		return task.Task{}, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, started_at=?, completed_at=?, duration_ns=?, result=?, error=?
		 WHERE id=? AND status=?`,
		updated.Status.String(),
		nullableTime(updated.StartedAt), nullableTime(updated.CompletedAt),
		nullableInt64(int64(updated.Duration)),
		nullableRaw(updated.Result), nullable(updated.Error),
		id.String(), current.Status.String(),
	)
	if err != nil {
		return task.Task{}, fmt.Errorf("updating task %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return task.Task{}, fmt.Errorf("%w: task %s changed concurrently", model.ErrInvalidTransition, id)
	}
	if err := tx.Commit(); err != nil {
		return task.Task{}, fmt.Errorf("committing transition of %s: %w", id, err)
	}
	return updated, nil
}

const selectColumns = `SELECT id, kind, target, requested_tools, service_name, parent_id, status,
	created_at, started_at, completed_at, duration_ns, result, error`

func scanTask(scan func(dest ...any) error) (task.Task, error) {
	var (
		t                                       task.Task
		id, kind, target, tools, status, created string
		service, parent, started, completed     sql.NullString
		durationNS                              sql.NullInt64
		result, errDetail                       sql.NullString
	)
	err := scan(&id, &kind, &target, &tools, &service, &parent, &status,
		&created, &started, &completed, &durationNS, &result, &errDetail)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, model.ErrNotFound
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("scanning task row: %w", err)
	}

	t.ID, err = uuid.Parse(id)
	if err != nil {
		return task.Task{}, fmt.Errorf("parsing task id %q: %w", id, err)
	}
	t.Kind = task.Kind(kind)
	t.Target = target
	if err := json.Unmarshal([]byte(tools), &t.RequestedTools); err != nil {
		return task.Task{}, fmt.Errorf("decoding requested tools of %s: %w", id, err)
	}
	if service.Valid {
		t.ServiceName = service.String
	}
	if parent.Valid {
		t.ParentID, err = uuid.Parse(parent.String)
		if err != nil {
			return task.Task{}, fmt.Errorf("parsing parent id %q: %w", parent.String, err)
		}
	}
	t.Status = task.ParseStatus(status)
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return task.Task{}, fmt.Errorf("parsing created_at of %s: %w", id, err)
	}
	if started.Valid {
		if t.StartedAt, err = time.Parse(time.RFC3339Nano, started.String); err != nil {
			return task.Task{}, fmt.Errorf("parsing started_at of %s: %w", id, err)
		}
	}
	if completed.Valid {
		if t.CompletedAt, err = time.Parse(time.RFC3339Nano, completed.String); err != nil {
			return task.Task{}, fmt.Errorf("parsing completed_at of %s: %w", id, err)
		}
	}
	if durationNS.Valid {
		t.Duration = time.Duration(durationNS.Int64)
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if errDetail.Valid {
		t.Error = errDetail.String
	}
	return t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullableInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/taskgraph/orchestrator/internal/orcherr"
	"github.com/taskgraph/orchestrator/internal/types"
)

const planSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	parent_id TEXT,
	root_id TEXT NOT NULL,
	name TEXT NOT NULL,
	task_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 0,
	depth INTEGER NOT NULL DEFAULT 0,
	position INTEGER NOT NULL DEFAULT 0,
	path TEXT NOT NULL DEFAULT '',
	session_id TEXT,
	workflow_id TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS task_inputs (
	task_id TEXT PRIMARY KEY REFERENCES tasks(id),
	content TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS task_outputs (
	task_id TEXT PRIMARY KEY REFERENCES tasks(id),
	content TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS task_links (
	from_id TEXT NOT NULL,
	to_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	PRIMARY KEY (from_id, to_id, kind)
);

CREATE TABLE IF NOT EXISTS evaluation_records (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	iteration INTEGER NOT NULL,
	content_snapshot TEXT NOT NULL,
	overall_score REAL NOT NULL,
	dimension_scores TEXT NOT NULL DEFAULT '{}',
	suggestions TEXT NOT NULL DEFAULT '[]',
	needs_revision BOOLEAN NOT NULL DEFAULT 0,
	mode TEXT NOT NULL,
	degraded BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	meta TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS context_snapshots (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	label TEXT NOT NULL,
	combined_text TEXT NOT NULL,
	sections TEXT NOT NULL DEFAULT '[]',
	meta TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (task_id, label)
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME,
	strategy TEXT NOT NULL,
	options TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_plan ON tasks(plan_id);
CREATE INDEX IF NOT EXISTS idx_tasks_root ON tasks(root_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_task_links_from ON task_links(from_id, kind);
CREATE INDEX IF NOT EXISTS idx_task_links_to ON task_links(to_id, kind);
CREATE INDEX IF NOT EXISTS idx_eval_task ON evaluation_records(task_id, iteration);
CREATE INDEX IF NOT EXISTS idx_snapshots_task ON context_snapshots(task_id);
`

// DefaultMaxDepth is the default value of spec.md's MAX_DEPTH invariant.
const DefaultMaxDepth = 3

// PlanStore holds every task, link, output, snapshot, evaluation record, and
// run belonging to a single plan. One PlanStore wraps one SQLite file.
type PlanStore struct {
	db     *sql.DB
	planID string
}

// OpenPlanStore opens (creating if absent) the per-plan database at dbPath.
func OpenPlanStore(dbPath, planID string) (*PlanStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, orcherr.New(orcherr.KindStore, "plan_store_open", "open plan database", err)
	}
	if _, err := db.Exec(planSchema); err != nil {
		db.Close()
		return nil, orcherr.New(orcherr.KindStore, "plan_store_schema", "create plan schema", err)
	}
	if err := ensureVersion(db, 1); err != nil {
		db.Close()
		return nil, err
	}
	return &PlanStore{db: db, planID: planID}, nil
}

// Close releases the underlying database handle.
func (s *PlanStore) Close() error { return s.db.Close() }

// CreateTaskParams groups the arguments to CreateTask.
type CreateTaskParams struct {
	ParentID *string
	Name     string
	Type     types.TaskType
	Priority int
	// Position pins the task's order among siblings. If nil, the task is
	// appended after the current highest sibling position.
	Position *int
}

// CreateTask inserts a task, computing Depth, RootID, and Path from the
// parent (or establishing a new root if ParentID is nil).
func (s *PlanStore) CreateTask(ctx context.Context, p CreateTaskParams) (*types.Task, error) {
	if p.Name == "" {
		return nil, orcherr.Validation("missing_field", "task name is required")
	}
	if (p.Type == types.TaskTypeRoot) != (p.ParentID == nil) {
		return nil, orcherr.Validation("invariant_violation", "task_type=root iff parent_id is nil")
	}

	var (
		depth    int
		rootID   string
		basePath string
	)
	if p.ParentID != nil {
		parent, err := s.GetTask(ctx, *p.ParentID)
		if err != nil {
			return nil, err
		}
		depth = parent.Depth + 1
		rootID = parent.RootID
		basePath = parent.Path
	}

	position := 0
	if p.Position != nil {
		position = *p.Position
	} else {
		next, err := s.nextSiblingPosition(ctx, p.ParentID)
		if err != nil {
			return nil, err
		}
		position = next
	}

	id := uuid.NewString()
	if p.ParentID == nil {
		rootID = id
	}
	path := appendPath(basePath, position)
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, plan_id, parent_id, root_id, name, task_type, status, priority, depth, position, path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?)`,
		id, s.planID, p.ParentID, rootID, p.Name, string(p.Type), p.Priority, depth, position, path, now, now,
	)
	if err != nil {
		return nil, orcherr.New(orcherr.KindStore, "task_create", "insert task", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO task_inputs (task_id, content) VALUES (?, '')`, id); err != nil {
		return nil, orcherr.New(orcherr.KindStore, "task_create", "insert task input row", err)
	}

	return s.GetTask(ctx, id)
}

func (s *PlanStore) nextSiblingPosition(ctx context.Context, parentID *string) (int, error) {
	var (
		max   sql.NullInt64
		err   error
	)
	if parentID == nil {
		err = s.db.QueryRowContext(ctx, `SELECT MAX(position) FROM tasks WHERE parent_id IS NULL`).Scan(&max)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT MAX(position) FROM tasks WHERE parent_id = ?`, *parentID).Scan(&max)
	}
	if err != nil {
		return 0, orcherr.New(orcherr.KindStore, "task_position", "compute next sibling position", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

func appendPath(base string, position int) string {
	if base == "" {
		return fmt.Sprintf("%d", position)
	}
	return fmt.Sprintf("%s.%d", base, position)
}

const taskCols = `id, plan_id, parent_id, root_id, name, task_type, status, priority, depth, position, path, session_id, workflow_id, created_at, updated_at`

// GetTask returns a single task by id.
func (s *PlanStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	return scanTask(row, id)
}

func scanTask(row *sql.Row, ident string) (*types.Task, error) {
	var t types.Task
	var parentID, sessionID, workflowID sql.NullString
	if err := row.Scan(&t.ID, &t.PlanID, &parentID, &t.RootID, &t.Name, &t.TaskType, &t.Status,
		&t.Priority, &t.Depth, &t.Position, &t.Path, &sessionID, &workflowID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, orcherr.NotFound("task", ident)
		}
		return nil, orcherr.New(orcherr.KindStore, "task_get", "scan task row", err)
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if sessionID.Valid {
		t.SessionID = &sessionID.String
	}
	if workflowID.Valid {
		t.WorkflowID = &workflowID.String
	}
	return &t, nil
}

func (s *PlanStore) queryTasks(ctx context.Context, query string, args ...any) ([]types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks `+query, args...)
	if err != nil {
		return nil, orcherr.New(orcherr.KindStore, "task_query", "query tasks", err)
	}
	defer rows.Close()
	var out []types.Task
	for rows.Next() {
		var t types.Task
		var parentID, sessionID, workflowID sql.NullString
		if err := rows.Scan(&t.ID, &t.PlanID, &parentID, &t.RootID, &t.Name, &t.TaskType, &t.Status,
			&t.Priority, &t.Depth, &t.Position, &t.Path, &sessionID, &workflowID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, orcherr.New(orcherr.KindStore, "task_query", "scan task row", err)
		}
		if parentID.Valid {
			t.ParentID = &parentID.String
		}
		if sessionID.Valid {
			t.SessionID = &sessionID.String
		}
		if workflowID.Valid {
			t.WorkflowID = &workflowID.String
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Children returns the direct children of a task ordered by position.
func (s *PlanStore) Children(ctx context.Context, taskID string) ([]types.Task, error) {
	return s.queryTasks(ctx, `WHERE parent_id = ? ORDER BY position ASC`, taskID)
}

// Siblings returns the tasks sharing task's parent (including task itself),
// ordered by position.
func (s *PlanStore) Siblings(ctx context.Context, taskID string) ([]types.Task, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.ParentID == nil {
		return s.queryTasks(ctx, `WHERE parent_id IS NULL ORDER BY position ASC`)
	}
	return s.queryTasks(ctx, `WHERE parent_id = ? ORDER BY position ASC`, *t.ParentID)
}

// Subtree returns task and every descendant, ordered by path.
func (s *PlanStore) Subtree(ctx context.Context, taskID string) ([]types.Task, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.queryTasks(ctx, `WHERE id = ? OR path LIKE ? ORDER BY path ASC`, taskID, t.Path+".%")
}

// RootOf returns the root ancestor of task.
func (s *PlanStore) RootOf(ctx context.Context, taskID string) (*types.Task, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, t.RootID)
}

// PlanTasks returns every task belonging to the plan, ordered by path.
func (s *PlanStore) PlanTasks(ctx context.Context) ([]types.Task, error) {
	return s.queryTasks(ctx, `WHERE plan_id = ? ORDER BY path ASC`, s.planID)
}

// SetStatus transitions a task's status. Only atomic tasks may reach
// running/completed, per spec.md's invariant.
func (s *PlanStore) SetStatus(ctx context.Context, taskID string, status types.TaskStatus) error {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if (status == types.TaskStatusRunning || status == types.TaskStatusCompleted) && t.TaskType != types.TaskTypeAtomic {
		return orcherr.Validation("invariant_violation", "only atomic tasks may run or complete")
	}
	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now().UTC(), taskID)
	if err != nil {
		return orcherr.New(orcherr.KindStore, "task_status", "update task status", err)
	}
	return nil
}

// Move reparents task under newParent (nil means make it a new root) at the
// given position, rewriting Depth, RootID, and Path transitively for the
// whole subtree. Rejects moves that would create a cycle.
func (s *PlanStore) Move(ctx context.Context, taskID string, newParentID *string, position int) error {
	if newParentID != nil && *newParentID == taskID {
		return orcherr.Conflict("invalid_move", "task cannot be its own parent")
	}
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	var (
		newDepth  int
		newRoot   string
		newBase   string
	)
	if newParentID == nil {
		newDepth, newRoot, newBase = 0, taskID, ""
	} else {
		parent, err := s.GetTask(ctx, *newParentID)
		if err != nil {
			return err
		}
		if strings.HasPrefix(parent.Path+".", t.Path+".") || parent.Path == t.Path {
			return orcherr.Conflict("cycle_detected", "move would create a cycle in the task tree")
		}
		newDepth, newRoot, newBase = parent.Depth+1, parent.RootID, parent.Path
	}
	newPath := appendPath(newBase, position)

	subtree, err := s.Subtree(ctx, taskID)
	if err != nil {
		return err
	}
	depthDelta := newDepth - t.Depth
	now := time.Now().UTC()
	for _, node := range subtree {
		nodePath := newPath + strings.TrimPrefix(node.Path, t.Path)
		_, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET depth = ?, root_id = ?, path = ?, updated_at = ? WHERE id = ?`,
			node.Depth+depthDelta, newRoot, nodePath, now, node.ID,
		)
		if err != nil {
			return orcherr.New(orcherr.KindStore, "task_move", "rewrite subtree", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET parent_id = ?, position = ? WHERE id = ?`, newParentID, position, taskID); err != nil {
		return orcherr.New(orcherr.KindStore, "task_move", "reparent task", err)
	}
	return nil
}

// Delete removes task and its entire subtree, cascading to inputs, outputs,
// snapshots, evaluations, and incident links.
func (s *PlanStore) Delete(ctx context.Context, taskID string) error {
	subtree, err := s.Subtree(ctx, taskID)
	if err != nil {
		return err
	}
	ids := make([]string, len(subtree))
	for i, t := range subtree {
		ids[i] = t.ID
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orcherr.New(orcherr.KindStore, "task_delete", "begin transaction", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		stmts := []struct {
			query string
			args  []any
		}{
			{`DELETE FROM task_inputs WHERE task_id = ?`, []any{id}},
			{`DELETE FROM task_outputs WHERE task_id = ?`, []any{id}},
			{`DELETE FROM context_snapshots WHERE task_id = ?`, []any{id}},
			{`DELETE FROM evaluation_records WHERE task_id = ?`, []any{id}},
			{`DELETE FROM task_links WHERE from_id = ? OR to_id = ?`, []any{id, id}},
			{`DELETE FROM tasks WHERE id = ?`, []any{id}},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
				return orcherr.New(orcherr.KindStore, "task_delete", "cascade delete", err)
			}
		}
	}
	return tx.Commit()
}

// PutInput overwrites a task's single input row.
func (s *PlanStore) PutInput(ctx context.Context, taskID, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_inputs (task_id, content) VALUES (?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET content = excluded.content`, taskID, content)
	if err != nil {
		return orcherr.New(orcherr.KindStore, "input_put", "upsert task input", err)
	}
	return nil
}

// GetInput returns a task's input content.
func (s *PlanStore) GetInput(ctx context.Context, taskID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM task_inputs WHERE task_id = ?`, taskID).Scan(&content)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", orcherr.NotFound("task_input", taskID)
		}
		return "", orcherr.New(orcherr.KindStore, "input_get", "scan task input", err)
	}
	return content, nil
}

// PutOutput overwrites a task's latest output.
func (s *PlanStore) PutOutput(ctx context.Context, taskID, content string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_outputs (task_id, content, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		taskID, content, now)
	if err != nil {
		return orcherr.New(orcherr.KindStore, "output_put", "upsert task output", err)
	}
	return nil
}

// GetOutput returns a task's latest output and true, or ("", false, nil) if
// none exists yet.
func (s *PlanStore) GetOutput(ctx context.Context, taskID string) (string, bool, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM task_outputs WHERE task_id = ?`, taskID).Scan(&content)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, orcherr.New(orcherr.KindStore, "output_get", "scan task output", err)
	}
	return content, true, nil
}

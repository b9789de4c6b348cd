package store

import (
	"context"
	"database/sql"

	"github.com/taskgraph/orchestrator/internal/orcherr"
	"github.com/taskgraph/orchestrator/internal/types"
)

// AddLink creates a directed edge. Self-links are rejected; the edge is
// idempotent (same from/to/kind twice is a no-op, not an error).
func (s *PlanStore) AddLink(ctx context.Context, fromID, toID string, kind types.LinkKind) error {
	if fromID == toID {
		return orcherr.Validation("invalid_link", "a task cannot link to itself")
	}
	if _, err := s.GetTask(ctx, fromID); err != nil {
		return err
	}
	if _, err := s.GetTask(ctx, toID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_links (from_id, to_id, kind) VALUES (?, ?, ?) ON CONFLICT(from_id, to_id, kind) DO NOTHING`,
		fromID, toID, string(kind))
	if err != nil {
		return orcherr.New(orcherr.KindStore, "link_add", "insert task link", err)
	}
	return nil
}

// RemoveLink deletes a directed edge if present.
func (s *PlanStore) RemoveLink(ctx context.Context, fromID, toID string, kind types.LinkKind) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM task_links WHERE from_id = ? AND to_id = ? AND kind = ?`, fromID, toID, string(kind))
	if err != nil {
		return orcherr.New(orcherr.KindStore, "link_remove", "delete task link", err)
	}
	return nil
}

// OutgoingLinks lists task's outgoing edges, ordered per the Context
// Assembler's read contract: requires edges before refers/duplicates/
// relates_to, then by the target task's priority ascending, then by target
// id ascending.
func (s *PlanStore) OutgoingLinks(ctx context.Context, taskID string) ([]types.TaskLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.from_id, l.to_id, l.kind
		FROM task_links l
		JOIN tasks t ON t.id = l.to_id
		WHERE l.from_id = ?
		ORDER BY (CASE WHEN l.kind = 'requires' THEN 0 ELSE 1 END), t.priority ASC, l.to_id ASC
	`, taskID)
	if err != nil {
		return nil, orcherr.New(orcherr.KindStore, "link_list", "query outgoing links", err)
	}
	return scanLinks(rows)
}

// IncomingLinks lists edges pointing at task, same ordering contract as
// OutgoingLinks but keyed on the source task's priority.
func (s *PlanStore) IncomingLinks(ctx context.Context, taskID string) ([]types.TaskLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.from_id, l.to_id, l.kind
		FROM task_links l
		JOIN tasks t ON t.id = l.from_id
		WHERE l.to_id = ?
		ORDER BY (CASE WHEN l.kind = 'requires' THEN 0 ELSE 1 END), t.priority ASC, l.from_id ASC
	`, taskID)
	if err != nil {
		return nil, orcherr.New(orcherr.KindStore, "link_list", "query incoming links", err)
	}
	return scanLinks(rows)
}

// RequiredBy returns the task ids that taskID's requires edges depend on
// (i.e. must be completed before taskID is ready).
func (s *PlanStore) RequiredBy(ctx context.Context, taskID string) ([]string, error) {
	links, err := s.OutgoingLinks(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var deps []string
	for _, l := range links {
		if l.Kind == types.LinkKindRequires {
			deps = append(deps, l.ToID)
		}
	}
	return deps, nil
}

// AllLinks returns every link in the plan, ordered deterministically by
// from_id, then requires links before other kinds, then to_id.
func (s *PlanStore) AllLinks(ctx context.Context) ([]types.TaskLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.from_id, l.to_id, l.kind
		FROM task_links l
		JOIN tasks t ON t.id = l.from_id
		WHERE t.plan_id = ?
		ORDER BY l.from_id ASC, (CASE WHEN l.kind = 'requires' THEN 0 ELSE 1 END), l.to_id ASC
	`, s.planID)
	if err != nil {
		return nil, orcherr.New(orcherr.KindStore, "link_list", "query plan links", err)
	}
	return scanLinks(rows)
}

func scanLinks(rows *sql.Rows) ([]types.TaskLink, error) {
	defer rows.Close()
	var out []types.TaskLink
	for rows.Next() {
		var l types.TaskLink
		var kind string
		if err := rows.Scan(&l.FromID, &l.ToID, &kind); err != nil {
			return nil, orcherr.New(orcherr.KindStore, "link_scan", "scan task link row", err)
		}
		l.Kind = types.LinkKind(kind)
		out = append(out, l)
	}
	return out, rows.Err()
}

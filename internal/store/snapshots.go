package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/taskgraph/orchestrator/internal/orcherr"
	"github.com/taskgraph/orchestrator/internal/types"
)

// SaveSnapshot persists a context bundle under (taskID, label), overwriting
// any prior snapshot with the same label (idempotent per spec.md's
// assemble-is-cached-by-label rule).
func (s *PlanStore) SaveSnapshot(ctx context.Context, snap types.ContextSnapshot) (*types.ContextSnapshot, error) {
	if snap.Label == "" {
		return nil, orcherr.Validation("missing_field", "snapshot label is required")
	}
	sectionsJSON, err := json.Marshal(snap.Sections)
	if err != nil {
		return nil, orcherr.Validation("invalid_sections", "sections must be JSON-serializable")
	}
	metaJSON, err := json.Marshal(snap.Meta)
	if err != nil {
		return nil, orcherr.Validation("invalid_meta", "meta must be JSON-serializable")
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO context_snapshots (id, task_id, label, combined_text, sections, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, label) DO UPDATE SET
			combined_text = excluded.combined_text,
			sections = excluded.sections,
			meta = excluded.meta,
			created_at = excluded.created_at
	`, snap.ID, snap.TaskID, snap.Label, snap.CombinedText, string(sectionsJSON), string(metaJSON), now)
	if err != nil {
		return nil, orcherr.New(orcherr.KindStore, "snapshot_save", "upsert context snapshot", err)
	}
	return s.GetSnapshot(ctx, snap.TaskID, snap.Label)
}

// GetSnapshot returns a task's snapshot for the given label.
func (s *PlanStore) GetSnapshot(ctx context.Context, taskID, label string) (*types.ContextSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, label, combined_text, sections, meta, created_at FROM context_snapshots WHERE task_id = ? AND label = ?`,
		taskID, label)
	return scanSnapshot(row)
}

// ListSnapshots returns every snapshot saved for a task, newest first.
func (s *PlanStore) ListSnapshots(ctx context.Context, taskID string) ([]types.ContextSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, label, combined_text, sections, meta, created_at FROM context_snapshots WHERE task_id = ? ORDER BY created_at DESC`,
		taskID)
	if err != nil {
		return nil, orcherr.New(orcherr.KindStore, "snapshot_list", "query context snapshots", err)
	}
	defer rows.Close()
	var out []types.ContextSnapshot
	for rows.Next() {
		snap, err := scanSnapshotRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

func scanSnapshot(row *sql.Row) (*types.ContextSnapshot, error) {
	var (
		snap         types.ContextSnapshot
		sectionsJSON string
		metaJSON     string
	)
	if err := row.Scan(&snap.ID, &snap.TaskID, &snap.Label, &snap.CombinedText, &sectionsJSON, &metaJSON, &snap.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, orcherr.NotFound("context_snapshot", "")
		}
		return nil, orcherr.New(orcherr.KindStore, "snapshot_get", "scan context snapshot", err)
	}
	_ = json.Unmarshal([]byte(sectionsJSON), &snap.Sections)
	meta := map[string]any{}
	_ = json.Unmarshal([]byte(metaJSON), &meta)
	snap.Meta = meta
	return &snap, nil
}

func scanSnapshotRows(rows *sql.Rows) (*types.ContextSnapshot, error) {
	var (
		snap         types.ContextSnapshot
		sectionsJSON string
		metaJSON     string
	)
	if err := rows.Scan(&snap.ID, &snap.TaskID, &snap.Label, &snap.CombinedText, &sectionsJSON, &metaJSON, &snap.CreatedAt); err != nil {
		return nil, orcherr.New(orcherr.KindStore, "snapshot_get", "scan context snapshot row", err)
	}
	_ = json.Unmarshal([]byte(sectionsJSON), &snap.Sections)
	meta := map[string]any{}
	_ = json.Unmarshal([]byte(metaJSON), &meta)
	snap.Meta = meta
	return &snap, nil
}

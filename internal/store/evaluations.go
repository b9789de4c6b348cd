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

// AppendEvaluation writes an evaluation record. Records are append-only:
// there is no update path, matching the audit-trail requirement.
func (s *PlanStore) AppendEvaluation(ctx context.Context, rec types.EvaluationRecord) (*types.EvaluationRecord, error) {
	dimJSON, err := json.Marshal(rec.DimensionScores)
	if err != nil {
		return nil, orcherr.Validation("invalid_dimension_scores", "dimension_scores must be JSON-serializable")
	}
	suggJSON, err := json.Marshal(rec.Suggestions)
	if err != nil {
		return nil, orcherr.Validation("invalid_suggestions", "suggestions must be JSON-serializable")
	}
	metaJSON, err := json.Marshal(rec.Meta)
	if err != nil {
		return nil, orcherr.Validation("invalid_meta", "meta must be JSON-serializable")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evaluation_records
			(id, task_id, iteration, content_snapshot, overall_score, dimension_scores, suggestions, needs_revision, mode, degraded, created_at, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.TaskID, rec.Iteration, rec.ContentSnapshot, rec.OverallScore, string(dimJSON), string(suggJSON),
		rec.NeedsRevision, string(rec.Mode), rec.Degraded, rec.CreatedAt, string(metaJSON))
	if err != nil {
		return nil, orcherr.New(orcherr.KindStore, "evaluation_append", "insert evaluation record", err)
	}
	return &rec, nil
}

// Evaluations returns every evaluation record for a task, ordered by
// iteration ascending.
func (s *PlanStore) Evaluations(ctx context.Context, taskID string) ([]types.EvaluationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, iteration, content_snapshot, overall_score, dimension_scores, suggestions, needs_revision, mode, degraded, created_at, meta
		FROM evaluation_records WHERE task_id = ? ORDER BY iteration ASC
	`, taskID)
	if err != nil {
		return nil, orcherr.New(orcherr.KindStore, "evaluation_list", "query evaluation records", err)
	}
	defer rows.Close()
	var out []types.EvaluationRecord
	for rows.Next() {
		rec, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// LatestEvaluation returns a task's most recent evaluation record, if any.
func (s *PlanStore) LatestEvaluation(ctx context.Context, taskID string) (*types.EvaluationRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, iteration, content_snapshot, overall_score, dimension_scores, suggestions, needs_revision, mode, degraded, created_at, meta
		FROM evaluation_records WHERE task_id = ? ORDER BY iteration DESC LIMIT 1
	`, taskID)
	var (
		rec      types.EvaluationRecord
		dimJSON  string
		suggJSON string
		metaJSON string
		mode     string
	)
	err := row.Scan(&rec.ID, &rec.TaskID, &rec.Iteration, &rec.ContentSnapshot, &rec.OverallScore, &dimJSON, &suggJSON,
		&rec.NeedsRevision, &mode, &rec.Degraded, &rec.CreatedAt, &metaJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, orcherr.New(orcherr.KindStore, "evaluation_latest", "scan evaluation record", err)
	}
	rec.Mode = types.EvaluationMode(mode)
	_ = json.Unmarshal([]byte(dimJSON), &rec.DimensionScores)
	_ = json.Unmarshal([]byte(suggJSON), &rec.Suggestions)
	meta := map[string]any{}
	_ = json.Unmarshal([]byte(metaJSON), &meta)
	rec.Meta = meta
	return &rec, true, nil
}

func scanEvaluation(rows *sql.Rows) (*types.EvaluationRecord, error) {
	var (
		rec      types.EvaluationRecord
		dimJSON  string
		suggJSON string
		metaJSON string
		mode     string
	)
	if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Iteration, &rec.ContentSnapshot, &rec.OverallScore, &dimJSON, &suggJSON,
		&rec.NeedsRevision, &mode, &rec.Degraded, &rec.CreatedAt, &metaJSON); err != nil {
		return nil, orcherr.New(orcherr.KindStore, "evaluation_scan", "scan evaluation record row", err)
	}
	rec.Mode = types.EvaluationMode(mode)
	_ = json.Unmarshal([]byte(dimJSON), &rec.DimensionScores)
	_ = json.Unmarshal([]byte(suggJSON), &rec.Suggestions)
	meta := map[string]any{}
	_ = json.Unmarshal([]byte(metaJSON), &meta)
	rec.Meta = meta
	return &rec, nil
}

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

// StartRun records the beginning of a /run invocation.
func (s *PlanStore) StartRun(ctx context.Context, strategy string, options map[string]any) (*types.Run, error) {
	optsJSON, err := json.Marshal(options)
	if err != nil {
		return nil, orcherr.Validation("invalid_options", "options must be JSON-serializable")
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, plan_id, started_at, strategy, options, status) VALUES (?, ?, ?, ?, ?, 'running')`,
		id, s.planID, now, strategy, string(optsJSON))
	if err != nil {
		return nil, orcherr.New(orcherr.KindStore, "run_start", "insert run", err)
	}
	return &types.Run{ID: id, PlanID: s.planID, StartedAt: now, Strategy: strategy, Options: options, Status: "running"}, nil
}

// FinishRun marks a run's terminal status and completion time.
func (s *PlanStore) FinishRun(ctx context.Context, runID, status string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`, now, status, runID)
	if err != nil {
		return orcherr.New(orcherr.KindStore, "run_finish", "update run", err)
	}
	return nil
}

// GetRun returns a run by id.
func (s *PlanStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plan_id, started_at, finished_at, strategy, options, status FROM runs WHERE id = ?`, runID)
	return scanRun(row, runID)
}

// ListRuns returns every run for the plan, most recent first.
func (s *PlanStore) ListRuns(ctx context.Context) ([]types.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_id, started_at, finished_at, strategy, options, status FROM runs WHERE plan_id = ? ORDER BY started_at DESC`,
		s.planID)
	if err != nil {
		return nil, orcherr.New(orcherr.KindStore, "run_list", "query runs", err)
	}
	defer rows.Close()
	var out []types.Run
	for rows.Next() {
		var (
			r          types.Run
			finishedAt sql.NullTime
			optsJSON   string
		)
		if err := rows.Scan(&r.ID, &r.PlanID, &r.StartedAt, &finishedAt, &r.Strategy, &optsJSON, &r.Status); err != nil {
			return nil, orcherr.New(orcherr.KindStore, "run_list", "scan run row", err)
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			r.FinishedAt = &t
		}
		opts := map[string]any{}
		_ = json.Unmarshal([]byte(optsJSON), &opts)
		r.Options = opts
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row *sql.Row, ident string) (*types.Run, error) {
	var (
		r          types.Run
		finishedAt sql.NullTime
		optsJSON   string
	)
	if err := row.Scan(&r.ID, &r.PlanID, &r.StartedAt, &finishedAt, &r.Strategy, &optsJSON, &r.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, orcherr.NotFound("run", ident)
		}
		return nil, orcherr.New(orcherr.KindStore, "run_get", "scan run row", err)
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	opts := map[string]any{}
	_ = json.Unmarshal([]byte(optsJSON), &opts)
	r.Options = opts
	return &r, nil
}

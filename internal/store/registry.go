package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/taskgraph/orchestrator/internal/orcherr"
	"github.com/taskgraph/orchestrator/internal/types"
)

const registrySchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL UNIQUE,
	goal TEXT NOT NULL DEFAULT '',
	meta TEXT NOT NULL DEFAULT '{}',
	location TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

// Registry is the top-level datastore listing every plan and the file
// location of its per-plan database. It is the only database opened at
// startup; per-plan databases are opened lazily by Manager.
type Registry struct {
	db *sql.DB
}

// OpenRegistry opens (creating if absent) the registry database at dbPath
// and ensures its schema exists.
func OpenRegistry(dbPath string) (*Registry, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, orcherr.New(orcherr.KindStore, "registry_open", "open registry database", err)
	}
	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, orcherr.New(orcherr.KindStore, "registry_schema", "create registry schema", err)
	}
	if err := ensureVersion(db, 1); err != nil {
		db.Close()
		return nil, err
	}
	return &Registry{db: db}, nil
}

func ensureVersion(db *sql.DB, version int) error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return orcherr.New(orcherr.KindStore, "registry_version", "read schema version", err)
	}
	if count == 0 {
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
			return orcherr.New(orcherr.KindStore, "registry_version", "seed schema version", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error { return r.db.Close() }

// CreatePlan inserts a new plan row with the given title/goal and records
// its per-plan database location. Title must be unique; a duplicate title
// yields a Conflict error.
func (r *Registry) CreatePlan(ctx context.Context, title, goal, location string, meta map[string]any) (*types.Plan, error) {
	if title == "" {
		return nil, orcherr.Validation("missing_field", "title is required")
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, orcherr.Validation("invalid_meta", "meta must be JSON-serializable")
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO plans (id, title, goal, meta, location, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, title, goal, string(metaJSON), location, now, now,
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return nil, orcherr.Conflict("duplicate_title", fmt.Sprintf("plan title %q already exists", title))
		}
		return nil, orcherr.New(orcherr.KindStore, "plan_create", "insert plan", err)
	}
	return &types.Plan{ID: id, Title: title, Goal: goal, Meta: meta, CreatedAt: now, UpdatedAt: now}, nil
}

// GetPlan returns the plan row and its storage location.
func (r *Registry) GetPlan(ctx context.Context, id string) (*types.Plan, string, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, title, goal, meta, location, created_at, updated_at FROM plans WHERE id = ?`, id)
	return scanPlanRow(row, id)
}

// GetPlanByTitle looks up a plan by its unique title.
func (r *Registry) GetPlanByTitle(ctx context.Context, title string) (*types.Plan, string, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, title, goal, meta, location, created_at, updated_at FROM plans WHERE title = ?`, title)
	return scanPlanRow(row, title)
}

func scanPlanRow(row *sql.Row, ident string) (*types.Plan, string, error) {
	var (
		p        types.Plan
		metaJSON string
		location string
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Goal, &metaJSON, &location, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, "", orcherr.NotFound("plan", ident)
		}
		return nil, "", orcherr.New(orcherr.KindStore, "plan_get", "scan plan row", err)
	}
	meta := map[string]any{}
	_ = json.Unmarshal([]byte(metaJSON), &meta)
	p.Meta = meta
	return &p, location, nil
}

// ListPlans returns every plan summary, ordered by creation time.
func (r *Registry) ListPlans(ctx context.Context) ([]types.Plan, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, title, goal, meta, created_at, updated_at FROM plans ORDER BY created_at ASC`)
	if err != nil {
		return nil, orcherr.New(orcherr.KindStore, "plan_list", "query plans", err)
	}
	defer rows.Close()
	var plans []types.Plan
	for rows.Next() {
		var (
			p        types.Plan
			metaJSON string
		)
		if err := rows.Scan(&p.ID, &p.Title, &p.Goal, &metaJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, orcherr.New(orcherr.KindStore, "plan_list", "scan plan row", err)
		}
		meta := map[string]any{}
		_ = json.Unmarshal([]byte(metaJSON), &meta)
		p.Meta = meta
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// DeletePlan removes the plan's registry row. The caller is responsible for
// deleting the per-plan database file (Manager.DeletePlan does both).
func (r *Registry) DeletePlan(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return orcherr.New(orcherr.KindStore, "plan_delete", "delete plan row", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return orcherr.NotFound("plan", id)
	}
	return nil
}

// setLocation records the per-plan database path for a plan created with an
// empty location placeholder (see Manager.CreatePlan, which mints the id
// before the path is known).
func (r *Registry) setLocation(ctx context.Context, id, location string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE plans SET location = ? WHERE id = ?`, location, id)
	if err != nil {
		return orcherr.New(orcherr.KindStore, "plan_location", "set plan database location", err)
	}
	return nil
}

// TouchPlan updates the plan's updated_at timestamp.
func (r *Registry) TouchPlan(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE plans SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return orcherr.New(orcherr.KindStore, "plan_touch", "touch plan", err)
	}
	return nil
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint violations as plain errors whose
	// message contains the SQLite "UNIQUE constraint failed" text; there is no
	// typed sentinel, so a substring check is the accepted idiom for this driver.
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

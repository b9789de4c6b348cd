package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/taskgraph/orchestrator/internal/orcherr"
	"github.com/taskgraph/orchestrator/internal/types"
)

// Manager is the package's public entry point. It owns the Registry and
// lazily opens/caches one PlanStore per plan, closing them all on Close.
type Manager struct {
	dataDir  string
	registry *Registry

	mu    sync.Mutex
	plans map[string]*PlanStore
}

// Open creates or opens the registry at <dataDir>/registry.db and prepares
// to serve per-plan databases from <dataDir>/plans/<plan_id>.db.
func Open(dataDir string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "plans"), 0o755); err != nil {
		return nil, orcherr.New(orcherr.KindStore, "manager_open", "create data directory", err)
	}
	reg, err := OpenRegistry(filepath.Join(dataDir, "registry.db"))
	if err != nil {
		return nil, err
	}
	return &Manager{dataDir: dataDir, registry: reg, plans: map[string]*PlanStore{}}, nil
}

// Close closes the registry and every open per-plan database.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plans {
		p.Close()
	}
	return m.registry.Close()
}

func (m *Manager) planPath(planID string) string {
	return filepath.Join(m.dataDir, "plans", planID+".db")
}

// CreatePlan registers a new plan and opens its (empty) per-plan database.
func (m *Manager) CreatePlan(ctx context.Context, title, goal string, meta map[string]any) (*types.Plan, error) {
	// Registry.CreatePlan mints the id, so the row is inserted with an empty
	// location and the path derived from that id is recorded right after.
	plan, err := m.registry.CreatePlan(ctx, title, goal, "", meta)
	if err != nil {
		return nil, err
	}
	location := m.planPath(plan.ID)
	if err := m.registry.setLocation(ctx, plan.ID, location); err != nil {
		return nil, err
	}
	if _, err := m.open(plan.ID, location); err != nil {
		return nil, err
	}
	return plan, nil
}

func (m *Manager) open(planID, location string) (*PlanStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.plans[planID]; ok {
		return ps, nil
	}
	ps, err := OpenPlanStore(location, planID)
	if err != nil {
		return nil, err
	}
	m.plans[planID] = ps
	return ps, nil
}

// PlanStore returns the (possibly newly-opened) store for an existing plan.
func (m *Manager) PlanStore(ctx context.Context, planID string) (*PlanStore, error) {
	m.mu.Lock()
	if ps, ok := m.plans[planID]; ok {
		m.mu.Unlock()
		return ps, nil
	}
	m.mu.Unlock()

	_, location, err := m.registry.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return m.open(planID, location)
}

// Registry exposes the underlying plan registry for listing/describing
// plans without opening their per-plan databases.
func (m *Manager) Registry() *Registry { return m.registry }

// StoreForTask resolves the PlanStore owning taskID, for task-scoped API
// routes that carry only a task id (no plan id in the path). There is no
// cross-plan task index, so this checks already-open stores first, then
// falls back to opening each remaining plan in turn until one claims the
// id — acceptable at the single-node scale this core targets, since most
// calls hit an already-open store from a prior request against the same
// plan.
func (m *Manager) StoreForTask(ctx context.Context, taskID string) (*PlanStore, error) {
	m.mu.Lock()
	open := make([]*PlanStore, 0, len(m.plans))
	for _, ps := range m.plans {
		open = append(open, ps)
	}
	m.mu.Unlock()
	for _, ps := range open {
		if _, err := ps.GetTask(ctx, taskID); err == nil {
			return ps, nil
		}
	}

	plans, err := m.registry.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range plans {
		ps, err := m.PlanStore(ctx, p.ID)
		if err != nil {
			continue
		}
		if _, err := ps.GetTask(ctx, taskID); err == nil {
			return ps, nil
		}
	}
	return nil, orcherr.NotFound("task", taskID)
}

// DeletePlan removes the plan's registry row, closes its open PlanStore (if
// any), and deletes its database file.
func (m *Manager) DeletePlan(ctx context.Context, planID string) error {
	_, location, err := m.registry.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if err := m.registry.DeletePlan(ctx, planID); err != nil {
		return err
	}
	m.mu.Lock()
	if ps, ok := m.plans[planID]; ok {
		ps.Close()
		delete(m.plans, planID)
	}
	m.mu.Unlock()
	if err := os.Remove(location); err != nil && !os.IsNotExist(err) {
		return orcherr.New(orcherr.KindStore, "plan_delete", "remove plan database file", err)
	}
	return nil
}

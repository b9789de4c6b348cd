package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/taskgraph/orchestrator/internal/types"
)

func tempManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCreatePlanAndOpenPerPlanDatabase(t *testing.T) {
	ctx := context.Background()
	m := tempManager(t)

	plan, err := m.CreatePlan(ctx, "ship the feature", "deliver v2", map[string]any{"owner": "alice"})
	require.NoError(t, err)
	require.NotEmpty(t, plan.ID)

	ps, err := m.PlanStore(ctx, plan.ID)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(m.dataDir, "plans", plan.ID+".db"))

	root, err := ps.CreateTask(ctx, CreateTaskParams{Name: "root", Type: types.TaskTypeRoot})
	require.NoError(t, err)
	require.Equal(t, 0, root.Depth)
	require.Equal(t, root.ID, root.RootID)
}

func TestCreatePlanDuplicateTitleConflicts(t *testing.T) {
	ctx := context.Background()
	m := tempManager(t)

	_, err := m.CreatePlan(ctx, "dup title", "", nil)
	require.NoError(t, err)

	_, err = m.CreatePlan(ctx, "dup title", "", nil)
	require.Error(t, err)
}

func TestDeletePlanRemovesDatabaseFile(t *testing.T) {
	ctx := context.Background()
	m := tempManager(t)

	plan, err := m.CreatePlan(ctx, "to delete", "", nil)
	require.NoError(t, err)

	path := filepath.Join(m.dataDir, "plans", plan.ID+".db")
	require.FileExists(t, path)

	require.NoError(t, m.DeletePlan(ctx, plan.ID))
	require.NoFileExists(t, path)

	_, err = m.PlanStore(ctx, plan.ID)
	require.Error(t, err)
}

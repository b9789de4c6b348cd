package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/taskgraph/orchestrator/internal/types"
)

func tempPlanStore(t *testing.T) *PlanStore {
	t.Helper()
	ps, err := OpenPlanStore(filepath.Join(t.TempDir(), "plan.db"), "plan-1")
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	return ps
}

func mustCreateTask(t *testing.T, ps *PlanStore, parent *string, name string, typ types.TaskType) *types.Task {
	t.Helper()
	task, err := ps.CreateTask(context.Background(), CreateTaskParams{ParentID: parent, Name: name, Type: typ})
	require.NoError(t, err)
	return task
}

func TestTaskTreeInvariants(t *testing.T) {
	ctx := context.Background()
	ps := tempPlanStore(t)

	root := mustCreateTask(t, ps, nil, "root", types.TaskTypeRoot)
	require.Equal(t, 0, root.Depth)
	require.Equal(t, root.ID, root.RootID)

	child := mustCreateTask(t, ps, &root.ID, "child", types.TaskTypeComposite)
	require.Equal(t, 1, child.Depth)
	require.Equal(t, root.ID, child.RootID)

	grandchild := mustCreateTask(t, ps, &child.ID, "grandchild", types.TaskTypeAtomic)
	require.Equal(t, 2, grandchild.Depth)
	require.Equal(t, root.ID, grandchild.RootID)

	_, err := ps.CreateTask(ctx, CreateTaskParams{Name: "orphan atomic", Type: types.TaskTypeAtomic})
	require.Error(t, err, "atomic task without a parent must be rejected")
}

func TestOnlyAtomicTasksRun(t *testing.T) {
	ctx := context.Background()
	ps := tempPlanStore(t)

	root := mustCreateTask(t, ps, nil, "root", types.TaskTypeRoot)
	require.Error(t, ps.SetStatus(ctx, root.ID, types.TaskStatusRunning))

	leaf := mustCreateTask(t, ps, &root.ID, "leaf", types.TaskTypeAtomic)
	require.NoError(t, ps.SetStatus(ctx, leaf.ID, types.TaskStatusRunning))
	require.NoError(t, ps.SetStatus(ctx, leaf.ID, types.TaskStatusCompleted))
}

func TestMoveRewritesSubtreePaths(t *testing.T) {
	ctx := context.Background()
	ps := tempPlanStore(t)

	root := mustCreateTask(t, ps, nil, "root", types.TaskTypeRoot)
	a := mustCreateTask(t, ps, &root.ID, "a", types.TaskTypeComposite)
	b := mustCreateTask(t, ps, &root.ID, "b", types.TaskTypeComposite)
	leaf := mustCreateTask(t, ps, &a.ID, "leaf", types.TaskTypeAtomic)

	require.NoError(t, ps.Move(ctx, a.ID, &b.ID, 0))

	moved, err := ps.GetTask(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 2, moved.Depth)

	movedLeaf, err := ps.GetTask(ctx, leaf.ID)
	require.NoError(t, err)
	require.Equal(t, 3, movedLeaf.Depth)

	require.Error(t, ps.Move(ctx, b.ID, &a.ID, 0), "moving b under its own descendant a must be rejected as a cycle")
}

func TestDeleteCascadesSubtreeAndLinks(t *testing.T) {
	ctx := context.Background()
	ps := tempPlanStore(t)

	root := mustCreateTask(t, ps, nil, "root", types.TaskTypeRoot)
	a := mustCreateTask(t, ps, &root.ID, "a", types.TaskTypeAtomic)
	b := mustCreateTask(t, ps, &root.ID, "b", types.TaskTypeAtomic)
	require.NoError(t, ps.AddLink(ctx, a.ID, b.ID, types.LinkKindRequires))

	require.NoError(t, ps.Delete(ctx, a.ID))

	_, err := ps.GetTask(ctx, a.ID)
	require.Error(t, err)

	links, err := ps.OutgoingLinks(ctx, b.ID)
	require.NoError(t, err)
	require.Empty(t, links)
}

func TestLinkOrderingRequiresBeforeRefers(t *testing.T) {
	ctx := context.Background()
	ps := tempPlanStore(t)

	root := mustCreateTask(t, ps, nil, "root", types.TaskTypeRoot)
	a := mustCreateTask(t, ps, &root.ID, "a", types.TaskTypeAtomic)
	b, err := ps.CreateTask(ctx, CreateTaskParams{ParentID: &root.ID, Name: "b", Type: types.TaskTypeAtomic, Priority: 5})
	require.NoError(t, err)
	c, err := ps.CreateTask(ctx, CreateTaskParams{ParentID: &root.ID, Name: "c", Type: types.TaskTypeAtomic, Priority: 1})
	require.NoError(t, err)

	require.NoError(t, ps.AddLink(ctx, a.ID, c.ID, types.LinkKindRefers))
	require.NoError(t, ps.AddLink(ctx, a.ID, b.ID, types.LinkKindRequires))

	links, err := ps.OutgoingLinks(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	require.Equal(t, types.LinkKindRequires, links[0].Kind)
	require.Equal(t, b.ID, links[0].ToID)
	require.Equal(t, types.LinkKindRefers, links[1].Kind)
}

func TestSnapshotSaveIsIdempotentPerLabel(t *testing.T) {
	ctx := context.Background()
	ps := tempPlanStore(t)

	root := mustCreateTask(t, ps, nil, "root", types.TaskTypeRoot)

	first, err := ps.SaveSnapshot(ctx, types.ContextSnapshot{TaskID: root.ID, Label: "latest", CombinedText: "v1"})
	require.NoError(t, err)

	second, err := ps.SaveSnapshot(ctx, types.ContextSnapshot{TaskID: root.ID, Label: "latest", CombinedText: "v2"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	got, err := ps.GetSnapshot(ctx, root.ID, "latest")
	require.NoError(t, err)
	require.Equal(t, "v2", got.CombinedText)

	all, err := ps.ListSnapshots(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, all, 1, "overwriting the same label must not create a second row")
}

func TestEvaluationsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	ps := tempPlanStore(t)

	root := mustCreateTask(t, ps, nil, "root", types.TaskTypeRoot)
	leaf := mustCreateTask(t, ps, &root.ID, "leaf", types.TaskTypeAtomic)

	_, err := ps.AppendEvaluation(ctx, types.EvaluationRecord{TaskID: leaf.ID, Iteration: 0, OverallScore: 0.4, Mode: types.EvaluationModeSingleJudge, NeedsRevision: true})
	require.NoError(t, err)
	_, err = ps.AppendEvaluation(ctx, types.EvaluationRecord{TaskID: leaf.ID, Iteration: 1, OverallScore: 0.9, Mode: types.EvaluationModeSingleJudge})
	require.NoError(t, err)

	all, err := ps.Evaluations(ctx, leaf.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, 0, all[0].Iteration)

	latest, ok, err := ps.LatestEvaluation(ctx, leaf.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, latest.Iteration)
	require.False(t, latest.NeedsRevision)
}

package orchestrator_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/orchestrator"
	"github.com/taskgraph/orchestrator/internal/scheduler"
	"github.com/taskgraph/orchestrator/internal/store"
	"github.com/taskgraph/orchestrator/internal/types"
)

func tempManager(t *testing.T) *store.Manager {
	t.Helper()
	m, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

type scriptedBackend struct {
	chat  func(req llm.ChatRequest) (string, error)
	calls int
}

func (b *scriptedBackend) Name() string                  { return "scripted" }
func (b *scriptedBackend) Ping(ctx context.Context) error { return nil }
func (b *scriptedBackend) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	b.calls++
	text, err := b.chat(req)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Text: text}, nil
}
func (b *scriptedBackend) Embed(ctx context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error) {
	vecs := make([][]float32, len(req.Input))
	for i := range req.Input {
		vecs[i] = []float32{1, 0}
	}
	return &llm.EmbedResponse{Vectors: vecs}, nil
}

func draftReply(title string, tasks ...orchestrator.DraftTask) string {
	raw, _ := json.Marshal(map[string]any{"title": title, "tasks": tasks})
	return string(raw)
}

func TestProposeThenApprovePlanCreatesRootAndChildren(t *testing.T) {
	m := tempManager(t)
	backend := &scriptedBackend{chat: func(req llm.ChatRequest) (string, error) {
		return draftReply("Launch Plan",
			orchestrator.DraftTask{Name: "Research", Instruction: "gather background", Kind: types.TaskTypeComposite},
			orchestrator.DraftTask{Name: "Write copy", Instruction: "draft the landing page", Kind: types.TaskTypeAtomic},
		), nil
	}}
	o := orchestrator.New(m, backend)

	draft, err := o.ProposePlan(context.Background(), "launch a product", orchestrator.Hints{})
	require.NoError(t, err)
	require.Equal(t, "Launch Plan", draft.Title)
	require.Len(t, draft.Tasks, 2)

	planID, created, err := o.ApprovePlan(context.Background(), draft)
	require.NoError(t, err)
	require.NotEmpty(t, planID)
	require.Len(t, created, 2)
}

func TestApprovePlanTwiceDoesNotDuplicateChildren(t *testing.T) {
	m := tempManager(t)
	backend := &scriptedBackend{chat: func(req llm.ChatRequest) (string, error) {
		return draftReply("Plan", orchestrator.DraftTask{Name: "Step 1", Instruction: "do it", Kind: types.TaskTypeAtomic}), nil
	}}
	o := orchestrator.New(m, backend)

	draft, err := o.ProposePlan(context.Background(), "goal", orchestrator.Hints{})
	require.NoError(t, err)

	planID1, created1, err := o.ApprovePlan(context.Background(), draft)
	require.NoError(t, err)
	require.Len(t, created1, 1)

	// Approving the identical draft a second time must not create a second
	// "Step 1" task under the first plan's root.
	_, _, _ = o.ApprovePlan(context.Background(), draft)
	s, err := m.PlanStore(context.Background(), planID1)
	require.NoError(t, err)
	tasks, err := s.PlanTasks(context.Background())
	require.NoError(t, err)
	var root types.Task
	for _, t := range tasks {
		if t.TaskType == types.TaskTypeRoot {
			root = t
		}
	}
	require.NotEmpty(t, root.ID)

	children, err := s.Children(context.Background(), root.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
}

func TestRunIsolatesPerTaskFailures(t *testing.T) {
	m := tempManager(t)
	backend := &scriptedBackend{}
	o := orchestrator.New(m, backend)

	plan, err := m.CreatePlan(context.Background(), "p", "goal", nil)
	require.NoError(t, err)
	s, err := m.PlanStore(context.Background(), plan.ID)
	require.NoError(t, err)
	root, err := s.CreateTask(context.Background(), store.CreateTaskParams{Name: "root", Type: types.TaskTypeRoot})
	require.NoError(t, err)

	ok, err := s.CreateTask(context.Background(), store.CreateTaskParams{ParentID: &root.ID, Name: "ok", Type: types.TaskTypeAtomic})
	require.NoError(t, err)
	require.NoError(t, s.PutInput(context.Background(), ok.ID, "do this"))

	bad, err := s.CreateTask(context.Background(), store.CreateTaskParams{ParentID: &root.ID, Name: "bad", Type: types.TaskTypeAtomic})
	require.NoError(t, err)
	require.NoError(t, s.PutInput(context.Background(), bad.ID, "do that"))

	backend.chat = func(req llm.ChatRequest) (string, error) {
		for _, msg := range req.Messages {
			if msg.Content == "do that" {
				return "", errBoom
			}
		}
		return "output", nil
	}

	summary, err := o.Run(context.Background(), plan.ID, orchestrator.RunOptions{Strategy: scheduler.StrategyBFS})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 1, summary.Successful)
	require.Equal(t, 1, summary.Failed)
}

func TestAssembleConcatenatesAtomicOutputsUnderCompositeHeadings(t *testing.T) {
	m := tempManager(t)
	o := orchestrator.New(m, &scriptedBackend{chat: func(req llm.ChatRequest) (string, error) { return "", nil }})

	plan, err := m.CreatePlan(context.Background(), "p", "goal", nil)
	require.NoError(t, err)
	s, err := m.PlanStore(context.Background(), plan.ID)
	require.NoError(t, err)
	root, err := s.CreateTask(context.Background(), store.CreateTaskParams{Name: "root", Type: types.TaskTypeRoot})
	require.NoError(t, err)
	c1, err := s.CreateTask(context.Background(), store.CreateTaskParams{ParentID: &root.ID, Name: "C1", Type: types.TaskTypeComposite})
	require.NoError(t, err)
	a1, err := s.CreateTask(context.Background(), store.CreateTaskParams{ParentID: &c1.ID, Name: "A1", Type: types.TaskTypeAtomic})
	require.NoError(t, err)
	require.NoError(t, s.PutOutput(context.Background(), a1.ID, "first section"))

	assembled, err := o.Assemble(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Len(t, assembled.Sections, 1)
	require.Equal(t, "C1", assembled.Sections[0].Heading)
	require.Contains(t, assembled.Combined, "first section")
}

var errBoom = &boomErr{}

type boomErr struct{}

func (*boomErr) Error() string { return "boom" }

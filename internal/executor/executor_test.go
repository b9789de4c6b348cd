package executor_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskgraph/orchestrator/internal/evaluator"
	"github.com/taskgraph/orchestrator/internal/executor"
	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/orcherr"
	"github.com/taskgraph/orchestrator/internal/store"
	"github.com/taskgraph/orchestrator/internal/tools"
	"github.com/taskgraph/orchestrator/internal/types"
)

func tempStore(t *testing.T) *store.PlanStore {
	t.Helper()
	dir := t.TempDir()
	s, err := store.OpenPlanStore(dir+"/plan.db", "plan-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type scriptedBackend struct {
	reply func(req llm.ChatRequest) string
	err   error
	calls int
}

func (b *scriptedBackend) Name() string                  { return "scripted" }
func (b *scriptedBackend) Ping(ctx context.Context) error { return nil }
func (b *scriptedBackend) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return &llm.ChatResponse{Text: b.reply(req)}, nil
}
func (b *scriptedBackend) Embed(ctx context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error) {
	return &llm.EmbedResponse{}, nil
}

func scoreReply(score float64) string {
	raw, _ := json.Marshal(map[string]any{
		"overall_score": score,
		"dimensions":    map[string]float64{"relevance": score},
		"suggestions":   []string{},
	})
	return string(raw)
}

func newAtomicTask(t *testing.T, s *store.PlanStore, input string) *types.Task {
	t.Helper()
	ctx := context.Background()
	root, err := s.CreateTask(ctx, store.CreateTaskParams{Name: "root", Type: types.TaskTypeRoot})
	require.NoError(t, err)
	task, err := s.CreateTask(ctx, store.CreateTaskParams{ParentID: &root.ID, Name: "child", Type: types.TaskTypeAtomic})
	require.NoError(t, err)
	require.NoError(t, s.PutInput(ctx, task.ID, input))
	return task
}

func TestExecuteWithoutEvaluationCompletesInOneIteration(t *testing.T) {
	s := tempStore(t)
	task := newAtomicTask(t, s, "write a haiku")

	backend := &scriptedBackend{reply: func(req llm.ChatRequest) string { return "final output" }}
	e := &executor.Executor{Store: s, Backend: backend}

	res, err := e.Execute(context.Background(), task.ID, executor.Options{})
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusCompleted, res.Status)
	require.Equal(t, "final output", res.Output)
	require.Equal(t, 1, res.Iterations)

	stored, ok, err := s.GetOutput(context.Background(), task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "final output", stored)
}

func TestExecuteStopsReviseLoopOnceScoreClearsThreshold(t *testing.T) {
	s := tempStore(t)
	task := newAtomicTask(t, s, "draft a summary")

	iteration := 0
	backend := &scriptedBackend{reply: func(req llm.ChatRequest) string {
		if req.Schema != nil {
			iteration++
			if iteration == 1 {
				return scoreReply(0.4)
			}
			return scoreReply(0.95)
		}
		return "draft content"
	}}

	e := &executor.Executor{
		Store:     s,
		Backend:   backend,
		Evaluator: evaluator.New(backend),
	}

	res, err := e.Execute(context.Background(), task.ID, executor.Options{
		EnableEvaluation: true,
		EvaluationMode:   types.EvaluationModeSingleJudge,
		EvaluationOptions: evaluator.Options{Threshold: 0.8, MaxIterations: 3},
	})
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusCompleted, res.Status)
	require.Len(t, res.Records, 2, "should evaluate once per revision until it clears the threshold")
	require.False(t, res.Records[1].NeedsRevision)
}

func TestExecuteRejectsNonAtomicTask(t *testing.T) {
	s := tempStore(t)
	root, err := s.CreateTask(context.Background(), store.CreateTaskParams{Name: "root", Type: types.TaskTypeRoot})
	require.NoError(t, err)

	backend := &scriptedBackend{reply: func(req llm.ChatRequest) string { return "x" }}
	e := &executor.Executor{Store: s, Backend: backend}

	_, err = e.Execute(context.Background(), root.ID, executor.Options{})
	require.Error(t, err)
	oe, ok := orcherr.Of(err)
	require.True(t, ok)
	require.Equal(t, "not_atomic", oe.Code)
}

func TestExecuteRunsInfoToolsBeforeChat(t *testing.T) {
	s := tempStore(t)
	task := newAtomicTask(t, s, "look something up")

	reg := tools.NewLocal()
	var invoked bool
	reg.Register(tools.Descriptor{Name: "lookup", Kind: tools.KindInfo}, func(ctx context.Context, args map[string]any) (tools.Result, error) {
		invoked = true
		return tools.Result{ToolName: "lookup", Text: "looked-up fact"}, nil
	})

	var sawToolContext bool
	backend := &scriptedBackend{reply: func(req llm.ChatRequest) string {
		for _, m := range req.Messages {
			if strings.Contains(m.Content, "looked-up fact") {
				sawToolContext = true
			}
		}
		return "final"
	}}

	e := &executor.Executor{Store: s, Backend: backend, Tools: reg}
	_, err := e.Execute(context.Background(), task.ID, executor.Options{UseTools: true})
	require.NoError(t, err)
	require.True(t, invoked)
	require.True(t, sawToolContext)
}

func TestExecuteFailsTaskOnNonRetryableBackendError(t *testing.T) {
	s := tempStore(t)
	task := newAtomicTask(t, s, "do something")

	backend := &scriptedBackend{err: orcherr.New(orcherr.KindBackendPermanent, "boom", "provider rejected request", nil)}
	e := &executor.Executor{Store: s, Backend: backend}

	_, err := e.Execute(context.Background(), task.ID, executor.Options{})
	require.Error(t, err)

	got, err := s.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusFailed, got.Status)
}

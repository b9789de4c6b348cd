package inproc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskgraph/orchestrator/internal/engine"
	"github.com/taskgraph/orchestrator/internal/engine/inproc"
)

func TestStartWorkflowExecutesActivityAndReturnsResult(t *testing.T) {
	e := inproc.New()
	ctx := context.Background()

	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "double",
		Handler: func(ctx context.Context, input any) (any, error) {
			n := input.(float64)
			return n * 2, nil
		},
	}))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "doubler",
		Handler: func(wc engine.WorkflowContext, input any) (any, error) {
			var out float64
			if err := wc.ExecuteActivity("double", input, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "doubler", Input: 21})
	require.NoError(t, err)

	var result float64
	require.NoError(t, handle.Wait(ctx, &result))
	require.Equal(t, float64(42), result)
}

func TestStartWorkflowUnknownNameReturnsNotFound(t *testing.T) {
	e := inproc.New()
	ctx := context.Background()

	_, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "missing"})
	require.Error(t, err)
}

func TestRegisterWorkflowTwiceConflicts(t *testing.T) {
	e := inproc.New()
	ctx := context.Background()
	def := engine.WorkflowDefinition{Name: "dup", Handler: func(engine.WorkflowContext, any) (any, error) { return nil, nil }}

	require.NoError(t, e.RegisterWorkflow(ctx, def))
	require.Error(t, e.RegisterWorkflow(ctx, def))
}

func TestExecuteActivityAsyncResolvesViaFuture(t *testing.T) {
	e := inproc.New()
	ctx := context.Background()

	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "echo",
		Handler: func(ctx context.Context, input any) (any, error) { return input, nil },
	}))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "fanout",
		Handler: func(wc engine.WorkflowContext, input any) (any, error) {
			futures := make([]engine.Future, 3)
			for i := range futures {
				futures[i] = wc.ExecuteActivityAsync("echo", i)
			}
			sum := 0
			for _, f := range futures {
				var v int
				if err := f.Get(&v); err != nil {
					return nil, err
				}
				sum += v
			}
			return sum, nil
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-2", Workflow: "fanout"})
	require.NoError(t, err)

	var sum int
	require.NoError(t, handle.Wait(ctx, &sum))
	require.Equal(t, 3, sum) // 0 + 1 + 2
}

func TestWorkflowActivityFailurePropagatesToWait(t *testing.T) {
	e := inproc.New()
	ctx := context.Background()
	boom := errors.New("boom")

	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name:    "fail",
		Handler: func(ctx context.Context, input any) (any, error) { return nil, boom },
	}))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "failing",
		Handler: func(wc engine.WorkflowContext, input any) (any, error) {
			return nil, wc.ExecuteActivity("fail", nil, nil)
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-3", Workflow: "failing"})
	require.NoError(t, err)
	require.Error(t, handle.Wait(ctx, nil))
}

func TestWaitCanBeCalledMultipleTimesAfterCompletion(t *testing.T) {
	e := inproc.New()
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:    "noop",
		Handler: func(wc engine.WorkflowContext, input any) (any, error) { return "done", nil },
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-4", Workflow: "noop"})
	require.NoError(t, err)

	var first, second string
	require.NoError(t, handle.Wait(ctx, &first))
	require.NoError(t, handle.Wait(ctx, &second))
	require.Equal(t, "done", first)
	require.Equal(t, "done", second)
}

func TestCancelStopsWorkflowContext(t *testing.T) {
	e := inproc.New()
	ctx := context.Background()

	started := make(chan struct{})
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "blocker",
		Handler: func(wc engine.WorkflowContext, input any) (any, error) {
			close(started)
			<-wc.(interface{ Done() <-chan struct{} }).Done()
			return nil, context.Canceled
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-5", Workflow: "blocker"})
	require.NoError(t, err)

	<-started
	require.NoError(t, handle.Cancel(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = handle.Wait(waitCtx, nil)
}

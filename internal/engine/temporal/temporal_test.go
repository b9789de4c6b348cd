package temporal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/taskgraph/orchestrator/internal/engine"
)

// These tests exercise the workflow.Context <-> engine.WorkflowContext
// wiring directly via Temporal's test environment, rather than against a
// live cluster, since Engine.New requires a real client connection.

func TestWorkflowContextExecuteActivityDecodesResult(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	e := &Engine{actTimeout: time.Minute}
	env.RegisterActivityWithOptions(func(ctx context.Context, input any) (any, error) {
		n := input.(float64)
		return n * 2, nil
	}, activity.RegisterOptions{Name: "double"})

	env.ExecuteWorkflow(func(ctx workflow.Context, input any) (any, error) {
		wc := &workflowContext{ctx: ctx, engine: e}
		var out float64
		if err := wc.ExecuteActivity("double", input, &out); err != nil {
			return nil, err
		}
		return out, nil
	}, float64(21))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var result float64
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, float64(42), result)
}

func TestWorkflowContextExecuteActivityAsyncResolvesViaFuture(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	e := &Engine{actTimeout: time.Minute}
	env.RegisterActivityWithOptions(func(ctx context.Context, input any) (any, error) {
		return input, nil
	}, activity.RegisterOptions{Name: "echo"})

	env.ExecuteWorkflow(func(ctx workflow.Context, input any) (any, error) {
		wc := &workflowContext{ctx: ctx, engine: e}
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
	}, nil)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var sum int
	require.NoError(t, env.GetWorkflowResult(&sum))
	require.Equal(t, 3, sum)
}

// Package temporal adapts engine.Engine onto a real Temporal cluster,
// grounded on the teacher's runtime/agent/engine/temporal/engine.go —
// narrowed the same way internal/engine/engine.go narrows the teacher's
// abstraction: one task queue, no signals, no typed retry-policy plumbing,
// a single workflow kind (running a plan's scheduled tasks to completion).
// Durability and worker recovery are Temporal's job, not this package's.
// OTEL tracing is installed by default on the worker, and on the client
// when this package dials it (a client passed in via Options.Client is used
// as is), via the SDK's own contrib/opentelemetry interceptor, the one piece of the
// teacher's instrumentation this adapter keeps.
package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/taskgraph/orchestrator/internal/engine"
)

// Options configures the Temporal-backed Engine. Either Client or
// ClientOptions must be set.
type Options struct {
	// Client is a pre-built Temporal client. If nil, ClientOptions is used
	// to dial one, and Close will close it.
	Client        client.Client
	ClientOptions *client.Options

	TaskQueue string
	// ActivityTimeout bounds a single activity's StartToCloseTimeout.
	// Defaults to 5 minutes.
	ActivityTimeout time.Duration
	WorkerOptions   worker.Options

	// DisableTracing skips installing the SDK's OTEL tracing interceptor
	// on the dialed client and the worker. Enabled by default, mirroring
	// the teacher's engine adapter.
	DisableTracing bool
	// TracerOptions customizes the OTEL tracing interceptor. Only used
	// when DisableTracing is false.
	TracerOptions temporalotel.TracerOptions
}

// Engine is a Temporal-backed engine.Engine.
type Engine struct {
	client      client.Client
	closeClient bool
	taskQueue   string
	actTimeout  time.Duration
	workerOpts  worker.Options

	mu            sync.Mutex
	w             worker.Worker
	workerStarted bool
}

var _ engine.Engine = (*Engine)(nil)

// New dials (or adopts) a Temporal client and prepares a worker for
// TaskQueue. Workflows/activities registered after New are attached to
// that worker; the worker itself starts lazily on the first StartWorkflow
// call, mirroring the teacher's auto-start default.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: task queue is required")
	}

	var tracer interceptor.Interceptor
	if !opts.DisableTracing {
		var err error
		tracer, err = temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client or client options are required")
		}
		clientOpts := *opts.ClientOptions
		if tracer != nil {
			clientOpts.Interceptors = append(clientOpts.Interceptors, tracer)
		}
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}
	timeout := opts.ActivityTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	workerOpts := opts.WorkerOptions
	if tracer != nil {
		workerOpts.Interceptors = append(workerOpts.Interceptors, tracer)
	}

	e := &Engine{
		client:      cli,
		closeClient: closeClient,
		taskQueue:   opts.TaskQueue,
		actTimeout:  timeout,
		workerOpts:  workerOpts,
	}
	e.w = worker.New(e.client, e.taskQueue, e.workerOpts)
	return e, nil
}

// RegisterWorkflow implements engine.Engine: wraps def.Handler behind a
// workflow.Context-native function and registers it by name.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name is required")
	}
	e.w.RegisterWorkflowWithOptions(func(tctx workflow.Context, input any) (any, error) {
		wc := &workflowContext{ctx: tctx, engine: e}
		return def.Handler(wc, input)
	}, workflow.RegisterOptions{Name: def.Name})
	return nil
}

// RegisterActivity implements engine.Engine. ActivityFunc's signature
// (context.Context, any) (any, error) already matches what the Temporal
// SDK expects, so no wrapping is needed beyond naming it.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: activity name is required")
	}
	e.w.RegisterActivityWithOptions(func(ctx context.Context, input any) (any, error) {
		return def.Handler(ctx, input)
	}, activity.RegisterOptions{Name: def.Name})
	return nil
}

// StartWorkflow implements engine.Engine: starts the worker on first use,
// then launches req.Workflow by registered name.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	e.ensureWorkerStarted()

	queue := req.TaskQueue
	if queue == "" {
		queue = e.taskQueue
	}
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: queue,
	}, req.Workflow, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal engine: start workflow %q: %w", req.Workflow, err)
	}
	return &handle{run: run, client: e.client}, nil
}

// Close implements engine.Engine, stopping the worker and closing the
// client if this Engine created it.
func (e *Engine) Close() error {
	e.mu.Lock()
	started := e.workerStarted
	e.mu.Unlock()
	if started {
		e.w.Stop()
	}
	if e.closeClient {
		e.client.Close()
	}
	return nil
}

func (e *Engine) ensureWorkerStarted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workerStarted {
		return
	}
	e.workerStarted = true
	go func() {
		_ = e.w.Run(worker.InterruptCh())
	}()
}

type handle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *handle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *handle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

// workflowContext adapts workflow.Context to engine.WorkflowContext.
// ExecuteActivity/ExecuteActivityAsync apply the engine's ActivityTimeout
// uniformly; per-activity overrides are not exposed, matching the narrowed
// abstraction's single-workflow-kind scope.
type workflowContext struct {
	ctx    workflow.Context
	engine *Engine
}

func (w *workflowContext) WorkflowID() string {
	return workflow.GetInfo(w.ctx).WorkflowExecution.ID
}

func (w *workflowContext) Now() time.Time {
	return workflow.Now(w.ctx)
}

func (w *workflowContext) activityContext() workflow.Context {
	return workflow.WithActivityOptions(w.ctx, workflow.ActivityOptions{
		StartToCloseTimeout: w.engine.actTimeout,
	})
}

func (w *workflowContext) ExecuteActivity(name string, input any, result any) error {
	fut := workflow.ExecuteActivity(w.activityContext(), name, input)
	return fut.Get(w.ctx, result)
}

func (w *workflowContext) ExecuteActivityAsync(name string, input any) engine.Future {
	fut := workflow.ExecuteActivity(w.activityContext(), name, input)
	return &future{ctx: w.ctx, fut: fut}
}

type future struct {
	ctx workflow.Context
	fut workflow.Future
}

func (f *future) Get(result any) error {
	return f.fut.Get(f.ctx, result)
}

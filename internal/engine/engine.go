// Package engine abstracts durable workflow execution behind one interface,
// with an in-process implementation and a Temporal-backed durable one. It is
// a standalone primitive: Orchestrator.Run does not call into it and keeps
// its own inline worker pool. Grounded on the
// teacher's runtime/agent/engine abstraction, narrowed from its generic
// agent-workflow shape to the one workflow this orchestration core needs:
// running a plan's scheduled tasks to completion.
package engine

import (
	"context"
	"time"
)

// WorkflowFunc is a registered workflow's entry point. It must be
// deterministic with respect to ctx's ExecuteActivity/ExecuteActivityAsync
// calls: durable engines may replay it, so all non-deterministic work
// (LLM calls, store writes, clock reads) belongs in activities, not here.
type WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

// ActivityFunc performs the actual side-effecting work a workflow
// schedules. Unlike workflows, activities may freely call out to LLMs,
// tools, and the Store.
type ActivityFunc func(ctx context.Context, input any) (any, error)

// WorkflowContext is the engine-agnostic API available inside a
// WorkflowFunc. Implementations wrap an engine-specific execution context
// (Temporal's workflow.Context, or a plain context.Context for the
// in-process engine).
type WorkflowContext interface {
	WorkflowID() string
	Now() time.Time
	// ExecuteActivity schedules name with input and blocks for its result,
	// decoding it into result (a non-nil pointer) if result is non-nil.
	ExecuteActivity(name string, input any, result any) error
	// ExecuteActivityAsync schedules name without blocking, returning a
	// Future the caller resolves later — used to run several task
	// activities concurrently within one workflow.
	ExecuteActivityAsync(name string, input any) Future
}

// Future is a pending activity result.
type Future interface {
	// Get blocks until the activity completes, decoding its result into
	// result (a non-nil pointer) if result is non-nil.
	Get(result any) error
}

// WorkflowDefinition binds a workflow handler to a logical name.
type WorkflowDefinition struct {
	Name      string
	TaskQueue string
	Handler   WorkflowFunc
}

// ActivityDefinition binds an activity handler to a logical name.
type ActivityDefinition struct {
	Name    string
	Handler ActivityFunc
}

// WorkflowStartRequest describes how to launch one workflow execution.
type WorkflowStartRequest struct {
	ID        string
	Workflow  string
	TaskQueue string
	Input     any
}

// WorkflowHandle lets callers wait on or cancel a started workflow.
type WorkflowHandle interface {
	Wait(ctx context.Context, result any) error
	Cancel(ctx context.Context) error
}

// Engine is the pluggable durable-execution backend. internal/engine/inproc
// runs workflows in-process; internal/engine/temporal provides an optional
// Temporal-backed adapter. Orchestrator.Run does not use an Engine.
type Engine interface {
	RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error
	RegisterActivity(ctx context.Context, def ActivityDefinition) error
	StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	Close() error
}

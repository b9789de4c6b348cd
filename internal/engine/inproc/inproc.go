// Package inproc is the default engine.Engine: workflows and activities run
// as plain goroutines within this process, with no durability across
// restarts — matching §5's "parallel threads of execution within a single
// process" scheduling model.
package inproc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/taskgraph/orchestrator/internal/engine"
	"github.com/taskgraph/orchestrator/internal/orcherr"
)

var _ engine.Engine = (*Engine)(nil)

// Engine is a process-local registry of workflow and activity handlers.
type Engine struct {
	mu         sync.RWMutex
	workflows  map[string]engine.WorkflowFunc
	activities map[string]engine.ActivityFunc
}

// New builds an empty in-process Engine.
func New() *Engine {
	return &Engine{
		workflows:  make(map[string]engine.WorkflowFunc),
		activities: make(map[string]engine.ActivityFunc),
	}
}

// RegisterWorkflow implements engine.Engine.
func (e *Engine) RegisterWorkflow(ctx context.Context, def engine.WorkflowDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return orcherr.Conflict("workflow_already_registered", def.Name)
	}
	e.workflows[def.Name] = def.Handler
	return nil
}

// RegisterActivity implements engine.Engine.
func (e *Engine) RegisterActivity(ctx context.Context, def engine.ActivityDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.activities[def.Name]; exists {
		return orcherr.Conflict("activity_already_registered", def.Name)
	}
	e.activities[def.Name] = def.Handler
	return nil
}

// StartWorkflow implements engine.Engine: runs the registered workflow in a
// new goroutine and returns a handle over its eventual result.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	handler, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, orcherr.NotFound("workflow", req.Workflow)
	}

	runCtx, cancel := context.WithCancel(ctx)
	wc := &workflowContext{ctx: runCtx, id: req.ID, eng: e}
	outcomeCh := make(chan outcome, 1)

	go func() {
		result, err := handler(wc, req.Input)
		outcomeCh <- outcome{result: result, err: err}
	}()

	return &handle{cancel: cancel, outcomeCh: outcomeCh}, nil
}

// Close implements engine.Engine; the in-process engine holds no external
// resources to release.
func (e *Engine) Close() error { return nil }

type outcome struct {
	result any
	err    error
}

type handle struct {
	cancel    context.CancelFunc
	outcomeCh chan outcome

	mu     sync.Mutex
	done   bool
	cached outcome
}

func (h *handle) Wait(ctx context.Context, result any) error {
	h.mu.Lock()
	if h.done {
		cached := h.cached
		h.mu.Unlock()
		if cached.err != nil {
			return cached.err
		}
		return assign(cached.result, result)
	}
	h.mu.Unlock()

	select {
	case out := <-h.outcomeCh:
		h.mu.Lock()
		h.cached, h.done = out, true
		h.mu.Unlock()
		if out.err != nil {
			return out.err
		}
		return assign(out.result, result)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) Cancel(ctx context.Context) error {
	h.cancel()
	return nil
}

type workflowContext struct {
	ctx context.Context
	id  string
	eng *Engine
}

func (w *workflowContext) WorkflowID() string    { return w.id }
func (w *workflowContext) Now() time.Time        { return time.Now() }
func (w *workflowContext) Done() <-chan struct{} { return w.ctx.Done() }

func (w *workflowContext) ExecuteActivity(name string, input any, result any) error {
	w.eng.mu.RLock()
	act, ok := w.eng.activities[name]
	w.eng.mu.RUnlock()
	if !ok {
		return orcherr.NotFound("activity", name)
	}
	var in any
	if err := assign(input, &in); err != nil {
		return err
	}
	out, err := act(w.ctx, in)
	if err != nil {
		return err
	}
	return assign(out, result)
}

func (w *workflowContext) ExecuteActivityAsync(name string, input any) engine.Future {
	ch := make(chan outcome, 1)
	go func() {
		w.eng.mu.RLock()
		act, ok := w.eng.activities[name]
		w.eng.mu.RUnlock()
		if !ok {
			ch <- outcome{err: orcherr.NotFound("activity", name)}
			return
		}
		var in any
		if err := assign(input, &in); err != nil {
			ch <- outcome{err: err}
			return
		}
		result, err := act(w.ctx, in)
		ch <- outcome{result: result, err: err}
	}()
	return &future{ch: ch}
}

type future struct {
	ch     chan outcome
	once   sync.Once
	cached outcome
}

func (f *future) Get(result any) error {
	f.once.Do(func() { f.cached = <-f.ch })
	if f.cached.err != nil {
		return f.cached.err
	}
	return assign(f.cached.result, result)
}

// assign round-trips src through JSON into result, mirroring the JSON-based
// data conversion a durable engine's default data converter performs, so
// workflow/activity code written against `any` behaves the same under
// either engine.
func assign(src, result any) error {
	if result == nil || src == nil {
		return nil
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("engine: marshal activity result: %w", err)
	}
	return json.Unmarshal(raw, result)
}

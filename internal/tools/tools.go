// Package tools defines the ToolRegistry contract the Executor consults
// during a task iteration: discovery of available tools and invocation of a
// named tool with arguments. Two kinds of tool exist, following §6 of
// SPEC_FULL.md: info tools (search, fetch, DB read) whose output becomes
// additional context, and output tools (file write) whose side effects are
// deferred until after the task's output is accepted.
package tools

import (
	"context"
	"sync"

	"github.com/taskgraph/orchestrator/internal/orcherr"
)

// Kind distinguishes tools whose output feeds back into context (Info) from
// tools that perform a side effect on acceptance (Output).
type Kind string

const (
	KindInfo   Kind = "info"
	KindOutput Kind = "output"
)

// Descriptor advertises one tool's name, kind, and JSON argument schema.
type Descriptor struct {
	Name   string
	Kind   Kind
	Schema []byte // JSON schema, opaque to the registry
}

// Result is the outcome of invoking a tool. Info tools populate Text; output
// tools populate Text with a human-readable confirmation of the side effect
// performed.
type Result struct {
	ToolName string
	Text     string
	Meta     map[string]any
}

// Handler implements a single tool's invocation logic.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Registry is the ToolRegistry contract: list available tools, invoke one by
// name. Implementations must be safe for concurrent use.
type Registry interface {
	List(ctx context.Context) ([]Descriptor, error)
	Invoke(ctx context.Context, name string, args map[string]any) (Result, error)
}

type entry struct {
	desc    Descriptor
	handler Handler
}

// Local is an in-process Registry backed by a fixed set of registered tools.
type Local struct {
	mu    sync.RWMutex
	tools map[string]entry
}

var _ Registry = (*Local)(nil)

// NewLocal builds an empty in-process registry.
func NewLocal() *Local {
	return &Local{tools: make(map[string]entry)}
}

// Register adds or replaces a tool. It holds the registry's write lock, so
// it is safe to call concurrently with List and Invoke; typical use
// registers all tools at startup before serving traffic.
func (l *Local) Register(desc Descriptor, handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tools[desc.Name] = entry{desc: desc, handler: handler}
}

func (l *Local) List(ctx context.Context) ([]Descriptor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Descriptor, 0, len(l.tools))
	for _, e := range l.tools {
		out = append(out, e.desc)
	}
	return out, nil
}

func (l *Local) Invoke(ctx context.Context, name string, args map[string]any) (Result, error) {
	l.mu.RLock()
	e, ok := l.tools[name]
	l.mu.RUnlock()
	if !ok {
		return Result{}, orcherr.NotFound("tool", name)
	}
	select {
	case <-ctx.Done():
		return Result{}, orcherr.New(orcherr.KindCancelled, "cancelled", "tool invocation cancelled", ctx.Err())
	default:
	}
	res, err := e.handler(ctx, args)
	if err != nil {
		return Result{}, err
	}
	res.ToolName = name
	return res, nil
}

// InfoTools filters descriptors to those of KindInfo.
func InfoTools(descs []Descriptor) []Descriptor {
	return filterKind(descs, KindInfo)
}

// OutputTools filters descriptors to those of KindOutput.
func OutputTools(descs []Descriptor) []Descriptor {
	return filterKind(descs, KindOutput)
}

func filterKind(descs []Descriptor, kind Kind) []Descriptor {
	out := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// Package executor implements §4.5 of SPEC_FULL.md: running one task
// through the per-task state machine (build prompt -> optional tools ->
// LLM -> evaluate -> iterate), serializing iterations per task with a
// per-task lock as described in §5's concurrency model.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskgraph/orchestrator/internal/contextassembler"
	"github.com/taskgraph/orchestrator/internal/evaluator"
	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/orcherr"
	"github.com/taskgraph/orchestrator/internal/store"
	"github.com/taskgraph/orchestrator/internal/telemetry"
	"github.com/taskgraph/orchestrator/internal/tools"
	"github.com/taskgraph/orchestrator/internal/types"
)

// EvaluationOptions mirrors evaluator.Options at the Executor's public
// boundary so callers configure iteration bounds without importing the
// evaluator package directly.
type EvaluationOptions = evaluator.Options

// Options configures one execute() call.
type Options struct {
	UseContext        bool
	ContextOptions    contextassembler.Options
	UseTools          bool
	EnableEvaluation  bool
	EvaluationMode    types.EvaluationMode
	EvaluationOptions EvaluationOptions
	Retries           int           // LLM_RETRIES
	BackoffBase       time.Duration // LLM_BACKOFF_BASE
}

// Result is the outcome of one execute() call.
type Result struct {
	TaskID     string
	Status     types.TaskStatus
	Output     string
	Iterations int
	Records    []types.EvaluationRecord
}

// MemorySaver is the narrow slice of the Memory collaborator (§4.8) the
// Executor needs: recording an experience after a successful task.
type MemorySaver interface {
	Save(ctx context.Context, content string, kind string, importance float64, tags []string) error
}

// Executor runs tasks against one plan's store.
type Executor struct {
	Store      *store.PlanStore
	Backend    llm.Backend
	Assembler  *contextassembler.Assembler
	Evaluator  *evaluator.Evaluator
	Tools      tools.Registry
	Memory     MemorySaver
	Logger     telemetry.Logger
	TaskTimeout time.Duration // default 10m, per §5

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Execute implements execute(task_id, options) -> TaskResult. Only one
// Execute call may run for a given task id at a time; concurrent calls
// serialize on a per-task lock.
func (e *Executor) Execute(ctx context.Context, taskID string, opts Options) (*Result, error) {
	lock := e.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.TaskType != types.TaskTypeAtomic {
		return nil, orcherr.Validation("not_atomic", "only atomic tasks may be executed")
	}

	timeout := e.TaskTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.Store.SetStatus(taskCtx, taskID, types.TaskStatusRunning); err != nil {
		return nil, err
	}

	input, err := e.Store.GetInput(taskCtx, taskID)
	if err != nil {
		e.fail(ctx, taskID)
		return nil, err
	}

	result := &Result{TaskID: taskID, Status: types.TaskStatusRunning}
	maxIterations := 1
	if opts.EnableEvaluation {
		maxIterations = opts.EvaluationOptions.MaxIterations
		if maxIterations <= 0 {
			maxIterations = 3
		}
	}

	var (
		content       string
		lastSuggestions []string
	)

	for iteration := 0; iteration < maxIterations; iteration++ {
		select {
		case <-taskCtx.Done():
			e.discardAndReopen(ctx, taskID)
			return nil, orcherr.New(orcherr.KindCancelled, "cancelled", "task execution cancelled", taskCtx.Err())
		default:
		}

		prompt, err := e.buildPrompt(taskCtx, taskID, input, content, lastSuggestions, opts)
		if err != nil {
			e.fail(ctx, taskID)
			return nil, err
		}

		var infoSections string
		if opts.UseTools && e.Tools != nil {
			infoSections, err = e.runInfoTools(taskCtx, prompt)
			if err != nil {
				e.logger().Warn(taskCtx, "tool routing failed, continuing without tool context", "task_id", taskID, "error", err.Error())
			}
			if infoSections != "" {
				prompt = prompt + "\n\n[Tools]\n" + infoSections
			}
		}

		draft, err := e.chatWithRetry(taskCtx, prompt, opts)
		if err != nil {
			if orcherr.IsCancelled(err) {
				e.discardAndReopen(ctx, taskID)
				return nil, err
			}
			e.fail(ctx, taskID)
			return nil, err
		}
		content = draft

		result.Iterations = iteration + 1

		if !opts.EnableEvaluation {
			break
		}

		evalResult, err := e.Evaluator.Evaluate(taskCtx, taskID, content, iteration, opts.EvaluationMode, opts.EvaluationOptions)
		if err != nil {
			if orcherr.IsCancelled(err) {
				e.discardAndReopen(ctx, taskID)
				return nil, err
			}
			e.fail(ctx, taskID)
			return nil, err
		}
		if evalResult.RewrittenContent != "" {
			content = evalResult.RewrittenContent
		}

		rec := types.EvaluationRecord{
			TaskID: taskID, Iteration: iteration, ContentSnapshot: content,
			OverallScore: evalResult.OverallScore, DimensionScores: evalResult.DimensionScores,
			Suggestions: evalResult.Suggestions, NeedsRevision: evalResult.NeedsRevision,
			Mode: opts.EvaluationMode, Degraded: evalResult.Degraded,
		}
		saved, err := e.Store.AppendEvaluation(taskCtx, rec)
		if err != nil {
			e.fail(ctx, taskID)
			return nil, err
		}
		result.Records = append(result.Records, *saved)

		if !evalResult.NeedsRevision {
			break
		}
		lastSuggestions = evalResult.Suggestions
	}

	if err := e.Store.PutOutput(taskCtx, taskID, content); err != nil {
		e.fail(ctx, taskID)
		return nil, err
	}

	if opts.UseTools && e.Tools != nil {
		if err := e.runOutputTools(taskCtx, content); err != nil {
			e.logger().Warn(taskCtx, "deferred output tool failed", "task_id", taskID, "error", err.Error())
		}
	}

	if err := e.Store.SetStatus(taskCtx, taskID, types.TaskStatusCompleted); err != nil {
		return nil, err
	}

	if e.Memory != nil {
		if err := e.Memory.Save(taskCtx, content, "experience", 0.5, []string{taskID}); err != nil {
			e.logger().Warn(taskCtx, "memory save failed", "task_id", taskID, "error", err.Error())
		}
	}

	result.Status = types.TaskStatusCompleted
	result.Output = content
	return result, nil
}

func (e *Executor) buildPrompt(ctx context.Context, taskID, input, previousDraft string, suggestions []string, opts Options) (string, error) {
	var contextBlock string
	if opts.UseContext && e.Assembler != nil {
		bundle, err := e.Assembler.Gather(ctx, taskID, opts.ContextOptions)
		if err != nil {
			return "", err
		}
		contextBlock = bundle.Combined
	}

	taskSection := input
	if previousDraft != "" {
		taskSection = fmt.Sprintf("%s\n\n[Previous draft]\n%s\n\n[Revise to address]\n%s", input, previousDraft, joinSuggestions(suggestions))
	}

	if contextBlock != "" {
		return fmt.Sprintf("[Context]\n%s\n\n[Task]\n%s", contextBlock, taskSection), nil
	}
	return taskSection, nil
}

func joinSuggestions(suggestions []string) string {
	out := ""
	for _, s := range suggestions {
		out += "- " + s + "\n"
	}
	return out
}

func (e *Executor) runInfoTools(ctx context.Context, prompt string) (string, error) {
	descs, err := e.Tools.List(ctx)
	if err != nil {
		return "", err
	}
	var out string
	for _, d := range tools.InfoTools(descs) {
		res, err := e.Tools.Invoke(ctx, d.Name, map[string]any{"prompt": prompt})
		if err != nil {
			e.logger().Warn(ctx, "info tool invocation failed", "tool", d.Name, "error", err.Error())
			continue
		}
		out += res.Text + "\n"
	}
	return out, nil
}

func (e *Executor) runOutputTools(ctx context.Context, content string) error {
	descs, err := e.Tools.List(ctx)
	if err != nil {
		return err
	}
	for _, d := range tools.OutputTools(descs) {
		if _, err := e.Tools.Invoke(ctx, d.Name, map[string]any{"content": content}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) chatWithRetry(ctx context.Context, prompt string, opts Options) (string, error) {
	retries := opts.Retries
	if retries <= 0 {
		retries = 3
	}
	base := opts.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		resp, err := e.Backend.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		if err == nil {
			return resp.Text, nil
		}
		lastErr = err
		if orcherr.IsCancelled(err) {
			return "", err
		}
		if oe, ok := orcherr.Of(err); !ok || !oe.Retryable() {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", orcherr.New(orcherr.KindCancelled, "cancelled", "cancelled during backoff", ctx.Err())
		case <-time.After(base * time.Duration(1<<attempt)):
		}
	}
	return "", lastErr
}

func (e *Executor) fail(ctx context.Context, taskID string) {
	_ = e.Store.SetStatus(ctx, taskID, types.TaskStatusFailed)
}

// discardAndReopen handles cooperative cancellation: the in-progress output
// is discarded and the task returns to pending rather than failed, per §5:
// "Partially completed tasks remain pending ... discarded."
func (e *Executor) discardAndReopen(ctx context.Context, taskID string) {
	_ = e.Store.SetStatus(ctx, taskID, types.TaskStatusPending)
}

func (e *Executor) lockFor(taskID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	if e.locks == nil {
		e.locks = make(map[string]*sync.Mutex)
	}
	l, ok := e.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[taskID] = l
	}
	return l
}

func (e *Executor) logger() telemetry.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return telemetry.NoopLogger{}
}

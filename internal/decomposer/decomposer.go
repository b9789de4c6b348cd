// Package decomposer implements §4.3 of SPEC_FULL.md: the recursive,
// tool-aware decomposition that turns a composite task into bounded
// subtasks, with invariants enforced after the LLM proposes a plan.
package decomposer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/orcherr"
	"github.com/taskgraph/orchestrator/internal/store"
	"github.com/taskgraph/orchestrator/internal/telemetry"
	"github.com/taskgraph/orchestrator/internal/types"
)

// Complexity is the Decomposer's classification of a task, ahead of
// deciding whether to split it.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Options configures one decompose() call.
type Options struct {
	MaxSubtasks int  // default 5
	Force       bool // re-decompose even if children already exist
	ToolAware   bool // advertise tool capabilities in the decomposition prompt
	MaxDepth    int  // default store.DefaultMaxDepth
}

// SubtaskProposal is one entry of the LLM's structured decomposition
// response.
type SubtaskProposal struct {
	Name        string          `json:"name"`
	Instruction string          `json:"instruction"`
	Kind        types.TaskType  `json:"kind"`
}

// proposal is the full structured response the LLM must produce.
type proposal struct {
	Complexity     Complexity         `json:"complexity"`
	ShouldDecompose bool              `json:"should_decompose"`
	Subtasks       []SubtaskProposal  `json:"subtasks"`
}

const decomposeSchema = `{
  "type": "object",
  "required": ["complexity", "should_decompose", "subtasks"],
  "properties": {
    "complexity": {"type": "string", "enum": ["low", "medium", "high"]},
    "should_decompose": {"type": "boolean"},
    "subtasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "instruction", "kind"],
        "properties": {
          "name": {"type": "string"},
          "instruction": {"type": "string"},
          "kind": {"type": "string", "enum": ["composite", "atomic"]}
        }
      }
    }
  }
}`

// Decomposer is a plan-scoped decomposition driver over one PlanStore.
type Decomposer struct {
	Store      *store.PlanStore
	Backend    llm.Backend
	Logger     telemetry.Logger
	Retries    int // malformed-JSON retries before falling back to the heuristic
	ToolNames  []string
	schema     *jsonschema.Schema
}

// New builds a Decomposer, compiling the structured-output schema once.
func New(s *store.PlanStore, backend llm.Backend, logger telemetry.Logger) (*Decomposer, error) {
	var schemaDoc any
	if err := json.Unmarshal([]byte(decomposeSchema), &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal decomposition schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("decompose.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("compile decomposition schema: %w", err)
	}
	sch, err := compiler.Compile("decompose.json")
	if err != nil {
		return nil, fmt.Errorf("compile decomposition schema: %w", err)
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Decomposer{Store: s, Backend: backend, Logger: logger, Retries: 2, schema: sch}, nil
}

// ErrDecompositionRefused signals that the proposed subtasks could not
// satisfy the invariants: fewer than two usable subtasks remained after
// sanitizing. A proposal with should_decompose=false is not an error;
// Decompose then returns no child ids.
var ErrDecompositionRefused = orcherr.Conflict("decomposition_refused", "decomposition invariants could not be satisfied")

// Decompose implements decompose(task_id, options) -> [child_task_id].
func (d *Decomposer) Decompose(ctx context.Context, taskID string, opts Options) ([]string, error) {
	if opts.MaxSubtasks <= 0 {
		opts.MaxSubtasks = 5
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = store.DefaultMaxDepth
	}

	task, err := d.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Depth >= opts.MaxDepth {
		return nil, orcherr.Validation("depth_exceeded", "task is at or beyond max_depth and cannot be decomposed")
	}

	existing, err := d.Store.Children(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		if !opts.Force {
			return nil, orcherr.Conflict("already_decomposed", "task already has children; pass force to re-decompose")
		}
		// Only the stale children are discarded; taskID/task and its input
		// are left untouched so the classify/create steps below see the
		// same task a non-forced first decomposition would.
		for _, child := range existing {
			if err := d.Store.Delete(ctx, child.ID); err != nil {
				return nil, err
			}
		}
	}

	input, err := d.Store.GetInput(ctx, taskID)
	if err != nil {
		return nil, err
	}

	prop, err := d.classify(ctx, task, input, opts)
	if err != nil {
		return nil, err
	}

	if !prop.ShouldDecompose {
		return nil, nil
	}

	childKindCeiling := types.TaskTypeComposite
	if task.Depth == opts.MaxDepth-1 {
		childKindCeiling = types.TaskTypeAtomic
	}

	subtasks, err := sanitizeSubtasks(prop.Subtasks, opts.MaxSubtasks, task.Name, childKindCeiling)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(subtasks))
	for i, st := range subtasks {
		pos := i
		child, err := d.Store.CreateTask(ctx, store.CreateTaskParams{
			ParentID: &taskID,
			Name:     st.Name,
			Type:     st.Kind,
			Position: &pos,
		})
		if err != nil {
			return nil, err
		}
		if err := d.Store.PutInput(ctx, child.ID, st.Instruction); err != nil {
			return nil, err
		}
		ids = append(ids, child.ID)
	}
	return ids, nil
}

// Sweep drives the recursive BFS sweep described in §4.3: decompose every
// non-atomic task below max_depth until all leaves are atomic or at
// max_depth.
func (d *Decomposer) Sweep(ctx context.Context, rootTaskID string, maxDepth int) ([]string, error) {
	if maxDepth <= 0 {
		maxDepth = store.DefaultMaxDepth
	}
	var allCreated []string
	queue := []string{rootTaskID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		task, err := d.Store.GetTask(ctx, id)
		if err != nil {
			return allCreated, err
		}
		if task.TaskType == types.TaskTypeAtomic || task.Depth >= maxDepth {
			continue
		}

		children, err := d.Store.Children(ctx, id)
		if err != nil {
			return allCreated, err
		}
		if len(children) == 0 {
			created, err := d.Decompose(ctx, id, Options{MaxDepth: maxDepth})
			if err != nil {
				if _, ok := orcherr.Of(err); ok {
					d.Logger.Warn(ctx, "decomposition refused during sweep", "task_id", id, "error", err.Error())
					continue
				}
				return allCreated, err
			}
			allCreated = append(allCreated, created...)
			children, err = d.Store.Children(ctx, id)
			if err != nil {
				return allCreated, err
			}
		}
		for _, c := range children {
			queue = append(queue, c.ID)
		}
	}
	return allCreated, nil
}

func (d *Decomposer) classify(ctx context.Context, task *types.Task, input string, opts Options) (*proposal, error) {
	sysPrompt := "You analyze task complexity and propose a decomposition into subtasks. Respond with JSON matching the required schema only."
	if opts.ToolAware && len(d.ToolNames) > 0 {
		sysPrompt += " Available tools: " + strings.Join(d.ToolNames, ", ") + "."
	}

	var lastErr error
	backendErr := false
	for attempt := 0; attempt <= d.Retries; attempt++ {
		resp, err := d.Backend.Chat(ctx, llm.ChatRequest{
			System: sysPrompt,
			Messages: []llm.Message{
				{Role: llm.RoleUser, Content: fmt.Sprintf("Task: %s\nInstruction: %s\nMax subtasks: %d", task.Name, input, opts.MaxSubtasks)},
			},
			Schema: json.RawMessage(decomposeSchema),
		})
		if err != nil {
			if e, ok := orcherr.Of(err); ok && !e.Retryable() {
				return nil, err
			}
			lastErr = err
			backendErr = true
			continue
		}
		backendErr = false

		var p proposal
		if jsonErr := json.Unmarshal([]byte(resp.Text), &p); jsonErr != nil {
			lastErr = jsonErr
			continue
		}
		var doc any
		if jsonErr := json.Unmarshal([]byte(resp.Text), &doc); jsonErr == nil {
			if valErr := d.schema.Validate(doc); valErr != nil {
				lastErr = valErr
				continue
			}
		}
		return &p, nil
	}

	if backendErr {
		return nil, lastErr
	}
	d.Logger.Warn(ctx, "decomposition LLM output malformed after retries, falling back to heuristic", "task_id", task.ID, "error", errString(lastErr))
	return heuristicClassify(task, input, opts), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// heuristicClassify is the deterministic fallback used only when the LLM
// repeatedly returns malformed structured output: keyword density and
// instruction length decide whether the task looks complex enough to split.
func heuristicClassify(task *types.Task, input string, opts Options) *proposal {
	words := strings.Fields(input)
	keywordHits := 0
	for _, w := range words {
		lw := strings.ToLower(strings.Trim(w, ".,;:"))
		switch lw {
		case "and", "then", "after", "followed", "steps", "phase", "stage":
			keywordHits++
		}
	}
	complex := len(words) > 60 || keywordHits >= 3
	if !complex {
		return &proposal{Complexity: ComplexityLow, ShouldDecompose: false}
	}
	return &proposal{
		Complexity:      ComplexityMedium,
		ShouldDecompose: true,
		Subtasks: []SubtaskProposal{
			{Name: task.Name + " (part 1)", Instruction: "Handle the first half of: " + input, Kind: types.TaskTypeAtomic},
			{Name: task.Name + " (part 2)", Instruction: "Handle the second half of: " + input, Kind: types.TaskTypeAtomic},
		},
	}
}

// sanitizeSubtasks enforces the post-generation invariants from §4.3.
func sanitizeSubtasks(proposed []SubtaskProposal, maxSubtasks int, parentName string, kindCeiling types.TaskType) ([]SubtaskProposal, error) {
	seen := make(map[string]bool)
	var out []SubtaskProposal
	for _, st := range proposed {
		name := strings.TrimSpace(st.Name)
		if name == "" || strings.EqualFold(name, parentName) {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		if st.Kind == types.TaskTypeRoot {
			continue // the Decomposer must never produce a root-typed child
		}
		kind := st.Kind
		if kind == "" {
			kind = types.TaskTypeAtomic
		}
		if kindCeiling == types.TaskTypeAtomic {
			kind = types.TaskTypeAtomic
		}
		seen[key] = true
		out = append(out, SubtaskProposal{Name: name, Instruction: st.Instruction, Kind: kind})
		if len(out) >= maxSubtasks {
			break
		}
	}
	if len(out) < 2 {
		return nil, ErrDecompositionRefused
	}
	return out, nil
}

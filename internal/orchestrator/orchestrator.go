// Package orchestrator implements §4.7 of SPEC_FULL.md: the top-level
// driver that owns a plan's full lifecycle — proposing and approving a
// draft, sweeping decomposition to convergence, running the scheduler and
// executor pool, and assembling the final artifact. It is the only
// component that observes full plan state; every other package receives
// just the ids and options it needs.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskgraph/orchestrator/internal/contextassembler"
	"github.com/taskgraph/orchestrator/internal/decomposer"
	"github.com/taskgraph/orchestrator/internal/embedcache"
	"github.com/taskgraph/orchestrator/internal/evaluator"
	"github.com/taskgraph/orchestrator/internal/executor"
	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/orcherr"
	"github.com/taskgraph/orchestrator/internal/scheduler"
	"github.com/taskgraph/orchestrator/internal/store"
	"github.com/taskgraph/orchestrator/internal/telemetry"
	"github.com/taskgraph/orchestrator/internal/tools"
	"github.com/taskgraph/orchestrator/internal/types"
)

const planDraftSchema = `{
  "type": "object",
  "required": ["title", "tasks"],
  "properties": {
    "title": {"type": "string"},
    "tasks": {
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

// DraftTask is one seed task proposed for a plan, prior to persistence.
type DraftTask struct {
	Name        string         `json:"name"`
	Instruction string         `json:"instruction"`
	Kind        types.TaskType `json:"kind"`
}

// PlanDraft is the unpersisted result of propose_plan.
type PlanDraft struct {
	Goal  string      `json:"goal"`
	Title string      `json:"title"`
	Tasks []DraftTask `json:"tasks"`
}

// Hints steers propose_plan without constraining the LLM's freedom.
type Hints struct {
	Sections []string
	Style    string
	Notes    string
}

// RunOptions configures one run() call, mirroring the POST /run body.
type RunOptions struct {
	Strategy          scheduler.Strategy
	Parallelism       int
	UseContext        bool
	ContextOptions    contextassembler.Options
	AutoDecompose     bool
	MaxDecomposeDepth int
	UseTools          bool
	EnableEvaluation  bool
	EvaluationMode    types.EvaluationMode
	EvaluationOptions evaluator.Options
	AutoAssemble      bool
}

// TaskResult reports one task's outcome within a run.
type TaskResult struct {
	TaskID string
	Status types.TaskStatus
	Error  string
}

// RunSummary is the result of run(): counts plus per-task results and,
// if AutoAssemble was set, the assembled artifact.
type RunSummary struct {
	RunID      string
	Total      int
	Successful int
	Failed     int
	Results    []TaskResult
	Assembled  *Assembled
}

// Assembled is the result of assemble(): the post-order walk of a plan's
// tree with composite names as section headers.
type Assembled struct {
	Title    string
	Sections []AssembledSection
	Combined string
}

// AssembledSection is one named block of the assembled artifact.
type AssembledSection struct {
	Heading string
	Content string
}

// StatusUpdate is broadcast to Subscribe()rs of a running plan, satisfying
// the "streaming status updates to subscribers" requirement of §4.7.
type StatusUpdate struct {
	PlanID string
	TaskID string
	Status types.TaskStatus
}

// Orchestrator drives one Manager's plans end to end.
type Orchestrator struct {
	Manager     *store.Manager
	Backend     llm.Backend
	Tools       tools.Registry
	Memory      executor.MemorySaver
	Logger      telemetry.Logger
	Cache       embedcache.Cache // optional; shared across every Assembler this Orchestrator builds
	Parallelism int              // default 4, per §5

	hooksMu sync.RWMutex
	hooks   []chan StatusUpdate
}

// New builds an Orchestrator over a Manager and LLM backend.
func New(m *store.Manager, backend llm.Backend) *Orchestrator {
	return &Orchestrator{Manager: m, Backend: backend, Parallelism: 4}
}

// Subscribe registers a channel that receives status updates for every run
// this Orchestrator drives, until ctx is cancelled. The channel is buffered
// and best-effort: a slow subscriber drops updates rather than blocking a
// worker.
func (o *Orchestrator) Subscribe(ctx context.Context) <-chan StatusUpdate {
	ch := make(chan StatusUpdate, 64)
	o.hooksMu.Lock()
	o.hooks = append(o.hooks, ch)
	o.hooksMu.Unlock()
	go func() {
		<-ctx.Done()
		o.hooksMu.Lock()
		defer o.hooksMu.Unlock()
		for i, c := range o.hooks {
			if c == ch {
				o.hooks = append(o.hooks[:i], o.hooks[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (o *Orchestrator) publish(update StatusUpdate) {
	o.hooksMu.RLock()
	defer o.hooksMu.RUnlock()
	for _, ch := range o.hooks {
		select {
		case ch <- update:
		default:
		}
	}
}

// ProposePlan calls the LLM backend to produce a title and seed tasks. It
// never touches the Store.
func (o *Orchestrator) ProposePlan(ctx context.Context, goal string, hints Hints) (*PlanDraft, error) {
	var sb strings.Builder
	sb.WriteString("You are planning a task tree. Propose a short title and a list of top-level tasks ")
	sb.WriteString("(each composite or atomic) that accomplish the goal. ")
	if hints.Style != "" {
		fmt.Fprintf(&sb, "Style: %s. ", hints.Style)
	}
	if len(hints.Sections) > 0 {
		fmt.Fprintf(&sb, "Cover these sections: %s. ", strings.Join(hints.Sections, ", "))
	}
	if hints.Notes != "" {
		fmt.Fprintf(&sb, "Notes: %s.", hints.Notes)
	}

	resp, err := o.Backend.Chat(ctx, llm.ChatRequest{
		System:   sb.String(),
		Messages: []llm.Message{{Role: llm.RoleUser, Content: goal}},
		Schema:   json.RawMessage(planDraftSchema),
	})
	if err != nil {
		return nil, err
	}

	var draft PlanDraft
	if err := json.Unmarshal([]byte(resp.Text), &draft); err != nil {
		return nil, orcherr.New(orcherr.KindBackendPermanent, "malformed_plan_draft", "backend returned non-JSON plan draft", err)
	}
	draft.Goal = goal
	if draft.Title == "" {
		draft.Title = goal
	}
	return &draft, nil
}

// ApprovePlan persists a draft: creates the plan, its root task, and one
// child per draft task, de-duplicating names within the same parent.
func (o *Orchestrator) ApprovePlan(ctx context.Context, draft *PlanDraft) (string, []types.Task, error) {
	plan, err := o.Manager.CreatePlan(ctx, draft.Title, draft.Goal, nil)
	if err != nil {
		return "", nil, err
	}
	s, err := o.Manager.PlanStore(ctx, plan.ID)
	if err != nil {
		return "", nil, err
	}

	root, err := s.CreateTask(ctx, store.CreateTaskParams{Name: draft.Title, Type: types.TaskTypeRoot})
	if err != nil {
		return "", nil, err
	}

	created, err := o.addChildTasks(ctx, s, root.ID, draft.Tasks)
	if err != nil {
		return "", nil, err
	}
	return plan.ID, created, nil
}

// addChildTasks creates one task per proposal under parentID, skipping any
// whose name already exists among parentID's current children — the
// de-duplication approve_plan must guarantee when called twice with the
// same draft.
func (o *Orchestrator) addChildTasks(ctx context.Context, s *store.PlanStore, parentID string, proposals []DraftTask) ([]types.Task, error) {
	existing, err := s.Children(ctx, parentID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[strings.ToLower(t.Name)] = true
	}

	var created []types.Task
	for _, p := range proposals {
		key := strings.ToLower(p.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		kind := p.Kind
		if kind == "" {
			kind = types.TaskTypeComposite
		}
		task, err := s.CreateTask(ctx, store.CreateTaskParams{ParentID: &parentID, Name: p.Name, Type: kind})
		if err != nil {
			return nil, err
		}
		if p.Instruction != "" {
			if err := s.PutInput(ctx, task.ID, p.Instruction); err != nil {
				return nil, err
			}
		}
		created = append(created, *task)
	}
	return created, nil
}

// RecursiveDecompose drives the decomposer's sweep to convergence over the
// whole plan, starting from every root task.
func (o *Orchestrator) RecursiveDecompose(ctx context.Context, planID string, maxDepth int) ([]string, error) {
	s, err := o.Manager.PlanStore(ctx, planID)
	if err != nil {
		return nil, err
	}
	d, err := decomposer.New(s, o.Backend, o.Logger)
	if err != nil {
		return nil, err
	}

	tasks, err := s.PlanTasks(ctx)
	if err != nil {
		return nil, err
	}
	var added []string
	for _, t := range tasks {
		if t.TaskType != types.TaskTypeRoot {
			continue
		}
		ids, err := d.Sweep(ctx, t.ID, maxDepth)
		if err != nil {
			return added, err
		}
		added = append(added, ids...)
	}
	return added, nil
}

// Run schedules and executes a plan's ready tasks under the chosen
// strategy, optionally auto-decomposing first and auto-assembling after.
// Per-task failures are isolated; the run continues with remaining ready
// tasks and reports counts (§7's propagation policy).
func (o *Orchestrator) Run(ctx context.Context, planID string, opts RunOptions) (*RunSummary, error) {
	s, err := o.Manager.PlanStore(ctx, planID)
	if err != nil {
		return nil, err
	}

	if opts.AutoDecompose {
		maxDepth := opts.MaxDecomposeDepth
		if maxDepth <= 0 {
			maxDepth = store.DefaultMaxDepth
		}
		if _, err := o.RecursiveDecompose(ctx, planID, maxDepth); err != nil {
			return nil, err
		}
	}

	sched := scheduler.New(s)
	plan, err := sched.Schedule(ctx, opts.Strategy)
	if err != nil {
		return nil, err
	}

	run, err := s.StartRun(ctx, string(opts.Strategy), nil)
	if err != nil {
		return nil, err
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = o.Parallelism
	}
	if parallelism <= 0 {
		parallelism = 4
	}

	exec := &executor.Executor{
		Store:   s,
		Backend: o.Backend,
		Tools:   o.Tools,
		Memory:  o.Memory,
		Logger:  o.Logger,
	}
	if opts.UseContext {
		exec.Assembler = &contextassembler.Assembler{Store: s, Backend: o.Backend, Cache: o.Cache, Logger: o.Logger}
	}
	if opts.EnableEvaluation {
		exec.Evaluator = evaluator.New(o.Backend)
	}

	execOpts := executor.Options{
		UseContext:        opts.UseContext,
		ContextOptions:    opts.ContextOptions,
		UseTools:          opts.UseTools,
		EnableEvaluation:  opts.EnableEvaluation,
		EvaluationMode:    opts.EvaluationMode,
		EvaluationOptions: opts.EvaluationOptions,
	}

	results := make([]TaskResult, len(plan.Order))
	queue := make(chan int, len(plan.Order))
	for i := range plan.Order {
		queue <- i
	}
	close(queue)

	var wg sync.WaitGroup
	for w := 0; w < parallelism; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				o.runOneScheduled(ctx, exec, sched, planID, plan.Order[i], execOpts, results, i)
			}
		}()
	}
	wg.Wait()

	summary := &RunSummary{RunID: run.ID, Total: len(results), Results: results}
	finalStatus := "completed"
	for _, r := range results {
		if r.Status == types.TaskStatusCompleted {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}
	if summary.Failed > 0 && summary.Successful == 0 && summary.Total > 0 {
		finalStatus = "failed"
	}
	_ = s.FinishRun(ctx, run.ID, finalStatus)

	if opts.AutoAssemble {
		assembled, err := o.Assemble(ctx, planID)
		if err != nil {
			return summary, err
		}
		summary.Assembled = assembled
	}
	return summary, nil
}

// runOneScheduled waits for taskID to become ready (its requires
// predecessors may still be running on another worker), then executes it,
// recording the outcome at results[idx] and publishing status updates.
func (o *Orchestrator) runOneScheduled(ctx context.Context, exec *executor.Executor, sched *scheduler.Scheduler, planID, taskID string, opts executor.Options, results []TaskResult, idx int) {
	for {
		ready, err := sched.Ready(ctx, taskID)
		if err != nil {
			results[idx] = TaskResult{TaskID: taskID, Status: types.TaskStatusFailed, Error: err.Error()}
			return
		}
		if ready {
			break
		}
		select {
		case <-ctx.Done():
			results[idx] = TaskResult{TaskID: taskID, Status: types.TaskStatusPending, Error: "cancelled while waiting on dependencies"}
			return
		case <-time.After(25 * time.Millisecond):
		}
	}

	o.publish(StatusUpdate{PlanID: planID, TaskID: taskID, Status: types.TaskStatusRunning})
	res, err := exec.Execute(ctx, taskID, opts)
	if err != nil {
		results[idx] = TaskResult{TaskID: taskID, Status: types.TaskStatusFailed, Error: err.Error()}
		o.publish(StatusUpdate{PlanID: planID, TaskID: taskID, Status: types.TaskStatusFailed})
		return
	}
	results[idx] = TaskResult{TaskID: taskID, Status: res.Status}
	o.publish(StatusUpdate{PlanID: planID, TaskID: taskID, Status: res.Status})
}

// Assemble composes the final artifact: a post-order walk of the tree,
// concatenating atomic outputs under their composite parents' names as
// section headers.
func (o *Orchestrator) Assemble(ctx context.Context, planID string) (*Assembled, error) {
	s, err := o.Manager.PlanStore(ctx, planID)
	if err != nil {
		return nil, err
	}
	plan, _, err := o.Manager.Registry().GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	tasks, err := s.PlanTasks(ctx)
	if err != nil {
		return nil, err
	}

	byParent := make(map[string][]types.Task)
	var roots []types.Task
	for _, t := range tasks {
		if t.TaskType == types.TaskTypeRoot {
			roots = append(roots, t)
			continue
		}
		key := ""
		if t.ParentID != nil {
			key = *t.ParentID
		}
		byParent[key] = append(byParent[key], t)
	}
	for k := range byParent {
		group := byParent[k]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Position != group[j].Position {
				return group[i].Position < group[j].Position
			}
			return group[i].ID < group[j].ID
		})
		byParent[k] = group
	}
	sort.SliceStable(roots, func(i, j int) bool { return roots[i].Position < roots[j].Position })

	var sections []AssembledSection
	var combined strings.Builder
	for _, root := range roots {
		o.walkAssemble(ctx, s, byParent, root, &sections, &combined)
	}

	result := &Assembled{Title: plan.Title, Sections: sections, Combined: strings.TrimSpace(combined.String())}
	return result, nil
}

func (o *Orchestrator) walkAssemble(ctx context.Context, s *store.PlanStore, byParent map[string][]types.Task, parent types.Task, sections *[]AssembledSection, combined *strings.Builder) {
	children := byParent[parent.ID]
	for _, child := range children {
		switch child.TaskType {
		case types.TaskTypeAtomic:
			content, ok, err := s.GetOutput(ctx, child.ID)
			if err != nil || !ok {
				continue
			}
			heading := parent.Name
			*sections = append(*sections, AssembledSection{Heading: heading, Content: content})
			fmt.Fprintf(combined, "## %s\n%s\n\n", heading, content)
		case types.TaskTypeComposite:
			o.walkAssemble(ctx, s, byParent, child, sections, combined)
		}
	}
}

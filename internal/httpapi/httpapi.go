// Package httpapi implements §6 of SPEC_FULL.md: the JSON-over-HTTP surface
// in front of the Orchestrator, Context Assembler, and Store. Handlers are
// hand-wired against net/http's method+pattern ServeMux rather than through
// goa's DSL/codegen pipeline (see DESIGN.md for why), but still use the
// teacher's goa.design/goa/v3/http package directly for request decoding and
// response encoding, the way runtime/mcp/runtime.go does outside of
// generated code.
package httpapi

import (
	"context"
	"net/http"

	goahttp "goa.design/goa/v3/http"

	"github.com/taskgraph/orchestrator/internal/contextassembler"
	"github.com/taskgraph/orchestrator/internal/decomposer"
	"github.com/taskgraph/orchestrator/internal/embedcache"
	"github.com/taskgraph/orchestrator/internal/evaluator"
	"github.com/taskgraph/orchestrator/internal/executor"
	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/orcherr"
	"github.com/taskgraph/orchestrator/internal/orchestrator"
	"github.com/taskgraph/orchestrator/internal/scheduler"
	"github.com/taskgraph/orchestrator/internal/store"
	"github.com/taskgraph/orchestrator/internal/telemetry"
	"github.com/taskgraph/orchestrator/internal/tools"
	"github.com/taskgraph/orchestrator/internal/types"
)

// Server wires the Manager and Orchestrator to the §6 HTTP surface.
type Server struct {
	Manager      *store.Manager
	Orchestrator *orchestrator.Orchestrator
	Backend      llm.Backend
	Tools        tools.Registry
	Memory       executor.MemorySaver
	Cache        embedcache.Cache
	Logger       telemetry.Logger

	dec func(*http.Request) goahttp.Decoder
	enc func(context.Context, http.ResponseWriter) goahttp.Encoder
}

// NewServer builds a Server ready to be mounted via Handler.
func NewServer(m *store.Manager, o *orchestrator.Orchestrator) *Server {
	return &Server{
		Manager:      m,
		Orchestrator: o,
		Backend:      o.Backend,
		Tools:        o.Tools,
		Memory:       o.Memory,
		Cache:        o.Cache,
		Logger:       o.Logger,
		dec:          goahttp.RequestDecoder,
		enc:          goahttp.ResponseEncoder,
	}
}

// Handler builds the routed http.Handler for the full §6 surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /plans/propose", s.handleProposePlan)
	mux.HandleFunc("POST /plans/approve", s.handleApprovePlan)
	mux.HandleFunc("GET /plans", s.handleListPlans)
	mux.HandleFunc("GET /plans/{id}/tasks", s.handlePlanTasks)
	mux.HandleFunc("POST /plans/{id}/decompose", s.handlePlanDecompose)
	mux.HandleFunc("POST /tasks/{id}/decompose", s.handleTaskDecompose)
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("POST /tasks/{id}/execute", s.handleTaskExecute)
	mux.HandleFunc("GET /tasks/{id}/output", s.handleTaskOutput)
	mux.HandleFunc("POST /context/links", s.handleCreateLink)
	mux.HandleFunc("DELETE /context/links", s.handleDeleteLink)
	mux.HandleFunc("GET /context/links/{task_id}", s.handleGetLinks)
	mux.HandleFunc("POST /tasks/{id}/context/preview", s.handleContextPreview)
	mux.HandleFunc("GET /tasks/{id}/context/snapshots", s.handleListSnapshots)
	mux.HandleFunc("GET /tasks/{id}/context/snapshots/{label}", s.handleGetSnapshot)
	mux.HandleFunc("GET /plans/{id}/assembled", s.handleAssembled)

	return mux
}

func (s *Server) decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := s.dec(r).Decode(v); err != nil {
		return orcherr.Validation("malformed_request_body", err.Error())
	}
	return nil
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = s.enc(ctx, w).Encode(v)
}

// writeError implements the §6/§7 error envelope: {detail: {error: <code>,
// ...context}} with the status HTTPStatus() maps the error's Kind to.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	oe, ok := orcherr.Of(err)
	if !ok {
		oe = orcherr.New(orcherr.KindStore, "internal_error", err.Error(), err)
	}
	detail := map[string]any{"error": oe.Code}
	for k, v := range oe.Context {
		detail[k] = v
	}
	if oe.Message != "" {
		detail["message"] = oe.Message
	}
	s.logger().Error(ctx, "http request failed", "code", oe.Code, "kind", string(oe.Kind), "err", oe.Error())
	s.writeJSON(ctx, w, oe.HTTPStatus(), map[string]any{"detail": detail})
}

func (s *Server) logger() telemetry.Logger {
	if s.Logger == nil {
		return telemetry.NoopLogger{}
	}
	return s.Logger
}

// storeForPlan opens the PlanStore for a path {id} that names a plan.
func (s *Server) storeForPlan(ctx context.Context, planID string) (*store.PlanStore, error) {
	return s.Manager.PlanStore(ctx, planID)
}

// storeForTask resolves the PlanStore owning a path {id}/{task_id} that
// names a task directly, without a plan id in the route.
func (s *Server) storeForTask(ctx context.Context, taskID string) (*store.PlanStore, error) {
	return s.Manager.StoreForTask(ctx, taskID)
}

func (s *Server) assemblerFor(ps *store.PlanStore) *contextassembler.Assembler {
	a := &contextassembler.Assembler{Store: ps, Backend: s.Backend, Cache: s.Cache, Logger: s.logger()}
	if mq, ok := s.Memory.(contextassembler.MemorySource); ok {
		a.Memory = mq
	}
	return a
}

func (s *Server) decomposerFor(ps *store.PlanStore) (*decomposer.Decomposer, error) {
	return decomposer.New(ps, s.Backend, s.logger())
}

// --- handlers ---

type proposePlanRequest struct {
	Goal     string   `json:"goal"`
	Title    string   `json:"title,omitempty"`
	Sections []string `json:"sections,omitempty"`
	Style    string   `json:"style,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

func (s *Server) handleProposePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req proposePlanRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if req.Goal == "" {
		s.writeError(ctx, w, orcherr.Validation("missing_goal", "goal is required"))
		return
	}
	draft, err := s.Orchestrator.ProposePlan(ctx, req.Goal, orchestrator.Hints{
		Sections: req.Sections, Style: req.Style, Notes: req.Notes,
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if req.Title != "" {
		draft.Title = req.Title
	}
	s.writeJSON(ctx, w, http.StatusOK, draft)
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var draft orchestrator.PlanDraft
	if err := s.decode(r, &draft); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	planID, created, err := s.Orchestrator.ApprovePlan(ctx, &draft)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, map[string]any{"plan_id": planID, "tasks": created})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	plans, err := s.Manager.Registry().ListPlans(ctx)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, plans)
}

func (s *Server) handlePlanTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ps, err := s.storeForPlan(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	tasks, err := ps.PlanTasks(ctx)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, tasks)
}

type decomposePlanRequest struct {
	MaxDepth int `json:"max_depth,omitempty"`
}

func (s *Server) handlePlanDecompose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	planID := r.PathValue("id")
	var req decomposePlanRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	maxDepth := req.MaxDepth
	if maxDepth <= 0 {
		maxDepth = store.DefaultMaxDepth
	}
	addedIDs, err := s.Orchestrator.RecursiveDecompose(ctx, planID, maxDepth)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	ps, err := s.storeForPlan(ctx, planID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, map[string]any{"added": s.fetchTasks(ctx, ps, addedIDs)})
}

type taskDecomposeRequest struct {
	MaxSubtasks int  `json:"max_subtasks,omitempty"`
	Force       bool `json:"force,omitempty"`
	ToolAware   bool `json:"tool_aware,omitempty"`
}

func (s *Server) handleTaskDecompose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := r.PathValue("id")
	var req taskDecomposeRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	ps, err := s.storeForTask(ctx, taskID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	d, err := s.decomposerFor(ps)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	addedIDs, err := d.Decompose(ctx, taskID, decomposer.Options{
		MaxSubtasks: req.MaxSubtasks, Force: req.Force, ToolAware: req.ToolAware,
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, map[string]any{"added": s.fetchTasks(ctx, ps, addedIDs)})
}

func (s *Server) fetchTasks(ctx context.Context, ps *store.PlanStore, ids []string) []types.Task {
	out := make([]types.Task, 0, len(ids))
	for _, id := range ids {
		t, err := ps.GetTask(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out
}

type runRequest struct {
	PlanID            string                   `json:"plan_id,omitempty"`
	Title             string                   `json:"title,omitempty"`
	Strategy          scheduler.Strategy       `json:"strategy,omitempty"`
	Parallelism       int                      `json:"parallelism,omitempty"`
	UseContext        bool                     `json:"use_context,omitempty"`
	ContextOptions    contextassembler.Options `json:"context_options,omitempty"`
	AutoDecompose     bool                     `json:"auto_decompose,omitempty"`
	MaxDecomposeDepth int                      `json:"max_decompose_depth,omitempty"`
	UseTools          bool                     `json:"use_tools,omitempty"`
	EnableEvaluation  bool                     `json:"enable_evaluation,omitempty"`
	EvaluationMode    types.EvaluationMode     `json:"evaluation_mode,omitempty"`
	EvaluationOptions evaluator.Options        `json:"evaluation_options,omitempty"`
	AutoAssemble      bool                     `json:"auto_assemble,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req runRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(ctx, w, err)
		return
	}

	planID := req.PlanID
	if planID == "" && req.Title != "" {
		plan, _, err := s.Manager.Registry().GetPlanByTitle(ctx, req.Title)
		if err != nil {
			s.writeError(ctx, w, err)
			return
		}
		planID = plan.ID
	}
	if planID == "" {
		s.writeError(ctx, w, orcherr.Validation("missing_plan", "plan_id or title is required"))
		return
	}

	summary, err := s.Orchestrator.Run(ctx, planID, orchestrator.RunOptions{
		Strategy: req.Strategy, Parallelism: req.Parallelism, UseContext: req.UseContext,
		ContextOptions: req.ContextOptions, AutoDecompose: req.AutoDecompose,
		MaxDecomposeDepth: req.MaxDecomposeDepth, UseTools: req.UseTools,
		EnableEvaluation: req.EnableEvaluation, EvaluationMode: req.EvaluationMode,
		EvaluationOptions: req.EvaluationOptions, AutoAssemble: req.AutoAssemble,
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	status := "completed"
	if summary.Failed > 0 {
		status = "partial"
	}
	if summary.Failed > 0 && summary.Successful == 0 && summary.Total > 0 {
		status = "failed"
	}
	resp := map[string]any{
		"status": status, "total": summary.Total, "successful": summary.Successful,
		"failed": summary.Failed, "results": summary.Results,
	}
	if summary.Assembled != nil {
		resp["assembled"] = summary.Assembled
	}
	s.writeJSON(ctx, w, http.StatusOK, resp)
}

type taskExecuteRequest struct {
	UseContext     bool                 `json:"use_context,omitempty"`
	EvaluationMode types.EvaluationMode `json:"evaluation_mode,omitempty"`
	UseTools       bool                 `json:"use_tools,omitempty"`
}

func (s *Server) handleTaskExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := r.PathValue("id")
	var req taskExecuteRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	ps, err := s.storeForTask(ctx, taskID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	exec := &executor.Executor{Store: ps, Backend: s.Backend, Tools: s.Tools, Memory: s.Memory, Logger: s.logger()}
	opts := executor.Options{UseContext: req.UseContext, UseTools: req.UseTools}
	if req.UseContext {
		exec.Assembler = s.assemblerFor(ps)
	}
	if req.EvaluationMode != "" {
		opts.EnableEvaluation = true
		opts.EvaluationMode = req.EvaluationMode
		exec.Evaluator = evaluator.New(s.Backend)
	}

	res, err := exec.Execute(ctx, taskID, opts)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, res)
}

func (s *Server) handleTaskOutput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := r.PathValue("id")
	ps, err := s.storeForTask(ctx, taskID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	content, ok, err := ps.GetOutput(ctx, taskID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if !ok {
		s.writeError(ctx, w, orcherr.NotFound("output", taskID))
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, map[string]any{"content": content})
}

type linkRequest struct {
	FromID string         `json:"from_id"`
	ToID   string         `json:"to_id"`
	Kind   types.LinkKind `json:"kind"`
}

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req linkRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	ps, err := s.storeForTask(ctx, req.FromID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if err := ps.AddLink(ctx, req.FromID, req.ToID, req.Kind); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, map[string]any{})
}

func (s *Server) handleDeleteLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req linkRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	ps, err := s.storeForTask(ctx, req.FromID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if err := ps.RemoveLink(ctx, req.FromID, req.ToID, req.Kind); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, map[string]any{})
}

func (s *Server) handleGetLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := r.PathValue("task_id")
	ps, err := s.storeForTask(ctx, taskID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	inbound, err := ps.IncomingLinks(ctx, taskID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	outbound, err := ps.OutgoingLinks(ctx, taskID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, map[string]any{"inbound": inbound, "outbound": outbound})
}

func (s *Server) handleContextPreview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := r.PathValue("id")
	var opts contextassembler.Options
	if err := s.decode(r, &opts); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	ps, err := s.storeForTask(ctx, taskID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	bundle, err := s.assemblerFor(ps).Gather(ctx, taskID, opts)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, bundle)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := r.PathValue("id")
	ps, err := s.storeForTask(ctx, taskID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	snaps, err := ps.ListSnapshots(ctx, taskID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, snaps)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := r.PathValue("id")
	label := r.PathValue("label")
	ps, err := s.storeForTask(ctx, taskID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	snap, err := ps.GetSnapshot(ctx, taskID, label)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, snap)
}

func (s *Server) handleAssembled(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	planID := r.PathValue("id")
	assembled, err := s.Orchestrator.Assemble(ctx, planID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, assembled)
}


// Package evaluator implements §4.4 of SPEC_FULL.md: the three evaluation
// modes (single-judge, multi-expert, adversarial) that score a task's draft
// output and decide whether it needs revision. Evaluators are pure with
// respect to storage — they return a Result; the Executor is responsible
// for persisting it as an EvaluationRecord.
package evaluator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/orcherr"
	"github.com/taskgraph/orchestrator/internal/types"
)

// Options configures one evaluate() call.
type Options struct {
	Threshold      float64            // default 0.8
	MaxIterations  int                // default 3
	Weights        map[string]float64 // multi-expert role weights; default uniform
	ExpertRoles    []string           // multi-expert role prompts; defaults below if empty
}

// Result is the pure output of one evaluate() call.
type Result struct {
	OverallScore    float64
	DimensionScores map[string]float64
	Suggestions     []string
	NeedsRevision   bool
	Degraded        bool
	// RewrittenContent is populated only by the adversarial mode, carrying
	// the rewriter's addressed draft the Executor may adopt directly.
	RewrittenContent string
	Critique         string
}

var defaultExpertRoles = []string{"domain expert", "editor", "methodologist"}

const evaluationSchema = `{
  "type": "object",
  "required": ["overall_score", "dimensions", "suggestions"],
  "properties": {
    "overall_score": {"type": "number", "minimum": 0, "maximum": 1},
    "dimensions": {
      "type": "object",
      "properties": {
        "relevance": {"type": "number"},
        "completeness": {"type": "number"},
        "accuracy": {"type": "number"},
        "clarity": {"type": "number"},
        "coherence": {"type": "number"},
        "rigor": {"type": "number"}
      }
    },
    "suggestions": {"type": "array", "items": {"type": "string"}}
  }
}`

type judgeResponse struct {
	OverallScore float64            `json:"overall_score"`
	Dimensions   map[string]float64 `json:"dimensions"`
	Suggestions  []string           `json:"suggestions"`
}

// Evaluator runs one of the three evaluation modes against a backend,
// caching identical (task, content, mode, options) calls.
type Evaluator struct {
	Backend llm.Backend

	mu    sync.Mutex
	cache map[string]Result
}

// New builds an Evaluator backed by the given LLM backend.
func New(backend llm.Backend) *Evaluator {
	return &Evaluator{Backend: backend, cache: make(map[string]Result)}
}

// Evaluate dispatches to the requested mode, applying the result cache
// described in §4.4: "Results are cached by hash(task_id, content, mode,
// options) so identical re-runs do not re-call the backend."
func (e *Evaluator) Evaluate(ctx context.Context, taskID, content string, iteration int, mode types.EvaluationMode, opts Options) (Result, error) {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.8
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 3
	}

	key, err := cacheKey(taskID, content, mode, opts)
	if err == nil {
		e.mu.Lock()
		if cached, ok := e.cache[key]; ok {
			e.mu.Unlock()
			return cached, nil
		}
		e.mu.Unlock()
	}

	var result Result
	var evalErr error
	switch mode {
	case types.EvaluationModeMultiExpert:
		result, evalErr = e.multiExpert(ctx, content, iteration, opts)
	case types.EvaluationModeAdversarial:
		result, evalErr = e.adversarial(ctx, content, iteration, opts)
	default:
		result, evalErr = e.singleJudge(ctx, content, iteration, opts)
	}

	if evalErr != nil {
		if orcherr.IsCancelled(evalErr) {
			return Result{}, evalErr
		}
		// EvaluatorBackendError: fall back to a degraded, non-revising
		// record rather than looping forever on a broken backend.
		return Result{OverallScore: 0, NeedsRevision: false, Degraded: true,
			Suggestions: []string{"evaluation backend unavailable: " + evalErr.Error()}}, nil
	}

	if key != "" {
		e.mu.Lock()
		e.cache[key] = result
		e.mu.Unlock()
	}
	return result, nil
}

func (e *Evaluator) singleJudge(ctx context.Context, content string, iteration int, opts Options) (Result, error) {
	jr, err := e.judge(ctx, "You are a rigorous quality judge.", content)
	if err != nil {
		return Result{}, err
	}
	return Result{
		OverallScore:    jr.OverallScore,
		DimensionScores: jr.Dimensions,
		Suggestions:     jr.Suggestions,
		NeedsRevision:   jr.OverallScore < opts.Threshold && iteration < opts.MaxIterations,
	}, nil
}

func (e *Evaluator) multiExpert(ctx context.Context, content string, iteration int, opts Options) (Result, error) {
	roles := opts.ExpertRoles
	if len(roles) == 0 {
		roles = defaultExpertRoles
	}
	responses := make([]judgeResponse, len(roles))
	errs := make([]error, len(roles))
	var wg sync.WaitGroup
	for i, role := range roles {
		wg.Add(1)
		go func(i int, role string) {
			defer wg.Done()
			jr, err := e.judge(ctx, fmt.Sprintf("You are a %s reviewing this draft.", role), content)
			if err != nil {
				errs[i] = err
				return
			}
			responses[i] = jr
		}(i, role)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return Result{}, err
		}
	}

	weights := opts.Weights
	dims := map[string][]float64{}
	var weightedSum, weightSum float64
	var allSuggestions []string
	for i, role := range roles {
		w := 1.0
		if weights != nil {
			if v, ok := weights[role]; ok {
				w = v
			}
		}
		weightedSum += responses[i].OverallScore * w
		weightSum += w
		for dim, score := range responses[i].Dimensions {
			dims[dim] = append(dims[dim], score)
		}
		allSuggestions = append(allSuggestions, responses[i].Suggestions...)
	}
	if weightSum == 0 {
		weightSum = 1
	}
	avgDims := map[string]float64{}
	for dim, scores := range dims {
		var sum float64
		for _, s := range scores {
			sum += s
		}
		avgDims[dim] = sum / float64(len(scores))
	}
	overall := weightedSum / weightSum

	return Result{
		OverallScore:    overall,
		DimensionScores: avgDims,
		Suggestions:     dedupeSuggestions(allSuggestions),
		NeedsRevision:   overall < opts.Threshold && iteration < opts.MaxIterations,
	}, nil
}

func (e *Evaluator) adversarial(ctx context.Context, content string, iteration int, opts Options) (Result, error) {
	critique, err := e.Backend.Chat(ctx, llm.ChatRequest{
		System: "You are a critic. List the concrete weaknesses of this draft, one per line.",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: content}},
	})
	if err != nil {
		return Result{}, err
	}

	rewrite, err := e.Backend.Chat(ctx, llm.ChatRequest{
		System: "You are a rewriter. Address every weakness listed and produce the improved draft only.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "Original draft:\n" + content},
			{Role: llm.RoleUser, Content: "Weaknesses:\n" + critique.Text},
		},
	})
	if err != nil {
		return Result{}, err
	}

	jr, err := e.judge(ctx, "You are a rigorous quality judge.", rewrite.Text)
	if err != nil {
		return Result{}, err
	}

	return Result{
		OverallScore:     jr.OverallScore,
		DimensionScores:  jr.Dimensions,
		Suggestions:      jr.Suggestions,
		NeedsRevision:    jr.OverallScore < opts.Threshold && iteration < opts.MaxIterations,
		RewrittenContent: rewrite.Text,
		Critique:         critique.Text,
	}, nil
}

func (e *Evaluator) judge(ctx context.Context, system, content string) (judgeResponse, error) {
	resp, err := e.Backend.Chat(ctx, llm.ChatRequest{
		System:   system,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: content}},
		Schema:   json.RawMessage(evaluationSchema),
	})
	if err != nil {
		return judgeResponse{}, err
	}
	var jr judgeResponse
	if err := json.Unmarshal([]byte(resp.Text), &jr); err != nil {
		return judgeResponse{}, orcherr.New(orcherr.KindBackendPermanent, "malformed_evaluation", "judge returned non-JSON output", err)
	}
	return jr, nil
}

func dedupeSuggestions(suggestions []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range suggestions {
		norm := strings.ToLower(strings.TrimSpace(s))
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func cacheKey(taskID, content string, mode types.EvaluationMode, opts Options) (string, error) {
	payload, err := json.Marshal(struct {
		TaskID  string
		Content string
		Mode    types.EvaluationMode
		Options Options
	}{taskID, content, mode, opts})
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:]), nil
}

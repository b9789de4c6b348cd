package evaluator_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskgraph/orchestrator/internal/evaluator"
	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/orcherr"
	"github.com/taskgraph/orchestrator/internal/types"
)

func containsCritic(s string) bool { return strings.Contains(s, "critic") }

type scriptedBackend struct {
	reply func(req llm.ChatRequest) string
	err   error
	calls int
}

func (b *scriptedBackend) Name() string                  { return "scripted" }
func (b *scriptedBackend) Ping(ctx context.Context) error { return nil }
func (b *scriptedBackend) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return &llm.ChatResponse{Text: b.reply(req)}, nil
}
func (b *scriptedBackend) Embed(ctx context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error) {
	return &llm.EmbedResponse{}, nil
}

func scoreReply(score float64) string {
	raw, _ := json.Marshal(map[string]any{
		"overall_score": score,
		"dimensions":    map[string]float64{"relevance": score},
		"suggestions":   []string{"improve clarity"},
	})
	return string(raw)
}

func TestSingleJudgeNeedsRevisionBelowThreshold(t *testing.T) {
	backend := &scriptedBackend{reply: func(req llm.ChatRequest) string { return scoreReply(0.5) }}
	e := evaluator.New(backend)

	res, err := e.Evaluate(context.Background(), "t1", "draft", 0, types.EvaluationModeSingleJudge, evaluator.Options{Threshold: 0.8, MaxIterations: 3})
	require.NoError(t, err)
	require.True(t, res.NeedsRevision)
	require.Equal(t, 0.5, res.OverallScore)
}

func TestSingleJudgeStopsAtMaxIterations(t *testing.T) {
	backend := &scriptedBackend{reply: func(req llm.ChatRequest) string { return scoreReply(0.5) }}
	e := evaluator.New(backend)

	res, err := e.Evaluate(context.Background(), "t1", "draft", 3, types.EvaluationModeSingleJudge, evaluator.Options{Threshold: 0.8, MaxIterations: 3})
	require.NoError(t, err)
	require.False(t, res.NeedsRevision)
}

func TestEvaluationResultsAreCached(t *testing.T) {
	backend := &scriptedBackend{reply: func(req llm.ChatRequest) string { return scoreReply(0.9) }}
	e := evaluator.New(backend)

	_, err := e.Evaluate(context.Background(), "t1", "draft", 0, types.EvaluationModeSingleJudge, evaluator.Options{})
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), "t1", "draft", 0, types.EvaluationModeSingleJudge, evaluator.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, backend.calls, "identical calls should hit the cache")
}

func TestMultiExpertAveragesAndDedupesSuggestions(t *testing.T) {
	backend := &scriptedBackend{reply: func(req llm.ChatRequest) string { return scoreReply(0.7) }}
	e := evaluator.New(backend)

	res, err := e.Evaluate(context.Background(), "t1", "draft", 0, types.EvaluationModeMultiExpert, evaluator.Options{Threshold: 0.8, MaxIterations: 3})
	require.NoError(t, err)
	require.InDelta(t, 0.7, res.OverallScore, 1e-9)
	require.Len(t, res.Suggestions, 1, "identical suggestions from each expert should dedupe to one")
}

func TestAdversarialReturnsRewrittenContent(t *testing.T) {
	backend := &scriptedBackend{reply: func(req llm.ChatRequest) string {
		switch {
		case req.Schema != nil:
			return scoreReply(0.9)
		case containsCritic(req.System):
			return "weakness: too vague"
		default:
			return "rewritten draft"
		}
	}}
	e := evaluator.New(backend)

	res, err := e.Evaluate(context.Background(), "t1", "draft", 0, types.EvaluationModeAdversarial, evaluator.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, res.RewrittenContent)
	require.NotEmpty(t, res.Critique)
}

func TestDegradedOnBackendFailure(t *testing.T) {
	backend := &scriptedBackend{err: orcherr.New(orcherr.KindBackendPermanent, "boom", "provider exploded", nil)}
	e := evaluator.New(backend)

	res, err := e.Evaluate(context.Background(), "t1", "draft", 0, types.EvaluationModeSingleJudge, evaluator.Options{})
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.False(t, res.NeedsRevision)
}

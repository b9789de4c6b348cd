package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/taskgraph/orchestrator/internal/orcherr"
)

// Mock is a deterministic, offline Backend. It never calls a network
// provider: Chat derives a plausible reply from the request transcript (and,
// when a Schema is set, emits one fixed subtasks object whatever the schema,
// which matches neither the decomposer's schema nor the evaluator's scored
// verdict), and Embed hashes each input into a fixed
// vector. Selected via LLM_MOCK=1 so tests and local development do not
// require provider credentials.
type Mock struct {
	// Dim is the embedding vector width. Defaults to 16 when zero.
	Dim int
}

var _ Backend = (*Mock)(nil)

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Mock) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, orcherr.New(orcherr.KindCancelled, "cancelled", "mock chat request cancelled", err)
	}
	var last string
	for _, msg := range req.Messages {
		if msg.Role == RoleUser {
			last = msg.Content
		}
	}
	var text string
	if len(req.Schema) > 0 {
		text = mockStructuredReply(last)
	} else {
		text = fmt.Sprintf("mock reply to: %s", truncate(last, 200))
	}
	return &ChatResponse{
		Text:  text,
		Usage: Usage{InputTokens: len(last) / 4, OutputTokens: len(text) / 4},
	}, nil
}

func (m *Mock) Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dim := m.Dim
	if dim <= 0 {
		dim = 16
	}
	vectors := make([][]float32, len(req.Input))
	for i, s := range req.Input {
		vectors[i] = hashEmbed(s, dim)
	}
	return &EmbedResponse{Vectors: vectors}, nil
}

// hashEmbed turns a string into a deterministic unit-ish vector by chunking
// its SHA-256 digest into signed byte-derived floats. Not a semantic
// embedding; it exists so offline runs exercise the same code paths
// (similarity scoring, caching) that a real embedding model would.
func hashEmbed(s string, dim int) []float32 {
	sum := sha256.Sum256([]byte(s))
	out := make([]float32, dim)
	for i := 0; i < dim; i++ {
		b := sum[i%len(sum):]
		var v uint32
		if len(b) >= 4 {
			v = binary.BigEndian.Uint32(b[:4])
		} else {
			v = uint32(b[0])
		}
		out[i] = (float32(v%2000) - 1000) / 1000
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// mockStructuredReply produces a minimal JSON document, a one-entry
// "subtasks" array of {name, task_type, input}, regardless of the actual
// schema. It lacks the decomposer's required fields (complexity,
// should_decompose, and name/instruction/kind per subtask), so the
// decomposer rejects it and falls back to its heuristic; it carries none of
// the evaluator's score fields either.
func mockStructuredReply(goal string) string {
	name := strings.TrimSpace(goal)
	if name == "" {
		name = "task"
	}
	if len(name) > 60 {
		name = name[:60]
	}
	return fmt.Sprintf(`{"subtasks":[{"name":%q,"task_type":"atomic","input":%q}]}`, name, goal)
}

package ratelimit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/llm/ratelimit"
	"github.com/taskgraph/orchestrator/internal/orcherr"
)

func TestWrapDelegatesAndBacksOffOnRateLimit(t *testing.T) {
	var calls int
	backend := fakeBackend{
		chat: func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
			calls++
			return nil, orcherr.Transient("rate_limited", "simulated rate limit", nil)
		},
	}

	l := ratelimit.New(600, 600)
	wrapped := l.Wrap(&backend)

	before := l.CurrentTPM()
	_, err := wrapped.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Less(t, l.CurrentTPM(), before, "a transient error should shrink the effective budget")
}

func TestWrapRecoversOnSuccess(t *testing.T) {
	backend := fakeBackend{
		chat: func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
			return &llm.ChatResponse{Text: "ok"}, nil
		},
	}
	l := ratelimit.New(600, 1200)
	wrapped := l.Wrap(&backend)

	before := l.CurrentTPM()
	_, err := wrapped.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, l.CurrentTPM(), before)
}

type fakeBackend struct {
	chat func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

func (f *fakeBackend) Name() string                      { return "fake" }
func (f *fakeBackend) Ping(ctx context.Context) error     { return nil }
func (f *fakeBackend) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return f.chat(ctx, req)
}
func (f *fakeBackend) Embed(ctx context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error) {
	return &llm.EmbedResponse{}, nil
}

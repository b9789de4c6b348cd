package llm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskgraph/orchestrator/internal/llm"
)

func TestMockChatIsDeterministic(t *testing.T) {
	m := &llm.Mock{}
	req := llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "summarize the plan"}}}

	first, err := m.Chat(context.Background(), req)
	require.NoError(t, err)
	second, err := m.Chat(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.Text, second.Text)
}

func TestMockChatRespectsCancellation(t *testing.T) {
	m := &llm.Mock{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Chat(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestMockEmbedIsDeterministicAndStable(t *testing.T) {
	m := &llm.Mock{}
	resp1, err := m.Embed(context.Background(), llm.EmbedRequest{Input: []string{"alpha", "beta"}})
	require.NoError(t, err)
	resp2, err := m.Embed(context.Background(), llm.EmbedRequest{Input: []string{"alpha", "beta"}})
	require.NoError(t, err)
	require.Equal(t, resp1.Vectors, resp2.Vectors)
	require.NotEqual(t, resp1.Vectors[0], resp1.Vectors[1], "distinct inputs should not collide")
}

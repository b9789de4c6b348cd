package openai

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/orcherr"
)

type stubChatClient struct {
	lastChatRequest openai.ChatCompletionRequest
	chatResp        openai.ChatCompletionResponse
	chatErr         error

	embedResp openai.EmbeddingResponse
	embedErr  error
}

func (s *stubChatClient) CreateChatCompletion(_ context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.lastChatRequest = request
	return s.chatResp, s.chatErr
}

func (s *stubChatClient) CreateEmbeddings(_ context.Context, _ openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	return s.embedResp, s.embedErr
}

func TestChatTranslatesTextAndUsage(t *testing.T) {
	stub := &stubChatClient{chatResp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "world"}}},
		Usage:   openai.Usage{PromptTokens: 10, CompletionTokens: 5},
	}}
	cl, err := New(Options{Client: stub, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := cl.Chat(context.Background(), llm.ChatRequest{
		System:   "be terse",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	require.Equal(t, "world", resp.Text)
	require.Equal(t, 10, resp.Usage.InputTokens)
	require.Equal(t, 5, resp.Usage.OutputTokens)

	require.Equal(t, "gpt-4o", stub.lastChatRequest.Model)
	require.Equal(t, openai.ChatMessageRoleSystem, stub.lastChatRequest.Messages[0].Role)
	require.Equal(t, "be terse", stub.lastChatRequest.Messages[0].Content)
}

func TestChatSetsJSONResponseFormatWhenSchemaRequested(t *testing.T) {
	stub := &stubChatClient{}
	cl, err := New(Options{Client: stub, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Schema:   []byte(`{"type":"object"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, stub.lastChatRequest.ResponseFormat)
	require.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, stub.lastChatRequest.ResponseFormat.Type)
}

func TestChatRequiresMessages(t *testing.T) {
	cl, err := New(Options{Client: &stubChatClient{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), llm.ChatRequest{})
	require.Error(t, err)
	oe, ok := orcherr.Of(err)
	require.True(t, ok)
	require.Equal(t, orcherr.KindValidation, oe.Kind)
}

func TestChatMapsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stub := &stubChatClient{chatErr: context.Canceled}
	cl, err := New(Options{Client: stub, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = cl.Chat(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	oe, ok := orcherr.Of(err)
	require.True(t, ok)
	require.Equal(t, orcherr.KindCancelled, oe.Kind)
}

func TestChatMapsRateLimitToTransient(t *testing.T) {
	apiErr := &openai.APIError{HTTPStatusCode: 429}
	stub := &stubChatClient{chatErr: apiErr}
	cl, err := New(Options{Client: stub, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	oe, ok := orcherr.Of(err)
	require.True(t, ok)
	require.Equal(t, orcherr.KindBackendTransient, oe.Kind)
	require.True(t, oe.Retryable())
}

func TestChatMapsOtherErrorsToPermanent(t *testing.T) {
	stub := &stubChatClient{chatErr: errors.New("boom")}
	cl, err := New(Options{Client: stub, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	oe, ok := orcherr.Of(err)
	require.True(t, ok)
	require.Equal(t, orcherr.KindBackendPermanent, oe.Kind)
}

func TestEmbedTranslatesVectors(t *testing.T) {
	stub := &stubChatClient{embedResp: openai.EmbeddingResponse{
		Data: []openai.Embedding{{Embedding: []float32{0.1, 0.2}}, {Embedding: []float32{0.3, 0.4}}},
	}}
	cl, err := New(Options{Client: stub, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	resp, err := cl.Embed(context.Background(), llm.EmbedRequest{Input: []string{"a", "b"}})
	require.NoError(t, err)
	require.Len(t, resp.Vectors, 2)
	require.Equal(t, []float32{0.1, 0.2}, resp.Vectors[0])
}

func TestNewRequiresClientAndDefaultModel(t *testing.T) {
	_, err := New(Options{DefaultModel: "gpt-4o"})
	require.Error(t, err)

	_, err = New(Options{Client: &stubChatClient{}})
	require.Error(t, err)
}

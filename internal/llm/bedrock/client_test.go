package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/orcherr"
)

type stubRuntimeClient struct {
	lastInput *bedrockruntime.ConverseInput
	resp      *bedrockruntime.ConverseOutput
	err       error
}

func (s *stubRuntimeClient) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.lastInput = params
	return s.resp, s.err
}

func TestChatTranslatesTextAndUsage(t *testing.T) {
	stub := &stubRuntimeClient{resp: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "world"}}},
		},
		Usage: &brtypes.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}}
	cl, err := New(Options{Runtime: stub, DefaultModel: "anthropic.claude"})
	require.NoError(t, err)

	resp, err := cl.Chat(context.Background(), llm.ChatRequest{
		System:   "be terse",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	require.Equal(t, "world", resp.Text)

	require.Equal(t, "anthropic.claude", *stub.lastInput.ModelId)
	require.Len(t, stub.lastInput.System, 1)
}

func TestChatRequiresMessages(t *testing.T) {
	cl, err := New(Options{Runtime: &stubRuntimeClient{}, DefaultModel: "anthropic.claude"})
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
	stub := &stubRuntimeClient{err: context.Canceled}
	cl, err := New(Options{Runtime: stub, DefaultModel: "anthropic.claude"})
	require.NoError(t, err)

	_, err = cl.Chat(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	oe, ok := orcherr.Of(err)
	require.True(t, ok)
	require.Equal(t, orcherr.KindCancelled, oe.Kind)
}

func TestChatMapsThrottlingToTransient(t *testing.T) {
	stub := &stubRuntimeClient{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "too many requests"}}
	cl, err := New(Options{Runtime: stub, DefaultModel: "anthropic.claude"})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	oe, ok := orcherr.Of(err)
	require.True(t, ok)
	require.Equal(t, orcherr.KindBackendTransient, oe.Kind)
	require.True(t, oe.Retryable())
}

func TestChatMapsOtherErrorsToPermanent(t *testing.T) {
	stub := &stubRuntimeClient{err: errors.New("boom")}
	cl, err := New(Options{Runtime: stub, DefaultModel: "anthropic.claude"})
	require.NoError(t, err)

	_, err = cl.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	oe, ok := orcherr.Of(err)
	require.True(t, ok)
	require.Equal(t, orcherr.KindBackendPermanent, oe.Kind)
}

func TestEmbedIsUnsupported(t *testing.T) {
	cl, err := New(Options{Runtime: &stubRuntimeClient{}, DefaultModel: "anthropic.claude"})
	require.NoError(t, err)

	_, err = cl.Embed(context.Background(), llm.EmbedRequest{Input: []string{"x"}})
	require.Error(t, err)
	oe, ok := orcherr.Of(err)
	require.True(t, ok)
	require.Equal(t, orcherr.KindBackendPermanent, oe.Kind)
	require.Equal(t, "unsupported_operation", oe.Code)
}

func TestNewRequiresRuntimeAndDefaultModel(t *testing.T) {
	_, err := New(Options{DefaultModel: "anthropic.claude"})
	require.Error(t, err)

	_, err = New(Options{Runtime: &stubRuntimeClient{}})
	require.Error(t, err)
}

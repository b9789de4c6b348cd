// Package openai adapts llm.Backend onto the OpenAI Chat Completions API
// using github.com/sashabaranov/go-openai, following the same ChatClient
// seam and translation shape as goa-ai's own OpenAI adapter.
package openai

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/orcherr"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateEmbeddings(ctx context.Context, request openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client        ChatClient
	DefaultModel  string
	EmbeddingModel string
}

// Client implements llm.Backend via the OpenAI Chat Completions + Embeddings
// APIs.
type Client struct {
	chat      ChatClient
	model     string
	embedModel string
}

var _ llm.Backend = (*Client)(nil)

// New builds a Client from an existing ChatClient.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("default model is required")
	}
	embedModel := strings.TrimSpace(opts.EmbeddingModel)
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}
	return &Client{chat: opts.Client, model: modelID, embedModel: embedModel}, nil
}

// NewFromAPIKey constructs a Client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

func (c *Client) Name() string { return "openai" }

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Chat(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "ping"}}, MaxTokens: 1})
	return err
}

func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, orcherr.Validation("invalid_request", "messages are required")
	}
	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: string(msg.Role), Content: msg.Content})
	}
	request := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if len(req.Schema) > 0 {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	resp, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		if ctx.Err() != nil {
			return nil, orcherr.New(orcherr.KindCancelled, "cancelled", "openai request cancelled", ctx.Err())
		}
		if isRateLimited(err) {
			return nil, orcherr.Transient("rate_limited", "openai rate limit exceeded", err)
		}
		return nil, orcherr.New(orcherr.KindBackendPermanent, "provider_error", "openai chat completion failed", err)
	}
	return translateResponse(resp), nil
}

func (c *Client) Embed(ctx context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error) {
	model := req.Model
	if model == "" {
		model = c.embedModel
	}
	resp, err := c.chat.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: req.Input,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, orcherr.New(orcherr.KindBackendPermanent, "provider_error", "openai embeddings failed", err)
	}
	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return &llm.EmbedResponse{Vectors: vectors}, nil
}

func translateResponse(resp openai.ChatCompletionResponse) *llm.ChatResponse {
	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	return &llm.ChatResponse{
		Text: text,
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429
	}
	return false
}

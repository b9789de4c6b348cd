// Package anthropic adapts llm.Backend onto the Anthropic Claude Messages
// API, following the request/response shape of goa-ai's own Anthropic
// client: a MessagesClient seam for testability and System split out of the
// conversational messages. A request uses its own Model, or the default
// model when it names none; the high and small model names are stored but
// not consulted when choosing a model.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/orcherr"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, satisfied by *sdk.MessageService or a test double.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter's model resolution and defaults.
type Options struct {
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int
	Temperature  float64
}

// Client implements llm.Backend on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	highModel    string
	smallModel   string
	maxTokens    int
	temperature  float64
}

var _ llm.Backend = (*Client)(nil)

// New builds a Client from an existing Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTokens:    maxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP client,
// reading the key from the caller-supplied value (see internal/config for
// the ANTHROPIC_API_KEY env binding).
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Chat(ctx, llm.ChatRequest{
		Model:     c.defaultModel,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}

// Embed is not offered by the Messages API; callers needing embeddings with
// an Anthropic-only deployment should pair this Backend with another
// provider's Embed, or run with the Mock/Redis-backed embedding cache.
func (c *Client) Embed(ctx context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error) {
	return nil, orcherr.New(orcherr.KindBackendPermanent, "unsupported_operation", "anthropic backend does not implement embeddings", nil)
}

func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, orcherr.New(orcherr.KindValidation, "invalid_request", err.Error(), nil)
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, orcherr.New(orcherr.KindCancelled, "cancelled", "anthropic request cancelled", ctx.Err())
		}
		if isRateLimited(err) {
			return nil, orcherr.Transient("rate_limited", "anthropic rate limit exceeded", err)
		}
		return nil, orcherr.New(orcherr.KindBackendPermanent, "provider_error", "anthropic messages.new failed", err)
	}
	return translateResponse(msg), nil
}

func (c *Client) prepareRequest(req llm.ChatRequest) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	var system []sdk.TextBlockParam
	if req.System != "" {
		system = append(system, sdk.TextBlockParam{Text: req.System})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case llm.RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case llm.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	params := &sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = sdk.Float(t)
	} else if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}
	return params, nil
}

func translateResponse(msg *sdk.Message) *llm.ChatResponse {
	var sb strings.Builder
	for _, block := range msg.Content {
		if text := block.Text; text != "" {
			sb.WriteString(text)
		}
	}
	return &llm.ChatResponse{
		Text: sb.String(),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

// Package bedrock adapts llm.Backend onto the AWS Bedrock Converse API,
// following the request/response shape of goa-ai's own Bedrock client: a
// RuntimeClient seam for testability and system/conversational message
// splitting via brtypes.
package bedrock

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/orcherr"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used by
// the adapter, satisfied by *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock client adapter.
type Options struct {
	Runtime      RuntimeClient
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// Client implements llm.Backend on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int32
	temperature  float32
}

var _ llm.Backend = (*Client)(nil)

// New builds a Client from an existing Bedrock runtime client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := int32(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{runtime: opts.Runtime, defaultModel: opts.DefaultModel, maxTokens: maxTokens, temperature: opts.Temperature}, nil
}

func (c *Client) Name() string { return "bedrock" }

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Chat(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "ping"}}, MaxTokens: 1})
	return err
}

// Embed is not offered by the Converse API in this deployment; pair this
// Backend with the OpenAI adapter or the Mock for embeddings.
func (c *Client) Embed(ctx context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error) {
	return nil, orcherr.New(orcherr.KindBackendPermanent, "unsupported_operation", "bedrock backend does not implement embeddings", nil)
}

func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, orcherr.Validation("invalid_request", "messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := int32(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	var messages []brtypes.Message
	var system []brtypes.SystemContentBlock
	if req.System != "" {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: req.System})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case llm.RoleUser:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case llm.RoleAssistant:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}

	inferenceConfig := &brtypes.InferenceConfiguration{MaxTokens: &maxTokens}
	temp := req.Temperature
	if temp <= 0 {
		temp = float64(c.temperature)
	}
	if temp > 0 {
		t := float32(temp)
		inferenceConfig.Temperature = &t
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         &modelID,
		Messages:        messages,
		InferenceConfig: inferenceConfig,
	}
	if len(system) > 0 {
		input.System = system
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, orcherr.New(orcherr.KindCancelled, "cancelled", "bedrock request cancelled", ctx.Err())
		}
		if isThrottled(err) {
			return nil, orcherr.Transient("rate_limited", "bedrock throttling exception", err)
		}
		return nil, orcherr.New(orcherr.KindBackendPermanent, "provider_error", "bedrock converse failed", err)
	}
	return translateResponse(output), nil
}

func translateResponse(output *bedrockruntime.ConverseOutput) *llm.ChatResponse {
	resp := &llm.ChatResponse{}
	msgOutput, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if ok {
		for _, block := range msgOutput.Value.Content {
			if textBlock, ok := block.(*brtypes.ContentBlockMemberText); ok {
				resp.Text += textBlock.Value
			}
		}
	}
	if output.Usage != nil {
		resp.Usage.InputTokens = int(output.Usage.InputTokens)
		resp.Usage.OutputTokens = int(output.Usage.OutputTokens)
	}
	return resp
}

func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ThrottlingException"
	}
	return false
}

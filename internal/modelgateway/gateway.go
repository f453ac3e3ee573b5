// Package modelgateway is the thin LLM client selecting an Anthropic or
// OpenAI backend by CHOIR_DEFAULT_MODEL, used by the harness turn
// engine's call_llm step and the conductor's capability-routing turn.
// Interface-wrapping of the concrete SDK client is ported from
// goadesign-goa-ai's features/model/anthropic/client.go (MessagesClient
// narrow interface satisfied by either the real SDK service or a test
// fake), generalized here to a provider-agnostic Client.
package modelgateway

import (
	"context"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openaisdk "github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"

	"github.com/choiros/sandbox/internal/apperr"
)

// Request is the provider-agnostic completion request the harness
// issues for compose_context -> call_llm (spec.md §4.7).
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
}

type Message struct {
	Role    string // "user" | "assistant"
	Content string
}

// Response carries back the model's raw text plus a usage summary for
// checkpointing/diagnostics.
type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Client is the narrow surface the harness and conductor need.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// anthropicMessages is the narrow subset of the Anthropic SDK used here,
// satisfied by *anthropicsdk.MessageService or a test fake — mirrors
// goa-ai's MessagesClient interface exactly.
type anthropicMessages interface {
	New(ctx context.Context, body anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

// AnthropicClient adapts the Anthropic Messages API to Client.
type AnthropicClient struct {
	msg          anthropicMessages
	defaultModel string
}

// NewAnthropic builds an AnthropicClient from an API key.
func NewAnthropic(apiKey, defaultModel string) *AnthropicClient {
	ac := anthropicsdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{msg: &ac.Messages, defaultModel: defaultModel}
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var msgs []anthropicsdk.MessageParam
	for _, m := range req.Messages {
		block := anthropicsdk.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			msgs = append(msgs, anthropicsdk.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropicsdk.NewUserMessage(block))
		}
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.SystemPrompt}}
	}

	resp, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, apperr.Wrap(apperr.ModelGatewayError, "anthropic completion", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		Text:         text.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// OpenAIClient adapts the Chat Completions API to Client.
type OpenAIClient struct {
	client       openaisdk.Client
	defaultModel string
}

// NewOpenAI builds an OpenAIClient from an API key.
func NewOpenAI(apiKey, defaultModel string) *OpenAIClient {
	return &OpenAIClient{client: openaisdk.NewClient(openaioption.WithAPIKey(apiKey)), defaultModel: defaultModel}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	var msgs []openaisdk.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		msgs = append(msgs, openaisdk.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		if m.Role == "assistant" {
			msgs = append(msgs, openaisdk.AssistantMessage(m.Content))
		} else {
			msgs = append(msgs, openaisdk.UserMessage(m.Content))
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model:    model,
		Messages: msgs,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ModelGatewayError, "openai completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.New(apperr.ModelGatewayError, "openai completion: no choices returned")
	}

	return &Response{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Select picks a Client for the given CHOIR_DEFAULT_MODEL identifier,
// inferring provider from its prefix ("claude-" => Anthropic, "gpt-"/
// "o1-"/"o3-" => OpenAI).
func Select(defaultModel, anthropicAPIKey, openaiAPIKey string) (Client, error) {
	switch {
	case strings.HasPrefix(defaultModel, "claude-"):
		if anthropicAPIKey == "" {
			return nil, apperr.New(apperr.ModelGatewayError, "ANTHROPIC_API_KEY not set")
		}
		return NewAnthropic(anthropicAPIKey, defaultModel), nil
	case strings.HasPrefix(defaultModel, "gpt-") || strings.HasPrefix(defaultModel, "o1-") || strings.HasPrefix(defaultModel, "o3-"):
		if openaiAPIKey == "" {
			return nil, apperr.New(apperr.ModelGatewayError, "OPENAI_API_KEY not set")
		}
		return NewOpenAI(openaiAPIKey, defaultModel), nil
	default:
		return nil, apperr.New(apperr.InvalidRequest, fmt.Sprintf("modelgateway: unrecognized model %q", defaultModel))
	}
}

package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/kelurahan/switchboard/internal/api"
	"github.com/sashabaranov/go-openai"
)

// DefaultPrompt is the system prompt used when none is configured.
const DefaultPrompt = "You are the virtual assistant of a village administration office. " +
	"Answer citizens politely and briefly in the language they write in."

// maxHistory bounds how many earlier messages are sent as context.
const maxHistory = 20

// OpenAI replies through an OpenAI-compatible chat completion API.
type OpenAI struct {
	client      *openai.Client
	model       string
	prompt      string
	maxTokens   int
	temperature float32
}

// OpenAIOpts holds parameters for creating an OpenAI responder.
type OpenAIOpts struct {
	APIKey      string
	BaseURL     string // optional, for compatible gateways
	Model       string
	Prompt      string // defaults to DefaultPrompt
	MaxTokens   int    // defaults to 512
	Temperature float32
}

// NewOpenAI creates an OpenAI responder.
func NewOpenAI(opts OpenAIOpts) (*OpenAI, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("responder: openai: model is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 512
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.3
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		prompt:      opts.Prompt,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
	}, nil
}

// Reply implements Responder.
func (o *OpenAI) Reply(ctx context.Context, turn Turn) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    o.buildMessages(turn),
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("responder: openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("responder: openai: empty response")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("responder: openai: empty reply")
	}
	return text, nil
}

func (o *OpenAI) buildMessages(turn Turn) []openai.ChatCompletionMessage {
	system := o.prompt
	if turn.TenantName != "" {
		system += "\nOffice: " + turn.TenantName
	}
	history := turn.History
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Direction == api.DirectionOut {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: turn.Inbound})
	return msgs
}

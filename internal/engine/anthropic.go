package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicEngine implements Chatter with the Messages API. Anthropic has no
// embeddings endpoint, so it is chat-only.
type AnthropicEngine struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicEngine creates an engine. baseURL is optional.
func NewAnthropicEngine(apiKey, baseURL, model string, maxTokens int) *AnthropicEngine {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	mt := int64(maxTokens)
	if mt <= 0 {
		mt = defaultAnthropicMaxTokens
	}
	return &AnthropicEngine{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: mt,
	}
}

func (e *AnthropicEngine) Chat(ctx context.Context, messages []Message) (string, error) {
	system, convo := splitSystem(messages)

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(e.model),
		Messages:    toAnthropicMessages(convo),
		MaxTokens:   e.maxTokens,
		Temperature: anthropic.Float(0),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic chat: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

func (e *AnthropicEngine) Model() string {
	return e.model
}

// toAnthropicMessages maps the conversation onto alternating user/assistant
// turns. The API requires the first turn to be from the user.
func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleAssistant {
			if len(out) == 0 {
				continue
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)},
			})
			continue
		}
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
	}
	return out
}

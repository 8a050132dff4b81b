package engine

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures the OpenAI engine. BaseURL lets the engine talk to
// any OpenAI-compatible server.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	ChatModel  string
	EmbedModel string
	Dimension  int
	MaxTokens  int
}

// OpenAIEngine implements Chatter with chat completions and exposes an
// EmbeddingModel backed by the embeddings endpoint.
type OpenAIEngine struct {
	client openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIEngine creates an engine using the official SDK.
func NewOpenAIEngine(cfg OpenAIConfig) *OpenAIEngine {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIEngine{
		client: openai.NewClient(opts...),
		cfg:    cfg,
	}
}

func (e *OpenAIEngine) Chat(ctx context.Context, messages []Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(e.cfg.ChatModel),
		Messages:    toOpenAIMessages(messages),
		Temperature: openai.Float(0),
	}
	if e.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(e.cfg.MaxTokens))
	}

	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat: no response choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func (e *OpenAIEngine) Model() string {
	return e.cfg.ChatModel
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// Embedder returns the embedding side of the engine.
func (e *OpenAIEngine) Embedder() EmbeddingModel {
	return openAIEmbedder{e}
}

type openAIEmbedder struct{ e *OpenAIEngine }

func (o openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(o.e.cfg.EmbedModel),
	}
	if o.e.cfg.Dimension > 0 {
		params.Dimensions = openai.Int(int64(o.e.cfg.Dimension))
	}

	resp, err := o.e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai embed: empty embedding returned")
	}

	src := resp.Data[0].Embedding
	vec := make([]float32, len(src))
	for i, v := range src {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (o openAIEmbedder) Model() string {
	return o.e.cfg.EmbedModel
}

package engine

import (
	"context"

	"github.com/kalambet/supportkb/internal/ollama"
)

// OllamaEngine adapts the internal/ollama.Client to Chatter, EmbeddingModel
// and ModelManager.
type OllamaEngine struct {
	client     *ollama.Client
	chatModel  string
	embedModel string
	maxTokens  int
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL, chatModel, embedModel string, maxTokens int) *OllamaEngine {
	return &OllamaEngine{
		client:     ollama.New(baseURL),
		chatModel:  chatModel,
		embedModel: embedModel,
		maxTokens:  maxTokens,
	}
}

// Chat runs the chat model with temperature 0 so answers are repeatable.
func (e *OllamaEngine) Chat(ctx context.Context, messages []Message) (string, error) {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	return e.client.Chat(ctx, e.chatModel, msgs, &ollama.Options{Temperature: 0, NumPredict: e.maxTokens})
}

func (e *OllamaEngine) Model() string {
	return e.chatModel
}

// Embedder returns the embedding side of the engine. Its Model reports the
// embedding model rather than the chat model.
func (e *OllamaEngine) Embedder() EmbeddingModel {
	return ollamaEmbedder{e}
}

type ollamaEmbedder struct{ e *OllamaEngine }

func (o ollamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return o.e.client.Embed(ctx, o.e.embedModel, text)
}

func (o ollamaEmbedder) Model() string {
	return o.e.embedModel
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}

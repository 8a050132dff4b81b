// Package engine abstracts the generative and embedding model providers.
// Consumers such as the embedder and the synthesizer depend on these
// interfaces instead of a concrete client.
package engine

import "context"

// Chatter produces a single assistant reply for a conversation.
type Chatter interface {
	// Chat sends messages to the configured model and returns the reply text.
	Chat(ctx context.Context, messages []Message) (string, error)
	// Model returns the model name used for chat.
	Model() string
}

// EmbeddingModel turns text into a dense vector.
type EmbeddingModel interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model returns the embedding model name. Cached vectors are keyed by it.
	Model() string
}

// ModelManager is implemented by backends that host models locally and can
// download missing ones.
type ModelManager interface {
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

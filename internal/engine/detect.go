package engine

import "fmt"

// Options selects and configures providers. Chat and embeddings can come from
// different providers.
type Options struct {
	ChatProvider  string // ollama | openai | anthropic
	ChatModel     string
	EmbedProvider string // ollama | openai
	EmbedModel    string
	Dimension     int
	MaxTokens     int

	OllamaBaseURL   string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
}

// Engines bundles the selected providers. Local is non-nil when a local
// Ollama backend is in use, so start-up can pull missing models.
type Engines struct {
	Chat  Chatter
	Embed EmbeddingModel
	Local ModelManager
	// LocalModels lists the Ollama models that must be present.
	LocalModels []string
}

// New builds the chat and embedding providers described by opts.
func New(opts Options) (Engines, error) {
	var out Engines
	var ollamaEng *OllamaEngine
	ollamaFor := func() *OllamaEngine {
		if ollamaEng == nil {
			ollamaEng = NewOllamaEngine(opts.OllamaBaseURL, opts.ChatModel, opts.EmbedModel, opts.MaxTokens)
			out.Local = ollamaEng
		}
		return ollamaEng
	}
	var openaiEng *OpenAIEngine
	openaiFor := func() *OpenAIEngine {
		if openaiEng == nil {
			openaiEng = NewOpenAIEngine(OpenAIConfig{
				APIKey:     opts.OpenAIAPIKey,
				BaseURL:    opts.OpenAIBaseURL,
				ChatModel:  opts.ChatModel,
				EmbedModel: opts.EmbedModel,
				Dimension:  opts.Dimension,
				MaxTokens:  opts.MaxTokens,
			})
		}
		return openaiEng
	}

	switch opts.ChatProvider {
	case "ollama", "":
		out.Chat = ollamaFor()
		out.addLocal(opts.ChatModel)
	case "openai":
		out.Chat = openaiFor()
	case "anthropic":
		out.Chat = NewAnthropicEngine(opts.AnthropicAPIKey, "", opts.ChatModel, opts.MaxTokens)
	default:
		return Engines{}, fmt.Errorf("unknown chat provider %q", opts.ChatProvider)
	}

	switch opts.EmbedProvider {
	case "ollama", "":
		out.Embed = ollamaFor().Embedder()
		out.addLocal(opts.EmbedModel)
	case "openai":
		out.Embed = openaiFor().Embedder()
	default:
		return Engines{}, fmt.Errorf("unknown embed provider %q", opts.EmbedProvider)
	}
	return out, nil
}

func (e *Engines) addLocal(model string) {
	if model == "" {
		return
	}
	for _, m := range e.LocalModels {
		if m == model {
			return
		}
	}
	e.LocalModels = append(e.LocalModels, model)
}

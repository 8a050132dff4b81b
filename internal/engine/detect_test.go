package engine

import (
	"reflect"
	"testing"
)

func TestNew_SelectsProviders(t *testing.T) {
	tests := []struct {
		name      string
		opts      Options
		chat      any
		local     bool
		localList []string
	}{
		{
			name:      "all ollama",
			opts:      Options{ChatProvider: "ollama", ChatModel: "llama3.1", EmbedProvider: "ollama", EmbedModel: "nomic-embed-text"},
			chat:      &OllamaEngine{},
			local:     true,
			localList: []string{"llama3.1", "nomic-embed-text"},
		},
		{
			name:      "anthropic chat, ollama embeddings",
			opts:      Options{ChatProvider: "anthropic", ChatModel: "claude-sonnet-4-5", EmbedProvider: "ollama", EmbedModel: "nomic-embed-text", AnthropicAPIKey: "k"},
			chat:      &AnthropicEngine{},
			local:     true,
			localList: []string{"nomic-embed-text"},
		},
		{
			name: "all openai",
			opts: Options{ChatProvider: "openai", ChatModel: "gpt-4o-mini", EmbedProvider: "openai", EmbedModel: "text-embedding-3-small", OpenAIAPIKey: "k"},
			chat: &OpenAIEngine{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(tt.opts)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if reflect.TypeOf(e.Chat) != reflect.TypeOf(tt.chat) {
				t.Errorf("Chat = %T, want %T", e.Chat, tt.chat)
			}
			if (e.Local != nil) != tt.local {
				t.Errorf("Local = %v, want present=%v", e.Local, tt.local)
			}
			if !reflect.DeepEqual(e.LocalModels, tt.localList) {
				t.Errorf("LocalModels = %v, want %v", e.LocalModels, tt.localList)
			}
			if e.Embed.Model() != tt.opts.EmbedModel {
				t.Errorf("Embed.Model() = %q, want %q", e.Embed.Model(), tt.opts.EmbedModel)
			}
			if e.Chat.Model() != tt.opts.ChatModel {
				t.Errorf("Chat.Model() = %q, want %q", e.Chat.Model(), tt.opts.ChatModel)
			}
		})
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	if _, err := New(Options{ChatProvider: "cohere"}); err == nil {
		t.Error("expected error for unknown chat provider")
	}
	if _, err := New(Options{ChatProvider: "ollama", EmbedProvider: "anthropic"}); err == nil {
		t.Error("expected error for unsupported embed provider")
	}
}

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]Message{
		{Role: RoleSystem, Content: "a"},
		{Role: RoleUser, Content: "q"},
		{Role: RoleSystem, Content: "b"},
	})
	if system != "a\n\nb" {
		t.Errorf("system = %q", system)
	}
	if len(rest) != 1 || rest[0].Content != "q" {
		t.Errorf("rest = %+v", rest)
	}
}

func TestToAnthropicMessages_DropsLeadingAssistant(t *testing.T) {
	msgs := toAnthropicMessages([]Message{
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "q"},
		{Role: RoleAssistant, Content: "a"},
	})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
}

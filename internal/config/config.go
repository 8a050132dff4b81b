package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Embed     EmbedConfig
	Chat      ChatConfig
	Ollama    OllamaConfig
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	Index     IndexConfig
	Qdrant    QdrantConfig
	Retrieval RetrievalConfig
	Limits    LimitsConfig
	Reconcile ReconcileConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type LogConfig struct {
	Level  string
	Pretty bool
	File   string
}

type StorageConfig struct {
	DataDir string
}

type EmbedConfig struct {
	Provider  string // ollama | openai
	Model     string
	Dimension int
	Timeout   time.Duration
	Cache     bool
}

type ChatConfig struct {
	Provider  string // ollama | openai | anthropic
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

type OllamaConfig struct {
	BaseURL string
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

type AnthropicConfig struct {
	APIKey string
}

type IndexConfig struct {
	Backend        string // sqlite | sqlite-vec | qdrant
	Name           string
	EnsureAttempts int
	EnsureBackoff  time.Duration
}

type QdrantConfig struct {
	URL    string
	APIKey string
}

type RetrievalConfig struct {
	TopK             int
	WindowSize       int
	MaxContextTokens int
}

type LimitsConfig struct {
	EmbedConcurrency int
	IndexConcurrency int
	SynthConcurrency int
	StoreTimeout     time.Duration
	IndexTimeout     time.Duration
}

type ReconcileConfig struct {
	Schedule string
}

// Provider and backend names accepted by Validate.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	BackendSQLite    = "sqlite"
	BackendSQLiteVec = "sqlite-vec"
	BackendQdrant    = "qdrant"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 4100},
		Log:    LogConfig{Level: "info", Pretty: true},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embed: EmbedConfig{
			Provider:  ProviderOllama,
			Model:     "nomic-embed-text",
			Dimension: 768,
			Timeout:   10 * time.Second,
			Cache:     true,
		},
		Chat: ChatConfig{
			Provider:  ProviderOllama,
			Model:     "llama3.1",
			Timeout:   30 * time.Second,
			MaxTokens: 1024,
		},
		Ollama: OllamaConfig{BaseURL: "http://localhost:11434"},
		Index: IndexConfig{
			Backend:        BackendSQLite,
			Name:           "kb-index",
			EnsureAttempts: 5,
			EnsureBackoff:  time.Second,
		},
		Qdrant: QdrantConfig{URL: "http://localhost:6333"},
		Retrieval: RetrievalConfig{
			TopK:             5,
			WindowSize:       10,
			MaxContextTokens: 4000,
		},
		Limits: LimitsConfig{
			EmbedConcurrency: 4,
			IndexConcurrency: 8,
			SynthConcurrency: 2,
			StoreTimeout:     5 * time.Second,
			IndexTimeout:     10 * time.Second,
		},
		Reconcile: ReconcileConfig{Schedule: "@every 5m"},
	}
}

// Default returns the built-in configuration without reading any source.
func Default() Config {
	return defaults()
}

// Load reads configuration in increasing precedence: built-in defaults, the
// YAML file at $XDG_CONFIG_HOME/supportkb/config.yaml, a .env file in the
// working directory, then SUPPORTKB_* environment variables. Secrets are
// only read from the environment.
func Load() (Config, error) {
	// .env never overrides variables already set in the real environment.
	_ = godotenv.Load()
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks provider names, the index backend and numeric limits.
func (c Config) Validate() error {
	switch c.Embed.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("invalid embed.provider %q: want ollama or openai", c.Embed.Provider)
	}
	switch c.Chat.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("invalid chat.provider %q: want ollama, openai or anthropic", c.Chat.Provider)
	}
	switch c.Index.Backend {
	case BackendSQLite, BackendSQLiteVec, BackendQdrant:
	default:
		return fmt.Errorf("invalid index.backend %q: want sqlite, sqlite-vec or qdrant", c.Index.Backend)
	}

	if c.Chat.Provider == ProviderOpenAI && c.OpenAI.APIKey == "" && c.OpenAI.BaseURL == "" {
		return fmt.Errorf("missing required config: OpenAI API key. Set it via environment variable SUPPORTKB_OPENAI_API_KEY")
	}
	if c.Embed.Provider == ProviderOpenAI && c.OpenAI.APIKey == "" && c.OpenAI.BaseURL == "" {
		return fmt.Errorf("missing required config: OpenAI API key. Set it via environment variable SUPPORTKB_OPENAI_API_KEY")
	}
	if c.Chat.Provider == ProviderAnthropic && c.Anthropic.APIKey == "" {
		return fmt.Errorf("missing required config: Anthropic API key. Set it via environment variable SUPPORTKB_ANTHROPIC_API_KEY")
	}

	positive := []struct {
		key string
		v   int
	}{
		{"server.port", c.Server.Port},
		{"embed.dimension", c.Embed.Dimension},
		{"retrieval.top_k", c.Retrieval.TopK},
		{"retrieval.window_size", c.Retrieval.WindowSize},
		{"retrieval.max_context_tokens", c.Retrieval.MaxContextTokens},
		{"index.ensure_attempts", c.Index.EnsureAttempts},
		{"limits.embed_concurrency", c.Limits.EmbedConcurrency},
		{"limits.index_concurrency", c.Limits.IndexConcurrency},
		{"limits.synth_concurrency", c.Limits.SynthConcurrency},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.key, p.v)
		}
	}
	for key, d := range map[string]time.Duration{
		"embed.timeout":        c.Embed.Timeout,
		"chat.timeout":         c.Chat.Timeout,
		"limits.store_timeout": c.Limits.StoreTimeout,
		"limits.index_timeout": c.Limits.IndexTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "supportkb-data"
		}
	}
	return filepath.Join(dir, "supportkb")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "supportkb", "config.yaml")
}

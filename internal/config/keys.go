package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SUPPORTKB_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "SUPPORTKB_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "SUPPORTKB_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.pretty", typ: kBool, env: "SUPPORTKB_LOG_PRETTY",
		apply:   func(cfg *Config, v any) { cfg.Log.Pretty = v.(bool) },
		extract: func(cfg Config) any { return cfg.Log.Pretty },
	},
	{
		key: "log.file", typ: kString, env: "SUPPORTKB_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SUPPORTKB_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "embed.provider", typ: kString, env: "SUPPORTKB_EMBED_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embed.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.Provider },
	},
	{
		key: "embed.model", typ: kString, env: "SUPPORTKB_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embed.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.Model },
	},
	{
		key: "embed.dimension", typ: kInt, env: "SUPPORTKB_EMBED_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Embed.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.Dimension },
	},
	{
		key: "embed.timeout", typ: kDuration, env: "SUPPORTKB_EMBED_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Embed.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Embed.Timeout },
	},
	{
		key: "embed.cache", typ: kBool, env: "SUPPORTKB_EMBED_CACHE",
		apply:   func(cfg *Config, v any) { cfg.Embed.Cache = v.(bool) },
		extract: func(cfg Config) any { return cfg.Embed.Cache },
	},
	{
		key: "chat.provider", typ: kString, env: "SUPPORTKB_CHAT_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Chat.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.Provider },
	},
	{
		key: "chat.model", typ: kString, env: "SUPPORTKB_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Chat.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.Model },
	},
	{
		key: "chat.timeout", typ: kDuration, env: "SUPPORTKB_CHAT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Chat.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Chat.Timeout },
	},
	{
		key: "chat.max_tokens", typ: kInt, env: "SUPPORTKB_CHAT_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxTokens },
	},
	{
		key: "ollama.base_url", typ: kString, env: "SUPPORTKB_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "openai.api_key", typ: kString, env: "SUPPORTKB_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "SUPPORTKB_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "anthropic.api_key", typ: kString, env: "SUPPORTKB_ANTHROPIC_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Anthropic.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.APIKey },
	},
	{
		key: "index.backend", typ: kString, env: "SUPPORTKB_INDEX_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Index.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.Backend },
	},
	{
		key: "index.name", typ: kString, env: "SUPPORTKB_INDEX_NAME",
		apply:   func(cfg *Config, v any) { cfg.Index.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.Name },
	},
	{
		key: "index.ensure_attempts", typ: kInt, env: "SUPPORTKB_INDEX_ENSURE_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Index.EnsureAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.EnsureAttempts },
	},
	{
		key: "index.ensure_backoff", typ: kDuration, env: "SUPPORTKB_INDEX_ENSURE_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Index.EnsureBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Index.EnsureBackoff },
	},
	{
		key: "qdrant.url", typ: kString, env: "SUPPORTKB_QDRANT_URL",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.URL },
	},
	{
		key: "qdrant.api_key", typ: kString, env: "SUPPORTKB_QDRANT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Qdrant.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.APIKey },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "SUPPORTKB_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.window_size", typ: kInt, env: "SUPPORTKB_RETRIEVAL_WINDOW_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.WindowSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.WindowSize },
	},
	{
		key: "retrieval.max_context_tokens", typ: kInt, env: "SUPPORTKB_RETRIEVAL_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxContextTokens },
	},
	{
		key: "limits.embed_concurrency", typ: kInt, env: "SUPPORTKB_LIMITS_EMBED_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Limits.EmbedConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.EmbedConcurrency },
	},
	{
		key: "limits.index_concurrency", typ: kInt, env: "SUPPORTKB_LIMITS_INDEX_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Limits.IndexConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.IndexConcurrency },
	},
	{
		key: "limits.synth_concurrency", typ: kInt, env: "SUPPORTKB_LIMITS_SYNTH_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Limits.SynthConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.SynthConcurrency },
	},
	{
		key: "limits.store_timeout", typ: kDuration, env: "SUPPORTKB_LIMITS_STORE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Limits.StoreTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Limits.StoreTimeout },
	},
	{
		key: "limits.index_timeout", typ: kDuration, env: "SUPPORTKB_LIMITS_INDEX_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Limits.IndexTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Limits.IndexTimeout },
	},
	{
		key: "reconcile.schedule", typ: kString, env: "SUPPORTKB_RECONCILE_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Reconcile.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Reconcile.Schedule },
	},
}

// parseValue converts raw into the Go type the key's apply func expects.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return nil, fmt.Errorf("unsupported key type %d", typ)
}

func typeName(typ keyType) string {
	switch typ {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	}
	return "string"
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := parseValue(s.typ, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", typeName(s.typ), s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", typeName(s.typ), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

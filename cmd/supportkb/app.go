package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/kalambet/supportkb/internal/composer"
	"github.com/kalambet/supportkb/internal/config"
	"github.com/kalambet/supportkb/internal/embedcache"
	"github.com/kalambet/supportkb/internal/engine"
	"github.com/kalambet/supportkb/internal/ingest"
	"github.com/kalambet/supportkb/internal/logger"
	"github.com/kalambet/supportkb/internal/metrics"
	"github.com/kalambet/supportkb/internal/notify"
	"github.com/kalambet/supportkb/internal/pipeline"
	"github.com/kalambet/supportkb/internal/retrieval"
	"github.com/kalambet/supportkb/internal/storage"
	"github.com/kalambet/supportkb/internal/synthesis"
)

const (
	reindexMaxAttempts = 5
	vecIndexFile       = "vectors.db"
)

// app holds the components shared by the server, the MCP server and the
// local maintenance commands.
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	store    *storage.Store
	index    retrieval.VectorIndex
	metrics  *metrics.Metrics
	hub      *notify.Hub
	queue    *ingest.Queue
	pipeline *pipeline.Pipeline

	closers []func() error
}

type appOptions struct {
	// Progress receives model pull output at start-up.
	Progress io.Writer
	// Notify enables the WebSocket notification hub.
	Notify bool
}

// loadLogger reads the config and builds the process logger.
func loadLogger() (config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	lg, err := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, File: cfg.Log.File})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, lg, nil
}

// buildApp opens the stores, makes sure the vector index exists and wires
// the pipeline. A vector index that cannot be ensured is fatal.
func buildApp(ctx context.Context, cfg config.Config, log zerolog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var err error
	a.store, err = storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	var cache retrieval.VectorCache
	if cfg.Embed.Cache {
		c, err := embedcache.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening embedding cache: %w", err)
		}
		a.closers = append(a.closers, c.Close)
		cache = c
	}

	engines, err := engine.New(engine.Options{
		ChatProvider:    cfg.Chat.Provider,
		ChatModel:       cfg.Chat.Model,
		EmbedProvider:   cfg.Embed.Provider,
		EmbedModel:      cfg.Embed.Model,
		Dimension:       cfg.Embed.Dimension,
		MaxTokens:       cfg.Chat.MaxTokens,
		OllamaBaseURL:   cfg.Ollama.BaseURL,
		OpenAIAPIKey:    cfg.OpenAI.APIKey,
		OpenAIBaseURL:   cfg.OpenAI.BaseURL,
		AnthropicAPIKey: cfg.Anthropic.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring model providers: %w", err)
	}
	if engines.Local != nil {
		progress := opts.Progress
		if progress == nil {
			progress = io.Discard
		}
		if err := engine.EnsureReady(ctx, engines.Local, engines.LocalModels, progress); err != nil {
			return nil, err
		}
	}

	raw, err := a.openIndex()
	if err != nil {
		return nil, err
	}
	policy := retrieval.RetryPolicy{Attempts: cfg.Index.EnsureAttempts, Backoff: cfg.Index.EnsureBackoff}
	if err := retrieval.EnsureWithRetry(ctx, raw, policy, log); err != nil {
		return nil, fmt.Errorf("vector index %q unavailable: %w", cfg.Index.Name, err)
	}
	a.index = retrieval.Guard(raw, cfg.Limits.IndexConcurrency, cfg.Limits.IndexTimeout)

	a.metrics = metrics.New()
	var notifier notify.Notifier
	if opts.Notify {
		a.hub = notify.NewHub(a.metrics, log)
		a.closers = append(a.closers, func() error { a.hub.Close(); return nil })
		notifier = a.hub
	}
	a.queue = ingest.NewQueue(a.store, reindexMaxAttempts)

	embedder := retrieval.NewEmbedder(engines.Embed, retrieval.EmbedderConfig{
		Dimension:   cfg.Embed.Dimension,
		Timeout:     cfg.Embed.Timeout,
		Concurrency: cfg.Limits.EmbedConcurrency,
		Cache:       cache,
	}, log)
	synth := synthesis.New(engines.Chat, composer.New(cfg.Retrieval.MaxContextTokens), synthesis.Config{
		Timeout:     cfg.Chat.Timeout,
		Concurrency: cfg.Limits.SynthConcurrency,
	}, log)

	a.pipeline = pipeline.New(pipeline.Deps{
		Embedder:    embedder,
		Index:       a.index,
		Resolver:    retrieval.NewResolver(a.store, cfg.Limits.StoreTimeout, 0, log),
		Synthesizer: synth,
		Store:       a.store,
		Notifier:    notifier,
		Queue:       a.queue,
		Metrics:     a.metrics,
	}, cfg.Retrieval.TopK, log)

	log.Info().
		Str("chat", cfg.Chat.Provider+"/"+cfg.Chat.Model).
		Str("embed", cfg.Embed.Provider+"/"+cfg.Embed.Model).
		Str("index", cfg.Index.Backend).
		Msg("pipeline ready")
	ready = true
	return a, nil
}

func (a *app) openIndex() (retrieval.VectorIndex, error) {
	dim := a.cfg.Embed.Dimension
	switch a.cfg.Index.Backend {
	case config.BackendSQLite, "":
		return retrieval.NewSQLiteIndex(a.store.DB(), dim), nil
	case config.BackendSQLiteVec:
		v, err := retrieval.OpenVecIndex(filepath.Join(a.cfg.Storage.DataDir, vecIndexFile), dim)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite-vec index: %w", err)
		}
		a.closers = append(a.closers, v.Close)
		return v, nil
	case config.BackendQdrant:
		return retrieval.NewQdrantIndex(a.cfg.Qdrant.URL, a.cfg.Qdrant.APIKey, a.cfg.Index.Name, dim), nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", a.cfg.Index.Backend)
	}
}

// Close releases everything in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

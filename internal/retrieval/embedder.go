package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/supportkb/internal/engine"
	"github.com/kalambet/supportkb/internal/kb"
)

// VectorCache stores vectors by (model, text). *embedcache.Cache satisfies it.
type VectorCache interface {
	Get(model, text string) ([]float32, bool)
	Put(model, text string, vec []float32) error
}

// EmbedderConfig bounds calls to the embedding model.
type EmbedderConfig struct {
	// Dimension is the expected vector length; zero disables the check.
	Dimension   int
	Timeout     time.Duration
	Concurrency int
	// Cache is optional.
	Cache VectorCache
}

// Embedder turns text into vectors through an engine.EmbeddingModel.
type Embedder struct {
	model engine.EmbeddingModel
	cfg   EmbedderConfig
	sem   *semaphore.Weighted
	log   zerolog.Logger
}

// NewEmbedder creates an Embedder.
func NewEmbedder(m engine.EmbeddingModel, cfg EmbedderConfig, log zerolog.Logger) *Embedder {
	e := &Embedder{model: m, cfg: cfg, log: log.With().Str("component", "embedder").Logger()}
	if cfg.Concurrency > 0 {
		e.sem = semaphore.NewWeighted(int64(cfg.Concurrency))
	}
	return e
}

// Model returns the embedding model name.
func (e *Embedder) Model() string {
	return e.model.Model()
}

// Embed returns the embedding vector for text. Blank text is rejected with
// *kb.InvalidInputError before any remote call; remote failures come back as
// *kb.EmbeddingServiceError.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &kb.InvalidInputError{Field: "text", Reason: "must not be empty"}
	}
	model := e.model.Model()
	if e.cfg.Cache != nil {
		if vec, ok := e.cfg.Cache.Get(model, text); ok && e.validDim(vec) {
			return vec, nil
		}
	}

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer e.sem.Release(1)
	}
	callCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	vec, err := e.model.Embed(callCtx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &kb.EmbeddingServiceError{Op: "embed", Err: err}
	}
	if err := e.check(vec); err != nil {
		return nil, &kb.EmbeddingServiceError{Op: "embed", Err: err}
	}

	if e.cfg.Cache != nil {
		if err := e.cfg.Cache.Put(model, text, vec); err != nil {
			e.log.Warn().Err(err).Msg("caching embedding")
		}
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	limit := e.cfg.Concurrency
	if limit <= 0 {
		limit = 4
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Embedder) check(vec []float32) error {
	if len(vec) == 0 {
		return errors.New("model returned an empty vector")
	}
	if !e.validDim(vec) {
		return fmt.Errorf("model returned %d dimensions, expected %d", len(vec), e.cfg.Dimension)
	}
	for i, f := range vec {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("model returned a non-finite value at %d", i)
		}
	}
	return nil
}

func (e *Embedder) validDim(vec []float32) bool {
	return e.cfg.Dimension <= 0 || len(vec) == e.cfg.Dimension
}

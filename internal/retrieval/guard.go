package retrieval

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/supportkb/internal/kb"
)

var _ VectorIndex = (*guardedIndex)(nil)

// Guard wraps idx so every call waits for one of limit slots, runs under
// timeout, and reports failures as *kb.IndexServiceError. Invalid input and
// caller cancellation pass through unchanged. limit or timeout <= 0 disables
// the respective bound.
func Guard(idx VectorIndex, limit int, timeout time.Duration) VectorIndex {
	g := &guardedIndex{inner: idx, timeout: timeout}
	if limit > 0 {
		g.sem = semaphore.NewWeighted(int64(limit))
	}
	return g
}

type guardedIndex struct {
	inner   VectorIndex
	sem     *semaphore.Weighted
	timeout time.Duration
}

func (g *guardedIndex) EnsureIndex(ctx context.Context) error {
	return g.run(ctx, "ensure index", func(ctx context.Context) error {
		return g.inner.EnsureIndex(ctx)
	})
}

func (g *guardedIndex) Upsert(ctx context.Context, id string, vector []float32, meta kb.Metadata) error {
	return g.run(ctx, "upsert", func(ctx context.Context) error {
		return g.inner.Upsert(ctx, id, vector, meta)
	})
}

func (g *guardedIndex) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	var out []Match
	err := g.run(ctx, "query", func(ctx context.Context) error {
		var err error
		out, err = g.inner.Query(ctx, vector, topK)
		return err
	})
	return out, err
}

func (g *guardedIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := g.run(ctx, "count", func(ctx context.Context) error {
		var err error
		n, err = g.inner.Count(ctx)
		return err
	})
	return n, err
}

func (g *guardedIndex) run(ctx context.Context, op string, fn func(context.Context) error) error {
	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer g.sem.Release(1)
	}
	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	err := fn(callCtx)
	switch {
	case err == nil:
		return nil
	case kb.IsInvalidInput(err):
		return err
	case ctx.Err() != nil:
		// The caller gave up; report that rather than a service fault.
		return ctx.Err()
	}
	var already *kb.IndexServiceError
	if errors.As(err, &already) {
		return err
	}
	return &kb.IndexServiceError{Op: op, Err: err}
}

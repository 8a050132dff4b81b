package retrieval

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/supportkb/internal/kb"
)

// RecordFinder loads canonical records by id. Unknown ids are skipped, not
// reported. *storage.Store satisfies it.
type RecordFinder interface {
	FindByIDs(ctx context.Context, ids []string) ([]kb.Record, error)
}

// Resolver maps index hits back to the canonical records in the store.
type Resolver struct {
	finder  RecordFinder
	timeout time.Duration
	sem     *semaphore.Weighted
	log     zerolog.Logger
}

// NewResolver creates a Resolver. timeout and limit <= 0 are unbounded.
func NewResolver(f RecordFinder, timeout time.Duration, limit int, log zerolog.Logger) *Resolver {
	r := &Resolver{finder: f, timeout: timeout, log: log.With().Str("component", "resolver").Logger()}
	if limit > 0 {
		r.sem = semaphore.NewWeighted(int64(limit))
	}
	return r
}

// Resolve fetches the records for ids, in the order the ids are given.
// Duplicate and empty ids are ignored. Ids the store no longer knows are
// dropped silently: the index may lag behind deletions. Store failures are
// returned as *kb.StoreServiceError.
func (r *Resolver) Resolve(ctx context.Context, ids []string) ([]kb.Record, error) {
	seen := make(map[string]bool, len(ids))
	distinct := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		distinct = append(distinct, id)
	}
	if len(distinct) == 0 {
		return []kb.Record{}, nil
	}

	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.sem.Release(1)
	}
	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	found, err := r.finder.FindByIDs(callCtx, distinct)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &kb.StoreServiceError{Op: "find by ids", Err: err}
	}

	byID := make(map[string]kb.Record, len(found))
	for _, rec := range found {
		byID[rec.ID] = rec
	}
	out := make([]kb.Record, 0, len(distinct))
	for _, id := range distinct {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
		}
	}
	if stale := len(distinct) - len(out); stale > 0 {
		r.log.Debug().Int("stale", stale).Int("requested", len(distinct)).Msg("index ids missing from store")
	}
	return out, nil
}

// MatchIDs returns the ids of ms in order.
func MatchIDs(ms []Match) []string {
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.ID
	}
	return ids
}

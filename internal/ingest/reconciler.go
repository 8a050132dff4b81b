package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kalambet/supportkb/internal/kb"
)

// UnindexedLister lists records whose vector is missing or stale.
// *storage.Store satisfies it.
type UnindexedLister interface {
	ListUnindexed(ctx context.Context, limit int) ([]kb.Record, error)
}

// Enqueuer schedules a reindex. *Queue satisfies it.
type Enqueuer interface {
	EnqueueReindex(ctx context.Context, recordID string) (string, error)
}

const reconcileBatch = 500

// Reconciler periodically queues reindex jobs for records that are saved but
// not indexed, such as those whose ingest was interrupted before a job could
// be queued.
type Reconciler struct {
	lister UnindexedLister
	queue  Enqueuer
	log    zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewReconciler creates a Reconciler.
func NewReconciler(l UnindexedLister, q Enqueuer, log zerolog.Logger) *Reconciler {
	return &Reconciler{lister: l, queue: q, log: log.With().Str("component", "reconciler").Logger()}
}

// Start runs Reconcile on schedule, a standard cron expression or a
// descriptor such as "@every 5m". An empty schedule disables it.
func (r *Reconciler) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("reconcile failed")
		}
	})
	if err != nil {
		return fmt.Errorf("parsing reconcile schedule %q: %w", schedule, err)
	}

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	c.Start()
	r.log.Info().Str("schedule", schedule).Msg("reconciler started")
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Reconcile queues a reindex for every unindexed record and returns how many
// jobs it queued or reused.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	recs, err := r.lister.ListUnindexed(ctx, reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("listing unindexed records: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if _, err := r.queue.EnqueueReindex(ctx, rec.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		r.log.Info().Int("records", n).Msg("queued unindexed records")
	}
	return n, nil
}

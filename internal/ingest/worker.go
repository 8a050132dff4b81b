package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalambet/supportkb/internal/kb"
	"github.com/kalambet/supportkb/internal/storage"
)

// Reindexer embeds and upserts a stored record. *pipeline.Pipeline satisfies it.
type Reindexer interface {
	Reindex(ctx context.Context, recordID string) error
}

// JobCounter counts finished jobs by status. *metrics.Metrics satisfies it.
type JobCounter interface {
	CountReindex(status string)
}

// JobLease is how long a job may stay running before another worker
// assumes its owner died and requeues it.
const JobLease = 10 * time.Minute

// Worker processes reindex_record jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	reindexer Reindexer
	counter   JobCounter
	poll      time.Duration
	log       zerolog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
// counter may be nil.
func NewWorker(store JobStore, r Reindexer, counter JobCounter, pollInterval time.Duration, log zerolog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		reindexer: r,
		counter:   counter,
		poll:      pollInterval,
		log:       log.With().Str("component", "ingest_worker").Logger(),
	}
}

// Run polls for jobs until ctx is cancelled. It first requeues jobs left
// running by a worker that did not shut down cleanly.
func (w *Worker) Run(ctx context.Context) {
	if err := w.Recover(ctx); err != nil {
		w.log.Error().Err(err).Msg("requeueing stale jobs")
	}
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("worker iteration failed")
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// Recover requeues jobs that have been running for longer than JobLease.
func (w *Worker) Recover(ctx context.Context) error {
	n, err := w.store.RequeueStale(ctx, JobLease)
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Info().Int("jobs", n).Msg("requeued stale running jobs")
	}
	return nil
}

// RunOnce claims and processes a single reindex_record job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{storage.JobReindexRecord})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	log := w.log.With().Str("job_id", job.ID).Logger()

	if err := w.processJob(ctx, job); err != nil {
		if ctx.Err() != nil {
			// Shutting down: hand the job back without charging an attempt.
			if relErr := w.store.ReleaseJob(context.WithoutCancel(ctx), job.ID); relErr != nil {
				log.Error().Err(relErr).Msg("releasing job")
			}
			return true, ctx.Err()
		}
		log.Warn().Err(err).Int("attempt", job.Attempts+1).Msg("reindex job failed")
		w.count("failed")
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			log.Error().Err(failErr).Msg("marking job failed")
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.count("completed")
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload reindexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.RecordID == "" {
		return errors.New("payload has no record_id")
	}

	err := w.reindexer.Reindex(ctx, payload.RecordID)
	if errors.Is(err, kb.ErrNotFound) {
		// Deleted since it was queued; nothing left to index.
		w.log.Info().Str("record_id", payload.RecordID).Msg("record gone, dropping reindex job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reindexing %s: %w", payload.RecordID, err)
	}
	return nil
}

func (w *Worker) count(status string) {
	if w.counter != nil {
		w.counter.CountReindex(status)
	}
}

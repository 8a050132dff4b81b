// Package ingest keeps the vector index in step with the record store in the
// background: a job queue for reindexing, a worker draining it, and a
// scheduled reconciler that catches records nothing else queued.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/supportkb/internal/storage"
)

// JobStore abstracts the job queue operations. *storage.Store satisfies it.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	PendingJobID(ctx context.Context, jobType, payload string) (string, error)
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	ReleaseJob(ctx context.Context, id string) error
	RequeueStale(ctx context.Context, lease time.Duration) (int, error)
}

type reindexPayload struct {
	RecordID string `json:"record_id"`
}

// Queue schedules reindex jobs.
type Queue struct {
	store       JobStore
	maxAttempts int
}

// NewQueue creates a Queue. maxAttempts <= 0 uses the store default.
func NewQueue(store JobStore, maxAttempts int) *Queue {
	return &Queue{store: store, maxAttempts: maxAttempts}
}

// EnqueueReindex queues a reindex of recordID. A job already waiting for the
// same record is reused and its id returned.
func (q *Queue) EnqueueReindex(ctx context.Context, recordID string) (string, error) {
	payload, err := json.Marshal(reindexPayload{RecordID: recordID})
	if err != nil {
		return "", err
	}
	existing, err := q.store.PendingJobID(ctx, storage.JobReindexRecord, string(payload))
	if err != nil {
		return "", fmt.Errorf("checking pending jobs: %w", err)
	}
	if existing != "" {
		return existing, nil
	}

	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobReindexRecord,
		PayloadJSON: string(payload),
		MaxAttempts: q.maxAttempts,
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueueing reindex of %s: %w", recordID, err)
	}
	return job.ID, nil
}

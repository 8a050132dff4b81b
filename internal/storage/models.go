package storage

import (
	"time"

	"github.com/kalambet/supportkb/internal/kb"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = kb.ErrNotFound

// JobReindexRecord re-embeds one record and upserts it into the vector index.
const JobReindexRecord = "reindex_record"

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// defaultMaxAttempts applies when a job is enqueued without a limit.
const defaultMaxAttempts = 3

// maxBackoff caps the delay between retries of a failed job.
const maxBackoff = 5 * time.Minute

// Job is a unit of deferred work persisted in the jobs table.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

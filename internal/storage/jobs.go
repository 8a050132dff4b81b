package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

func scanJob(row rowScanner) (Job, error) {
	var (
		j                              Job
		runAfter, createdAt, updatedAt string
		lastError                      sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String

	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&j.RunAfter, runAfter}, {&j.CreatedAt, createdAt}, {&j.UpdatedAt, updatedAt}} {
		t, err := time.Parse(time.RFC3339, f.src)
		if err != nil {
			return Job{}, fmt.Errorf("job %s: bad timestamp %q: %w", j.ID, f.src, err)
		}
		*f.dst = t
	}
	return j, nil
}

func jobTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// EnqueueJob inserts a pending job. An empty ID is generated, zero
// MaxAttempts means 3 and a zero RunAfter makes the job runnable now.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := time.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, NULL)`,
		job.ID, job.Type, job.PayloadJSON, JobPending, job.MaxAttempts,
		jobTime(job.RunAfter), jobTime(now), jobTime(now))
	if err != nil {
		return fmt.Errorf("enqueueing %s job: %w", job.Type, err)
	}
	return nil
}

// PendingJobID returns the id of a pending or running job with the given
// type and payload, or "" when there is none.
func (s *Store) PendingJobID(ctx context.Context, jobType, payload string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM jobs
		WHERE type = ? AND payload_json = ? AND status IN (?, ?)
		ORDER BY created_at LIMIT 1`,
		jobType, payload, JobPending, JobRunning).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("looking up pending job: %w", err)
	}
	return id, nil
}

// ClaimNextJob marks the oldest runnable job of one of the given types as
// running and returns it, or returns nil when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := jobTime(time.Now())

	args := []any{JobRunning, now, JobPending, now}
	for _, t := range types {
		args = append(args, t)
	}
	row := s.db.QueryRowContext(ctx, `UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND run_after <= ? AND type IN (`+placeholders(len(types))+`)
			ORDER BY run_after, created_at
			LIMIT 1
		)
		RETURNING `+jobColumns, args...)

	j, err := scanJob(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &j, nil
}

// CompleteJob marks a job as done.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.setJobStatus(ctx, id, JobCompleted)
}

func (s *Store) setJobStatus(ctx context.Context, id string, status JobStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, jobTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("marking job %s %s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseJob returns a running job to pending without spending an attempt.
// Workers call it when they stop mid-job.
func (s *Store) ReleaseJob(ctx context.Context, id string) error {
	now := jobTime(time.Now())
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, run_after = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		JobPending, now, now, id, JobRunning)
	if err != nil {
		return fmt.Errorf("releasing job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueStale moves jobs that have been running for longer than lease
// back to pending. A worker that died mid-job leaves such rows behind.
func (s *Store) RequeueStale(ctx context.Context, lease time.Duration) (int, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, run_after = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		JobPending, jobTime(now), jobTime(now), JobRunning, jobTime(now.Add(-lease)))
	if err != nil {
		return 0, fmt.Errorf("requeueing stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// retryDelay doubles with every attempt: 2s, 4s, 8s and so on up to maxBackoff.
func retryDelay(attempts int) time.Duration {
	if attempts >= 16 {
		return maxBackoff
	}
	return min(time.Duration(1<<attempts)*time.Second, maxBackoff)
}

// FailJob records a failed attempt. The job goes back to pending with a
// growing delay until it has used max_attempts, then it is marked failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	defer tx.Rollback()

	var attempts, limit int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &limit)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}

	attempts++
	now := time.Now()
	status, runAfter := JobPending, now.Add(retryDelay(attempts))
	if attempts >= limit {
		status, runAfter = JobFailed, now
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs
		SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ?`,
		status, attempts, errMsg, jobTime(runAfter), jobTime(now), id); err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return tx.Commit()
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// CountJobs returns how many jobs are in the given state.
func (s *Store) CountJobs(ctx context.Context, status JobStatus) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s jobs: %w", status, err)
	}
	return n, nil
}

package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalambet/supportkb/internal/kb"
	"github.com/kalambet/supportkb/internal/storage"
)

type mockReindexer struct {
	mu        sync.Mutex
	reindexed []string
	reindexFn func(ctx context.Context, id string) error
}

func (m *mockReindexer) Reindex(ctx context.Context, id string) error {
	if m.reindexFn != nil {
		if err := m.reindexFn(ctx, id); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reindexed = append(m.reindexed, id)
	return nil
}

type countingJobs struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingJobs) CountReindex(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[status]++
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestJob(t *testing.T, q *Queue, recordID string) string {
	t.Helper()
	id, err := q.EnqueueReindex(context.Background(), recordID)
	if err != nil {
		t.Fatalf("EnqueueReindex: %v", err)
	}
	return id
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, jobID string) (string, int) {
	t.Helper()
	j, err := store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return string(j.Status), j.Attempts
}

func TestQueue_ReusesPendingJob(t *testing.T) {
	store := openTestStore(t)
	q := NewQueue(store, 0)

	first := enqueueTestJob(t, q, "rec-1")
	second := enqueueTestJob(t, q, "rec-1")
	if first != second {
		t.Errorf("second enqueue created %q, want reuse of %q", second, first)
	}
	other := enqueueTestJob(t, q, "rec-2")
	if other == first {
		t.Error("different records must get different jobs")
	}

	j, err := store.GetJob(context.Background(), first)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Type != storage.JobReindexRecord || j.PayloadJSON != `{"record_id":"rec-1"}` {
		t.Errorf("job = %+v", j)
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestJob(t, NewQueue(store, 0), "rec-1")

	r := &mockReindexer{}
	counter := &countingJobs{}
	w := NewWorker(store, r, counter, 0, zerolog.Nop())

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	if len(r.reindexed) != 1 || r.reindexed[0] != "rec-1" {
		t.Fatalf("reindexed %v, want [rec-1]", r.reindexed)
	}
	if status, _ := jobStatus(t, store, jobID); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
	if counter.counts["completed"] != 1 {
		t.Errorf("completed count = %d, want 1", counter.counts["completed"])
	}
}

func TestWorker_NoJobs(t *testing.T) {
	w := NewWorker(openTestStore(t), &mockReindexer{}, nil, 0, zerolog.Nop())
	didWork, err := w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Fatalf("RunOnce = %v, %v; want false, nil", didWork, err)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestJob(t, NewQueue(store, 0), "rec-r")

	var calls atomic.Int32
	w := NewWorker(store, &mockReindexer{
		reindexFn: func(_ context.Context, _ string) error {
			n := calls.Add(1)
			if n <= 2 {
				return &kb.IndexServiceError{Op: "upsert", Err: fmt.Errorf("transient error %d", n)}
			}
			return nil
		},
	}, nil, 0, zerolog.Nop())

	ctx := context.Background()

	// 1st attempt fails
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 1 = %v, %v", didWork, err)
	}
	status, attempts := jobStatus(t, store, jobID)
	if status != "pending" || attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status, attempts)
	}

	// Backoff keeps it unclaimable until run_after passes.
	if didWork, _ := w.RunOnce(ctx); didWork {
		t.Error("job claimed before its backoff elapsed")
	}
	resetRunAfter(t, store, jobID)

	// 2nd attempt fails
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 2 = %v, %v", didWork, err)
	}
	if _, attempts = jobStatus(t, store, jobID); attempts != 2 {
		t.Errorf("after 2nd fail: attempts=%d, want 2", attempts)
	}
	resetRunAfter(t, store, jobID)

	// 3rd attempt succeeds
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 3 = %v, %v", didWork, err)
	}
	if status, _ = jobStatus(t, store, jobID); status != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestJob(t, NewQueue(store, 3), "rec-m")

	counter := &countingJobs{}
	w := NewWorker(store, &mockReindexer{
		reindexFn: func(_ context.Context, _ string) error {
			return fmt.Errorf("permanent error")
		},
	}, counter, 0, zerolog.Nop())

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, jobID)
		}
	}

	if status, _ := jobStatus(t, store, jobID); status != "failed" {
		t.Errorf("final status = %q, want %q", status, "failed")
	}
	if counter.counts["failed"] != 3 {
		t.Errorf("failed count = %d, want 3", counter.counts["failed"])
	}
}

func TestWorker_DeletedRecordCompletes(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestJob(t, NewQueue(store, 0), "gone")

	w := NewWorker(store, &mockReindexer{
		reindexFn: func(_ context.Context, _ string) error { return kb.ErrNotFound },
	}, nil, 0, zerolog.Nop())

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if status, _ := jobStatus(t, store, jobID); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_BadPayloadFails(t *testing.T) {
	store := openTestStore(t)
	err := store.EnqueueJob(context.Background(), storage.Job{
		ID: "bad", Type: storage.JobReindexRecord, PayloadJSON: "{", MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	r := &mockReindexer{}
	w := NewWorker(store, r, nil, 0, zerolog.Nop())
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if status, _ := jobStatus(t, store, "bad"); status != "failed" {
		t.Errorf("status = %q, want failed", status)
	}
	if len(r.reindexed) != 0 {
		t.Error("reindexer must not be called for a bad payload")
	}
}

func TestWorker_ConcurrentEnqueue(t *testing.T) {
	store := openTestStore(t)
	q := NewQueue(store, 0)

	const goroutines = 5
	const jobsPerGoroutine = 10
	const total = goroutines * jobsPerGoroutine

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < jobsPerGoroutine; j++ {
				if _, err := q.EnqueueReindex(context.Background(), fmt.Sprintf("rec-%d-%d", g, j)); err != nil {
					t.Errorf("EnqueueReindex: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	r := &mockReindexer{}
	w := NewWorker(store, r, nil, 0, zerolog.Nop())

	ctx := context.Background()
	deadline := time.After(5 * time.Second)
	processed := 0
	for processed < total {
		select {
		case <-deadline:
			t.Fatalf("timed out after processing %d/%d jobs", processed, total)
		default:
		}
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce error at job %d: %v", processed, err)
		}
		if !didWork {
			break
		}
		processed++
	}

	if processed != total {
		t.Errorf("processed %d jobs, want %d", processed, total)
	}
	seen := map[string]bool{}
	for _, id := range r.reindexed {
		seen[id] = true
	}
	if len(seen) != total {
		t.Errorf("reindexed %d distinct records, want %d", len(seen), total)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	w := NewWorker(openTestStore(t), &mockReindexer{}, nil, 10*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWorker_ShutdownReleasesJob(t *testing.T) {
	store := openTestStore(t)
	q := NewQueue(store, 0)
	jobID := enqueueTestJob(t, q, "rec-1")

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(store, &mockReindexer{
		reindexFn: func(ctx context.Context, _ string) error {
			cancel()
			return ctx.Err()
		},
	}, nil, 0, zerolog.Nop())

	if _, err := w.RunOnce(ctx); err == nil {
		t.Fatal("expected cancellation error")
	}
	status, attempts := jobStatus(t, store, jobID)
	if status != "pending" || attempts != 0 {
		t.Fatalf("after shutdown: status=%q attempts=%d, want pending/0", status, attempts)
	}

	r := &mockReindexer{}
	restarted := NewWorker(store, r, nil, 0, zerolog.Nop())
	if didWork, err := restarted.RunOnce(context.Background()); err != nil || !didWork {
		t.Fatalf("RunOnce after restart = %v, %v", didWork, err)
	}
	if len(r.reindexed) != 1 || r.reindexed[0] != "rec-1" {
		t.Errorf("reindexed %v, want [rec-1]", r.reindexed)
	}
	if status, _ := jobStatus(t, store, jobID); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_RecoverRequeuesStaleJobs(t *testing.T) {
	store := openTestStore(t)
	q := NewQueue(store, 0)
	stuck := enqueueTestJob(t, q, "rec-crashed")
	fresh := enqueueTestJob(t, q, "rec-busy")

	ctx := context.Background()
	for range 2 {
		if j, err := store.ClaimNextJob(ctx, []string{storage.JobReindexRecord}); err != nil || j == nil {
			t.Fatalf("ClaimNextJob: %v, %v", j, err)
		}
	}
	old := time.Now().UTC().Add(-2 * JobLease).Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET updated_at = ? WHERE id = ?`, old, stuck); err != nil {
		t.Fatalf("aging job: %v", err)
	}

	// A stuck job still blocks new enqueues for the record until recovered.
	if id := enqueueTestJob(t, q, "rec-crashed"); id != stuck {
		t.Fatalf("enqueue reused %q, want %q", id, stuck)
	}

	w := NewWorker(store, &mockReindexer{}, nil, 0, zerolog.Nop())
	if err := w.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if status, _ := jobStatus(t, store, stuck); status != "pending" {
		t.Errorf("stale job status = %q, want pending", status)
	}
	if status, _ := jobStatus(t, store, fresh); status != "running" {
		t.Errorf("job inside its lease status = %q, want running", status)
	}

	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce = %v, %v", didWork, err)
	}
	if status, _ := jobStatus(t, store, stuck); status != "completed" {
		t.Errorf("recovered job status = %q, want completed", status)
	}
}

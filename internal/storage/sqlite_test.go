package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent opens the same directory twice and checks no
// migration is applied a second time.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_records_created", "idx_records_indexed", "idx_comments_record", "idx_jobs_status_run_after"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestEmbeddedMigrationsOrdered(t *testing.T) {
	ms, err := embeddedMigrations()
	if err != nil {
		t.Fatalf("embeddedMigrations: %v", err)
	}
	if len(ms) == 0 || ms[0].version != 1 {
		t.Fatalf("expected migration 1 first, got %+v", ms)
	}
	for i := 1; i < len(ms); i++ {
		if ms[i].version <= ms[i-1].version {
			t.Errorf("migrations out of order: %+v", ms)
		}
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO comments (id, record_id, author, text, created_at) VALUES ('c1', 'missing', 'a', 't', '2024-01-01')`)
	if err == nil {
		t.Fatal("expected foreign key violation for comment on missing record")
	}
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()
	dsn, err := buildDSN(dir)
	if err != nil {
		t.Fatalf("buildDSN: %v", err)
	}
	if !strings.HasPrefix(dsn, "file:"+filepath.Join(dir, dbFileName)+"?") {
		t.Errorf("dsn = %q", dsn)
	}
	if !strings.Contains(dsn, "journal_mode(WAL)") {
		t.Errorf("file databases should use WAL: %q", dsn)
	}

	mem, err := buildDSN(":memory:")
	if err != nil {
		t.Fatalf("buildDSN(:memory:): %v", err)
	}
	if strings.Contains(mem, "journal_mode") || !strings.Contains(mem, "foreign_keys(1)") {
		t.Errorf("memory dsn = %q", mem)
	}
}

func TestPlaceholders(t *testing.T) {
	cases := map[int]string{0: "", 1: "?", 3: "?,?,?"}
	for n, want := range cases {
		if got := placeholders(n); got != want {
			t.Errorf("placeholders(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{ID: "j-claim-1", Type: JobReindexRecord, PayloadJSON: `{"record_id":"r1"}`}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{JobReindexRecord})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.PayloadJSON != `{"record_id":"r1"}` {
		t.Errorf("PayloadJSON = %q", got.PayloadJSON)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestEnqueueJob_AssignsID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	got, err := s.ClaimNextJob(ctx, []string{"x"})
	if err != nil || got == nil {
		t.Fatalf("ClaimNextJob: %v, %v", got, err)
	}
	if got.ID == "" {
		t.Error("expected generated job id")
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob(context.Background(), []string{JobReindexRecord})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{ID: "j-future", Type: "x", PayloadJSON: `{}`, RunAfter: time.Now().UTC().Add(time.Hour)}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	got, err := s.ClaimNextJob(ctx, []string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(ctx, Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"b"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.Type != "b" {
		t.Fatalf("claimed %+v, want type b", got)
	}
}

func TestPendingJobID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	payload := `{"record_id":"r9"}`

	id, err := s.PendingJobID(ctx, JobReindexRecord, payload)
	if err != nil {
		t.Fatalf("PendingJobID: %v", err)
	}
	if id != "" {
		t.Fatalf("expected no job before enqueue, got %q", id)
	}

	if err := s.EnqueueJob(ctx, Job{ID: "j-r9", Type: JobReindexRecord, PayloadJSON: payload}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if id, _ = s.PendingJobID(ctx, JobReindexRecord, payload); id != "j-r9" {
		t.Errorf("pending job id = %q, want j-r9", id)
	}

	if _, err := s.ClaimNextJob(ctx, []string{JobReindexRecord}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if id, _ = s.PendingJobID(ctx, JobReindexRecord, payload); id != "j-r9" {
		t.Error("running job should still count")
	}

	if err := s.CompleteJob(ctx, "j-r9"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if id, _ = s.PendingJobID(ctx, JobReindexRecord, payload); id != "" {
		t.Error("completed job should not count")
	}
}

func TestCompleteJob_NotFound(t *testing.T) {
	s := openTestStore(t)
	if err := s.CompleteJob(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFailJob_IncrementsAttemptsAndBacksOff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-fail", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC().Truncate(time.Second)
	if err := s.FailJob(ctx, "j-fail", "index unavailable"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	j, err := s.GetJob(ctx, "j-fail")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}
	if j.Status != "pending" {
		t.Errorf("status = %q, want pending", j.Status)
	}
	if j.LastError != "index unavailable" {
		t.Errorf("last_error = %q", j.LastError)
	}
	if !j.RunAfter.After(before) {
		t.Errorf("run_after %v should be after %v", j.RunAfter, before)
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-fail-max", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.FailJob(ctx, "j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, err := s.GetJob(ctx, "j-fail-max")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != "failed" {
		t.Errorf("status = %q, want failed", j.Status)
	}
}

func TestRetryDelay(t *testing.T) {
	cases := map[int]time.Duration{1: 2 * time.Second, 3: 8 * time.Second, 9: maxBackoff, 40: maxBackoff}
	for attempts, want := range cases {
		if got := retryDelay(attempts); got != want {
			t.Errorf("retryDelay(%d) = %s, want %s", attempts, got, want)
		}
	}
}

func TestCountJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"j1", "j2", "j3"} {
		if err := s.EnqueueJob(ctx, Job{ID: id, Type: "x", PayloadJSON: `{}`}); err != nil {
			t.Fatalf("EnqueueJob %s: %v", id, err)
		}
	}
	if err := s.CompleteJob(ctx, "j2"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	if n, err := s.CountJobs(ctx, JobPending); err != nil || n != 2 {
		t.Errorf("pending = %d, %v; want 2", n, err)
	}
	if n, err := s.CountJobs(ctx, JobCompleted); err != nil || n != 1 {
		t.Errorf("completed = %d, %v; want 1", n, err)
	}
}

func TestReleaseJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-rel", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.ReleaseJob(ctx, "j-rel"); err != ErrNotFound {
		t.Errorf("release of pending job: err = %v, want ErrNotFound", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.ReleaseJob(ctx, "j-rel"); err != nil {
		t.Fatalf("ReleaseJob: %v", err)
	}
	j, err := s.GetJob(ctx, "j-rel")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobPending || j.Attempts != 0 {
		t.Errorf("job = %+v, want pending with no attempts", j)
	}
	if got, _ := s.ClaimNextJob(ctx, []string{"x"}); got == nil {
		t.Error("released job should be claimable again")
	}
}

func TestRequeueStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"old", "new"} {
		if err := s.EnqueueJob(ctx, Job{ID: id, Type: "x", PayloadJSON: `{"` + id + `":1}`}); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
		if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
			t.Fatalf("ClaimNextJob: %v", err)
		}
	}
	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	if _, err := s.db.Exec(`UPDATE jobs SET updated_at = ? WHERE id = 'old'`, past); err != nil {
		t.Fatal(err)
	}

	n, err := s.RequeueStale(ctx, 10*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("RequeueStale = %d, %v; want 1", n, err)
	}
	if j, _ := s.GetJob(ctx, "old"); j.Status != JobPending {
		t.Errorf("old status = %q", j.Status)
	}
	if j, _ := s.GetJob(ctx, "new"); j.Status != JobRunning {
		t.Errorf("new status = %q", j.Status)
	}
}

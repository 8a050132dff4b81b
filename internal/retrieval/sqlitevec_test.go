package retrieval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kalambet/supportkb/internal/kb"
)

func openTestVecIndex(t *testing.T) *VecIndex {
	t.Helper()
	idx, err := OpenVecIndex(filepath.Join(t.TempDir(), "vec.db"), 3)
	if err != nil {
		t.Fatalf("OpenVecIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	if err := idx.EnsureIndex(context.Background()); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}
	return idx
}

func TestVecIndex_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	idx := openTestVecIndex(t)

	if err := idx.Upsert(ctx, "r1", []float32{1, 0, 0}, kb.Metadata{Title: "old"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(ctx, "r1", []float32{0, 1, 0}, kb.Metadata{Title: "new"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(ctx, "r2", []float32{1, 0, 0}, kb.Metadata{Title: "other"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	n, err := idx.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}

	matches, err := idx.Query(ctx, []float32{0, 1, 0}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].ID != "r1" || matches[0].Metadata.Title != "new" {
		t.Errorf("top match = %+v, want r1/new", matches[0])
	}
	if matches[0].Score < 0.99 || matches[1].Score > matches[0].Score {
		t.Errorf("scores = %f, %f", matches[0].Score, matches[1].Score)
	}
}

func TestVecIndex_RequiresDimension(t *testing.T) {
	if _, err := OpenVecIndex(filepath.Join(t.TempDir(), "vec.db"), 0); err == nil {
		t.Error("expected error for zero dimension")
	}
}

func TestVecIndex_QueryWrongDimension(t *testing.T) {
	idx := openTestVecIndex(t)
	_, err := idx.Query(context.Background(), []float32{1, 0}, 1)
	if !kb.IsInvalidInput(err) {
		t.Errorf("err = %v, want InvalidInputError", err)
	}
}

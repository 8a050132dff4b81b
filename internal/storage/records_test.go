package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/supportkb/internal/kb"
)

func sampleRecord(title string) kb.NewRecord {
	return kb.NewRecord{
		Title:        title,
		Description:  "Dashboard freezes when loading 500+ rows",
		Product:      "Analytics",
		Installation: "Cloud",
		Type:         "Bug",
		Severity:     "High",
		Status:       "Resolved",
		Resolution:   "Enable pagination on the dashboard query",
		CreatedBy:    "alice",
	}
}

func TestCreateAndGetRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateRecord(ctx, sampleRecord("  Dashboard crash  "))
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected id to be assigned")
	}
	if created.Title != "Dashboard crash" {
		t.Errorf("Title = %q, want trimmed", created.Title)
	}
	if created.Indexed() {
		t.Error("new record must not be indexed")
	}

	got, err := s.GetRecord(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.Resolution != created.Resolution || got.Product != "Analytics" {
		t.Errorf("GetRecord = %+v", got)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created.CreatedAt)
	}
}

func TestCreateRecord_RequiresTitle(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateRecord(context.Background(), kb.NewRecord{Title: "   "})
	if !kb.IsInvalidInput(err) {
		t.Errorf("err = %v, want invalid input", err)
	}
}

func TestGetRecord_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRecord(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFindByIDs_SkipsUnknown(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateRecord(ctx, sampleRecord("A"))
	b, _ := s.CreateRecord(ctx, sampleRecord("B"))

	got, err := s.FindByIDs(ctx, []string{a.ID, "deleted", b.ID})
	if err != nil {
		t.Fatalf("FindByIDs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}

	none, err := s.FindByIDs(ctx, nil)
	if err != nil || none != nil {
		t.Errorf("FindByIDs(nil) = %v, %v", none, err)
	}
}

func TestListRecords_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, title := range []string{"first", "second", "third"} {
		if _, err := s.CreateRecord(ctx, sampleRecord(title)); err != nil {
			t.Fatalf("CreateRecord: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	got, err := s.ListRecords(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(got) != 2 || got[0].Title != "third" || got[1].Title != "second" {
		t.Errorf("ListRecords = %v", titles(got))
	}

	n, err := s.CountRecords(ctx)
	if err != nil || n != 3 {
		t.Errorf("CountRecords = %d, %v", n, err)
	}

	all, err := s.FindAll(ctx)
	if err != nil || len(all) != 3 || all[0].Title != "first" {
		t.Errorf("FindAll = %v, %v", titles(all), err)
	}
}

func TestUpdateResolution_ClearsIndexed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r, _ := s.CreateRecord(ctx, sampleRecord("Login loop"))
	if err := s.MarkIndexed(ctx, r.ID, time.Now()); err != nil {
		t.Fatalf("MarkIndexed: %v", err)
	}
	got, _ := s.GetRecord(ctx, r.ID)
	if !got.Indexed() {
		t.Fatal("expected record to be indexed")
	}

	updated, err := s.UpdateResolution(ctx, r.ID, "  Clear the SSO cookie  ")
	if err != nil {
		t.Fatalf("UpdateResolution: %v", err)
	}
	if updated.Resolution != "Clear the SSO cookie" {
		t.Errorf("Resolution = %q", updated.Resolution)
	}
	if updated.Indexed() {
		t.Error("resolution change must clear indexed_at")
	}

	pending, err := s.ListUnindexed(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnindexed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != r.ID {
		t.Errorf("ListUnindexed = %v", titles(pending))
	}

	if _, err := s.UpdateResolution(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListUnindexed_SkipsEmptyResolution(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := sampleRecord("Draft")
	in.Resolution = ""
	if _, err := s.CreateRecord(ctx, in); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	got, err := s.ListUnindexed(ctx, 0)
	if err != nil {
		t.Fatalf("ListUnindexed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected nothing to index, got %v", titles(got))
	}
}

func TestAddSuggestedResolution(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r, _ := s.CreateRecord(ctx, sampleRecord("Export timeout"))
	if _, err := s.AddSuggestedResolution(ctx, r.ID, "Increase gateway timeout"); err != nil {
		t.Fatalf("AddSuggestedResolution: %v", err)
	}
	got, err := s.AddSuggestedResolution(ctx, r.ID, "Split the export")
	if err != nil {
		t.Fatalf("AddSuggestedResolution: %v", err)
	}
	if len(got.SuggestedResolutions) != 2 || got.SuggestedResolutions[1] != "Split the export" {
		t.Errorf("SuggestedResolutions = %v", got.SuggestedResolutions)
	}

	if _, err := s.AddSuggestedResolution(ctx, r.ID, " "); !kb.IsInvalidInput(err) {
		t.Errorf("err = %v, want invalid input", err)
	}
	if _, err := s.AddSuggestedResolution(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestComments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r, _ := s.CreateRecord(ctx, sampleRecord("Slow search"))
	if _, err := s.AddComment(ctx, r.ID, "bob", "Seeing this on v2.3 too"); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if _, err := s.AddComment(ctx, r.ID, "carol", "Fixed after reindex"); err != nil {
		t.Fatalf("AddComment: %v", err)
	}

	got, err := s.ListComments(ctx, r.ID)
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if len(got) != 2 || got[0].Author != "bob" {
		t.Errorf("ListComments = %+v", got)
	}

	if _, err := s.AddComment(ctx, "missing", "bob", "hello"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.AddComment(ctx, r.ID, "bob", ""); !kb.IsInvalidInput(err) {
		t.Errorf("err = %v, want invalid input", err)
	}
}

func titles(rs []kb.Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Title
	}
	return out
}

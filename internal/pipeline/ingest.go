package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/supportkb/internal/kb"
	"github.com/kalambet/supportkb/internal/notify"
	"github.com/kalambet/supportkb/internal/retrieval"
)

// IngestResult reports whether the record reached the vector index. When it
// did not, IndexError says why and JobID names the queued retry.
type IngestResult struct {
	Record     kb.Record `json:"record"`
	Indexed    bool      `json:"indexed"`
	JobID      string    `json:"jobId,omitempty"`
	IndexError string    `json:"indexError,omitempty"`
}

// Ingest validates and persists a full record, embeds its resolution and
// upserts it with metadata {product, installation, title}, then emits
// newPost. The store and the index are not updated atomically: if indexing
// fails after the record is saved, a reindex job is queued and the result
// reports Indexed=false with no error.
func (p *Pipeline) Ingest(ctx context.Context, in kb.NewRecord) (IngestResult, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		p.Metrics.CountIngest("invalid")
		return IngestResult{}, err
	}

	rec, err := p.Store.CreateRecord(ctx, in)
	if err != nil {
		p.Metrics.CountIngest("failed")
		return IngestResult{}, asStoreError("create record", err)
	}
	log := p.log.With().Str("record_id", rec.ID).Logger()

	res := p.indexOrQueue(ctx, rec)
	p.Notifier.Emit(notify.EventNewPost, res.Record)

	if res.Indexed {
		p.Metrics.CountIngest("indexed")
		log.Info().Str("title", rec.Title).Msg("record ingested")
	} else {
		p.Metrics.CountIngest("queued")
		log.Warn().Str("index_error", res.IndexError).Str("job_id", res.JobID).Msg("record saved but not indexed")
	}
	return res, nil
}

// Submit persists a report that may not be resolved yet. Only the title is
// required. Records with a resolution are indexed in the background.
func (p *Pipeline) Submit(ctx context.Context, in kb.NewRecord) (IngestResult, error) {
	in = in.Normalize()
	if in.Title == "" {
		return IngestResult{}, &kb.InvalidInputError{Field: "title", Reason: "Missing required fields: title"}
	}
	rec, err := p.Store.CreateRecord(ctx, in)
	if err != nil {
		return IngestResult{}, asStoreError("create record", err)
	}
	res := IngestResult{Record: rec}
	if rec.Resolution != "" {
		res.JobID = p.enqueue(ctx, rec.ID)
	}
	p.Notifier.Emit(notify.EventNewPost, rec)
	return res, nil
}

// UpdateResolution stores a new resolution and re-indexes the record
// synchronously. The previous vector is overwritten.
func (p *Pipeline) UpdateResolution(ctx context.Context, id, resolution string) (IngestResult, error) {
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return IngestResult{}, &kb.InvalidInputError{Field: "resolution", Reason: "must not be empty"}
	}
	rec, err := p.Store.UpdateResolution(ctx, id, resolution)
	if err != nil {
		return IngestResult{}, asStoreError("update resolution", err)
	}
	res := p.indexOrQueue(ctx, rec)
	p.Notifier.Emit(notify.EventPostUpdated, res.Record)
	return res, nil
}

// AddSuggestedResolution appends a suggestion. Suggestions are not indexed.
func (p *Pipeline) AddSuggestedResolution(ctx context.Context, id, suggestion string) (kb.Record, error) {
	rec, err := p.Store.AddSuggestedResolution(ctx, id, strings.TrimSpace(suggestion))
	if err != nil {
		return kb.Record{}, asStoreError("add suggestion", err)
	}
	p.Notifier.Emit(notify.EventPostUpdated, rec)
	return rec, nil
}

// AddComment attaches a comment to a record.
func (p *Pipeline) AddComment(ctx context.Context, recordID, author, text string) (kb.Comment, error) {
	c, err := p.Store.AddComment(ctx, recordID, strings.TrimSpace(author), strings.TrimSpace(text))
	if err != nil {
		return kb.Comment{}, asStoreError("add comment", err)
	}
	p.Notifier.Emit(notify.EventNewComment, c)
	return c, nil
}

// Reindex embeds and upserts the stored record id. Records without a
// resolution have nothing to index and are skipped.
func (p *Pipeline) Reindex(ctx context.Context, id string) error {
	rec, err := p.Store.GetRecord(ctx, id)
	if err != nil {
		return asStoreError("get record", err)
	}
	if rec.Resolution == "" {
		return nil
	}
	_, err = p.index(ctx, rec)
	return err
}

// index embeds the resolution, upserts the vector and marks the record.
func (p *Pipeline) index(ctx context.Context, rec kb.Record) (kb.Record, error) {
	vec, err := p.Embedder.Embed(ctx, rec.Resolution)
	if err != nil {
		return rec, fmt.Errorf("embedding resolution: %w", err)
	}
	return p.store(ctx, rec, vec)
}

// store upserts an already computed vector and marks the record indexed.
func (p *Pipeline) store(ctx context.Context, rec kb.Record, vec []float32) (kb.Record, error) {
	if err := p.Index.Upsert(ctx, rec.ID, vec, kb.MetadataOf(rec)); err != nil {
		return rec, fmt.Errorf("upserting vector: %w", asIndexError("upsert", err))
	}
	now := time.Now().UTC()
	if err := p.Store.MarkIndexed(ctx, rec.ID, now); err != nil {
		// The vector is in place; a later reconcile pass marks it again.
		return rec, fmt.Errorf("marking indexed: %w", asStoreError("mark indexed", err))
	}
	rec.IndexedAt = now
	return rec, nil
}

// BatchEmbedder embeds several texts in one call. *retrieval.Embedder
// satisfies it.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

var _ BatchEmbedder = (*retrieval.Embedder)(nil)

// ReindexBatch embeds the resolutions of recs together and upserts each
// vector. Records without a resolution are skipped. The returned map holds
// the records that could not be indexed, keyed by id.
func (p *Pipeline) ReindexBatch(ctx context.Context, recs []kb.Record) map[string]error {
	failed := make(map[string]error)
	todo := make([]kb.Record, 0, len(recs))
	texts := make([]string, 0, len(recs))
	for _, rec := range recs {
		if rec.Resolution != "" {
			todo = append(todo, rec)
			texts = append(texts, rec.Resolution)
		}
	}
	if len(todo) == 0 {
		return failed
	}

	batch, ok := p.Embedder.(BatchEmbedder)
	if !ok {
		for _, rec := range todo {
			if _, err := p.index(ctx, rec); err != nil {
				failed[rec.ID] = err
			}
		}
		return failed
	}

	vecs, err := batch.EmbedBatch(ctx, texts)
	if err != nil {
		// One bad text fails the whole batch; go one by one to find it.
		p.log.Warn().Err(err).Int("records", len(todo)).Msg("batch embedding failed, reindexing singly")
		for _, rec := range todo {
			if _, err := p.index(ctx, rec); err != nil {
				failed[rec.ID] = err
			}
		}
		return failed
	}
	for i, rec := range todo {
		if _, err := p.store(ctx, rec, vecs[i]); err != nil {
			failed[rec.ID] = err
		}
	}
	return failed
}

func (p *Pipeline) indexOrQueue(ctx context.Context, rec kb.Record) IngestResult {
	indexed, err := p.index(ctx, rec)
	if err == nil {
		return IngestResult{Record: indexed, Indexed: true}
	}
	return IngestResult{Record: rec, IndexError: err.Error(), JobID: p.enqueue(ctx, rec.ID)}
}

// enqueue schedules a reindex that survives caller cancellation. It returns
// "" when no queue is configured or enqueueing failed.
func (p *Pipeline) enqueue(ctx context.Context, id string) string {
	if p.Queue == nil {
		return ""
	}
	jobID, err := p.Queue.EnqueueReindex(context.WithoutCancel(ctx), id)
	if err != nil {
		p.log.Error().Err(err).Str("record_id", id).Msg("enqueueing reindex job")
		return ""
	}
	return jobID
}

// Package pipeline runs retrieval queries and keeps the record store and the
// vector index in step on ingest.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/kalambet/supportkb/internal/answer"
	"github.com/kalambet/supportkb/internal/conversation"
	"github.com/kalambet/supportkb/internal/kb"
	"github.com/kalambet/supportkb/internal/metrics"
	"github.com/kalambet/supportkb/internal/notify"
	"github.com/kalambet/supportkb/internal/retrieval"
	"github.com/kalambet/supportkb/internal/synthesis"
)

const defaultTopK = 5

// Embedder turns text into a vector. *retrieval.Embedder satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Synthesizer produces model output for a query. *synthesis.Synthesizer
// satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, records []kb.Record, window []conversation.Turn) synthesis.Output
}

// Store is the document store. *storage.Store satisfies it.
type Store interface {
	retrieval.RecordFinder
	CreateRecord(ctx context.Context, in kb.NewRecord) (kb.Record, error)
	GetRecord(ctx context.Context, id string) (kb.Record, error)
	UpdateResolution(ctx context.Context, id, resolution string) (kb.Record, error)
	AddSuggestedResolution(ctx context.Context, id, suggestion string) (kb.Record, error)
	AddComment(ctx context.Context, recordID, author, text string) (kb.Comment, error)
	MarkIndexed(ctx context.Context, id string, at time.Time) error
}

// ReindexQueue schedules a background retry of indexing for a record.
type ReindexQueue interface {
	EnqueueReindex(ctx context.Context, recordID string) (jobID string, err error)
}

// Deps are the collaborators of a Pipeline. Notifier, Queue and Metrics are
// optional.
type Deps struct {
	Embedder    Embedder
	Index       retrieval.VectorIndex
	Resolver    *retrieval.Resolver
	Synthesizer Synthesizer
	Store       Store
	Notifier    notify.Notifier
	Queue       ReindexQueue
	Metrics     *metrics.Metrics
}

// Pipeline holds no per-request state; one instance serves all callers.
type Pipeline struct {
	Deps
	topK int
	log  zerolog.Logger
}

// New creates a Pipeline. topK <= 0 uses 5.
func New(d Deps, topK int, log zerolog.Logger) *Pipeline {
	if topK <= 0 {
		topK = defaultTopK
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	return &Pipeline{Deps: d, topK: topK, log: log.With().Str("component", "pipeline").Logger()}
}

// TopK returns the number of index hits requested per query.
func (p *Pipeline) TopK() int {
	return p.topK
}

// Request is one retrieval query. Window is the caller's snapshot of the
// conversation; the pipeline never mutates it.
type Request struct {
	Text      string
	Window    []conversation.Turn
	RequestID string
}

// Response carries the result and the trace of a query.
type Response struct {
	Result kb.Result `json:"result"`
	Trace  Trace     `json:"trace"`
}

// Query runs Embedding → Querying → Resolving → Synthesizing → Parsing.
// Only invalid input and embedding, index or store failures are returned as
// errors; a failed synthesis yields the degraded result instead. When no
// candidate records survive resolution the model is not called and the
// result is an empty structured list.
func (p *Pipeline) Query(ctx context.Context, req Request) (Response, error) {
	if req.RequestID == "" {
		req.RequestID, _ = gonanoid.New()
	}
	tr := newTrace(req.RequestID)
	log := p.log.With().Str("request_id", req.RequestID).Logger()

	resp, err := p.query(ctx, req, tr, log)
	resp.Trace = *tr
	switch {
	case err != nil:
		p.Metrics.CountQuery("error")
		log.Warn().Err(err).Str("state", string(tr.Last())).Msg("query failed")
	case tr.Has(StateDegraded):
		p.Metrics.CountQuery("degraded")
	default:
		p.Metrics.CountQuery(string(resp.Result.Kind()))
	}
	return resp, err
}

func (p *Pipeline) query(ctx context.Context, req Request, tr *Trace, log zerolog.Logger) (Response, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Response{}, &kb.InvalidInputError{Field: "text", Reason: "must not be empty"}
	}

	var vec []float32
	err := p.stage(tr, StateEmbedding, func() error {
		var err error
		vec, err = p.Embedder.Embed(ctx, text)
		return err
	})
	if err != nil {
		return Response{}, err
	}

	var matches []retrieval.Match
	err = p.stage(tr, StateQuerying, func() error {
		var err error
		matches, err = p.Index.Query(ctx, vec, p.topK)
		return err
	})
	if err != nil {
		return Response{}, asIndexError("query", err)
	}

	var records []kb.Record
	err = p.stage(tr, StateResolving, func() error {
		var err error
		records, err = p.Resolver.Resolve(ctx, retrieval.MatchIDs(matches))
		return err
	})
	if err != nil {
		return Response{}, err
	}
	for _, r := range records {
		tr.Candidates = append(tr.Candidates, r.ID)
	}

	if len(records) == 0 {
		log.Debug().Int("matches", len(matches)).Msg("no candidate records, skipping synthesis")
		tr.enter(StateDone)
		return Response{Result: kb.Structured(nil)}, nil
	}

	var out synthesis.Output
	p.stage(tr, StateSynthesizing, func() error {
		out = p.Synthesizer.Synthesize(ctx, text, records, req.Window)
		return nil
	})
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if out.Degraded {
		tr.enter(StateDegraded)
		tr.enter(StateDone)
		log.Warn().Str("reason", out.Reason).Msg("returning degraded answer")
		return Response{Result: kb.DegradedResult(out.Notice)}, nil
	}

	var res kb.Result
	p.stage(tr, StateParsing, func() error {
		res = answer.Reconcile(answer.Parse(out.Text), candidates(records, matches))
		return nil
	})
	tr.enter(StateDone)

	log.Debug().
		Str("kind", string(res.Kind())).
		Int("candidates", len(records)).
		Msg("query complete")
	return Response{Result: res}, nil
}

// stage runs fn as state s, recording its duration.
func (p *Pipeline) stage(tr *Trace, s State, fn func() error) error {
	tr.enter(s)
	start := time.Now()
	err := fn()
	d := time.Since(start)
	tr.Durations[s] = d
	p.Metrics.ObserveStage(string(s), d)
	return err
}

func candidates(records []kb.Record, matches []retrieval.Match) []answer.Candidate {
	scores := make(map[string]float32, len(matches))
	for _, m := range matches {
		scores[m.ID] = m.Score
	}
	out := make([]answer.Candidate, len(records))
	for i, r := range records {
		out[i] = answer.Candidate{Record: r, Score: scores[r.ID]}
	}
	return out
}

// asIndexError wraps unclassified index failures so callers see the taxonomy
// even when the index is not guarded.
func asIndexError(op string, err error) error {
	if err == nil || kb.IsInvalidInput(err) || kb.IsServiceError(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &kb.IndexServiceError{Op: op, Err: err}
}

// asStoreError does the same for store failures. ErrNotFound passes through.
func asStoreError(op string, err error) error {
	if err == nil || kb.IsInvalidInput(err) || kb.IsServiceError(err) || errors.Is(err, kb.ErrNotFound) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &kb.StoreServiceError{Op: op, Err: err}
}

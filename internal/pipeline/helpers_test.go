package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/supportkb/internal/composer"
	"github.com/kalambet/supportkb/internal/engine"
	"github.com/kalambet/supportkb/internal/kb"
	"github.com/kalambet/supportkb/internal/retrieval"
	"github.com/kalambet/supportkb/internal/storage"
	"github.com/kalambet/supportkb/internal/synthesis"
)

const testDim = 64

// bagEmbedder hashes lower-cased words (with a trailing "s" trimmed) into a
// fixed-size count vector, so texts sharing words score higher.
type bagEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (b *bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	b.mu.Lock()
	b.calls++
	err := b.err
	b.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		return nil, &kb.InvalidInputError{Field: "text", Reason: "must not be empty"}
	}
	if err != nil {
		return nil, &kb.EmbeddingServiceError{Op: "embed", Err: err}
	}
	v := make([]float32, testDim)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		w = strings.TrimSuffix(w, "s")
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%testDim]++
	}
	var n float64
	for _, f := range v {
		n += float64(f * f)
	}
	if n == 0 {
		v[0] = 1
	}
	return v, nil
}

func (b *bagEmbedder) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// echoChat answers with the titles of every candidate record in the prompt,
// formatted by the reply function.
type echoChat struct {
	mu      sync.Mutex
	reply   func(titles []string) string
	err     error
	block   bool
	prompts []string
}

func (e *echoChat) Chat(ctx context.Context, msgs []engine.Message) (string, error) {
	user := msgs[len(msgs)-1].Content
	e.mu.Lock()
	e.prompts = append(e.prompts, user)
	e.mu.Unlock()
	if e.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if e.err != nil {
		return "", e.err
	}
	var titles []string
	for _, line := range strings.Split(user, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, `"title": "`) {
			titles = append(titles, strings.TrimSuffix(strings.TrimPrefix(line, `"title": "`), `",`))
		}
	}
	return e.reply(titles), nil
}

func (e *echoChat) Model() string { return "echo" }

func titlesAsJSON(titles []string) string {
	parts := make([]string, len(titles))
	for i, t := range titles {
		parts[i] = `{"title":"` + t + `","resolution":"see record"}`
	}
	return "[" + strings.Join(parts, ",") + "]"
}

type recordedEvent struct {
	name    string
	payload any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingNotifier) Emit(name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name, payload})
}

func (r *recordingNotifier) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.name
	}
	return out
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeQueue) EnqueueReindex(_ context.Context, id string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return "job-" + id, nil
}

// failingIndex fails every call with err.
type failingIndex struct{ err error }

func (f failingIndex) EnsureIndex(context.Context) error { return f.err }
func (f failingIndex) Upsert(context.Context, string, []float32, kb.Metadata) error {
	return f.err
}
func (f failingIndex) Query(context.Context, []float32, int) ([]retrieval.Match, error) {
	return nil, f.err
}
func (f failingIndex) Count(context.Context) (int, error) { return 0, f.err }

type fixture struct {
	p        *Pipeline
	store    *storage.Store
	index    retrieval.VectorIndex
	embedder *bagEmbedder
	chat     *echoChat
	notes    *recordingNotifier
	queue    *fakeQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx := retrieval.NewSQLiteIndex(store.DB(), testDim)
	require.NoError(t, idx.EnsureIndex(context.Background()))

	f := &fixture{
		store:    store,
		index:    retrieval.Guard(idx, 4, time.Second),
		embedder: &bagEmbedder{},
		chat:     &echoChat{reply: titlesAsJSON},
		notes:    &recordingNotifier{},
		queue:    &fakeQueue{},
	}
	f.p = New(Deps{
		Embedder:    f.embedder,
		Index:       f.index,
		Resolver:    retrieval.NewResolver(store, time.Second, 0, zerolog.Nop()),
		Synthesizer: synthesis.New(f.chat, composer.New(0), synthesis.Config{Timeout: 50 * time.Millisecond}, zerolog.Nop()),
		Store:       store,
		Notifier:    f.notes,
		Queue:       f.queue,
	}, 5, zerolog.Nop())
	return f
}

func fullRecord(title, resolution string) kb.NewRecord {
	return kb.NewRecord{
		Title:        title,
		Description:  "reported by support",
		Product:      "Dashboard",
		Installation: "cloud",
		Type:         "bug",
		Severity:     "high",
		Status:       "resolved",
		Resolution:   resolution,
	}
}

func (f *fixture) ingest(t *testing.T, title, resolution string) kb.Record {
	t.Helper()
	res, err := f.p.Ingest(context.Background(), fullRecord(title, resolution))
	require.NoError(t, err)
	require.True(t, res.Indexed, "index error: %s", res.IndexError)
	return res.Record
}

var errBoom = errors.New("boom")

func hitIDs(t *testing.T, r kb.Result) []string {
	t.Helper()
	hits, ok := r.Hits()
	require.True(t, ok, "kind = %s", r.Kind())
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids
}

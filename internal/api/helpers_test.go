package api

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalambet/supportkb/internal/composer"
	"github.com/kalambet/supportkb/internal/engine"
	"github.com/kalambet/supportkb/internal/ingest"
	"github.com/kalambet/supportkb/internal/kb"
	"github.com/kalambet/supportkb/internal/pipeline"
	"github.com/kalambet/supportkb/internal/retrieval"
	"github.com/kalambet/supportkb/internal/storage"
	"github.com/kalambet/supportkb/internal/synthesis"
)

const (
	testToken = "test-token-12345"
	testDim   = 32
)

type wordEmbedder struct {
	mu  sync.Mutex
	err error
}

func (e *wordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, &kb.EmbeddingServiceError{Op: "embed", Err: err}
	}
	v := make([]float32, testDim)
	v[0] = 0.01
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(strings.Trim(w, ".,!?")))
		v[h.Sum32()%testDim]++
	}
	return v, nil
}

type scriptedChat struct {
	mu      sync.Mutex
	reply   string
	prompts []string
}

func (c *scriptedChat) Chat(_ context.Context, msgs []engine.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, msgs[len(msgs)-1].Content)
	return c.reply, nil
}

func (c *scriptedChat) Model() string { return "scripted" }

func (c *scriptedChat) lastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		return ""
	}
	return c.prompts[len(c.prompts)-1]
}

type testEnv struct {
	store    *storage.Store
	pipe     *pipeline.Pipeline
	embedder *wordEmbedder
	chat     *scriptedChat
	index    retrieval.VectorIndex
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx := retrieval.NewSQLiteIndex(store.DB(), testDim)
	if err := idx.EnsureIndex(context.Background()); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}

	env := &testEnv{
		store:    store,
		embedder: &wordEmbedder{},
		chat:     &scriptedChat{reply: "[]"},
		index:    idx,
	}
	env.pipe = pipeline.New(pipeline.Deps{
		Embedder:    env.embedder,
		Index:       idx,
		Resolver:    retrieval.NewResolver(store, time.Second, 0, zerolog.Nop()),
		Synthesizer: synthesis.New(env.chat, composer.New(0), synthesis.Config{Timeout: time.Second}, zerolog.Nop()),
		Store:       store,
		Queue:       ingest.NewQueue(store, 0),
	}, 5, zerolog.Nop())
	return env
}

func (e *testEnv) handler(token string) http.Handler {
	return NewHandler(Deps{
		Service:    e.pipe,
		Records:    e.store,
		Index:      e.index,
		Jobs:       e.store,
		Token:      token,
		WindowSize: 10,
		Log:        zerolog.Nop(),
	})
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const fullRecordJSON = `{"title":"Dashboard crash","description":"Dashboard crashes with large datasets",` +
	`"product":"Dashboard","installation":"cloud","type":"bug","severity":"high","status":"resolved",` +
	`"resolution":"Paginate results"}`

func (e *testEnv) seed(t *testing.T) kb.Record {
	t.Helper()
	res, err := e.pipe.Ingest(context.Background(), kb.NewRecord{
		Title: "Dashboard crash", Description: "Dashboard crashes with large datasets",
		Product: "Dashboard", Installation: "cloud", Type: "bug", Severity: "high",
		Status: "resolved", Resolution: "Paginate results",
	})
	if err != nil || !res.Indexed {
		t.Fatalf("seed ingest: %+v, %v", res, err)
	}
	return res.Record
}

var errUpstream = errors.New("upstream down")

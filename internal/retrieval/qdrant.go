package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/supportkb/internal/kb"
)

var _ VectorIndex = (*QdrantIndex)(nil)

// pointNamespace derives stable Qdrant point ids from record ids that are not
// UUIDs themselves.
var pointNamespace = uuid.MustParse("6f1c2a9e-4b7d-4c1e-9a55-2d3e8f0b7c41")

// QdrantIndex talks to a Qdrant collection over its REST API.
type QdrantIndex struct {
	baseURL    string
	apiKey     string
	collection string
	dim        int
	httpClient *http.Client
}

// NewQdrantIndex returns an index bound to one collection. apiKey may be empty.
func NewQdrantIndex(baseURL, apiKey, collection string, dim int) *QdrantIndex {
	return &QdrantIndex{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		dim:        dim,
		httpClient: &http.Client{},
	}
}

// QdrantError is a non-2xx response from Qdrant.
type QdrantError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *QdrantError) Error() string {
	return fmt.Sprintf("qdrant %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// EnsureIndex creates the collection when GET reports it missing. A 409 from
// a concurrent creator counts as success.
func (q *QdrantIndex) EnsureIndex(ctx context.Context) error {
	err := q.do(ctx, "get collection", http.MethodGet, q.collectionPath(), nil, nil)
	if err == nil {
		return nil
	}
	if !isStatus(err, http.StatusNotFound) {
		return err
	}

	if q.dim <= 0 {
		return fmt.Errorf("creating qdrant collection: dimension must be positive, got %d", q.dim)
	}
	body := map[string]any{
		"vectors": map[string]any{"size": q.dim, "distance": "Cosine"},
	}
	err = q.do(ctx, "create collection", http.MethodPut, q.collectionPath(), body, nil)
	if isStatus(err, http.StatusConflict) {
		return nil
	}
	return err
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// Upsert writes one point. Qdrant replaces points with the same id.
func (q *QdrantIndex) Upsert(ctx context.Context, id string, vector []float32, meta kb.Metadata) error {
	if err := validateUpsert(id, vector, q.dim); err != nil {
		return err
	}
	body := map[string]any{
		"points": []qdrantPoint{{
			ID:     pointID(id),
			Vector: vector,
			Payload: map[string]any{
				"record_id":    id,
				"product":      meta.Product,
				"installation": meta.Installation,
				"title":        meta.Title,
			},
		}},
	}
	return q.mapMissing(q.do(ctx, "upsert", http.MethodPut, q.collectionPath()+"/points?wait=true", body, nil))
}

type qdrantScored struct {
	ID      any            `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Query runs a cosine search and returns at most topK matches.
func (q *QdrantIndex) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if err := validateQuery(vector, topK); err != nil {
		return nil, err
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	var resp struct {
		Result []qdrantScored `json:"result"`
	}
	if err := q.do(ctx, "search", http.MethodPost, q.collectionPath()+"/points/search", body, &resp); err != nil {
		return nil, q.mapMissing(err)
	}

	matches := make([]Match, 0, len(resp.Result))
	for _, p := range resp.Result {
		m := Match{
			ID:    payloadString(p.Payload, "record_id"),
			Score: p.Score,
			Metadata: kb.Metadata{
				Product:      payloadString(p.Payload, "product"),
				Installation: payloadString(p.Payload, "installation"),
				Title:        payloadString(p.Payload, "title"),
			},
		}
		if m.ID == "" {
			m.ID = fmt.Sprint(p.ID)
		}
		matches = append(matches, m)
	}
	sortByScore(matches)
	return matches, nil
}

// Count returns the exact number of points in the collection.
func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := q.do(ctx, "count", http.MethodPost, q.collectionPath()+"/points/count", map[string]any{"exact": true}, &resp)
	if err != nil {
		return 0, q.mapMissing(err)
	}
	return resp.Result.Count, nil
}

func (q *QdrantIndex) collectionPath() string {
	return "/collections/" + url.PathEscape(q.collection)
}

func (q *QdrantIndex) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &QdrantError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding qdrant %s response: %w", op, err)
	}
	return nil
}

func (q *QdrantIndex) mapMissing(err error) error {
	if isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("collection %q: %w: %v", q.collection, ErrIndexNotFound, err)
	}
	return err
}

func isStatus(err error, code int) bool {
	var qe *QdrantError
	return errors.As(err, &qe) && qe.StatusCode == code
}

// pointID returns id itself when it is a UUID, or a name-based UUID otherwise.
func pointID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(pointNamespace, []byte(id)).String()
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

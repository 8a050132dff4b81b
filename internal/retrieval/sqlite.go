package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/supportkb/internal/kb"
)

var _ VectorIndex = (*SQLiteIndex)(nil)

// SQLiteIndex stores vectors as little-endian blobs in the kb_vectors table
// and answers queries with a brute-force cosine scan.
//
// When the vector count exceeds ~100K and query latency becomes noticeable,
// switch index.backend to sqlite-vec or qdrant.
type SQLiteIndex struct {
	db  *sql.DB
	dim int
}

// NewSQLiteIndex wraps an open database. dim is the expected vector length;
// zero disables the check.
func NewSQLiteIndex(db *sql.DB, dim int) *SQLiteIndex {
	return &SQLiteIndex{db: db, dim: dim}
}

// EnsureIndex creates the kb_vectors table if it does not exist.
func (s *SQLiteIndex) EnsureIndex(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kb_vectors (
			id TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating kb_vectors: %w", err)
	}
	return nil
}

// Upsert inserts the vector for id or replaces the existing one.
func (s *SQLiteIndex) Upsert(ctx context.Context, id string, vector []float32, meta kb.Metadata) error {
	if err := validateUpsert(id, vector, s.dim); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kb_vectors (id, embedding, metadata, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			embedding = excluded.embedding,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		id, encodeFloat32s(vector), string(metaJSON), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upserting vector %s: %w", id, mapMissingTable(err))
	}
	return nil
}

// idScore holds only the ID and score during the scan phase of Query.
// Metadata is fetched only for the top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Query scans every stored vector and returns the topK most similar.
func (s *SQLiteIndex) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if err := validateQuery(vector, topK); err != nil {
		return nil, err
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return []Match{}, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM kb_vectors`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", mapMissingTable(err))
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return []Match{}, nil
	}

	// Phase 2: fetch metadata only for the winners.
	scores := make(map[string]float32, h.Len())
	args := make([]any, 0, h.Len())
	for h.Len() > 0 {
		item := heap.Pop(h).(idScore)
		scores[item.ID] = item.Score
		args = append(args, item.ID)
	}
	metaRows, err := s.db.QueryContext(ctx,
		`SELECT id, metadata FROM kb_vectors WHERE id IN (?`+strings.Repeat(",?", len(args)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K metadata: %w", err)
	}
	defer metaRows.Close()

	matches := make([]Match, 0, len(args))
	for metaRows.Next() {
		var m Match
		var metaJSON string
		if err := metaRows.Scan(&m.ID, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning metadata: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", m.ID, err)
		}
		m.Score = scores[m.ID]
		matches = append(matches, m)
	}
	if err := metaRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating metadata: %w", err)
	}

	// IN does not preserve order.
	sortByScore(matches)
	return matches, nil
}

// Count returns the number of stored vectors.
func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kb_vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting vectors: %w", mapMissingTable(err))
	}
	return n, nil
}

func mapMissingTable(err error) error {
	if err != nil && strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%w: %v", ErrIndexNotFound, err)
	}
	return err
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

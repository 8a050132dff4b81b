package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kalambet/supportkb/internal/kb"
)

func init() {
	sqlite_vec.Auto()
}

var _ VectorIndex = (*VecIndex)(nil)

// VecIndex keeps vectors in a sqlite-vec vec0 virtual table using cosine
// distance. Metadata lives in a plain side table keyed by the same id.
type VecIndex struct {
	db  *sql.DB
	dim int
}

// OpenVecIndex opens (or creates) the sqlite-vec database at path. dim must be
// positive because vec0 columns have a fixed width.
func OpenVecIndex(path string, dim int) (*VecIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("sqlite-vec index needs a positive dimension, got %d", dim)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating index directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite-vec database: %w", err)
	}
	// vec0 tables and an in-memory database must stay on one connection.
	db.SetMaxOpenConns(1)
	return &VecIndex{db: db, dim: dim}, nil
}

func (v *VecIndex) Close() error {
	return v.db.Close()
}

// EnsureIndex creates the vec0 table and the metadata table.
func (v *VecIndex) EnsureIndex(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS kb_vec USING vec0(
			record_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		)`, v.dim),
		`CREATE TABLE IF NOT EXISTS kb_vec_meta (
			record_id TEXT PRIMARY KEY,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, s := range stmts {
		if _, err := v.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("creating sqlite-vec tables: %w", err)
		}
	}
	return nil
}

// Upsert replaces the vector for id. vec0 has no ON CONFLICT, so the row is
// deleted and re-inserted in one transaction.
func (v *VecIndex) Upsert(ctx context.Context, id string, vector []float32, meta kb.Metadata) error {
	if err := validateUpsert(id, vector, v.dim); err != nil {
		return err
	}
	vecJSON, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encoding vector: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_vec WHERE record_id = ?`, id); err != nil {
		return fmt.Errorf("deleting old vector %s: %w", id, mapMissingTable(err))
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO kb_vec (record_id, embedding) VALUES (?, ?)`, id, string(vecJSON)); err != nil {
		return fmt.Errorf("inserting vector %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kb_vec_meta (record_id, metadata) VALUES (?, ?)
		ON CONFLICT(record_id) DO UPDATE SET metadata = excluded.metadata`, id, string(metaJSON)); err != nil {
		return fmt.Errorf("storing metadata %s: %w", id, err)
	}
	return tx.Commit()
}

// Query returns the topK nearest vectors. Similarity is 1 - cosine distance.
func (v *VecIndex) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if err := validateQuery(vector, topK); err != nil {
		return nil, err
	}
	if len(vector) != v.dim {
		return nil, &kb.InvalidInputError{Field: "vector", Reason: fmt.Sprintf("dimension %d, index expects %d", len(vector), v.dim)}
	}
	vecJSON, err := json.Marshal(vector)
	if err != nil {
		return nil, fmt.Errorf("encoding vector: %w", err)
	}

	rows, err := v.db.QueryContext(ctx, `
		SELECT v.record_id, vec_distance_cosine(v.embedding, ?) AS distance, COALESCE(m.metadata, '{}')
		FROM kb_vec v
		LEFT JOIN kb_vec_meta m ON m.record_id = v.record_id
		ORDER BY distance ASC
		LIMIT ?`, string(vecJSON), topK)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite-vec: %w", mapMissingTable(err))
	}
	defer rows.Close()

	matches := make([]Match, 0, topK)
	for rows.Next() {
		var m Match
		var distance float64
		var metaJSON string
		if err := rows.Scan(&m.ID, &distance, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", m.ID, err)
		}
		m.Score = float32(1 - distance)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating matches: %w", err)
	}
	return matches, nil
}

// Count returns the number of stored vectors.
func (v *VecIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := v.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kb_vec`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting vectors: %w", mapMissingTable(err))
	}
	return n, nil
}

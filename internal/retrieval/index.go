package retrieval

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/kalambet/supportkb/internal/kb"
)

// Match is a single vector index hit.
type Match struct {
	ID       string      `json:"id"`
	Score    float32     `json:"score"`
	Metadata kb.Metadata `json:"metadata"`
}

// VectorIndex stores one vector per record id and answers nearest-neighbour
// queries by cosine similarity.
//
// Implementations must make EnsureIndex idempotent, Upsert last-write-wins
// per id, and return Query results ordered by descending score.
type VectorIndex interface {
	EnsureIndex(ctx context.Context) error
	Upsert(ctx context.Context, id string, vector []float32, meta kb.Metadata) error
	Query(ctx context.Context, vector []float32, topK int) ([]Match, error)
	Count(ctx context.Context) (int, error)
}

// ErrIndexNotFound is returned by Upsert, Query and Count when the backing
// table or collection does not exist. EnsureIndex creates it.
var ErrIndexNotFound = errors.New("index not found")

func validateUpsert(id string, vector []float32, dim int) error {
	if id == "" {
		return &kb.InvalidInputError{Field: "id", Reason: "must not be empty"}
	}
	if len(vector) == 0 {
		return &kb.InvalidInputError{Field: "vector", Reason: "must not be empty"}
	}
	if dim > 0 && len(vector) != dim {
		return &kb.InvalidInputError{Field: "vector", Reason: fmt.Sprintf("dimension %d, index expects %d", len(vector), dim)}
	}
	return nil
}

func validateQuery(vector []float32, topK int) error {
	if topK <= 0 {
		return &kb.InvalidInputError{Field: "topK", Reason: fmt.Sprintf("must be positive, got %d", topK)}
	}
	if len(vector) == 0 {
		return &kb.InvalidInputError{Field: "vector", Reason: "must not be empty"}
	}
	return nil
}

// sortByScore sorts matches by Score descending. Used for small slices (topK).
func sortByScore(ms []Match) {
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && ms[j].Score > ms[j-1].Score; j-- {
			ms[j], ms[j-1] = ms[j-1], ms[j]
		}
	}
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, reusing it to avoid
// per-row allocations during scans. A length that is not a multiple of 4
// indicates corruption.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed norm of
// a. Vectors of different length score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

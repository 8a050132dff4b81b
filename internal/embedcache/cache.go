// Package embedcache persists embedding vectors in a bbolt file so identical
// text is never embedded twice by the same model.
package embedcache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const fileName = "embeddings.bolt"

var bucketVectors = []byte("vectors")

// Cache maps (model, text) to a vector.
type Cache struct {
	db *bbolt.DB
}

// Open opens or creates the cache file inside dir.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dir, fileName), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening embedding cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVectors)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Key returns the cache key for text embedded by model.
func Key(model, text string) []byte {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return []byte(hex.EncodeToString(h.Sum(nil)))
}

// Get returns the cached vector, if present.
func (c *Cache) Get(model, text string) ([]float32, bool) {
	var vec []float32
	_ = c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketVectors).Get(Key(model, text))
		if data != nil && len(data)%4 == 0 {
			vec = decode(data)
		}
		return nil
	})
	return vec, vec != nil
}

// Put stores vec for (model, text), replacing any previous entry.
func (c *Cache) Put(model, text string, vec []float32) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVectors).Put(Key(model, text), encode(vec))
	})
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	var n int
	_ = c.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketVectors).Stats().KeyN
		return nil
	})
	return n
}

func encode(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decode(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

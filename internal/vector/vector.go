// Package vector provides the vector index boundary: (id, embedding, content,
// flat payload) records with nearest-neighbor queries by cosine similarity.
package vector

import (
	"context"
	"errors"
	"math"
)

// ErrNotFound is returned when a record id is not in the index.
var ErrNotFound = errors.New("vector: record not found")

// Record is one stored entry. Payload values must be flat scalars; nested
// metadata is serialized before it reaches the index.
type Record struct {
	ID      string
	Vector  []float32
	Content string
	Payload map[string]string
}

// Result is one nearest-neighbor hit, ordered by descending similarity.
type Result struct {
	ID         string
	Similarity float64
	Content    string
	Payload    map[string]string
}

// Index is the vector store interface. Implementations: SQLite (embedded,
// sqlite-vec with brute-force fallback) and Qdrant (remote).
type Index interface {
	Upsert(ctx context.Context, rec Record) error
	Query(ctx context.Context, vec []float32, k int) ([]Result, error)
	Fetch(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
	// IDs lists every stored record id, for reconciliation scans.
	IDs(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// CosineSimilarity computes the cosine similarity of two vectors. Mismatched
// or empty vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Package engine owns the Memory and Relationship entities. It coordinates
// writes across the vector index and the graph store, runs relationship
// inference, computes version lineage, and serves hybrid semantic+graph
// queries.
package engine

import (
	"fmt"
	"time"

	"github.com/engramlabs/engram/internal/metadata"
)

// RelationType is the closed set of relationship types. Free-form strings
// never cross this boundary; parse them with ParseRelationType.
type RelationType string

const (
	// RelationUpdate marks supersession: the target replaces the source as
	// the latest version. Created only by UpdateMemory, confidence 1.0.
	RelationUpdate RelationType = "UPDATE"
	// RelationExtend marks added context between mid-similarity memories.
	RelationExtend RelationType = "EXTEND"
	// RelationDerive marks a high-confidence inferred semantic neighbor.
	RelationDerive RelationType = "DERIVE"
)

// ParseRelationType converts a string into a RelationType, rejecting
// anything outside the closed set.
func ParseRelationType(s string) (RelationType, error) {
	switch RelationType(s) {
	case RelationUpdate, RelationExtend, RelationDerive:
		return RelationType(s), nil
	}
	return "", fmt.Errorf("unknown relationship type %q", s)
}

// InferenceTypes are the relationship types created by inference, and the
// ones followed during graph expansion.
func InferenceTypes() []RelationType {
	return []RelationType{RelationExtend, RelationDerive}
}

// Memory is the atomic unit of stored knowledge. Content is immutable after
// creation; edits create a new Memory joined by an UPDATE relationship.
type Memory struct {
	ID         string       `json:"id"`
	Content    string       `json:"content"`
	Embedding  []float32    `json:"-"`
	Metadata   metadata.Map `json:"metadata,omitempty"`
	SourceType string       `json:"source_type,omitempty"`
	SourceID   string       `json:"source_id,omitempty"`
	Version    int          `json:"version"`
	IsLatest   bool         `json:"is_latest"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Relationship is a directed, typed, confidence-weighted edge between two
// memories.
type Relationship struct {
	ID         string       `json:"id"`
	Type       RelationType `json:"type"`
	SourceID   string       `json:"source_id"`
	TargetID   string       `json:"target_id"`
	Confidence float64      `json:"confidence"`
	CreatedAt  time.Time    `json:"created_at"`
}

// SearchResult is one hybrid search hit.
type SearchResult struct {
	Memory     Memory    `json:"memory"`
	Similarity float64   `json:"similarity"`
	Related    []Related `json:"related,omitempty"`
}

// Related is supplementary graph context attached to a search hit. It does
// not count against the result limit and does not affect ranking.
type Related struct {
	Memory       Memory       `json:"memory"`
	Relationship Relationship `json:"relationship"`
}

// HopResult is a memory found by multi-hop traversal, annotated with its
// minimum hop distance from the nearest seed.
type HopResult struct {
	Memory Memory `json:"memory"`
	Hop    int    `json:"hop"`
}

// PathStep is one node on a discovered path, with the relationship that led
// to it. The first step of a path has no inbound relationship.
type PathStep struct {
	Memory       Memory        `json:"memory"`
	Relationship *Relationship `json:"relationship,omitempty"`
}

// Stats summarizes the stored corpus.
type Stats struct {
	Memories       int            `json:"memories"`
	LatestMemories int            `json:"latest_memories"`
	VectorRecords  int            `json:"vector_records"`
	EdgesByType    map[string]int `json:"edges_by_type"`
}

// ReconcileReport lists the cross-store inconsistencies a reconciliation
// pass found, and what it repaired.
type ReconcileReport struct {
	OrphanVectors  []string `json:"orphan_vectors"`
	MissingVectors []string `json:"missing_vectors"`
	Repaired       int      `json:"repaired"`
}

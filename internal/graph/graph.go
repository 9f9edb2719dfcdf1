// Package graph provides the graph store boundary: Memory nodes plus typed,
// directed, confidence-weighted edges, with transactional supersession and
// bounded one-hop expansion for traversal.
package graph

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a node id does not exist.
	ErrNotFound = errors.New("graph: node not found")
	// ErrStale is returned by Supersede when the node to supersede is no
	// longer the latest version (a concurrent writer won the race).
	ErrStale = errors.New("graph: node is not the latest version")
)

// Node is a stored Memory node. Metadata is the canonical JSON of the
// memory's metadata map; the engine owns its shape.
type Node struct {
	ID         string
	Content    string
	SourceType string
	SourceID   string
	Version    int
	IsLatest   bool
	Metadata   string
	CreatedAt  time.Time
}

// Edge is a directed, typed, weighted edge between two nodes. Dangling marks
// an edge whose endpoint was hard-deleted under the orphan-mark policy.
type Edge struct {
	ID         string
	Type       string
	SourceID   string
	TargetID   string
	Confidence float64
	Dangling   bool
	CreatedAt  time.Time
}

// Direction selects which incident edges to return.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
	Both
)

// Stats summarizes the stored graph.
type Stats struct {
	Nodes       int
	LatestNodes int
	EdgesByType map[string]int
}

// Store is the graph store interface. Implementations: SQLite (embedded) and
// Neo4j (remote, Cypher).
type Store interface {
	CreateNode(ctx context.Context, n Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	// SetNodeIsLatest flips the is_latest flag on a node.
	SetNodeIsLatest(ctx context.Context, id string, isLatest bool) error
	// DeleteNode removes a node. With cascade the incident edges are
	// removed too; otherwise they are kept and marked dangling.
	DeleteNode(ctx context.Context, id string, cascade bool) error

	CreateEdge(ctx context.Context, e Edge) error
	// HasEdge reports whether an edge of the given type already exists
	// between the ordered pair.
	HasEdge(ctx context.Context, sourceID, targetID, edgeType string) (bool, error)
	// Edges returns the edges incident on id, filtered by direction and,
	// when types is non-empty, by edge type.
	Edges(ctx context.Context, id string, dir Direction, types []string) ([]Edge, error)
	// Expand returns all non-dangling edges incident on any of the given
	// ids in one call, the one-hop primitive bounded-depth traversal is
	// built on.
	Expand(ctx context.Context, ids []string, types []string) ([]Edge, error)

	// Supersede atomically flips is_latest on oldID from true to false and
	// creates the supplied UPDATE edge, in a single transaction. Returns
	// ErrStale when oldID is no longer latest and ErrNotFound when it does
	// not exist.
	Supersede(ctx context.Context, oldID string, e Edge) error

	ListNodes(ctx context.Context, limit, offset int, latestOnly bool) ([]Node, error)
	CountNodes(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

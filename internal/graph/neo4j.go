package graph

import (
	"context"
	"fmt"
	"time"

	sdk "github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// Neo4j is a graph store backed by a Neo4j database. Nodes carry the Memory
// label; relationship types are interpolated into Cypher after validation
// because Cypher cannot parameterize them.
//
// Neo4j cannot keep an edge whose endpoint is gone, so the orphan-mark delete
// policy tombstones the node (deleted = true) and marks incident edges
// dangling instead of removing anything.
type Neo4j struct {
	driver sdk.DriverWithContext
	dbName string
}

// Neo4jConfig configures the Neo4j store.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// NewNeo4j connects to Neo4j and verifies connectivity.
func NewNeo4j(cfg Neo4jConfig) (*Neo4j, error) {
	if cfg.URI == "" {
		cfg.URI = "bolt://localhost:7687"
	}
	if cfg.Database == "" {
		cfg.Database = "neo4j"
	}

	driver, err := sdk.NewDriverWithContext(cfg.URI, sdk.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Neo4j: %w", err)
	}

	return &Neo4j{driver: driver, dbName: cfg.Database}, nil
}

// validEdgeType guards Cypher interpolation: uppercase letters and
// underscores only.
func validEdgeType(t string) error {
	if t == "" {
		return fmt.Errorf("edge type is required")
	}
	for _, r := range t {
		if (r < 'A' || r > 'Z') && r != '_' {
			return fmt.Errorf("invalid edge type %q", t)
		}
	}
	return nil
}

func (s *Neo4j) session(ctx context.Context, mode sdk.AccessMode) sdk.SessionWithContext {
	return s.driver.NewSession(ctx, sdk.SessionConfig{DatabaseName: s.dbName, AccessMode: mode})
}

// CreateNode inserts a new node.
func (s *Neo4j) CreateNode(ctx context.Context, n Node) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	session := s.session(ctx, sdk.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.Run(ctx, `
		CREATE (m:Memory {
			id: $id,
			content: $content,
			source_type: $source_type,
			source_id: $source_id,
			version: $version,
			is_latest: $is_latest,
			metadata: $metadata,
			created_at: $created_at
		})
	`, map[string]any{
		"id":          n.ID,
		"content":     n.Content,
		"source_type": n.SourceType,
		"source_id":   n.SourceID,
		"version":     n.Version,
		"is_latest":   n.IsLatest,
		"metadata":    n.Metadata,
		"created_at":  n.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

// GetNode returns a node by id. Tombstoned nodes are treated as missing.
func (s *Neo4j) GetNode(ctx context.Context, id string) (*Node, error) {
	session := s.session(ctx, sdk.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (m:Memory {id: $id})
		WHERE coalesce(m.deleted, false) = false
		RETURN m
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("failed to read node: %w", err)
		}
		return nil, ErrNotFound
	}
	raw, ok := result.Record().Get("m")
	if !ok {
		return nil, ErrNotFound
	}
	node, ok := raw.(dbtype.Node)
	if !ok {
		return nil, fmt.Errorf("unexpected record shape for node %s", id)
	}
	return nodeFromProps(node.Props), nil
}

// SetNodeIsLatest flips the is_latest flag.
func (s *Neo4j) SetNodeIsLatest(ctx context.Context, id string, isLatest bool) error {
	session := s.session(ctx, sdk.AccessModeWrite)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (m:Memory {id: $id})
		SET m.is_latest = $is_latest
		RETURN count(m) AS n
	`, map[string]any{"id": id, "is_latest": isLatest})
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	n, err := singleInt(ctx, result, "n")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNode removes a node. Cascade detach-deletes; the orphan policy
// tombstones instead (see type comment).
func (s *Neo4j) DeleteNode(ctx context.Context, id string, cascade bool) error {
	session := s.session(ctx, sdk.AccessModeWrite)
	defer session.Close(ctx)

	var (
		result sdk.ResultWithContext
		err    error
	)
	if cascade {
		result, err = session.Run(ctx, `
			OPTIONAL MATCH (m:Memory {id: $id})
			WITH m, CASE WHEN m IS NULL THEN 0 ELSE 1 END AS n
			DETACH DELETE m
			RETURN n
		`, map[string]any{"id": id})
	} else {
		result, err = session.Run(ctx, `
			MATCH (m:Memory {id: $id})
			OPTIONAL MATCH (m)-[r]-()
			SET m.deleted = true, m.is_latest = false, r.dangling = true
			RETURN count(DISTINCT m) AS n
		`, map[string]any{"id": id})
	}
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	n, err := singleInt(ctx, result, "n")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEdge inserts a new edge between two existing nodes.
func (s *Neo4j) CreateEdge(ctx context.Context, e Edge) error {
	if err := validEdgeType(e.Type); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	session := s.session(ctx, sdk.AccessModeWrite)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (source:Memory {id: $source_id})
		MATCH (target:Memory {id: $target_id})
		CREATE (source)-[r:%s {
			id: $id,
			confidence: $confidence,
			dangling: $dangling,
			created_at: $created_at
		}]->(target)
		RETURN count(r) AS n
	`, e.Type)

	result, err := session.Run(ctx, query, map[string]any{
		"source_id":  e.SourceID,
		"target_id":  e.TargetID,
		"id":         e.ID,
		"confidence": e.Confidence,
		"dangling":   e.Dangling,
		"created_at": e.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to create edge: %w", err)
	}
	n, err := singleInt(ctx, result, "n")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasEdge reports whether an edge of the given type exists for the ordered pair.
func (s *Neo4j) HasEdge(ctx context.Context, sourceID, targetID, edgeType string) (bool, error) {
	if err := validEdgeType(edgeType); err != nil {
		return false, err
	}
	session := s.session(ctx, sdk.AccessModeRead)
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (:Memory {id: $source_id})-[r:%s]->(:Memory {id: $target_id})
		WHERE coalesce(r.dangling, false) = false
		RETURN count(r) AS n
	`, edgeType)
	result, err := session.Run(ctx, query, map[string]any{
		"source_id": sourceID,
		"target_id": targetID,
	})
	if err != nil {
		return false, fmt.Errorf("failed to check edge: %w", err)
	}
	n, err := singleInt(ctx, result, "n")
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Edges returns edges incident on id, filtered by direction and type.
func (s *Neo4j) Edges(ctx context.Context, id string, dir Direction, types []string) ([]Edge, error) {
	session := s.session(ctx, sdk.AccessModeRead)
	defer session.Close(ctx)

	var pattern string
	switch dir {
	case Outgoing:
		pattern = `(a:Memory {id: $id})-[r]->(b:Memory)`
	case Incoming:
		pattern = `(b:Memory)-[r]->(a:Memory {id: $id})`
	default:
		pattern = `(a:Memory {id: $id})-[r]-(b:Memory)`
	}

	query := `MATCH ` + pattern + `
		WHERE coalesce(r.dangling, false) = false
		AND ($types = [] OR type(r) IN $types)
		RETURN r.id AS id, type(r) AS edge_type, startNode(r).id AS source_id,
			endNode(r).id AS target_id, r.confidence AS confidence, r.created_at AS created_at
		ORDER BY created_at DESC, id`

	params := map[string]any{"id": id, "types": typesParam(types)}
	return s.collectEdges(ctx, session, query, params)
}

// Expand returns edges incident on any of the given ids.
func (s *Neo4j) Expand(ctx context.Context, ids []string, types []string) ([]Edge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	session := s.session(ctx, sdk.AccessModeRead)
	defer session.Close(ctx)

	query := `
		MATCH (a:Memory)-[r]->(b:Memory)
		WHERE (a.id IN $ids OR b.id IN $ids)
		AND coalesce(r.dangling, false) = false
		AND ($types = [] OR type(r) IN $types)
		RETURN r.id AS id, type(r) AS edge_type, a.id AS source_id, b.id AS target_id,
			r.confidence AS confidence, r.created_at AS created_at
		ORDER BY created_at, id`

	params := map[string]any{"ids": ids, "types": typesParam(types)}
	return s.collectEdges(ctx, session, query, params)
}

// Supersede flips is_latest on oldID and creates the UPDATE edge in one
// managed write transaction.
func (s *Neo4j) Supersede(ctx context.Context, oldID string, e Edge) error {
	if err := validEdgeType(e.Type); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	session := s.session(ctx, sdk.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx sdk.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (m:Memory {id: $id})
			WHERE m.is_latest = true
			SET m.is_latest = false
			RETURN count(m) AS n
		`, map[string]any{"id": oldID})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		if n, _ := record.Get("n"); n.(int64) == 0 {
			exists, err := tx.Run(ctx,
				`MATCH (m:Memory {id: $id}) RETURN count(m) AS n`,
				map[string]any{"id": oldID})
			if err != nil {
				return nil, err
			}
			rec, err := exists.Single(ctx)
			if err != nil {
				return nil, err
			}
			if n, _ := rec.Get("n"); n.(int64) == 0 {
				return nil, ErrNotFound
			}
			return nil, ErrStale
		}

		query := fmt.Sprintf(`
			MATCH (source:Memory {id: $source_id})
			MATCH (target:Memory {id: $target_id})
			CREATE (source)-[r:%s {
				id: $edge_id,
				confidence: $confidence,
				dangling: false,
				created_at: $created_at
			}]->(target)
		`, e.Type)
		_, err = tx.Run(ctx, query, map[string]any{
			"source_id":  e.SourceID,
			"target_id":  e.TargetID,
			"edge_id":    e.ID,
			"confidence": e.Confidence,
			"created_at": e.CreatedAt.Format(time.RFC3339Nano),
		})
		return nil, err
	})
	if err == ErrNotFound || err == ErrStale {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to supersede node: %w", err)
	}
	return nil
}

// ListNodes returns nodes ordered by creation time descending.
func (s *Neo4j) ListNodes(ctx context.Context, limit, offset int, latestOnly bool) ([]Node, error) {
	session := s.session(ctx, sdk.AccessModeRead)
	defer session.Close(ctx)

	query := `
		MATCH (m:Memory)
		WHERE coalesce(m.deleted, false) = false
		AND ($latest_only = false OR m.is_latest = true)
		RETURN m
		ORDER BY m.created_at DESC, m.id
		SKIP $offset
		LIMIT $limit`
	if limit <= 0 {
		limit = 1000
	}

	result, err := session.Run(ctx, query, map[string]any{
		"latest_only": latestOnly,
		"offset":      offset,
		"limit":       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	var nodes []Node
	for result.Next(ctx) {
		raw, ok := result.Record().Get("m")
		if !ok {
			continue
		}
		if node, ok := raw.(dbtype.Node); ok {
			nodes = append(nodes, *nodeFromProps(node.Props))
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read nodes: %w", err)
	}
	return nodes, nil
}

// CountNodes returns the total number of live nodes.
func (s *Neo4j) CountNodes(ctx context.Context) (int, error) {
	session := s.session(ctx, sdk.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (m:Memory)
		WHERE coalesce(m.deleted, false) = false
		RETURN count(m) AS n
	`, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	n, err := singleInt(ctx, result, "n")
	return int(n), err
}

// Stats returns node and per-type edge counts.
func (s *Neo4j) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{EdgesByType: map[string]int{}}
	session := s.session(ctx, sdk.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (m:Memory)
		WHERE coalesce(m.deleted, false) = false
		RETURN count(m) AS nodes,
			count(CASE WHEN m.is_latest THEN 1 END) AS latest
	`, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to count nodes: %w", err)
	}
	if result.Next(ctx) {
		record := result.Record()
		if v, ok := record.Get("nodes"); ok {
			stats.Nodes = int(v.(int64))
		}
		if v, ok := record.Get("latest"); ok {
			stats.LatestNodes = int(v.(int64))
		}
	}

	edgeResult, err := session.Run(ctx, `
		MATCH ()-[r]->()
		WHERE coalesce(r.dangling, false) = false
		RETURN type(r) AS t, count(r) AS c
	`, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to count edges: %w", err)
	}
	for edgeResult.Next(ctx) {
		record := edgeResult.Record()
		t, _ := record.Get("t")
		c, _ := record.Get("c")
		if ts, ok := t.(string); ok {
			if ci, ok := c.(int64); ok {
				stats.EdgesByType[ts] = int(ci)
			}
		}
	}
	return stats, edgeResult.Err()
}

// Close releases all driver resources.
func (s *Neo4j) Close() error {
	return s.driver.Close(context.Background())
}

func (s *Neo4j) collectEdges(ctx context.Context, session sdk.SessionWithContext, query string, params map[string]any) ([]Edge, error) {
	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}

	var edges []Edge
	for result.Next(ctx) {
		m := result.Record().AsMap()
		e := Edge{}
		if v, ok := m["id"].(string); ok {
			e.ID = v
		}
		if v, ok := m["edge_type"].(string); ok {
			e.Type = v
		}
		if v, ok := m["source_id"].(string); ok {
			e.SourceID = v
		}
		if v, ok := m["target_id"].(string); ok {
			e.TargetID = v
		}
		if v, ok := m["confidence"].(float64); ok {
			e.Confidence = v
		}
		if v, ok := m["created_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				e.CreatedAt = t
			}
		}
		edges = append(edges, e)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read edges: %w", err)
	}
	return edges, nil
}

func typesParam(types []string) []any {
	out := make([]any, len(types))
	for i, t := range types {
		out[i] = t
	}
	return out
}

func singleInt(ctx context.Context, result sdk.ResultWithContext, key string) (int64, error) {
	record, err := result.Single(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read result: %w", err)
	}
	v, ok := record.Get(key)
	if !ok {
		return 0, fmt.Errorf("result missing %q", key)
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("result %q is not an integer", key)
	}
	return n, nil
}

func nodeFromProps(props map[string]any) *Node {
	n := &Node{}
	if v, ok := props["id"].(string); ok {
		n.ID = v
	}
	if v, ok := props["content"].(string); ok {
		n.Content = v
	}
	if v, ok := props["source_type"].(string); ok {
		n.SourceType = v
	}
	if v, ok := props["source_id"].(string); ok {
		n.SourceID = v
	}
	if v, ok := props["version"].(int64); ok {
		n.Version = int(v)
	}
	if v, ok := props["is_latest"].(bool); ok {
		n.IsLatest = v
	}
	if v, ok := props["metadata"].(string); ok {
		n.Metadata = v
	}
	if v, ok := props["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			n.CreatedAt = t
		}
	}
	return n
}

package graph

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is an embedded graph store.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the store at dataDir/graph.db.
func NewSQLite(dataDir string) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "graph.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}

	store := &SQLite{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init graph schema: %w", err)
	}
	return store, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS graph_nodes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		source_type TEXT,
		source_id TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		is_latest INTEGER NOT NULL DEFAULT 1,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_graph_nodes_created_at ON graph_nodes(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_graph_nodes_is_latest ON graph_nodes(is_latest);

	CREATE TABLE IF NOT EXISTS graph_edges (
		id TEXT PRIMARY KEY,
		edge_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		dangling INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_graph_edges_source_type ON graph_edges(source_id, edge_type);
	CREATE INDEX IF NOT EXISTS idx_graph_edges_target_type ON graph_edges(target_id, edge_type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateNode inserts a new node.
func (s *SQLite) CreateNode(ctx context.Context, n Node) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_nodes (id, content, source_type, source_id, version, is_latest, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Content, n.SourceType, n.SourceID, n.Version, boolToInt(n.IsLatest), n.Metadata, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

// GetNode returns a node by id.
func (s *SQLite) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, source_type, source_id, version, is_latest, metadata, created_at
		FROM graph_nodes WHERE id = ?
	`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return n, nil
}

// SetNodeIsLatest flips the is_latest flag.
func (s *SQLite) SetNodeIsLatest(ctx context.Context, id string, isLatest bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE graph_nodes SET is_latest = ? WHERE id = ?`, boolToInt(isLatest), id)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNode removes a node, cascading or orphan-marking its edges.
func (s *SQLite) DeleteNode(ctx context.Context, id string, cascade bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM graph_nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}

	if cascade {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM graph_edges WHERE source_id = ? OR target_id = ?`, id, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE graph_edges SET dangling = 1 WHERE source_id = ? OR target_id = ?`, id, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update incident edges: %w", err)
	}
	return tx.Commit()
}

// CreateEdge inserts a new edge.
func (s *SQLite) CreateEdge(ctx context.Context, e Edge) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_edges (id, edge_type, source_id, target_id, confidence, dangling, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Type, e.SourceID, e.TargetID, e.Confidence, boolToInt(e.Dangling), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create edge: %w", err)
	}
	return nil
}

// HasEdge reports whether an edge of the given type exists for the ordered pair.
func (s *SQLite) HasEdge(ctx context.Context, sourceID, targetID, edgeType string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM graph_edges
		WHERE source_id = ? AND target_id = ? AND edge_type = ? AND dangling = 0
	`, sourceID, targetID, edgeType).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check edge: %w", err)
	}
	return count > 0, nil
}

// Edges returns edges incident on id, filtered by direction and type.
func (s *SQLite) Edges(ctx context.Context, id string, dir Direction, types []string) ([]Edge, error) {
	var where string
	args := []interface{}{}
	switch dir {
	case Outgoing:
		where = `source_id = ?`
		args = append(args, id)
	case Incoming:
		where = `target_id = ?`
		args = append(args, id)
	default:
		where = `(source_id = ? OR target_id = ?)`
		args = append(args, id, id)
	}

	query := `SELECT id, edge_type, source_id, target_id, confidence, dangling, created_at
		FROM graph_edges WHERE ` + where + ` AND dangling = 0`
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += ` AND edge_type IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at DESC, id`

	return s.queryEdges(ctx, query, args...)
}

// Expand returns edges incident on any of the given ids.
func (s *SQLite) Expand(ctx context.Context, ids []string, types []string) ([]Edge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)*2+len(types))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	in := strings.Join(placeholders, ",")
	// Ids appear twice: once for the source side, once for the target side.
	for _, id := range ids {
		args = append(args, id)
	}

	query := `SELECT id, edge_type, source_id, target_id, confidence, dangling, created_at
		FROM graph_edges WHERE (source_id IN (` + in + `) OR target_id IN (` + in + `)) AND dangling = 0`
	if len(types) > 0 {
		tp := make([]string, len(types))
		for i, t := range types {
			tp[i] = "?"
			args = append(args, t)
		}
		query += ` AND edge_type IN (` + strings.Join(tp, ",") + `)`
	}
	query += ` ORDER BY created_at, id`

	return s.queryEdges(ctx, query, args...)
}

// Supersede flips is_latest on oldID and creates the UPDATE edge in one
// transaction. The CAS on is_latest makes the losing concurrent writer fail
// with ErrStale instead of corrupting the chain.
func (s *SQLite) Supersede(ctx context.Context, oldID string, e Edge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE graph_nodes SET is_latest = 0 WHERE id = ? AND is_latest = 1`, oldID)
	if err != nil {
		return fmt.Errorf("failed to flip is_latest: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM graph_nodes WHERE id = ?`, oldID).Scan(&exists); err == nil && exists == 0 {
			return ErrNotFound
		}
		return ErrStale
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO graph_edges (id, edge_type, source_id, target_id, confidence, dangling, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, e.ID, e.Type, e.SourceID, e.TargetID, e.Confidence, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create supersession edge: %w", err)
	}
	return tx.Commit()
}

// ListNodes returns nodes ordered by creation time descending.
func (s *SQLite) ListNodes(ctx context.Context, limit, offset int, latestOnly bool) ([]Node, error) {
	query := `SELECT id, content, source_type, source_id, version, is_latest, metadata, created_at FROM graph_nodes`
	args := []interface{}{}
	if latestOnly {
		query += ` WHERE is_latest = 1`
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	if offset > 0 {
		query += ` OFFSET ?`
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			continue
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// CountNodes returns the total number of nodes.
func (s *SQLite) CountNodes(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graph_nodes`).Scan(&count)
	return count, err
}

// Stats returns node and per-type edge counts.
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{EdgesByType: map[string]int{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graph_nodes`).Scan(&stats.Nodes); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM graph_nodes WHERE is_latest = 1`).Scan(&stats.LatestNodes); err != nil {
		return stats, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT edge_type, COUNT(*) FROM graph_edges WHERE dangling = 0 GROUP BY edge_type`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var c int
		if err := rows.Scan(&t, &c); err != nil {
			continue
		}
		stats.EdgesByType[t] = c
	}
	return stats, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) queryEdges(ctx context.Context, query string, args ...interface{}) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var dangling int
		if err := rows.Scan(&e.ID, &e.Type, &e.SourceID, &e.TargetID, &e.Confidence, &dangling, &e.CreatedAt); err != nil {
			continue
		}
		e.Dangling = dangling != 0
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var sourceType, sourceID, meta sql.NullString
	var isLatest int
	err := row.Scan(&n.ID, &n.Content, &sourceType, &sourceID, &n.Version, &isLatest, &meta, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	n.SourceType = sourceType.String
	n.SourceID = sourceID.String
	n.Metadata = meta.String
	n.IsLatest = isLatest != 0
	return &n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

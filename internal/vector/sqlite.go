package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// SQLite is an embedded vector index backed by sqlite-vec. When the vec0
// extension is unavailable all KNN queries fall back to a brute-force cosine
// scan over the stored embeddings, so the index always works.
type SQLite struct {
	db         *sql.DB
	dimensions int
	knn        bool
}

// NewSQLite opens (or creates) the index at dataDir/vectors.db.
func NewSQLite(dataDir string, dimensions int) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "vectors.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}

	idx := &SQLite{db: db, dimensions: dimensions}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init vector schema: %w", err)
	}

	if err := idx.initKNN(); err != nil {
		log.Warn("sqlite-vec unavailable, using linear scan", "err", err)
		idx.knn = false
	} else {
		idx.knn = true
	}

	return idx, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vector_records (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		vector TEXT NOT NULL,
		payload TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS vector_rowids (
		rowid_alias INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT UNIQUE NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) initKNN() error {
	var vecVersion string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		return fmt.Errorf("vec_version() failed: %w", err)
	}

	createSQL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS record_embeddings USING vec0(embedding float[%d] distance_metric=cosine)`,
		s.dimensions,
	)
	if _, err := s.db.Exec(createSQL); err != nil {
		return fmt.Errorf("failed to create vec0 table: %w", err)
	}
	return nil
}

// Upsert adds or replaces a record.
func (s *SQLite) Upsert(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}

	vectorJSON, err := json.Marshal(rec.Vector)
	if err != nil {
		return fmt.Errorf("failed to serialize vector: %w", err)
	}
	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vector_records (id, content, vector, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content,
			vector = excluded.vector, payload = excluded.payload
	`, rec.ID, rec.Content, string(vectorJSON), string(payloadJSON))
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}

	if s.knn && len(rec.Vector) == s.dimensions {
		if err := s.knnInsert(ctx, rec.ID, rec.Vector); err != nil {
			// The base table is authoritative; KNN stays best-effort.
			log.Warn("vec0 insert failed", "id", rec.ID, "err", err)
		}
	}
	return nil
}

func (s *SQLite) knnInsert(ctx context.Context, id string, vec []float32) error {
	var rowID int64
	err := s.db.QueryRowContext(ctx, `SELECT rowid_alias FROM vector_rowids WHERE record_id = ?`, id).Scan(&rowID)
	if err == sql.ErrNoRows {
		result, err := s.db.ExecContext(ctx, `INSERT INTO vector_rowids (record_id) VALUES (?)`, id)
		if err != nil {
			return fmt.Errorf("failed to create rowid mapping: %w", err)
		}
		rowID, _ = result.LastInsertId()
	} else if err != nil {
		return err
	}

	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}

	// vec0 has no ON CONFLICT, so delete first
	s.db.ExecContext(ctx, `DELETE FROM record_embeddings WHERE rowid = ?`, rowID)
	_, err = s.db.ExecContext(ctx, `INSERT INTO record_embeddings (rowid, embedding) VALUES (?, ?)`, rowID, blob)
	return err
}

// Query returns the k nearest records by cosine similarity, descending.
func (s *SQLite) Query(ctx context.Context, vec []float32, k int) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	if s.knn {
		results, err := s.knnQuery(ctx, vec, k)
		if err == nil {
			return results, nil
		}
		log.Warn("vec0 query failed, falling back to linear scan", "err", err)
	}
	return s.scanQuery(ctx, vec, k)
}

func (s *SQLite) knnQuery(ctx context.Context, vec []float32, k int) ([]Result, error) {
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}

	// vec0 rejects a parameterized LIMIT on knn queries; k must be bound
	// through the dedicated constraint.
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.record_id, e.distance
		FROM record_embeddings e
		JOIN vector_rowids v ON v.rowid_alias = e.rowid
		WHERE e.embedding MATCH ? AND k = ?
		ORDER BY e.distance
	`, blob, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type hit struct {
		id       string
		distance float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.distance); err != nil {
			continue
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(hits))
	args := make([]interface{}, len(hits))
	byID := make(map[string]float64, len(hits))
	for i, h := range hits {
		placeholders[i] = "?"
		args[i] = h.id
		byID[h.id] = h.distance
	}

	recRows, err := s.db.QueryContext(ctx,
		`SELECT id, content, payload FROM vector_records WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	defer recRows.Close()

	found := make(map[string]Result, len(hits))
	for recRows.Next() {
		var id, content string
		var payloadJSON sql.NullString
		if err := recRows.Scan(&id, &content, &payloadJSON); err != nil {
			continue
		}
		found[id] = Result{
			ID:         id,
			Similarity: 1.0 - byID[id],
			Content:    content,
			Payload:    parsePayload(payloadJSON),
		}
	}

	// Preserve KNN order
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		if r, ok := found[h.id]; ok {
			results = append(results, r)
		}
	}
	return results, nil
}

// scanQuery is the brute-force path: load every vector and rank in Go.
func (s *SQLite) scanQuery(ctx context.Context, vec []float32, k int) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, vector, payload FROM vector_records`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var id, content, vectorJSON string
		var payloadJSON sql.NullString
		if err := rows.Scan(&id, &content, &vectorJSON, &payloadJSON); err != nil {
			continue
		}
		var stored []float32
		if err := json.Unmarshal([]byte(vectorJSON), &stored); err != nil {
			continue
		}
		results = append(results, Result{
			ID:         id,
			Similarity: CosineSimilarity(vec, stored),
			Content:    content,
			Payload:    parsePayload(payloadJSON),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Fetch returns a single record including its stored vector.
func (s *SQLite) Fetch(ctx context.Context, id string) (*Record, error) {
	var content, vectorJSON string
	var payloadJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT content, vector, payload FROM vector_records WHERE id = ?`, id).
		Scan(&content, &vectorJSON, &payloadJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch record: %w", err)
	}

	var vec []float32
	if err := json.Unmarshal([]byte(vectorJSON), &vec); err != nil {
		return nil, fmt.Errorf("failed to parse stored vector: %w", err)
	}
	return &Record{ID: id, Vector: vec, Content: content, Payload: parsePayload(payloadJSON)}, nil
}

// Delete removes a record and its KNN entry. Deleting a missing id is a no-op.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vector_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	var rowID int64
	if err := s.db.QueryRowContext(ctx, `SELECT rowid_alias FROM vector_rowids WHERE record_id = ?`, id).Scan(&rowID); err == nil {
		s.db.ExecContext(ctx, `DELETE FROM record_embeddings WHERE rowid = ?`, rowID)
		s.db.ExecContext(ctx, `DELETE FROM vector_rowids WHERE rowid_alias = ?`, rowID)
	}
	return nil
}

// IDs lists every stored record id.
func (s *SQLite) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM vector_records ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of stored records.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_records`).Scan(&count)
	return count, err
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func parsePayload(raw sql.NullString) map[string]string {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(raw.String), &payload); err != nil {
		return nil
	}
	return payload
}

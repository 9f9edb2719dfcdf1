package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/engramlabs/engram/internal/cache"
	"github.com/engramlabs/engram/internal/embed"
	"github.com/engramlabs/engram/internal/graph"
	"github.com/engramlabs/engram/internal/metadata"
	"github.com/engramlabs/engram/internal/vector"
)

// DeletePolicy selects what happens to edges incident on a hard-deleted
// memory.
type DeletePolicy string

const (
	// DeleteCascade removes incident edges along with the node.
	DeleteCascade DeletePolicy = "cascade"
	// DeleteOrphan keeps incident edges and marks them dangling.
	DeleteOrphan DeletePolicy = "orphan"
)

// Options are the engine tunables. Zero values fall back to the defaults
// below.
type Options struct {
	// HighSimilarity is the DERIVE threshold, MidSimilarity the EXTEND one.
	HighSimilarity float64
	MidSimilarity  float64
	// InferTopK bounds the candidate set inference considers.
	InferTopK int

	// RelinkOnUpdate re-runs inference for the new version of an updated
	// memory. Off, the new version starts with no EXTEND/DERIVE context.
	RelinkOnUpdate bool

	DeletePolicy DeletePolicy

	// OpTimeout bounds every individual store call.
	OpTimeout time.Duration

	CacheEntries int64
	CacheTTL     time.Duration
}

func (o *Options) withDefaults() {
	if o.HighSimilarity == 0 {
		o.HighSimilarity = 0.85
	}
	if o.MidSimilarity == 0 {
		o.MidSimilarity = 0.5
	}
	if o.InferTopK == 0 {
		o.InferTopK = 5
	}
	if o.DeletePolicy == "" {
		o.DeletePolicy = DeleteOrphan
	}
	if o.OpTimeout == 0 {
		o.OpTimeout = 30 * time.Second
	}
}

// Engine coordinates the vector index and the graph store. All operations
// are safe for concurrent use.
type Engine struct {
	vectors  vector.Index
	graphs   graph.Store
	embedder embed.Embedder
	memCache *cache.Cache[*Memory]
	opts     Options
	logger   *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires an engine from its stores. The caller owns the stores' lifetime;
// Close closes them.
func New(vectors vector.Index, graphs graph.Store, embedder embed.Embedder, opts Options) (*Engine, error) {
	opts.withDefaults()
	memCache, err := cache.New[*Memory](opts.CacheEntries, opts.CacheTTL)
	if err != nil {
		return nil, err
	}
	return &Engine{
		vectors:  vectors,
		graphs:   graphs,
		embedder: embedder,
		memCache: memCache,
		opts:     opts,
		logger:   log.With("component", "engine"),
		locks:    map[string]*sync.Mutex{},
	}, nil
}

// Close releases the engine and both stores.
func (e *Engine) Close() error {
	e.memCache.Close()
	verr := e.vectors.Close()
	gerr := e.graphs.Close()
	if verr != nil {
		return verr
	}
	return gerr
}

// lockFor serializes writers touching the same memory id.
func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.locks[id]
	if !ok {
		m = &sync.Mutex{}
		e.locks[id] = m
	}
	return m
}

// opCtx bounds a single store call.
func (e *Engine) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opts.OpTimeout)
}

func newMemoryID() string {
	return "mem_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func newEdgeID() string {
	return "rel_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// CreateMemory embeds and stores a new memory, then runs relationship
// inference against its nearest neighbors. Inference failures never fail the
// write.
func (e *Engine) CreateMemory(ctx context.Context, content string, md metadata.Map, sourceType, sourceID string) (*Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, &ValidationError{Msg: "content must not be empty"}
	}

	mem, err := e.persist(ctx, content, md, sourceType, sourceID, 1)
	if err != nil {
		return nil, err
	}

	e.inferRelationships(ctx, mem)
	return mem, nil
}

// persist runs the shared write path: embed, vector upsert, graph node
// create, with best-effort compensation when the second store fails.
func (e *Engine) persist(ctx context.Context, content string, md metadata.Map, sourceType, sourceID string, version int) (*Memory, error) {
	embCtx, cancel := e.opCtx(ctx)
	vec, err := e.embedder.Embed(embCtx, content)
	cancel()
	if err != nil {
		return nil, &EmbeddingError{Err: err}
	}

	mem := &Memory{
		ID:         newMemoryID(),
		Content:    content,
		Embedding:  vec,
		Metadata:   md,
		SourceType: sourceType,
		SourceID:   sourceID,
		Version:    version,
		IsLatest:   true,
		CreatedAt:  time.Now().UTC(),
	}

	upCtx, cancel := e.opCtx(ctx)
	err = e.vectors.Upsert(upCtx, vector.Record{
		ID:      mem.ID,
		Vector:  vec,
		Content: content,
		Payload: md.Flatten(),
	})
	cancel()
	if err != nil {
		return nil, &StorageError{Op: "vector upsert", Err: err}
	}

	metaJSON, err := md.ToJSON()
	if err != nil {
		return nil, &ValidationError{Msg: "metadata is not serializable: " + err.Error()}
	}

	nodeCtx, cancel := e.opCtx(ctx)
	err = e.graphs.CreateNode(nodeCtx, graph.Node{
		ID:         mem.ID,
		Content:    content,
		SourceType: sourceType,
		SourceID:   sourceID,
		Version:    version,
		IsLatest:   true,
		Metadata:   string(metaJSON),
		CreatedAt:  mem.CreatedAt,
	})
	cancel()
	if err != nil {
		// The vector write already landed. Compensate; if that fails too
		// the orphan is picked up by the next reconciliation pass.
		delCtx, cancel := e.opCtx(context.WithoutCancel(ctx))
		if derr := e.vectors.Delete(delCtx, mem.ID); derr != nil && !errors.Is(derr, vector.ErrNotFound) {
			e.logger.Warn("inconsistency: orphaned vector entry",
				"id", mem.ID, "err", derr)
		}
		cancel()
		return nil, &StorageError{Op: "graph node create", Err: err}
	}

	return mem, nil
}

// UpdateMemory supersedes oldID with a new version. The new memory is
// durably written before the old head's is_latest flag flips, so readers
// never observe a chain with zero latest nodes. Concurrent updates of the
// same id are serialized; the loser gets StaleVersionError.
func (e *Engine) UpdateMemory(ctx context.Context, oldID, newContent string, newMD metadata.Map) (*Memory, error) {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return nil, &ValidationError{Msg: "content must not be empty"}
	}

	lock := e.lockFor(oldID)
	lock.Lock()
	defer lock.Unlock()

	getCtx, cancel := e.opCtx(ctx)
	old, err := e.graphs.GetNode(getCtx, oldID)
	cancel()
	if err != nil {
		return nil, storeErr("graph node get", oldID, err)
	}
	if !old.IsLatest {
		return nil, &StaleVersionError{ID: oldID}
	}

	mem, err := e.persist(ctx, newContent, newMD, old.SourceType, old.SourceID, old.Version+1)
	if err != nil {
		return nil, err
	}

	edge := graph.Edge{
		ID:         newEdgeID(),
		Type:       string(RelationUpdate),
		SourceID:   oldID,
		TargetID:   mem.ID,
		Confidence: 1.0,
		CreatedAt:  time.Now().UTC(),
	}
	supCtx, cancel := e.opCtx(ctx)
	err = e.graphs.Supersede(supCtx, oldID, edge)
	cancel()
	if err != nil {
		// The new version is already durable. Remove it so the chain does
		// not grow a second head; failures here leave a duplicate-latest
		// window that readers tolerate and reconciliation repairs.
		e.discard(ctx, mem.ID)
		switch {
		case errors.Is(err, graph.ErrStale):
			return nil, &StaleVersionError{ID: oldID}
		case errors.Is(err, graph.ErrNotFound):
			return nil, &NotFoundError{ID: oldID}
		}
		return nil, &StorageError{Op: "supersede", Err: err}
	}

	e.memCache.Invalidate(oldID)

	if e.opts.RelinkOnUpdate {
		e.inferRelationships(ctx, mem)
	}
	return mem, nil
}

// discard best-effort removes a half-written memory from both stores.
func (e *Engine) discard(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	delCtx, cancel := e.opCtx(ctx)
	if err := e.vectors.Delete(delCtx, id); err != nil && !errors.Is(err, vector.ErrNotFound) {
		e.logger.Warn("inconsistency: orphaned vector entry", "id", id, "err", err)
	}
	cancel()
	nodeCtx, cancel := e.opCtx(ctx)
	if err := e.graphs.DeleteNode(nodeCtx, id, true); err != nil && !errors.Is(err, graph.ErrNotFound) {
		e.logger.Warn("inconsistency: orphaned graph node", "id", id, "err", err)
	}
	cancel()
}

// DeleteMemory hard-deletes a memory from both stores. This is an
// administrative operation; incident edges follow the configured delete
// policy.
func (e *Engine) DeleteMemory(ctx context.Context, id string) error {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	nodeCtx, cancel := e.opCtx(ctx)
	err := e.graphs.DeleteNode(nodeCtx, id, e.opts.DeletePolicy == DeleteCascade)
	cancel()
	if err != nil {
		return storeErr("graph node delete", id, err)
	}

	delCtx, cancel := e.opCtx(ctx)
	err = e.vectors.Delete(delCtx, id)
	cancel()
	if err != nil && !errors.Is(err, vector.ErrNotFound) {
		e.logger.Warn("inconsistency: vector entry survived delete", "id", id, "err", err)
	}

	e.memCache.Invalidate(id)
	return nil
}

// GetMemory returns a memory by id, read through the cache. Callers get
// their own copy; mutating it cannot corrupt later cache hits.
func (e *Engine) GetMemory(ctx context.Context, id string) (*Memory, error) {
	if mem, ok := e.memCache.Get(id); ok {
		return copyMemory(mem), nil
	}

	getCtx, cancel := e.opCtx(ctx)
	node, err := e.graphs.GetNode(getCtx, id)
	cancel()
	if err != nil {
		return nil, storeErr("graph node get", id, err)
	}

	mem, err := e.fromNode(*node)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := e.opCtx(ctx)
	rec, err := e.vectors.Fetch(fetchCtx, id)
	cancel()
	if err != nil {
		if !errors.Is(err, vector.ErrNotFound) {
			return nil, &StorageError{Op: "vector fetch", Err: err}
		}
		e.logger.Warn("inconsistency: memory has no vector entry", "id", id)
	} else {
		mem.Embedding = rec.Vector
	}

	e.memCache.Set(id, mem)
	return copyMemory(mem), nil
}

// copyMemory deep-copies the mutable parts of a memory so the cached value
// stays isolated from callers.
func copyMemory(mem *Memory) *Memory {
	out := *mem
	out.Metadata = mem.Metadata.Clone()
	if mem.Embedding != nil {
		out.Embedding = append([]float32(nil), mem.Embedding...)
	}
	return &out
}

// ListMemories returns stored memories, newest first.
func (e *Engine) ListMemories(ctx context.Context, limit, offset int, latestOnly bool) ([]Memory, error) {
	listCtx, cancel := e.opCtx(ctx)
	nodes, err := e.graphs.ListNodes(listCtx, limit, offset, latestOnly)
	cancel()
	if err != nil {
		return nil, &StorageError{Op: "graph node list", Err: err}
	}
	memories := make([]Memory, 0, len(nodes))
	for _, n := range nodes {
		mem, err := e.fromNode(n)
		if err != nil {
			e.logger.Warn("skipping unreadable node", "id", n.ID, "err", err)
			continue
		}
		memories = append(memories, *mem)
	}
	return memories, nil
}

// CreateRelationship creates an explicit EXTEND or DERIVE edge. UPDATE edges
// only come out of UpdateMemory, so they are rejected here. Both endpoints
// must exist and must differ; referential integrity is checked here, not by
// the store.
func (e *Engine) CreateRelationship(ctx context.Context, sourceID, targetID string, relType RelationType, confidence float64) (*Relationship, error) {
	if relType == RelationUpdate {
		return nil, &ValidationError{Msg: "UPDATE relationships are created only by updating a memory"}
	}
	if _, err := ParseRelationType(string(relType)); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	if sourceID == targetID {
		return nil, &ValidationError{Msg: "relationship endpoints must differ"}
	}
	if confidence < 0 || confidence > 1 {
		return nil, &ValidationError{Msg: "confidence must be within [0, 1]"}
	}
	for _, id := range []string{sourceID, targetID} {
		getCtx, cancel := e.opCtx(ctx)
		_, err := e.graphs.GetNode(getCtx, id)
		cancel()
		if err != nil {
			return nil, storeErr("graph node get", id, err)
		}
	}
	return e.createInferredEdge(ctx, sourceID, targetID, relType, confidence)
}

// RelatedMemories returns the memories joined to id by EXTEND or DERIVE
// edges, in either direction.
func (e *Engine) RelatedMemories(ctx context.Context, id string) ([]Related, error) {
	getCtx, cancel := e.opCtx(ctx)
	_, err := e.graphs.GetNode(getCtx, id)
	cancel()
	if err != nil {
		return nil, storeErr("graph node get", id, err)
	}

	edgeCtx, cancel := e.opCtx(ctx)
	edges, err := e.graphs.Edges(edgeCtx, id, graph.Both, relationTypeStrings(InferenceTypes()))
	cancel()
	if err != nil {
		return nil, &StorageError{Op: "graph edges", Err: err}
	}

	related := make([]Related, 0, len(edges))
	for _, edge := range edges {
		otherID := edge.TargetID
		if otherID == id {
			otherID = edge.SourceID
		}
		other, err := e.GetMemory(ctx, otherID)
		if err != nil {
			e.logger.Warn("skipping unreadable neighbor", "id", otherID, "err", err)
			continue
		}
		related = append(related, Related{
			Memory:       *other,
			Relationship: fromEdge(edge),
		})
	}
	return related, nil
}

// fromNode converts a stored node into a Memory, decoding its metadata.
func (e *Engine) fromNode(n graph.Node) (*Memory, error) {
	md, err := metadata.FromJSON([]byte(n.Metadata))
	if err != nil {
		return nil, &StorageError{Op: "metadata decode", Err: err}
	}
	return &Memory{
		ID:         n.ID,
		Content:    n.Content,
		Metadata:   md,
		SourceType: n.SourceType,
		SourceID:   n.SourceID,
		Version:    n.Version,
		IsLatest:   n.IsLatest,
		CreatedAt:  n.CreatedAt,
	}, nil
}

func fromEdge(e graph.Edge) Relationship {
	t, err := ParseRelationType(e.Type)
	if err != nil {
		t = RelationType(e.Type)
	}
	return Relationship{
		ID:         e.ID,
		Type:       t,
		SourceID:   e.SourceID,
		TargetID:   e.TargetID,
		Confidence: e.Confidence,
		CreatedAt:  e.CreatedAt,
	}
}

func relationTypeStrings(types []RelationType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

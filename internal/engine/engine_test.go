package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/engramlabs/engram/internal/graph"
	"github.com/engramlabs/engram/internal/metadata"
	"github.com/engramlabs/engram/internal/vector"
)

// stubEmbedder returns canned vectors so tests control similarity exactly.
// Unit vectors at angle theta from the query axis give cosine(theta).
type stubEmbedder struct {
	mu   sync.Mutex
	vecs map[string][]float32
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{vecs: map[string][]float32{}}
}

// add registers text with the given cosine similarity to the (1, 0) axis.
func (s *stubEmbedder) add(text string, similarity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	y := math.Sqrt(1 - similarity*similarity)
	s.vecs[text] = []float32{float32(similarity), float32(y)}
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.vecs[text]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no vector registered for %q", text)
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return 2 }

func newTestEngine(t *testing.T, emb *stubEmbedder, opts Options) *Engine {
	t.Helper()
	dir := t.TempDir()
	vectors, err := vector.NewSQLite(dir, emb.Dimensions())
	if err != nil {
		t.Fatalf("vector store: %v", err)
	}
	graphs, err := graph.NewSQLite(dir)
	if err != nil {
		t.Fatalf("graph store: %v", err)
	}
	e, err := New(vectors, graphs, emb, opts)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestCreateMemoryRejectsEmptyContent(t *testing.T) {
	e := newTestEngine(t, newStubEmbedder(), Options{})

	var verr *ValidationError
	_, err := e.CreateMemory(context.Background(), "   \n\t ", nil, "", "")
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCreateMemoryEmbeddingFailure(t *testing.T) {
	e := newTestEngine(t, newStubEmbedder(), Options{})

	// Nothing registered, so the embedder fails.
	var eerr *EmbeddingError
	_, err := e.CreateMemory(context.Background(), "unregistered text", nil, "", "")
	if !errors.As(err, &eerr) {
		t.Fatalf("expected EmbeddingError, got %v", err)
	}

	// No partial state persisted.
	count, err := e.graphs.CountNodes(context.Background())
	if err != nil {
		t.Fatalf("CountNodes failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no nodes, got %d", count)
	}
}

func TestCreateAndGetMemoryMetadataRoundTrip(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("cats are mammals", 1.0)
	e := newTestEngine(t, emb, Options{})
	ctx := context.Background()

	md := metadata.Map{
		"topic": metadata.String("animals"),
		"score": metadata.Number(4.5),
		"tags":  metadata.List(metadata.String("cat"), metadata.String("mammal")),
		"nested": metadata.Object(map[string]metadata.Value{
			"depth": metadata.Int(2),
			"flags": metadata.List(metadata.Bool(true), metadata.Bool(false)),
		}),
	}

	created, err := e.CreateMemory(ctx, "cats are mammals", md, "chat", "session-1")
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}
	if created.Version != 1 || !created.IsLatest {
		t.Errorf("version = %d, is_latest = %v", created.Version, created.IsLatest)
	}
	if created.ID == "" {
		t.Error("expected an id")
	}

	got, err := e.GetMemory(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.Content != "cats are mammals" {
		t.Errorf("content = %q", got.Content)
	}
	if got.SourceType != "chat" || got.SourceID != "session-1" {
		t.Errorf("source = %q/%q", got.SourceType, got.SourceID)
	}
	if !got.Metadata.Equal(md) {
		t.Errorf("metadata did not round-trip: %v", got.Metadata)
	}
	if len(got.Embedding) != 2 {
		t.Errorf("embedding len = %d", len(got.Embedding))
	}
}

func TestGetMemoryMissing(t *testing.T) {
	e := newTestEngine(t, newStubEmbedder(), Options{})

	var nf *NotFoundError
	_, err := e.GetMemory(context.Background(), "mem_nope")
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestInferenceCreatesDeriveEdge(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("cats are mammals", 1.0)
	emb.add("cats are warm-blooded mammals", 0.9)
	e := newTestEngine(t, emb, Options{})
	ctx := context.Background()

	a, err := e.CreateMemory(ctx, "cats are mammals", nil, "", "")
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}
	b, err := e.CreateMemory(ctx, "cats are warm-blooded mammals", nil, "", "")
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}

	has, err := e.graphs.HasEdge(ctx, b.ID, a.ID, string(RelationDerive))
	if err != nil {
		t.Fatalf("HasEdge failed: %v", err)
	}
	if !has {
		t.Fatal("expected DERIVE edge from new memory to its high-similarity neighbor")
	}

	edges, err := e.graphs.Edges(ctx, b.ID, graph.Outgoing, []string{string(RelationDerive)})
	if err != nil {
		t.Fatalf("Edges failed: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(edges))
	}
	if math.Abs(edges[0].Confidence-0.9) > 1e-6 {
		t.Errorf("confidence = %f, want ~0.9", edges[0].Confidence)
	}
}

func TestInferenceMidBandCreatesExtendEdge(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("rust ownership", 1.0)
	emb.add("rust borrowing rules", 0.7)
	e := newTestEngine(t, emb, Options{})
	ctx := context.Background()

	a, _ := e.CreateMemory(ctx, "rust ownership", nil, "", "")
	b, _ := e.CreateMemory(ctx, "rust borrowing rules", nil, "", "")

	has, err := e.graphs.HasEdge(ctx, b.ID, a.ID, string(RelationExtend))
	if err != nil {
		t.Fatalf("HasEdge failed: %v", err)
	}
	if !has {
		t.Error("expected EXTEND edge for mid-band similarity")
	}
	hasDerive, _ := e.graphs.HasEdge(ctx, b.ID, a.ID, string(RelationDerive))
	if hasDerive {
		t.Error("mid-band similarity must not create DERIVE")
	}
}

func TestInferenceBelowThresholdCreatesNothing(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("espresso brewing", 1.0)
	emb.add("quantum chromodynamics", 0.1)
	e := newTestEngine(t, emb, Options{})
	ctx := context.Background()

	e.CreateMemory(ctx, "espresso brewing", nil, "", "")
	b, _ := e.CreateMemory(ctx, "quantum chromodynamics", nil, "", "")

	edges, err := e.graphs.Edges(ctx, b.ID, graph.Both, nil)
	if err != nil {
		t.Fatalf("Edges failed: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("expected no edges, got %d", len(edges))
	}
}

func TestInferIsIdempotent(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("first", 1.0)
	emb.add("second", 0.9)
	e := newTestEngine(t, emb, Options{})
	ctx := context.Background()

	e.CreateMemory(ctx, "first", nil, "", "")
	b, err := e.CreateMemory(ctx, "second", nil, "", "")
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}

	again, err := e.Infer(ctx, b)
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second Infer created %d edges, want 0", len(again))
	}
}

func TestNoSelfLoops(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("solo", 1.0)
	e := newTestEngine(t, emb, Options{})
	ctx := context.Background()

	m, err := e.CreateMemory(ctx, "solo", nil, "", "")
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}
	edges, err := e.graphs.Edges(ctx, m.ID, graph.Both, nil)
	if err != nil {
		t.Fatalf("Edges failed: %v", err)
	}
	for _, edge := range edges {
		if edge.SourceID == edge.TargetID {
			t.Errorf("self-loop created: %+v", edge)
		}
	}
}

// failingGraph wraps a real store and fails node creation, to exercise the
// write-path compensation.
type failingGraph struct {
	graph.Store
}

func (f *failingGraph) CreateNode(context.Context, graph.Node) error {
	return errors.New("graph store down")
}

func TestCreateCompensatesVectorOnGraphFailure(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("doomed write", 1.0)

	dir := t.TempDir()
	vectors, err := vector.NewSQLite(dir, emb.Dimensions())
	if err != nil {
		t.Fatalf("vector store: %v", err)
	}
	graphs, err := graph.NewSQLite(dir)
	if err != nil {
		t.Fatalf("graph store: %v", err)
	}
	e, err := New(vectors, &failingGraph{Store: graphs}, emb, Options{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	ctx := context.Background()

	var serr *StorageError
	_, err = e.CreateMemory(ctx, "doomed write", nil, "", "")
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}

	// The compensating delete removed the vector entry.
	count, err := vectors.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no orphaned vector entries, got %d", count)
	}
}

func TestUpdateMemory(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("cats are mammals", 1.0)
	emb.add("cats are small mammals", 0.95)
	// Keep inference quiet so the graph only holds version structure.
	e := newTestEngine(t, emb, Options{HighSimilarity: 0.999, MidSimilarity: 0.998})
	ctx := context.Background()

	a, err := e.CreateMemory(ctx, "cats are mammals", nil, "chat", "s1")
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}
	a2, err := e.UpdateMemory(ctx, a.ID, "cats are small mammals", nil)
	if err != nil {
		t.Fatalf("UpdateMemory failed: %v", err)
	}

	if a2.Version != 2 || !a2.IsLatest {
		t.Errorf("new version = %d, is_latest = %v", a2.Version, a2.IsLatest)
	}
	if a2.SourceType != "chat" || a2.SourceID != "s1" {
		t.Errorf("provenance not carried: %q/%q", a2.SourceType, a2.SourceID)
	}

	oldNode, err := e.graphs.GetNode(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if oldNode.IsLatest {
		t.Error("old version still marked latest")
	}

	has, err := e.graphs.HasEdge(ctx, a.ID, a2.ID, string(RelationUpdate))
	if err != nil {
		t.Fatalf("HasEdge failed: %v", err)
	}
	if !has {
		t.Error("expected UPDATE edge old to new")
	}

	lineage, err := e.GetLineage(ctx, a2.ID)
	if err != nil {
		t.Fatalf("GetLineage failed: %v", err)
	}
	if len(lineage) != 2 {
		t.Fatalf("lineage = %d memories, want 2", len(lineage))
	}
	if lineage[0].ID != a.ID || lineage[1].ID != a2.ID {
		t.Errorf("lineage order = [%s, %s]", lineage[0].ID, lineage[1].ID)
	}
	if lineage[0].Version != 1 || lineage[1].Version != 2 {
		t.Errorf("lineage versions = [%d, %d]", lineage[0].Version, lineage[1].Version)
	}
}

func TestUpdateStaleVersion(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("v1", 1.0)
	emb.add("v2", 0.2)
	emb.add("v3", 0.3)
	e := newTestEngine(t, emb, Options{})
	ctx := context.Background()

	a, _ := e.CreateMemory(ctx, "v1", nil, "", "")
	if _, err := e.UpdateMemory(ctx, a.ID, "v2", nil); err != nil {
		t.Fatalf("UpdateMemory failed: %v", err)
	}

	var stale *StaleVersionError
	_, err := e.UpdateMemory(ctx, a.ID, "v3", nil)
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleVersionError, got %v", err)
	}
}

func TestUpdateMissingMemory(t *testing.T) {
	e := newTestEngine(t, newStubEmbedder(), Options{})

	var nf *NotFoundError
	_, err := e.UpdateMemory(context.Background(), "mem_nope", "content", nil)
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("base", 1.0)
	emb.add("racer one", 0.2)
	emb.add("racer two", 0.3)
	e := newTestEngine(t, emb, Options{})
	ctx := context.Background()

	a, err := e.CreateMemory(ctx, "base", nil, "", "")
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, content := range []string{"racer one", "racer two"} {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			_, err := e.UpdateMemory(ctx, a.ID, c, nil)
			results <- err
		}(content)
	}
	wg.Wait()
	close(results)

	var ok, stale int
	for err := range results {
		var sv *StaleVersionError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &sv):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || stale != 1 {
		t.Fatalf("winners = %d, stale losers = %d", ok, stale)
	}

	// Exactly one latest node in the chain.
	lineage, err := e.GetLineage(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetLineage failed: %v", err)
	}
	latest := 0
	for _, m := range lineage {
		if m.IsLatest {
			latest++
		}
	}
	if latest != 1 {
		t.Errorf("latest nodes in chain = %d, want 1", latest)
	}
}

func TestDeleteMemoryCascade(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("a", 1.0)
	emb.add("b", 0.9)
	e := newTestEngine(t, emb, Options{DeletePolicy: DeleteCascade})
	ctx := context.Background()

	a, _ := e.CreateMemory(ctx, "a", nil, "", "")
	b, _ := e.CreateMemory(ctx, "b", nil, "", "")

	if err := e.DeleteMemory(ctx, a.ID); err != nil {
		t.Fatalf("DeleteMemory failed: %v", err)
	}

	var nf *NotFoundError
	if _, err := e.GetMemory(ctx, a.ID); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError after delete, got %v", err)
	}
	edges, err := e.graphs.Edges(ctx, b.ID, graph.Both, nil)
	if err != nil {
		t.Fatalf("Edges failed: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("expected incident edges removed, got %d", len(edges))
	}

	if err := e.DeleteMemory(ctx, "mem_nope"); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError for missing id, got %v", err)
	}
}

func TestSearchFiltersAndOrders(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("mammals", 1.0)
	emb.add("dogs are loyal mammals", 0.9)
	emb.add("lizards are reptiles", 0.4)
	emb.add("granite is igneous", 0.1)
	// Quiet inference; this test is about search.
	e := newTestEngine(t, emb, Options{HighSimilarity: 0.999, MidSimilarity: 0.998})
	ctx := context.Background()

	for _, c := range []string{"dogs are loyal mammals", "lizards are reptiles", "granite is igneous"} {
		if _, err := e.CreateMemory(ctx, c, nil, "", ""); err != nil {
			t.Fatalf("CreateMemory(%q) failed: %v", c, err)
		}
	}

	results, err := e.Search(ctx, "mammals", SearchOptions{Limit: 5, MinSimilarity: 0.3})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Memory.Content != "dogs are loyal mammals" {
		t.Errorf("first result = %q", results[0].Memory.Content)
	}
	if results[1].Memory.Content != "lizards are reptiles" {
		t.Errorf("second result = %q", results[1].Memory.Content)
	}
	if results[0].Similarity < results[1].Similarity {
		t.Error("results not ordered by descending similarity")
	}
}

func TestSearchExcludesSupersededVersions(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("query", 1.0)
	emb.add("old fact", 0.9)
	emb.add("new fact", 0.8)
	e := newTestEngine(t, emb, Options{HighSimilarity: 0.999, MidSimilarity: 0.998})
	ctx := context.Background()

	a, _ := e.CreateMemory(ctx, "old fact", nil, "", "")
	if _, err := e.UpdateMemory(ctx, a.ID, "new fact", nil); err != nil {
		t.Fatalf("UpdateMemory failed: %v", err)
	}

	results, err := e.Search(ctx, "query", SearchOptions{Limit: 5})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Memory.Content != "new fact" {
		t.Errorf("result = %q, want the latest version", results[0].Memory.Content)
	}
}

func TestSearchGraphExpansion(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("query", 1.0)
	emb.add("central fact", 0.9)
	emb.add("supporting context", 0.6)
	e := newTestEngine(t, emb, Options{})
	ctx := context.Background()

	central, _ := e.CreateMemory(ctx, "central fact", nil, "", "")
	// similarity(central, supporting) = 0.9*0.6 + 0.436*0.8 = 0.889, in the
	// mid band, so creation wires an EXTEND edge between them.
	if _, err := e.CreateMemory(ctx, "supporting context", nil, "", ""); err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}

	results, err := e.Search(ctx, "query", SearchOptions{
		Limit:          1,
		MinSimilarity:  0.8,
		GraphExpansion: true,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1 (context must not count against limit)", len(results))
	}
	if results[0].Memory.ID != central.ID {
		t.Fatalf("result = %q", results[0].Memory.Content)
	}
	if len(results[0].Related) == 0 {
		t.Fatal("expected one-hop context attached to the hit")
	}
	if results[0].Related[0].Memory.Content != "supporting context" {
		t.Errorf("related = %q", results[0].Related[0].Memory.Content)
	}
}

func TestSearchExpansionLinksHitsToEachOther(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("query", 1.0)
	emb.add("central fact", 0.9)
	emb.add("supporting context", 0.6)
	e := newTestEngine(t, emb, Options{})
	ctx := context.Background()

	central, _ := e.CreateMemory(ctx, "central fact", nil, "", "")
	// Mid-band similarity wires an EXTEND edge between the two.
	supporting, err := e.CreateMemory(ctx, "supporting context", nil, "", "")
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}

	// Both memories are retained hits; the edge between them must still be
	// attached so their relationship is visible in the results.
	results, err := e.Search(ctx, "query", SearchOptions{
		Limit:          5,
		MinSimilarity:  0.3,
		GraphExpansion: true,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	wantOther := map[string]string{
		central.ID:    supporting.ID,
		supporting.ID: central.ID,
	}
	for _, r := range results {
		if len(r.Related) != 1 {
			t.Fatalf("hit %q has %d related entries, want 1", r.Memory.Content, len(r.Related))
		}
		if r.Related[0].Memory.ID != wantOther[r.Memory.ID] {
			t.Errorf("hit %q related to %q, want the other hit", r.Memory.Content, r.Related[0].Memory.Content)
		}
		if r.Related[0].Relationship.Type != RelationExtend {
			t.Errorf("relationship type = %v, want EXTEND", r.Related[0].Relationship.Type)
		}
	}
}

func TestSearchRerankPreservesTieOrder(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("query", 1.0)
	emb.add("tie alpha", 0.7)
	emb.add("tie beta", 0.7)
	e := newTestEngine(t, emb, Options{HighSimilarity: 0.999, MidSimilarity: 0.998})
	ctx := context.Background()

	e.CreateMemory(ctx, "tie alpha", nil, "", "")
	e.CreateMemory(ctx, "tie beta", nil, "", "")

	baseline, err := e.Search(ctx, "query", SearchOptions{Limit: 5})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	// Reverse everything; equal scores must snap back to original rank.
	reversed, err := e.Search(ctx, "query", SearchOptions{
		Limit: 5,
		Rerank: func(rs []SearchResult) []SearchResult {
			out := make([]SearchResult, len(rs))
			for i, r := range rs {
				out[len(rs)-1-i] = r
			}
			return out
		},
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(reversed) != len(baseline) {
		t.Fatalf("result count changed: %d vs %d", len(reversed), len(baseline))
	}
	for i := range baseline {
		if reversed[i].Memory.ID != baseline[i].Memory.ID {
			t.Errorf("tie order not preserved at %d: %s vs %s",
				i, reversed[i].Memory.ID, baseline[i].Memory.ID)
		}
	}
}

func TestMultiHopSearch(t *testing.T) {
	e := newTestEngine(t, newStubEmbedder(), Options{})
	ctx := context.Background()

	// Build a three-node EXTEND chain directly in the graph store.
	for _, id := range []string{"mem_a", "mem_b", "mem_c"} {
		if err := e.graphs.CreateNode(ctx, graph.Node{ID: id, Content: id, Version: 1, IsLatest: true, Metadata: "{}"}); err != nil {
			t.Fatalf("CreateNode failed: %v", err)
		}
	}
	for _, pair := range [][2]string{{"mem_a", "mem_b"}, {"mem_b", "mem_c"}} {
		if err := e.graphs.CreateEdge(ctx, graph.Edge{
			ID: "rel_" + pair[0] + pair[1], Type: string(RelationExtend),
			SourceID: pair[0], TargetID: pair[1], Confidence: 0.7,
		}); err != nil {
			t.Fatalf("CreateEdge failed: %v", err)
		}
	}

	one, err := e.MultiHopSearch(ctx, MultiHopOptions{StartID: "mem_a", MaxHops: 1})
	if err != nil {
		t.Fatalf("MultiHopSearch failed: %v", err)
	}
	if len(one) != 2 {
		t.Fatalf("maxHops=1 returned %d memories, want seed plus neighbor", len(one))
	}
	if one[0].Memory.ID != "mem_a" || one[0].Hop != 0 {
		t.Errorf("seed = %s hop %d", one[0].Memory.ID, one[0].Hop)
	}
	if one[1].Memory.ID != "mem_b" || one[1].Hop != 1 {
		t.Errorf("neighbor = %s hop %d", one[1].Memory.ID, one[1].Hop)
	}

	two, err := e.MultiHopSearch(ctx, MultiHopOptions{StartID: "mem_a", MaxHops: 2})
	if err != nil {
		t.Fatalf("MultiHopSearch failed: %v", err)
	}
	if len(two) != 3 {
		t.Fatalf("maxHops=2 returned %d memories, want 3", len(two))
	}
	if two[2].Memory.ID != "mem_c" || two[2].Hop != 2 {
		t.Errorf("far node = %s hop %d", two[2].Memory.ID, two[2].Hop)
	}
}

func TestMultiHopVisitsNodesOnce(t *testing.T) {
	e := newTestEngine(t, newStubEmbedder(), Options{})
	ctx := context.Background()

	// Triangle: every node reachable two ways.
	for _, id := range []string{"mem_a", "mem_b", "mem_c"} {
		e.graphs.CreateNode(ctx, graph.Node{ID: id, Content: id, Version: 1, IsLatest: true, Metadata: "{}"})
	}
	for _, pair := range [][2]string{{"mem_a", "mem_b"}, {"mem_b", "mem_c"}, {"mem_c", "mem_a"}} {
		e.graphs.CreateEdge(ctx, graph.Edge{
			ID: "rel_" + pair[0] + pair[1], Type: string(RelationExtend),
			SourceID: pair[0], TargetID: pair[1], Confidence: 0.7,
		})
	}

	out, err := e.MultiHopSearch(ctx, MultiHopOptions{StartID: "mem_a", MaxHops: 5})
	if err != nil {
		t.Fatalf("MultiHopSearch failed: %v", err)
	}
	seen := map[string]bool{}
	for _, hr := range out {
		if seen[hr.Memory.ID] {
			t.Errorf("node %s emitted twice", hr.Memory.ID)
		}
		seen[hr.Memory.ID] = true
		if hr.Hop > 1 {
			t.Errorf("node %s at hop %d, triangle distance is at most 1", hr.Memory.ID, hr.Hop)
		}
	}
	if len(out) != 3 {
		t.Errorf("emitted %d nodes, want 3", len(out))
	}
}

func TestPathSearch(t *testing.T) {
	e := newTestEngine(t, newStubEmbedder(), Options{})
	ctx := context.Background()

	for _, id := range []string{"mem_a", "mem_b", "mem_c"} {
		e.graphs.CreateNode(ctx, graph.Node{ID: id, Content: id, Version: 1, IsLatest: true, Metadata: "{}"})
	}
	e.graphs.CreateEdge(ctx, graph.Edge{ID: "rel_ab", Type: string(RelationExtend), SourceID: "mem_a", TargetID: "mem_b", Confidence: 0.7})
	e.graphs.CreateEdge(ctx, graph.Edge{ID: "rel_bc", Type: string(RelationDerive), SourceID: "mem_b", TargetID: "mem_c", Confidence: 0.9})

	path, err := e.PathSearch(ctx, "mem_a", "mem_c", 3, 0)
	if err != nil {
		t.Fatalf("PathSearch failed: %v", err)
	}
	if len(path) != 3 {
		t.Fatalf("path length = %d, want 3", len(path))
	}
	if path[0].Memory.ID != "mem_a" || path[0].Relationship != nil {
		t.Errorf("path start = %+v", path[0])
	}
	if path[1].Memory.ID != "mem_b" || path[1].Relationship.ID != "rel_ab" {
		t.Errorf("path middle = %+v", path[1])
	}
	if path[2].Memory.ID != "mem_c" || path[2].Relationship.ID != "rel_bc" {
		t.Errorf("path end = %+v", path[2])
	}

	// The low-confidence first edge blocks the only route.
	blocked, err := e.PathSearch(ctx, "mem_a", "mem_c", 3, 0.8)
	if err != nil {
		t.Fatalf("PathSearch failed: %v", err)
	}
	if blocked != nil {
		t.Errorf("expected no path under the confidence floor, got %d steps", len(blocked))
	}

	// Out of reach within one hop.
	short, err := e.PathSearch(ctx, "mem_a", "mem_c", 1, 0)
	if err != nil {
		t.Fatalf("PathSearch failed: %v", err)
	}
	if short != nil {
		t.Errorf("expected no path within 1 hop, got %d steps", len(short))
	}
}

func TestGetLineageDetectsCycle(t *testing.T) {
	e := newTestEngine(t, newStubEmbedder(), Options{})
	ctx := context.Background()

	// A corrupted chain: UPDATE edges forming a loop.
	for _, id := range []string{"mem_a", "mem_b"} {
		e.graphs.CreateNode(ctx, graph.Node{ID: id, Content: id, Version: 1, IsLatest: false, Metadata: "{}"})
	}
	e.graphs.CreateEdge(ctx, graph.Edge{ID: "rel_ab", Type: string(RelationUpdate), SourceID: "mem_a", TargetID: "mem_b", Confidence: 1})
	e.graphs.CreateEdge(ctx, graph.Edge{ID: "rel_ba", Type: string(RelationUpdate), SourceID: "mem_b", TargetID: "mem_a", Confidence: 1})

	var cyc *CycleDetectedError
	_, err := e.GetLineage(ctx, "mem_a")
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CycleDetectedError, got %v", err)
	}
}

func TestDeriveInsightsBackfills(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("alpha fact", 1.0)
	emb.add("alpha fact restated", 0.95)
	// Thresholds tuned so creation infers nothing.
	e := newTestEngine(t, emb, Options{HighSimilarity: 0.999, MidSimilarity: 0.998})
	ctx := context.Background()

	a, _ := e.CreateMemory(ctx, "alpha fact", nil, "", "")
	b, _ := e.CreateMemory(ctx, "alpha fact restated", nil, "", "")

	created, err := e.DeriveInsights(ctx, 0.85)
	if err != nil {
		t.Fatalf("DeriveInsights failed: %v", err)
	}
	if len(created) == 0 {
		t.Fatal("expected backfilled DERIVE edges")
	}
	for _, rel := range created {
		if rel.Type != RelationDerive {
			t.Errorf("backfill created %s edge", rel.Type)
		}
	}

	has, err := e.graphs.HasEdge(ctx, a.ID, b.ID, string(RelationDerive))
	if err != nil {
		t.Fatalf("HasEdge failed: %v", err)
	}
	if !has {
		t.Error("expected DERIVE edge between the near-duplicates")
	}

	// Re-running backfills nothing new.
	again, err := e.DeriveInsights(ctx, 0.85)
	if err != nil {
		t.Fatalf("DeriveInsights failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second run created %d edges, want 0", len(again))
	}
}

func TestDeriveInsightsSkipsSupersededVersions(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("old fact", 1.0)
	emb.add("new fact", 0.95)
	// Thresholds tuned so creation infers nothing.
	e := newTestEngine(t, emb, Options{HighSimilarity: 0.999, MidSimilarity: 0.998})
	ctx := context.Background()

	old, err := e.CreateMemory(ctx, "old fact", nil, "", "")
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}
	latest, err := e.UpdateMemory(ctx, old.ID, "new fact", nil)
	if err != nil {
		t.Fatalf("UpdateMemory failed: %v", err)
	}

	// The superseded version keeps its vector entry and sits well above the
	// threshold, but it must never become a backfill target.
	created, err := e.DeriveInsights(ctx, 0.85)
	if err != nil {
		t.Fatalf("DeriveInsights failed: %v", err)
	}
	for _, rel := range created {
		if rel.TargetID == old.ID || rel.SourceID == old.ID {
			t.Errorf("backfill linked superseded version: %s -> %s", rel.SourceID, rel.TargetID)
		}
	}
	has, err := e.graphs.HasEdge(ctx, latest.ID, old.ID, string(RelationDerive))
	if err != nil {
		t.Fatalf("HasEdge failed: %v", err)
	}
	if has {
		t.Error("expected no DERIVE edge onto the superseded version")
	}
}

func TestGetMemoryReturnsIsolatedCopy(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("cached fact", 1.0)
	e := newTestEngine(t, emb, Options{})
	ctx := context.Background()

	mem, err := e.CreateMemory(ctx, "cached fact", metadata.Map{"topic": metadata.String("go")}, "", "")
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}

	first, err := e.GetMemory(ctx, mem.ID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	e.memCache.Wait()
	first.Content = "mutated"
	first.Metadata["topic"] = metadata.String("mutated")
	if len(first.Embedding) > 0 {
		first.Embedding[0] = -42
	}

	second, err := e.GetMemory(ctx, mem.ID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if second.Content != "cached fact" {
		t.Errorf("content mutated through the cache: %q", second.Content)
	}
	if !second.Metadata["topic"].Equal(metadata.String("go")) {
		t.Errorf("metadata mutated through the cache: %v", second.Metadata["topic"])
	}
	if len(second.Embedding) > 0 && second.Embedding[0] == -42 {
		t.Error("embedding mutated through the cache")
	}
}

func TestReconcileFindsOrphans(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("healthy", 1.0)
	e := newTestEngine(t, emb, Options{})
	ctx := context.Background()

	if _, err := e.CreateMemory(ctx, "healthy", nil, "", ""); err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}
	// Plant an orphan directly in the vector index.
	if err := e.vectors.Upsert(ctx, vector.Record{ID: "mem_orphan", Vector: []float32{1, 0}, Content: "ghost"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	report, err := e.Reconcile(ctx, true)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(report.OrphanVectors) != 1 || report.OrphanVectors[0] != "mem_orphan" {
		t.Errorf("orphans = %v", report.OrphanVectors)
	}
	if report.Repaired != 1 {
		t.Errorf("repaired = %d", report.Repaired)
	}
	if _, err := e.vectors.Fetch(ctx, "mem_orphan"); !errors.Is(err, vector.ErrNotFound) {
		t.Errorf("orphan survived repair: %v", err)
	}
}

func TestStats(t *testing.T) {
	emb := newStubEmbedder()
	emb.add("one", 1.0)
	emb.add("two", 0.9)
	e := newTestEngine(t, emb, Options{})
	ctx := context.Background()

	e.CreateMemory(ctx, "one", nil, "", "")
	e.CreateMemory(ctx, "two", nil, "", "")

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Memories != 2 || stats.LatestMemories != 2 {
		t.Errorf("memories = %d latest = %d", stats.Memories, stats.LatestMemories)
	}
	if stats.VectorRecords != 2 {
		t.Errorf("vector records = %d", stats.VectorRecords)
	}
	if stats.EdgesByType[string(RelationDerive)] != 1 {
		t.Errorf("edges = %v", stats.EdgesByType)
	}
}

func TestParseRelationType(t *testing.T) {
	for _, s := range []string{"UPDATE", "EXTEND", "DERIVE"} {
		if _, err := ParseRelationType(s); err != nil {
			t.Errorf("ParseRelationType(%q) failed: %v", s, err)
		}
	}
	for _, s := range []string{"", "update", "RELATES_TO"} {
		if _, err := ParseRelationType(s); err == nil {
			t.Errorf("ParseRelationType(%q) accepted", s)
		}
	}
}

package graph

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	store, err := NewSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustCreateNode(t *testing.T, store *SQLite, n Node) {
	t.Helper()
	if n.Version == 0 {
		n.Version = 1
	}
	if err := store.CreateNode(context.Background(), n); err != nil {
		t.Fatalf("CreateNode(%s) failed: %v", n.ID, err)
	}
}

func TestNodeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mustCreateNode(t, store, Node{
		ID:         "mem_a1",
		Content:    "user prefers dark mode",
		SourceType: "chat",
		SourceID:   "session-9",
		Version:    1,
		IsLatest:   true,
		Metadata:   `{"topic":"prefs"}`,
		CreatedAt:  created,
	})

	n, err := store.GetNode(ctx, "mem_a1")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if n.Content != "user prefers dark mode" {
		t.Errorf("content = %q", n.Content)
	}
	if n.SourceType != "chat" || n.SourceID != "session-9" {
		t.Errorf("source = %q/%q", n.SourceType, n.SourceID)
	}
	if n.Version != 1 || !n.IsLatest {
		t.Errorf("version = %d, is_latest = %v", n.Version, n.IsLatest)
	}
	if n.Metadata != `{"topic":"prefs"}` {
		t.Errorf("metadata = %q", n.Metadata)
	}
	if !n.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", n.CreatedAt, created)
	}
}

func TestGetNodeMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetNode(context.Background(), "mem_nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetNodeIsLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreateNode(t, store, Node{ID: "mem_a1", Content: "v1", IsLatest: true})
	if err := store.SetNodeIsLatest(ctx, "mem_a1", false); err != nil {
		t.Fatalf("SetNodeIsLatest failed: %v", err)
	}
	n, err := store.GetNode(ctx, "mem_a1")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if n.IsLatest {
		t.Error("expected is_latest to be cleared")
	}

	if err := store.SetNodeIsLatest(ctx, "mem_nope", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing node, got %v", err)
	}
}

func TestDeleteNodeCascade(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreateNode(t, store, Node{ID: "mem_a", Content: "a", IsLatest: true})
	mustCreateNode(t, store, Node{ID: "mem_b", Content: "b", IsLatest: true})
	if err := store.CreateEdge(ctx, Edge{ID: "e1", Type: "EXTEND", SourceID: "mem_a", TargetID: "mem_b", Confidence: 0.9}); err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}

	if err := store.DeleteNode(ctx, "mem_a", true); err != nil {
		t.Fatalf("DeleteNode failed: %v", err)
	}
	if _, err := store.GetNode(ctx, "mem_a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected node gone, got %v", err)
	}
	edges, err := store.Edges(ctx, "mem_b", Both, nil)
	if err != nil {
		t.Fatalf("Edges failed: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("expected incident edges removed, got %d", len(edges))
	}
}

func TestDeleteNodeOrphansEdges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreateNode(t, store, Node{ID: "mem_a", Content: "a", IsLatest: true})
	mustCreateNode(t, store, Node{ID: "mem_b", Content: "b", IsLatest: true})
	if err := store.CreateEdge(ctx, Edge{ID: "e1", Type: "DERIVE", SourceID: "mem_a", TargetID: "mem_b", Confidence: 0.7}); err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}

	if err := store.DeleteNode(ctx, "mem_a", false); err != nil {
		t.Fatalf("DeleteNode failed: %v", err)
	}

	// Dangling edges drop out of reads.
	has, err := store.HasEdge(ctx, "mem_a", "mem_b", "DERIVE")
	if err != nil {
		t.Fatalf("HasEdge failed: %v", err)
	}
	if has {
		t.Error("expected dangling edge to be hidden")
	}
	edges, err := store.Edges(ctx, "mem_b", Incoming, nil)
	if err != nil {
		t.Fatalf("Edges failed: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("expected no visible edges, got %d", len(edges))
	}

	if err := store.DeleteNode(ctx, "mem_nope", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing node, got %v", err)
	}
}

func TestEdgesDirectionAndTypeFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"mem_a", "mem_b", "mem_c"} {
		mustCreateNode(t, store, Node{ID: id, Content: id, IsLatest: true})
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	edges := []Edge{
		{ID: "e1", Type: "EXTEND", SourceID: "mem_a", TargetID: "mem_b", Confidence: 0.9, CreatedAt: base},
		{ID: "e2", Type: "DERIVE", SourceID: "mem_a", TargetID: "mem_c", Confidence: 0.6, CreatedAt: base.Add(time.Second)},
		{ID: "e3", Type: "UPDATE", SourceID: "mem_c", TargetID: "mem_a", Confidence: 1.0, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, e := range edges {
		if err := store.CreateEdge(ctx, e); err != nil {
			t.Fatalf("CreateEdge(%s) failed: %v", e.ID, err)
		}
	}

	out, err := store.Edges(ctx, "mem_a", Outgoing, nil)
	if err != nil {
		t.Fatalf("Edges failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("outgoing edges = %d, want 2", len(out))
	}
	// Newest first.
	if out[0].ID != "e2" || out[1].ID != "e1" {
		t.Errorf("order = %s, %s", out[0].ID, out[1].ID)
	}

	in, err := store.Edges(ctx, "mem_a", Incoming, nil)
	if err != nil {
		t.Fatalf("Edges failed: %v", err)
	}
	if len(in) != 1 || in[0].ID != "e3" {
		t.Errorf("incoming = %+v", in)
	}

	both, err := store.Edges(ctx, "mem_a", Both, []string{"EXTEND", "UPDATE"})
	if err != nil {
		t.Fatalf("Edges failed: %v", err)
	}
	if len(both) != 2 {
		t.Fatalf("filtered edges = %d, want 2", len(both))
	}
	for _, e := range both {
		if e.Type == "DERIVE" {
			t.Errorf("type filter leaked %+v", e)
		}
	}
}

func TestExpand(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"mem_a", "mem_b", "mem_c", "mem_d"} {
		mustCreateNode(t, store, Node{ID: id, Content: id, IsLatest: true})
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []Edge{
		{ID: "e1", Type: "EXTEND", SourceID: "mem_a", TargetID: "mem_c", CreatedAt: base},
		{ID: "e2", Type: "DERIVE", SourceID: "mem_d", TargetID: "mem_b", CreatedAt: base.Add(time.Second)},
		{ID: "e3", Type: "UPDATE", SourceID: "mem_c", TargetID: "mem_d", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, e := range seed {
		if err := store.CreateEdge(ctx, e); err != nil {
			t.Fatalf("CreateEdge(%s) failed: %v", e.ID, err)
		}
	}

	got, err := store.Expand(ctx, []string{"mem_a", "mem_b"}, []string{"EXTEND", "DERIVE"})
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expanded edges = %d, want 2", len(got))
	}
	if got[0].ID != "e1" || got[1].ID != "e2" {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}

	empty, err := store.Expand(ctx, nil, nil)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no edges for empty id set, got %d", len(empty))
	}
}

func TestSupersede(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreateNode(t, store, Node{ID: "mem_v1", Content: "v1", IsLatest: true})
	mustCreateNode(t, store, Node{ID: "mem_v2", Content: "v2", Version: 2, IsLatest: true})

	err := store.Supersede(ctx, "mem_v1", Edge{
		ID: "e1", Type: "UPDATE", SourceID: "mem_v2", TargetID: "mem_v1", Confidence: 1.0,
	})
	if err != nil {
		t.Fatalf("Supersede failed: %v", err)
	}

	old, err := store.GetNode(ctx, "mem_v1")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if old.IsLatest {
		t.Error("expected old version to lose is_latest")
	}
	has, err := store.HasEdge(ctx, "mem_v2", "mem_v1", "UPDATE")
	if err != nil {
		t.Fatalf("HasEdge failed: %v", err)
	}
	if !has {
		t.Error("expected UPDATE edge from new to old")
	}

	// The losing concurrent writer sees a stale head.
	err = store.Supersede(ctx, "mem_v1", Edge{
		ID: "e2", Type: "UPDATE", SourceID: "mem_v2", TargetID: "mem_v1", Confidence: 1.0,
	})
	if !errors.Is(err, ErrStale) {
		t.Errorf("expected ErrStale, got %v", err)
	}

	err = store.Supersede(ctx, "mem_nope", Edge{ID: "e3", Type: "UPDATE"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListNodes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mustCreateNode(t, store, Node{ID: "mem_a", Content: "a", IsLatest: false, CreatedAt: base})
	mustCreateNode(t, store, Node{ID: "mem_b", Content: "b", IsLatest: true, CreatedAt: base.Add(time.Second)})
	mustCreateNode(t, store, Node{ID: "mem_c", Content: "c", IsLatest: true, CreatedAt: base.Add(2 * time.Second)})

	all, err := store.ListNodes(ctx, 0, 0, false)
	if err != nil {
		t.Fatalf("ListNodes failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "mem_c" {
		t.Errorf("all = %d nodes, first %s", len(all), all[0].ID)
	}

	latest, err := store.ListNodes(ctx, 0, 0, true)
	if err != nil {
		t.Fatalf("ListNodes failed: %v", err)
	}
	if len(latest) != 2 {
		t.Errorf("latest = %d nodes, want 2", len(latest))
	}

	page, err := store.ListNodes(ctx, 1, 1, false)
	if err != nil {
		t.Fatalf("ListNodes failed: %v", err)
	}
	if len(page) != 1 || page[0].ID != "mem_b" {
		t.Errorf("page = %+v", page)
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreateNode(t, store, Node{ID: "mem_a", Content: "a", IsLatest: true})
	mustCreateNode(t, store, Node{ID: "mem_b", Content: "b", IsLatest: false})
	if err := store.CreateEdge(ctx, Edge{ID: "e1", Type: "UPDATE", SourceID: "mem_a", TargetID: "mem_b"}); err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}
	if err := store.CreateEdge(ctx, Edge{ID: "e2", Type: "EXTEND", SourceID: "mem_a", TargetID: "mem_b"}); err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Nodes != 2 || stats.LatestNodes != 1 {
		t.Errorf("nodes = %d latest = %d", stats.Nodes, stats.LatestNodes)
	}
	if stats.EdgesByType["UPDATE"] != 1 || stats.EdgesByType["EXTEND"] != 1 {
		t.Errorf("edges = %v", stats.EdgesByType)
	}

	count, err := store.CountNodes(ctx)
	if err != nil {
		t.Fatalf("CountNodes failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d", count)
	}
}

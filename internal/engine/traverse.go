package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/engramlabs/engram/internal/graph"
)

const (
	defaultMaxHops = 2
	// hardMaxHops caps traversal depth to bound query cost.
	hardMaxHops = 5
)

// GetLineage walks the UPDATE chain through memoryID in both directions and
// returns the versions in ascending version order. A visited set guards
// against corrupted cyclic chains, which surface as CycleDetectedError.
func (e *Engine) GetLineage(ctx context.Context, memoryID string) ([]Memory, error) {
	getCtx, cancel := e.opCtx(ctx)
	node, err := e.graphs.GetNode(getCtx, memoryID)
	cancel()
	if err != nil {
		return nil, storeErr("graph node get", memoryID, err)
	}

	visited := map[string]bool{memoryID: true}
	chain := []graph.Node{*node}

	// Followers: outgoing UPDATE edges lead to newer versions.
	current := memoryID
	for {
		next, err := e.updateNeighbor(ctx, current, graph.Outgoing)
		if err != nil {
			return nil, err
		}
		if next == "" {
			break
		}
		if visited[next] {
			return nil, &CycleDetectedError{ID: next}
		}
		visited[next] = true
		n, err := e.mustGetNode(ctx, next)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *n)
		current = next
	}

	// Predecessors: incoming UPDATE edges lead to older versions.
	current = memoryID
	for {
		prev, err := e.updateNeighbor(ctx, current, graph.Incoming)
		if err != nil {
			return nil, err
		}
		if prev == "" {
			break
		}
		if visited[prev] {
			return nil, &CycleDetectedError{ID: prev}
		}
		visited[prev] = true
		n, err := e.mustGetNode(ctx, prev)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *n)
		current = prev
	}

	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].Version != chain[j].Version {
			return chain[i].Version < chain[j].Version
		}
		return chain[i].ID < chain[j].ID
	})

	memories := make([]Memory, 0, len(chain))
	for _, n := range chain {
		mem, err := e.fromNode(n)
		if err != nil {
			return nil, err
		}
		memories = append(memories, *mem)
	}
	return memories, nil
}

// updateNeighbor returns the id on the far side of the UPDATE edge in the
// given direction, or "" when the chain ends here.
func (e *Engine) updateNeighbor(ctx context.Context, id string, dir graph.Direction) (string, error) {
	edgeCtx, cancel := e.opCtx(ctx)
	edges, err := e.graphs.Edges(edgeCtx, id, dir, []string{string(RelationUpdate)})
	cancel()
	if err != nil {
		return "", &StorageError{Op: "graph edges", Err: err}
	}
	if len(edges) == 0 {
		return "", nil
	}
	if dir == graph.Outgoing {
		return edges[0].TargetID, nil
	}
	return edges[0].SourceID, nil
}

func (e *Engine) mustGetNode(ctx context.Context, id string) (*graph.Node, error) {
	getCtx, cancel := e.opCtx(ctx)
	defer cancel()
	node, err := e.graphs.GetNode(getCtx, id)
	if err != nil {
		return nil, storeErr("graph node get", id, err)
	}
	return node, nil
}

// MultiHopOptions tune a breadth-first traversal. Exactly one of StartID and
// Query seeds it.
type MultiHopOptions struct {
	StartID string
	// Query seeds the traversal with the top vector search candidates.
	Query      string
	SeedLimit  int
	MaxHops    int
	Types      []RelationType
	ExcludeOld bool
}

// MultiHopSearch walks the graph breadth-first from a seed set. Each result
// carries its minimum hop distance from the nearest seed; a node is emitted
// at most once. Seeds themselves are hop 0.
func (e *Engine) MultiHopSearch(ctx context.Context, opts MultiHopOptions) ([]HopResult, error) {
	if opts.MaxHops <= 0 {
		opts.MaxHops = defaultMaxHops
	}
	if opts.MaxHops > hardMaxHops {
		opts.MaxHops = hardMaxHops
	}
	types := opts.Types
	if len(types) == 0 {
		types = []RelationType{RelationUpdate, RelationExtend, RelationDerive}
	}

	seeds, err := e.seedSet(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	visited := map[string]int{}
	var out []HopResult
	frontier := make([]string, 0, len(seeds))
	for _, id := range seeds {
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = 0
		frontier = append(frontier, id)
		hr, err := e.hopResult(ctx, id, 0, opts.ExcludeOld)
		if err != nil {
			return nil, err
		}
		if hr != nil {
			out = append(out, *hr)
		}
	}

	for hop := 1; hop <= opts.MaxHops && len(frontier) > 0; hop++ {
		expCtx, cancel := e.opCtx(ctx)
		edges, err := e.graphs.Expand(expCtx, frontier, relationTypeStrings(types))
		cancel()
		if err != nil {
			return nil, &StorageError{Op: "graph expand", Err: err}
		}

		inFrontier := make(map[string]bool, len(frontier))
		for _, id := range frontier {
			inFrontier[id] = true
		}

		var next []string
		for _, edge := range edges {
			for _, pair := range [][2]string{{edge.SourceID, edge.TargetID}, {edge.TargetID, edge.SourceID}} {
				from, to := pair[0], pair[1]
				if !inFrontier[from] {
					continue
				}
				if _, seen := visited[to]; seen {
					continue
				}
				visited[to] = hop
				next = append(next, to)
				hr, err := e.hopResult(ctx, to, hop, opts.ExcludeOld)
				if err != nil {
					return nil, err
				}
				if hr != nil {
					out = append(out, *hr)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

func (e *Engine) hopResult(ctx context.Context, id string, hop int, excludeOld bool) (*HopResult, error) {
	node, err := e.mustGetNode(ctx, id)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			// Dangling edge endpoint; skip it.
			return nil, nil
		}
		return nil, err
	}
	if excludeOld && !node.IsLatest {
		return nil, nil
	}
	mem, err := e.fromNode(*node)
	if err != nil {
		return nil, err
	}
	return &HopResult{Memory: *mem, Hop: hop}, nil
}

// seedSet resolves the traversal seeds: an explicit start node, or the top
// candidates of a vector search.
func (e *Engine) seedSet(ctx context.Context, opts MultiHopOptions) ([]string, error) {
	if opts.StartID != "" {
		if _, err := e.mustGetNode(ctx, opts.StartID); err != nil {
			return nil, err
		}
		return []string{opts.StartID}, nil
	}
	if opts.Query == "" {
		return nil, &ValidationError{Msg: "either a start id or a query is required"}
	}

	limit := opts.SeedLimit
	if limit <= 0 {
		limit = 3
	}
	results, err := e.Search(ctx, opts.Query, SearchOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	seeds := make([]string, len(results))
	for i, r := range results {
		seeds[i] = r.Memory.ID
	}
	return seeds, nil
}

// PathSearch finds the shortest relationship path from sourceID to targetID,
// following edges in either direction, bounded by maxHops and filtered to
// edges at or above minConfidence. Returns nil when no path exists within
// the bound.
func (e *Engine) PathSearch(ctx context.Context, sourceID, targetID string, maxHops int, minConfidence float64) ([]PathStep, error) {
	if sourceID == targetID {
		return nil, &ValidationError{Msg: "source and target must differ"}
	}
	if maxHops <= 0 {
		maxHops = defaultMaxHops
	}
	if maxHops > hardMaxHops {
		maxHops = hardMaxHops
	}

	if _, err := e.mustGetNode(ctx, sourceID); err != nil {
		return nil, err
	}
	if _, err := e.mustGetNode(ctx, targetID); err != nil {
		return nil, err
	}

	type parentLink struct {
		prev string
		edge graph.Edge
	}
	parents := map[string]parentLink{}
	visited := map[string]bool{sourceID: true}
	frontier := []string{sourceID}

	found := false
	for hop := 1; hop <= maxHops && len(frontier) > 0 && !found; hop++ {
		expCtx, cancel := e.opCtx(ctx)
		edges, err := e.graphs.Expand(expCtx, frontier, nil)
		cancel()
		if err != nil {
			return nil, &StorageError{Op: "graph expand", Err: err}
		}

		inFrontier := make(map[string]bool, len(frontier))
		for _, id := range frontier {
			inFrontier[id] = true
		}

		var next []string
		for _, edge := range edges {
			if edge.Confidence < minConfidence {
				continue
			}
			for _, pair := range [][2]string{{edge.SourceID, edge.TargetID}, {edge.TargetID, edge.SourceID}} {
				from, to := pair[0], pair[1]
				if !inFrontier[from] || visited[to] {
					continue
				}
				visited[to] = true
				parents[to] = parentLink{prev: from, edge: edge}
				next = append(next, to)
				if to == targetID {
					found = true
				}
			}
		}
		frontier = next
	}
	if !found {
		return nil, nil
	}

	// Rebuild the path backwards from the target.
	var steps []PathStep
	current := targetID
	for current != sourceID {
		link := parents[current]
		node, err := e.mustGetNode(ctx, current)
		if err != nil {
			return nil, err
		}
		mem, err := e.fromNode(*node)
		if err != nil {
			return nil, err
		}
		rel := fromEdge(link.edge)
		steps = append(steps, PathStep{Memory: *mem, Relationship: &rel})
		current = link.prev
	}
	srcNode, err := e.mustGetNode(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	srcMem, err := e.fromNode(*srcNode)
	if err != nil {
		return nil, err
	}
	steps = append(steps, PathStep{Memory: *srcMem})

	// Reverse into source-to-target order.
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return steps, nil
}

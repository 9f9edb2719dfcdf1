package engine

import (
	"context"
	"sort"
)

// RerankFunc is a pluggable scoring hook. It receives the ranked candidates
// and returns them reordered; the engine applies it after its own ordering.
type RerankFunc func(results []SearchResult) []SearchResult

// SearchOptions tune one hybrid search call.
type SearchOptions struct {
	Limit         int
	MinSimilarity float64
	// GraphExpansion attaches each hit's one-hop EXTEND/DERIVE neighborhood
	// as supplementary context.
	GraphExpansion bool
	Rerank         RerankFunc
}

// Search embeds the query, retrieves an overfetched candidate set from the
// vector index, filters it to latest memories above the similarity floor,
// and optionally expands each hit one hop through the graph. Expansion
// failures degrade to similarity-only results with a warning.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	embCtx, cancel := e.opCtx(ctx)
	vec, err := e.embedder.Embed(embCtx, query)
	cancel()
	if err != nil {
		return nil, &EmbeddingError{Err: err}
	}

	// Overfetch: the index cannot filter on similarity floor or is_latest,
	// so both are applied after the fact.
	k := opts.Limit * 3
	if k < 50 {
		k = 50
	}
	qCtx, cancel := e.opCtx(ctx)
	hits, err := e.vectors.Query(qCtx, vec, k)
	cancel()
	if err != nil {
		return nil, &StorageError{Op: "vector query", Err: err}
	}

	results := make([]SearchResult, 0, opts.Limit)
	for _, hit := range sortHits(hits) {
		if hit.Similarity < opts.MinSimilarity {
			continue
		}
		getCtx, cancel := e.opCtx(ctx)
		node, err := e.graphs.GetNode(getCtx, hit.ID)
		cancel()
		if err != nil {
			e.logger.Warn("skipping vector hit without graph node", "id", hit.ID, "err", err)
			continue
		}
		if !node.IsLatest {
			continue
		}
		mem, err := e.fromNode(*node)
		if err != nil {
			e.logger.Warn("skipping unreadable node", "id", hit.ID, "err", err)
			continue
		}
		results = append(results, SearchResult{Memory: *mem, Similarity: hit.Similarity})
		if len(results) == opts.Limit {
			break
		}
	}

	if opts.GraphExpansion {
		e.expandResults(ctx, results)
	}

	if opts.Rerank != nil {
		results = rerankStable(results, opts.Rerank)
	}
	return results, nil
}

// expandResults attaches each hit's directly incident EXTEND/DERIVE edges
// and their endpoint memories. Context never counts against the limit and
// never changes ranking; failures only log.
func (e *Engine) expandResults(ctx context.Context, results []SearchResult) {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Memory.ID
	}

	expCtx, cancel := e.opCtx(ctx)
	edges, err := e.graphs.Expand(expCtx, ids, relationTypeStrings(InferenceTypes()))
	cancel()
	if err != nil {
		e.logger.Warn("graph expansion failed, returning similarity-only results", "err", err)
		return
	}

	byID := make(map[string]int, len(results))
	for i, r := range results {
		byID[r.Memory.ID] = i
	}

	for _, edge := range edges {
		for _, anchor := range []string{edge.SourceID, edge.TargetID} {
			idx, ok := byID[anchor]
			if !ok {
				continue
			}
			// The other endpoint may itself be a retained hit; the edge is
			// still attached so the relationship between hits is visible.
			otherID := edge.TargetID
			if otherID == anchor {
				otherID = edge.SourceID
			}
			other, err := e.GetMemory(ctx, otherID)
			if err != nil {
				e.logger.Warn("skipping unreadable expansion neighbor", "id", otherID, "err", err)
				continue
			}
			results[idx].Related = append(results[idx].Related, Related{
				Memory:       *other,
				Relationship: fromEdge(edge),
			})
		}
	}
}

// rerankStable applies the caller's rerank hook and restores the original
// rank as tie-break for equal similarity scores.
func rerankStable(results []SearchResult, rerank RerankFunc) []SearchResult {
	origRank := make(map[string]int, len(results))
	for i, r := range results {
		origRank[r.Memory.ID] = i
	}

	reranked := rerank(results)
	for start := 0; start < len(reranked); {
		end := start + 1
		for end < len(reranked) && reranked[end].Similarity == reranked[start].Similarity {
			end++
		}
		run := reranked[start:end]
		sort.SliceStable(run, func(i, j int) bool {
			return origRank[run[i].Memory.ID] < origRank[run[j].Memory.ID]
		})
		start = end
	}
	return reranked
}

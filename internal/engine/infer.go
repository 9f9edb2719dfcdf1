package engine

import (
	"context"
	"sort"
	"time"

	"github.com/engramlabs/engram/internal/graph"
	"github.com/engramlabs/engram/internal/vector"
)

// candidate is one inference neighbor under consideration.
type candidate struct {
	id         string
	similarity float64
}

// inferRelationships runs the inference policy for mem and logs any failure
// instead of returning it. Memory creation must succeed even when
// relationship discovery cannot.
func (e *Engine) inferRelationships(ctx context.Context, mem *Memory) {
	created, err := e.Infer(ctx, mem)
	if err != nil {
		e.logger.Warn("relationship inference skipped", "id", mem.ID, "err", err)
		return
	}
	if len(created) > 0 {
		e.logger.Debug("inferred relationships", "id", mem.ID, "edges", len(created))
	}
}

// Infer finds mem's nearest latest neighbors and creates DERIVE edges above
// the high threshold and EXTEND edges in the mid band. Existing edges of the
// same type between the same ordered pair are skipped, so re-running against
// an unchanged candidate set creates nothing. Candidates are evaluated in
// descending similarity order, ties broken by id.
func (e *Engine) Infer(ctx context.Context, mem *Memory) ([]Relationship, error) {
	if len(mem.Embedding) == 0 {
		return nil, nil
	}

	// Overfetch so that dropping mem itself and superseded versions still
	// leaves a full candidate set.
	qCtx, cancel := e.opCtx(ctx)
	hits, err := e.vectors.Query(qCtx, mem.Embedding, e.opts.InferTopK*2+1)
	cancel()
	if err != nil {
		return nil, &StorageError{Op: "vector query", Err: err}
	}

	candidates := make([]candidate, 0, len(hits))
	for _, hit := range hits {
		if hit.ID == mem.ID {
			continue
		}
		if hit.Similarity < e.opts.MidSimilarity {
			continue
		}
		getCtx, cancel := e.opCtx(ctx)
		node, err := e.graphs.GetNode(getCtx, hit.ID)
		cancel()
		if err != nil {
			// Vector entry without a node; reconciliation's problem.
			continue
		}
		if !node.IsLatest {
			continue
		}
		candidates = append(candidates, candidate{id: hit.ID, similarity: hit.Similarity})
		if len(candidates) == e.opts.InferTopK {
			break
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].similarity != candidates[j].similarity {
			return candidates[i].similarity > candidates[j].similarity
		}
		return candidates[i].id < candidates[j].id
	})

	var created []Relationship
	for _, c := range candidates {
		relType := RelationExtend
		if c.similarity >= e.opts.HighSimilarity {
			relType = RelationDerive
		}

		rel, err := e.createInferredEdge(ctx, mem.ID, c.id, relType, c.similarity)
		if err != nil {
			return created, err
		}
		if rel != nil {
			created = append(created, *rel)
		}
	}
	return created, nil
}

// createInferredEdge creates one edge unless an identical-typed one already
// exists for the ordered pair. Self-loops are never created.
func (e *Engine) createInferredEdge(ctx context.Context, sourceID, targetID string, relType RelationType, confidence float64) (*Relationship, error) {
	if sourceID == targetID {
		return nil, nil
	}

	hasCtx, cancel := e.opCtx(ctx)
	exists, err := e.graphs.HasEdge(hasCtx, sourceID, targetID, string(relType))
	cancel()
	if err != nil {
		return nil, &StorageError{Op: "graph edge check", Err: err}
	}
	if exists {
		return nil, nil
	}

	rel := Relationship{
		ID:         newEdgeID(),
		Type:       relType,
		SourceID:   sourceID,
		TargetID:   targetID,
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
	}
	edgeCtx, cancel := e.opCtx(ctx)
	err = e.graphs.CreateEdge(edgeCtx, graph.Edge{
		ID:         rel.ID,
		Type:       string(rel.Type),
		SourceID:   rel.SourceID,
		TargetID:   rel.TargetID,
		Confidence: rel.Confidence,
		CreatedAt:  rel.CreatedAt,
	})
	cancel()
	if err != nil {
		return nil, &StorageError{Op: "graph edge create", Err: err}
	}
	return &rel, nil
}

// DeriveInsights re-runs inference over the whole latest corpus with the
// given DERIVE threshold, backfilling edges for memories created before
// their neighbors. Returns the relationships it created.
func (e *Engine) DeriveInsights(ctx context.Context, threshold float64) ([]Relationship, error) {
	if threshold < 0 || threshold > 1 {
		return nil, &ValidationError{Msg: "threshold must be within [0, 1]"}
	}
	if threshold == 0 {
		threshold = e.opts.HighSimilarity
	}

	listCtx, cancel := e.opCtx(ctx)
	nodes, err := e.graphs.ListNodes(listCtx, 0, 0, true)
	cancel()
	if err != nil {
		return nil, &StorageError{Op: "graph node list", Err: err}
	}

	var created []Relationship
	for _, node := range nodes {
		fetchCtx, cancel := e.opCtx(ctx)
		rec, err := e.vectors.Fetch(fetchCtx, node.ID)
		cancel()
		if err != nil {
			e.logger.Warn("skipping memory without vector entry", "id", node.ID, "err", err)
			continue
		}

		qCtx, cancel := e.opCtx(ctx)
		hits, err := e.vectors.Query(qCtx, rec.Vector, e.opts.InferTopK+1)
		cancel()
		if err != nil {
			return created, &StorageError{Op: "vector query", Err: err}
		}

		hits = sortHits(hits)
		for _, hit := range hits {
			if hit.ID == node.ID || hit.Similarity < threshold {
				continue
			}
			getCtx, cancel := e.opCtx(ctx)
			target, err := e.graphs.GetNode(getCtx, hit.ID)
			cancel()
			if err != nil {
				// Vector entry without a node; reconciliation's problem.
				continue
			}
			if !target.IsLatest {
				// Superseded versions keep their vector entries but are
				// never inference candidates.
				continue
			}
			rel, err := e.createInferredEdge(ctx, node.ID, hit.ID, RelationDerive, hit.Similarity)
			if err != nil {
				return created, err
			}
			if rel != nil {
				created = append(created, *rel)
			}
		}
	}
	return created, nil
}

// sortHits orders hits by descending similarity, ties broken by id.
func sortHits(hits []vector.Result) []vector.Result {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
	return hits
}

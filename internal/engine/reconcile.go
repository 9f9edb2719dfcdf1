package engine

import (
	"context"
	"errors"

	"github.com/engramlabs/engram/internal/graph"
	"github.com/engramlabs/engram/internal/vector"
)

// Reconcile scans both stores for entries the other side lost, the residue
// of interrupted writes. Orphaned vector entries (no graph node) are deleted
// when repair is set; memories without a vector entry are only reported,
// since their embedding is gone and re-embedding is a policy decision left
// to the operator.
func (e *Engine) Reconcile(ctx context.Context, repair bool) (*ReconcileReport, error) {
	idsCtx, cancel := e.opCtx(ctx)
	vectorIDs, err := e.vectors.IDs(idsCtx)
	cancel()
	if err != nil {
		return nil, &StorageError{Op: "vector ids", Err: err}
	}

	report := &ReconcileReport{}
	inVector := make(map[string]bool, len(vectorIDs))
	for _, id := range vectorIDs {
		inVector[id] = true
		getCtx, cancel := e.opCtx(ctx)
		_, gerr := e.graphs.GetNode(getCtx, id)
		cancel()
		if gerr == nil {
			continue
		}
		if !errors.Is(gerr, graph.ErrNotFound) {
			// Transient lookup failure; deleting on it would lose data.
			e.logger.Warn("skipping unverifiable vector entry", "id", id, "err", gerr)
			continue
		}
		report.OrphanVectors = append(report.OrphanVectors, id)
		e.logger.Warn("inconsistency: vector entry has no graph node", "id", id)
		if repair {
			delCtx, cancel := e.opCtx(ctx)
			if derr := e.vectors.Delete(delCtx, id); derr == nil {
				report.Repaired++
			} else if !errors.Is(derr, vector.ErrNotFound) {
				e.logger.Warn("failed to remove orphaned vector entry", "id", id, "err", derr)
			}
			cancel()
		}
	}

	listCtx, cancel := e.opCtx(ctx)
	nodes, err := e.graphs.ListNodes(listCtx, 0, 0, false)
	cancel()
	if err != nil {
		return nil, &StorageError{Op: "graph node list", Err: err}
	}
	for _, node := range nodes {
		if inVector[node.ID] {
			continue
		}
		report.MissingVectors = append(report.MissingVectors, node.ID)
		e.logger.Warn("inconsistency: memory has no vector entry", "id", node.ID)
	}
	return report, nil
}

// Stats reports corpus counts from both stores.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	statsCtx, cancel := e.opCtx(ctx)
	gs, err := e.graphs.Stats(statsCtx)
	cancel()
	if err != nil {
		return nil, &StorageError{Op: "graph stats", Err: err}
	}

	countCtx, cancel := e.opCtx(ctx)
	vc, err := e.vectors.Count(countCtx)
	cancel()
	if err != nil {
		return nil, &StorageError{Op: "vector count", Err: err}
	}

	return &Stats{
		Memories:       gs.Nodes,
		LatestMemories: gs.LatestNodes,
		VectorRecords:  vc,
		EdgesByType:    gs.EdgesByType,
	}, nil
}

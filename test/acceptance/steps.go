package acceptance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/cucumber/godog"

	"github.com/engramlabs/engram/internal/engine"
	"github.com/engramlabs/engram/internal/graph"
	"github.com/engramlabs/engram/internal/vector"
)

// scriptedEmbedder maps text to 2D unit vectors so scenarios can state exact
// similarities. A text registered at similarity s embeds to a unit vector
// whose cosine against the query axis is s.
type scriptedEmbedder struct {
	mu   sync.Mutex
	vecs map[string][]float32
}

func newScriptedEmbedder() *scriptedEmbedder {
	return &scriptedEmbedder{vecs: map[string][]float32{}}
}

func (s *scriptedEmbedder) register(text string, similarity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	y := math.Sqrt(1 - similarity*similarity)
	s.vecs[text] = []float32{float32(similarity), float32(y)}
}

func (s *scriptedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.vecs[text]; ok {
		return v, nil
	}
	// Queries default to the reference axis.
	return []float32{1, 0}, nil
}

func (s *scriptedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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

func (s *scriptedEmbedder) Dimensions() int { return 2 }

// TestContext holds state between steps
type TestContext struct {
	ctx      context.Context
	engine   *engine.Engine
	embedder *scriptedEmbedder
	tmpDir   string

	// content → memory id, tracked as steps create and update memories
	ids map[string]string

	lastSearch    []engine.SearchResult
	lastTraversal []engine.HopResult
	lastEdge      *engine.Relationship
	lastErr       error
}

func (tc *TestContext) reset() error {
	if tc.engine != nil {
		tc.engine.Close()
	}
	if tc.tmpDir != "" {
		os.RemoveAll(tc.tmpDir)
	}

	dir, err := os.MkdirTemp("", "engram-acceptance-*")
	if err != nil {
		return err
	}
	tc.tmpDir = dir
	tc.embedder = newScriptedEmbedder()

	vectors, err := vector.NewSQLite(dir, tc.embedder.Dimensions())
	if err != nil {
		return err
	}
	graphs, err := graph.NewSQLite(dir)
	if err != nil {
		return err
	}
	e, err := engine.New(vectors, graphs, tc.embedder, engine.Options{})
	if err != nil {
		return err
	}

	tc.ctx = context.Background()
	tc.engine = e
	tc.ids = map[string]string{}
	tc.lastSearch = nil
	tc.lastTraversal = nil
	tc.lastEdge = nil
	tc.lastErr = nil
	return nil
}

func (tc *TestContext) aFreshMemoryEngine() error {
	return tc.reset()
}

func (tc *TestContext) aStoredMemoryAtSimilarity(content string, similarity float64) error {
	tc.embedder.register(content, similarity)
	mem, err := tc.engine.CreateMemory(tc.ctx, content, nil, "acceptance", "")
	if err != nil {
		return err
	}
	tc.ids[content] = mem.ID
	return nil
}

func (tc *TestContext) iUpdateTo(oldContent, newContent string, similarity float64) error {
	tc.embedder.register(newContent, similarity)
	oldID, ok := tc.ids[oldContent]
	if !ok {
		return fmt.Errorf("no memory stored for %q", oldContent)
	}
	mem, err := tc.engine.UpdateMemory(tc.ctx, oldID, newContent, nil)
	if err != nil {
		return err
	}
	tc.ids[newContent] = mem.ID
	return nil
}

func (tc *TestContext) iTryToUpdateTo(oldContent, newContent string, similarity float64) error {
	err := tc.iUpdateTo(oldContent, newContent, similarity)
	tc.lastErr = err
	return nil
}

func (tc *TestContext) relationshipLinks(relType, from, to string) error {
	fromID, ok := tc.ids[from]
	if !ok {
		return fmt.Errorf("no memory stored for %q", from)
	}
	toID, ok := tc.ids[to]
	if !ok {
		return fmt.Errorf("no memory stored for %q", to)
	}

	related, err := tc.engine.RelatedMemories(tc.ctx, fromID)
	if err != nil {
		return err
	}
	for _, r := range related {
		if string(r.Relationship.Type) == relType &&
			r.Relationship.SourceID == fromID && r.Relationship.TargetID == toID {
			rel := r.Relationship
			tc.lastEdge = &rel
			return nil
		}
	}
	return fmt.Errorf("no %s relationship from %q to %q", relType, from, to)
}

func (tc *TestContext) theRelationshipConfidenceIsAbout(want float64) error {
	if tc.lastEdge == nil {
		return errors.New("no relationship checked yet")
	}
	if math.Abs(tc.lastEdge.Confidence-want) > 0.01 {
		return fmt.Errorf("confidence = %.3f, want about %.2f", tc.lastEdge.Confidence, want)
	}
	return nil
}

func (tc *TestContext) theNewVersionNumberIs(version int) error {
	for content, id := range tc.ids {
		mem, err := tc.engine.GetMemory(tc.ctx, id)
		if err != nil {
			return err
		}
		if mem.Version == version && mem.IsLatest {
			_ = content
			return nil
		}
	}
	return fmt.Errorf("no latest memory with version %d", version)
}

func (tc *TestContext) isNoLongerTheLatestVersion(content string) error {
	id, ok := tc.ids[content]
	if !ok {
		return fmt.Errorf("no memory stored for %q", content)
	}
	mem, err := tc.engine.GetMemory(tc.ctx, id)
	if err != nil {
		return err
	}
	if mem.IsLatest {
		return fmt.Errorf("%q is still marked latest", content)
	}
	return nil
}

func (tc *TestContext) theLineageOfIs(content, expected string) error {
	id, ok := tc.ids[content]
	if !ok {
		return fmt.Errorf("no memory stored for %q", content)
	}
	lineage, err := tc.engine.GetLineage(tc.ctx, id)
	if err != nil {
		return err
	}
	got := make([]string, len(lineage))
	for i, mem := range lineage {
		got[i] = mem.Content
	}
	joined := strings.Join(got, ", ")
	if joined != expected {
		return fmt.Errorf("lineage = %q, want %q", joined, expected)
	}
	return nil
}

func (tc *TestContext) theUpdateFailsBecauseTheVersionIsStale() error {
	var stale *engine.StaleVersionError
	if !errors.As(tc.lastErr, &stale) {
		return fmt.Errorf("expected StaleVersionError, got %v", tc.lastErr)
	}
	return nil
}

func (tc *TestContext) iSearchFor(query string, limit int, minSim float64) error {
	results, err := tc.engine.Search(tc.ctx, query, engine.SearchOptions{
		Limit:         limit,
		MinSimilarity: minSim,
	})
	if err != nil {
		return err
	}
	tc.lastSearch = results
	return nil
}

func (tc *TestContext) iGetExactlyResults(count int) error {
	if len(tc.lastSearch) != count {
		return fmt.Errorf("got %d results, want %d", len(tc.lastSearch), count)
	}
	return nil
}

func (tc *TestContext) resultIs(rank int, content string) error {
	if rank < 1 || rank > len(tc.lastSearch) {
		return fmt.Errorf("no result at rank %d", rank)
	}
	got := tc.lastSearch[rank-1].Memory.Content
	if got != content {
		return fmt.Errorf("result %d = %q, want %q", rank, got, content)
	}
	return nil
}

func (tc *TestContext) aChainJoinedByExtendEdges(first, second, third string) error {
	// Spread the vectors apart so pairwise similarity stays below the
	// inference threshold and no extra edges appear.
	axes := []float64{0.985, 0.174, -0.866}
	contents := []string{first, second, third}
	for i, content := range contents {
		tc.embedder.register(content, axes[i])
		mem, err := tc.engine.CreateMemory(tc.ctx, content, nil, "acceptance", "")
		if err != nil {
			return err
		}
		tc.ids[content] = mem.ID
	}
	for i := 0; i+1 < len(contents); i++ {
		if _, err := tc.engine.CreateRelationship(tc.ctx, tc.ids[contents[i]], tc.ids[contents[i+1]], engine.RelationExtend, 0.7); err != nil {
			return err
		}
	}
	return nil
}

func (tc *TestContext) iTraverseFromWithMaxHops(content string, maxHops int) error {
	id, ok := tc.ids[content]
	if !ok {
		return fmt.Errorf("no memory stored for %q", content)
	}
	results, err := tc.engine.MultiHopSearch(tc.ctx, engine.MultiHopOptions{
		StartID: id,
		MaxHops: maxHops,
	})
	if err != nil {
		return err
	}
	tc.lastTraversal = results
	return nil
}

func (tc *TestContext) theTraversalReachesAtHop(content string, hop int) error {
	for _, hr := range tc.lastTraversal {
		if hr.Memory.Content == content {
			if hr.Hop != hop {
				return fmt.Errorf("%q reached at hop %d, want %d", content, hr.Hop, hop)
			}
			return nil
		}
	}
	return fmt.Errorf("traversal never reached %q", content)
}

func (tc *TestContext) theTraversalDoesNotReach(content string) error {
	for _, hr := range tc.lastTraversal {
		if hr.Memory.Content == content {
			return fmt.Errorf("traversal reached %q at hop %d", content, hr.Hop)
		}
	}
	return nil
}

func (tc *TestContext) iForget(content string) error {
	id, ok := tc.ids[content]
	if !ok {
		return fmt.Errorf("no memory stored for %q", content)
	}
	return tc.engine.DeleteMemory(tc.ctx, id)
}

func (tc *TestContext) cannotBeFound(content string) error {
	id, ok := tc.ids[content]
	if !ok {
		return fmt.Errorf("no memory stored for %q", content)
	}
	var nf *engine.NotFoundError
	_, err := tc.engine.GetMemory(tc.ctx, id)
	if !errors.As(err, &nf) {
		return fmt.Errorf("expected NotFoundError, got %v", err)
	}
	return nil
}

// InitializeScenario registers all step definitions
func InitializeScenario(sc *godog.ScenarioContext) {
	tc := &TestContext{}

	sc.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
		if tc.engine != nil {
			tc.engine.Close()
			tc.engine = nil
		}
		if tc.tmpDir != "" {
			os.RemoveAll(tc.tmpDir)
			tc.tmpDir = ""
		}
		return ctx, err
	})

	sc.Step(`^a fresh memory engine$`, tc.aFreshMemoryEngine)
	sc.Step(`^a stored memory "([^"]*)" at similarity ([0-9.]+)$`, tc.aStoredMemoryAtSimilarity)
	sc.Step(`^I remember "([^"]*)" at similarity ([0-9.]+)$`, tc.aStoredMemoryAtSimilarity)
	sc.Step(`^I update "([^"]*)" to "([^"]*)" at similarity ([0-9.]+)$`, tc.iUpdateTo)
	sc.Step(`^I try to update "([^"]*)" to "([^"]*)" at similarity ([0-9.]+)$`, tc.iTryToUpdateTo)
	sc.Step(`^an? (DERIVE|EXTEND|UPDATE) relationship links "([^"]*)" to "([^"]*)"$`, tc.relationshipLinks)
	sc.Step(`^the relationship confidence is about ([0-9.]+)$`, tc.theRelationshipConfidenceIsAbout)
	sc.Step(`^the new version number is (\d+)$`, tc.theNewVersionNumberIs)
	sc.Step(`^"([^"]*)" is no longer the latest version$`, tc.isNoLongerTheLatestVersion)
	sc.Step(`^the lineage of "([^"]*)" is "([^"]*)"$`, tc.theLineageOfIs)
	sc.Step(`^the update fails because the version is stale$`, tc.theUpdateFailsBecauseTheVersionIsStale)
	sc.Step(`^I search for "([^"]*)" with limit (\d+) and minimum similarity ([0-9.]+)$`, tc.iSearchFor)
	sc.Step(`^I get exactly (\d+) results$`, tc.iGetExactlyResults)
	sc.Step(`^result (\d+) is "([^"]*)"$`, tc.resultIs)
	sc.Step(`^a chain of memories "([^"]*)", "([^"]*)", "([^"]*)" joined by EXTEND edges$`, tc.aChainJoinedByExtendEdges)
	sc.Step(`^I traverse from "([^"]*)" with max hops (\d+)$`, tc.iTraverseFromWithMaxHops)
	sc.Step(`^the traversal reaches "([^"]*)" at hop (\d+)$`, tc.theTraversalReachesAtHop)
	sc.Step(`^the traversal does not reach "([^"]*)"$`, tc.theTraversalDoesNotReach)
	sc.Step(`^I forget "([^"]*)"$`, tc.iForget)
	sc.Step(`^"([^"]*)" cannot be found$`, tc.cannotBeFound)
}

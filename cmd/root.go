package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/embed"
	"github.com/engramlabs/engram/internal/engine"
	"github.com/engramlabs/engram/internal/graph"
	"github.com/engramlabs/engram/internal/vector"
)

// Build-time variables
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// SetVersion sets the version info from main
func SetVersion(v, c, d string) {
	Version = v
	Commit = c
	Date = d
}

var rootCmd = &cobra.Command{
	Use:           "engram",
	Short:         "Engram - versioned memory knowledge graph",
	Long:          "Semantic memory records with a typed relationship graph, version lineage, and hybrid semantic+graph search.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the engram command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// remember, update, forget (defined in remember.go)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(forgetCmd)

	// get, list, related (defined in get.go)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(relatedCmd)

	// search (defined in search.go)
	rootCmd.AddCommand(searchCmd)

	// lineage, hops, path (defined in traverse.go)
	rootCmd.AddCommand(lineageCmd)
	rootCmd.AddCommand(hopsCmd)
	rootCmd.AddCommand(pathCmd)

	// insights, reconcile, stats (defined in insights.go)
	rootCmd.AddCommand(insightsCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(statsCmd)

	// doctor (defined in doctor.go)
	rootCmd.AddCommand(doctorCmd)

	// version (defined below)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("engram %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}

// openEngine builds an engine from the loaded configuration. The caller must
// Close it.
func openEngine() (*engine.Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return openEngineWith(cfg)
}

func openEngineWith(cfg *config.Config) (*engine.Engine, error) {
	embedder := newEmbedder(cfg)

	var vectors vector.Index
	var err error
	switch cfg.VectorBackend {
	case config.VectorQdrant:
		vectors, err = vector.NewQdrant(vector.QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey,
			UseTLS:     cfg.Qdrant.UseTLS,
			Collection: cfg.Qdrant.Collection,
			Dimensions: embedder.Dimensions(),
		})
	default:
		vectors, err = vector.NewSQLite(cfg.DataDir, embedder.Dimensions())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}

	var graphs graph.Store
	switch cfg.GraphBackend {
	case config.GraphNeo4j:
		graphs, err = graph.NewNeo4j(graph.Neo4jConfig{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.Username,
			Password: cfg.Neo4j.Password,
			Database: cfg.Neo4j.Database,
		})
	default:
		graphs, err = graph.NewSQLite(cfg.DataDir)
	}
	if err != nil {
		vectors.Close()
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}

	return engine.New(vectors, graphs, embedder, engine.Options{
		HighSimilarity: cfg.HighSimilarity,
		MidSimilarity:  cfg.MidSimilarity,
		InferTopK:      cfg.InferTopK,
		RelinkOnUpdate: cfg.RelinkOnUpdate,
		DeletePolicy:   engine.DeletePolicy(cfg.DeletePolicy),
		OpTimeout:      time.Duration(cfg.OpTimeoutSec) * time.Second,
		CacheEntries:   int64(cfg.CacheEntries),
		CacheTTL:       time.Duration(cfg.CacheTTLSec) * time.Second,
	})
}

// newEmbedder picks the configured embedding provider, with the local
// embedder as a fallback for remote failures.
func newEmbedder(cfg *config.Config) embed.Embedder {
	if cfg.Embedding.Provider == "openai" {
		if openai, err := embed.NewOpenAI(cfg.Embedding.APIKey, cfg.Embedding.Model); err == nil {
			return embed.NewFallback(openai)
		}
	}
	return embed.NewLocal()
}

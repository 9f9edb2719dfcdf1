package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/engramlabs/engram/internal/engine"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Hybrid semantic+graph search",
	Long: `Search memories by semantic similarity, optionally expanding each hit
one hop through its EXTEND/DERIVE neighborhood.

Examples:
  engram search "mammals"
  engram search "deploy process" --limit 3 --min-similarity 0.5 --expand`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		minSim, _ := cmd.Flags().GetFloat64("min-similarity")
		expand, _ := cmd.Flags().GetBool("expand")
		return runSearch(args[0], limit, minSim, expand)
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "Maximum results")
	searchCmd.Flags().Float64("min-similarity", 0, "Similarity floor in [0, 1]")
	searchCmd.Flags().Bool("expand", false, "Attach one-hop graph context to each hit")
}

func runSearch(query string, limit int, minSim float64, expand bool) error {
	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	results, err := e.Search(context.Background(), query, engine.SearchOptions{
		Limit:          limit,
		MinSimilarity:  minSim,
		GraphExpansion: expand,
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if len(results) == 0 {
		fmt.Println("No matches.")
		return nil
	}

	for i, r := range results {
		fmt.Printf("%d. [%.3f] %s  %s\n", i+1, r.Similarity, r.Memory.ID, truncate(r.Memory.Content, 64))
		for _, rel := range r.Related {
			fmt.Printf("     ↳ %-6s conf=%.2f  %s  %s\n",
				rel.Relationship.Type, rel.Relationship.Confidence,
				rel.Memory.ID, truncate(rel.Memory.Content, 50))
		}
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Backfill DERIVE edges across the whole corpus",
	Long: `Re-run relationship inference over every latest memory, creating DERIVE
edges for high-similarity pairs that were stored before their neighbors.

Examples:
  engram insights
  engram insights --threshold 0.9`,
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		return runInsights(threshold)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Detect and repair cross-store inconsistencies",
	Long: `Scan for vector entries without graph nodes and memories without vector
entries, the residue of interrupted writes. With --repair, orphaned vector
entries are removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		repair, _ := cmd.Flags().GetBool("repair")
		return runReconcile(repair)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats()
	},
}

func init() {
	insightsCmd.Flags().Float64("threshold", 0, "DERIVE similarity threshold (default from config)")
	reconcileCmd.Flags().Bool("repair", false, "Remove orphaned vector entries")
}

func runInsights(threshold float64) error {
	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	created, err := e.DeriveInsights(context.Background(), threshold)
	if err != nil {
		return fmt.Errorf("insights failed: %w", err)
	}
	if len(created) == 0 {
		fmt.Println("No new relationships found.")
		return nil
	}
	for _, rel := range created {
		fmt.Printf("%s -%s(%.2f)-> %s\n", rel.SourceID, rel.Type, rel.Confidence, rel.TargetID)
	}
	fmt.Printf("✅ Created %d relationships.\n", len(created))
	return nil
}

func runReconcile(repair bool) error {
	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	report, err := e.Reconcile(context.Background(), repair)
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	if len(report.OrphanVectors) == 0 && len(report.MissingVectors) == 0 {
		fmt.Println("✅ Stores are consistent.")
		return nil
	}
	for _, id := range report.OrphanVectors {
		fmt.Printf("orphan vector entry: %s\n", id)
	}
	for _, id := range report.MissingVectors {
		fmt.Printf("memory without vector entry: %s\n", id)
	}
	if repair {
		fmt.Printf("🛠️  Repaired %d entries.\n", report.Repaired)
	} else {
		fmt.Println("Run with --repair to remove orphaned vector entries.")
	}
	return nil
}

func runStats() error {
	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	stats, err := e.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("stats failed: %w", err)
	}
	fmt.Printf("memories:        %d (%d latest)\n", stats.Memories, stats.LatestMemories)
	fmt.Printf("vector records:  %d\n", stats.VectorRecords)

	types := make([]string, 0, len(stats.EdgesByType))
	for t := range stats.EdgesByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("%-6s edges:    %d\n", t, stats.EdgesByType[t])
	}
	return nil
}

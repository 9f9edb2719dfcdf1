package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/engramlabs/engram/internal/engine"
)

var lineageCmd = &cobra.Command{
	Use:   "lineage <id>",
	Short: "Show a memory's version history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLineage(args[0])
	},
}

var hopsCmd = &cobra.Command{
	Use:   "hops",
	Short: "Breadth-first graph traversal from a memory or a query",
	Long: `Walk the relationship graph outward from a seed set and annotate each
reached memory with its hop distance.

Examples:
  engram hops --start mem_4f1a2b3c4d5e --max-hops 2
  engram hops --query "deploy process" --types EXTEND,DERIVE`,
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetString("start")
		query, _ := cmd.Flags().GetString("query")
		maxHops, _ := cmd.Flags().GetInt("max-hops")
		typeNames, _ := cmd.Flags().GetStringSlice("types")
		return runHops(start, query, maxHops, typeNames)
	},
}

var pathCmd = &cobra.Command{
	Use:   "path <source-id> <target-id>",
	Short: "Find the shortest relationship path between two memories",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxHops, _ := cmd.Flags().GetInt("max-hops")
		minConf, _ := cmd.Flags().GetFloat64("min-confidence")
		return runPath(args[0], args[1], maxHops, minConf)
	},
}

func init() {
	hopsCmd.Flags().String("start", "", "Seed memory id")
	hopsCmd.Flags().String("query", "", "Seed with the top matches of this query")
	hopsCmd.Flags().Int("max-hops", 2, "Traversal depth (capped at 5)")
	hopsCmd.Flags().StringSlice("types", nil, "Relationship types to follow (default all)")

	pathCmd.Flags().Int("max-hops", 3, "Search depth (capped at 5)")
	pathCmd.Flags().Float64("min-confidence", 0, "Ignore edges below this confidence")
}

func runLineage(id string) error {
	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	lineage, err := e.GetLineage(context.Background(), id)
	if err != nil {
		return err
	}
	for _, mem := range lineage {
		marker := " "
		if mem.IsLatest {
			marker = "*"
		}
		fmt.Printf("%s v%-3d %s  %s\n", marker, mem.Version, mem.ID, truncate(mem.Content, 60))
	}
	return nil
}

func runHops(start, query string, maxHops int, typeNames []string) error {
	types := make([]engine.RelationType, 0, len(typeNames))
	for _, name := range typeNames {
		t, err := engine.ParseRelationType(name)
		if err != nil {
			return err
		}
		types = append(types, t)
	}

	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	results, err := e.MultiHopSearch(context.Background(), engine.MultiHopOptions{
		StartID: start,
		Query:   query,
		MaxHops: maxHops,
		Types:   types,
	})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("Nothing reachable.")
		return nil
	}
	for _, hr := range results {
		fmt.Printf("hop %d  %s  %s\n", hr.Hop, hr.Memory.ID, truncate(hr.Memory.Content, 64))
	}
	return nil
}

func runPath(sourceID, targetID string, maxHops int, minConf float64) error {
	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	path, err := e.PathSearch(context.Background(), sourceID, targetID, maxHops, minConf)
	if err != nil {
		return err
	}
	if path == nil {
		fmt.Printf("No path from %s to %s within %d hops.\n", sourceID, targetID, maxHops)
		return nil
	}
	for i, step := range path {
		if step.Relationship == nil {
			fmt.Printf("%d. %s  %s\n", i+1, step.Memory.ID, truncate(step.Memory.Content, 60))
			continue
		}
		fmt.Printf("%d. -%s(%.2f)-> %s  %s\n", i+1,
			step.Relationship.Type, step.Relationship.Confidence,
			step.Memory.ID, truncate(step.Memory.Content, 52))
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/engramlabs/engram/internal/engine"
)

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGet(args[0])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored memories, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		all, _ := cmd.Flags().GetBool("all")
		return runList(limit, offset, !all)
	},
}

var relatedCmd = &cobra.Command{
	Use:   "related <id>",
	Short: "Show the memories linked to one memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelated(args[0])
	},
}

func init() {
	listCmd.Flags().Int("limit", 20, "Maximum memories to list")
	listCmd.Flags().Int("offset", 0, "Skip this many memories")
	listCmd.Flags().Bool("all", false, "Include superseded versions")
}

func runGet(id string) error {
	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	mem, err := e.GetMemory(context.Background(), id)
	if err != nil {
		return err
	}
	printMemory(*mem)
	return nil
}

func runList(limit, offset int, latestOnly bool) error {
	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	memories, err := e.ListMemories(context.Background(), limit, offset, latestOnly)
	if err != nil {
		return err
	}
	if len(memories) == 0 {
		fmt.Println("No memories stored.")
		return nil
	}
	for _, mem := range memories {
		fmt.Printf("%s  v%d  %s\n", mem.ID, mem.Version, truncate(mem.Content, 72))
	}
	return nil
}

func runRelated(id string) error {
	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	related, err := e.RelatedMemories(context.Background(), id)
	if err != nil {
		return err
	}
	if len(related) == 0 {
		fmt.Println("No related memories.")
		return nil
	}
	for _, r := range related {
		fmt.Printf("%s  %-6s  conf=%.2f  %s\n",
			r.Memory.ID, r.Relationship.Type, r.Relationship.Confidence,
			truncate(r.Memory.Content, 60))
	}
	return nil
}

func printMemory(mem engine.Memory) {
	fmt.Printf("id:          %s\n", mem.ID)
	fmt.Printf("version:     %d", mem.Version)
	if mem.IsLatest {
		fmt.Print("  (latest)")
	}
	fmt.Println()
	if mem.SourceType != "" || mem.SourceID != "" {
		fmt.Printf("source:      %s/%s\n", mem.SourceType, mem.SourceID)
	}
	fmt.Printf("created:     %s\n", mem.CreatedAt.Format("2006-01-02 15:04:05"))
	if len(mem.Metadata) > 0 {
		if raw, err := mem.Metadata.ToJSON(); err == nil {
			fmt.Printf("metadata:    %s\n", raw)
		}
	}
	fmt.Printf("content:     %s\n", mem.Content)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/engramlabs/engram/internal/metadata"
)

var rememberCmd = &cobra.Command{
	Use:   "remember <content>",
	Short: "Store a new memory",
	Long: `Store a new memory and infer its relationships to existing ones.

Examples:
  engram remember "cats are mammals"
  engram remember "prefer composition over inheritance" --meta topic=architecture
  engram remember "deploy friday is risky" --json '{"tags":["ops","deploys"]}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetStringSlice("meta")
		rawJSON, _ := cmd.Flags().GetString("json")
		sourceType, _ := cmd.Flags().GetString("source-type")
		sourceID, _ := cmd.Flags().GetString("source-id")
		return runRemember(args[0], pairs, rawJSON, sourceType, sourceID)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <id> <content>",
	Short: "Supersede a memory with a new version",
	Long: `Create a new version of an existing memory. The old version keeps its
content and drops out of search; the new version joins the chain with an
UPDATE edge.

Examples:
  engram update mem_4f1a2b3c4d5e "cats are small mammals"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetStringSlice("meta")
		rawJSON, _ := cmd.Flags().GetString("json")
		return runUpdate(args[0], args[1], pairs, rawJSON)
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Hard-delete a memory",
	Long: `Remove a memory from both stores. What happens to its edges follows the
configured delete policy (cascade removes them, orphan marks them dangling).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runForget(args[0])
	},
}

func init() {
	rememberCmd.Flags().StringSlice("meta", nil, "Metadata as key=value pairs (repeatable)")
	rememberCmd.Flags().String("json", "", "Metadata as a JSON object (overrides --meta)")
	rememberCmd.Flags().String("source-type", "", "Provenance: ingestion pipeline name")
	rememberCmd.Flags().String("source-id", "", "Provenance: originating document id")

	updateCmd.Flags().StringSlice("meta", nil, "Metadata as key=value pairs (repeatable)")
	updateCmd.Flags().String("json", "", "Metadata as a JSON object (overrides --meta)")
}

func runRemember(content string, pairs []string, rawJSON, sourceType, sourceID string) error {
	md, err := parseMetadata(pairs, rawJSON)
	if err != nil {
		return err
	}

	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	mem, err := e.CreateMemory(context.Background(), content, md, sourceType, sourceID)
	if err != nil {
		return fmt.Errorf("remember failed: %w", err)
	}
	fmt.Printf("✅ Remembered %s (v%d)\n", mem.ID, mem.Version)
	return nil
}

func runUpdate(id, content string, pairs []string, rawJSON string) error {
	md, err := parseMetadata(pairs, rawJSON)
	if err != nil {
		return err
	}

	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	mem, err := e.UpdateMemory(context.Background(), id, content, md)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	fmt.Printf("✅ Updated %s → %s (v%d)\n", id, mem.ID, mem.Version)
	return nil
}

func runForget(id string) error {
	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	if err := e.DeleteMemory(context.Background(), id); err != nil {
		return fmt.Errorf("forget failed: %w", err)
	}
	fmt.Printf("✅ Forgot %s\n", id)
	return nil
}

// parseMetadata builds a metadata map from key=value flags or a raw JSON
// object. The JSON form wins when both are given.
func parseMetadata(pairs []string, rawJSON string) (metadata.Map, error) {
	if rawJSON != "" {
		md, err := metadata.FromJSON([]byte(rawJSON))
		if err != nil {
			return nil, fmt.Errorf("invalid --json metadata: %w", err)
		}
		return md, nil
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	md := metadata.Map{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --meta %q, expected key=value", pair)
		}
		md[key] = metadata.String(value)
	}
	return md, nil
}

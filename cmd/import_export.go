package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/engramlabs/engram/internal/metadata"
)

// exportMemory is the stable import/export record shape. Metadata keeps its
// full nested structure.
type exportMemory struct {
	ID         string          `json:"id,omitempty"`
	Content    string          `json:"content"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	SourceType string          `json:"source_type,omitempty"`
	SourceID   string          `json:"source_id,omitempty"`
	Version    int             `json:"version,omitempty"`
	IsLatest   bool            `json:"is_latest,omitempty"`
	CreatedAt  time.Time       `json:"created_at,omitempty"`
}

var importCmd = &cobra.Command{
	Use:   "import <path>",
	Short: "Import memories from a JSON export",
	Long: `Import memories from a JSON file containing an array of records with
"content" and optional "metadata", "source_type" and "source_id" fields.
Each record goes through the normal write path, so relationships are
inferred as if the memories were created one by one.

Examples:
  engram import memories.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error { return runImport(args[0]) },
}

var exportCmd = &cobra.Command{
	Use:   "export [format] [output]",
	Short: "Export all memories",
	Long: `Export all latest memories to a file.

Supported formats:
  json      - JSON format (default, re-importable)
  markdown  - Markdown format

If no output path is given, a default filename is generated.

Examples:
  engram export
  engram export json memories.json
  engram export markdown memories.md`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, output := "json", ""
		if len(args) >= 1 {
			format = args[0]
		}
		if len(args) >= 2 {
			output = args[1]
		}
		return runExport(format, output)
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
}

func runImport(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}
	var records []exportMemory
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(records) == 0 {
		fmt.Println("Nothing to import.")
		return nil
	}

	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	ctx := context.Background()
	start := time.Now()
	created := 0
	var failures []string
	for i, rec := range records {
		md, err := metadata.FromJSON(rec.Metadata)
		if err != nil {
			failures = append(failures, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		if _, err := e.CreateMemory(ctx, rec.Content, md, rec.SourceType, rec.SourceID); err != nil {
			failures = append(failures, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		created++
	}

	fmt.Printf("\n✅ Import Complete!\n")
	fmt.Printf("   Memories created: %d\n", created)
	fmt.Printf("   Duration: %s\n", time.Since(start).Round(time.Millisecond))

	if len(failures) > 0 {
		fmt.Printf("\n⚠️  Errors (%d):\n", len(failures))
		for i, msg := range failures {
			if i >= 5 {
				fmt.Printf("   ... and %d more\n", len(failures)-5)
				break
			}
			fmt.Printf("   - %s\n", msg)
		}
	}
	return nil
}

// runExport exports all latest memories to a file
func runExport(format, output string) error {
	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer e.Close()

	ctx := context.Background()
	memories, err := e.ListMemories(ctx, 0, 0, true)
	if err != nil {
		return fmt.Errorf("failed to list memories: %w", err)
	}
	if len(memories) == 0 {
		fmt.Println("No memories to export.")
		return nil
	}

	var data []byte

	switch format {
	case "json":
		records := make([]exportMemory, len(memories))
		for i, m := range memories {
			raw, err := m.Metadata.ToJSON()
			if err != nil {
				return fmt.Errorf("failed to encode metadata for %s: %w", m.ID, err)
			}
			records[i] = exportMemory{
				ID:         m.ID,
				Content:    m.Content,
				Metadata:   raw,
				SourceType: m.SourceType,
				SourceID:   m.SourceID,
				Version:    m.Version,
				IsLatest:   m.IsLatest,
				CreatedAt:  m.CreatedAt,
			}
		}
		data, err = json.MarshalIndent(records, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}

	case "markdown", "md":
		var sb strings.Builder
		sb.WriteString("# Engram Memory Export\n\n")
		sb.WriteString(fmt.Sprintf("Exported: %s\n\n", time.Now().Format("2006-01-02 15:04:05")))
		sb.WriteString(fmt.Sprintf("Total memories: %d\n\n", len(memories)))
		sb.WriteString("---\n\n")

		for _, m := range memories {
			// Title from first line
			title := m.Content
			if idx := strings.Index(title, "\n"); idx > 0 {
				title = title[:idx]
			}
			if len(title) > 80 {
				title = title[:80] + "..."
			}

			sb.WriteString(fmt.Sprintf("## %s\n\n", title))
			sb.WriteString(fmt.Sprintf("*%s | v%d*", m.CreatedAt.Format("2006-01-02 15:04"), m.Version))
			if m.SourceType != "" {
				sb.WriteString(fmt.Sprintf(" | Source: %s/%s", m.SourceType, m.SourceID))
			}
			sb.WriteString("\n\n")
			sb.WriteString(m.Content)
			sb.WriteString("\n\n---\n\n")
		}
		data = []byte(sb.String())

	default:
		return fmt.Errorf("unknown format: %s (supported: json, markdown)", format)
	}

	if output == "" {
		timestamp := time.Now().Format("2006-01-02")
		ext := format
		if format == "markdown" {
			ext = "md"
		}
		output = fmt.Sprintf("engram-export-%s.%s", timestamp, ext)
	}

	if err := os.WriteFile(output, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	fmt.Printf("✅ Exported %d memories to %s\n", len(memories), output)
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/engramlabs/engram/internal/config"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose common setup issues",
	Long: `Diagnose common setup issues: configuration, data directory, backing
stores, and embedding provider.

Examples:
  engram doctor`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDoctor()
	},
}

// redact returns the first n and last n chars of s, or "***" if too short.
func redact(s string, n int) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= n*2 {
		return "***"
	}
	return s[:n] + "..." + s[len(s)-n:]
}

func runDoctor() error {
	fmt.Println("🔍 Engram Doctor - Diagnosing Setup")
	fmt.Println()

	issues := 0
	warnings := 0

	// 1. Configuration loads and validates
	fmt.Print("✓ Checking configuration... ")
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("❌ FAILED")
		fmt.Printf("  Issue: %v\n", err)
		fmt.Println("  Fix: correct the ENGRAM_* environment variables or config.yml")
		return fmt.Errorf("doctor found 1 issue")
	}
	fmt.Println("✅ OK")
	fmt.Printf("  vector backend: %s, graph backend: %s, embeddings: %s\n",
		cfg.VectorBackend, cfg.GraphBackend, cfg.Embedding.Provider)

	// 2. Data directory is writable
	fmt.Print("✓ Checking data directory... ")
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		fmt.Println("❌ FAILED")
		fmt.Printf("  Issue: cannot create %s: %v\n", cfg.DataDir, err)
		issues++
	} else {
		probe := filepath.Join(cfg.DataDir, ".doctor-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
			fmt.Println("❌ FAILED")
			fmt.Printf("  Issue: %s is not writable: %v\n", cfg.DataDir, err)
			issues++
		} else {
			os.Remove(probe)
			fmt.Printf("✅ OK (%s)\n", cfg.DataDir)
		}
	}

	// 3. Embedding provider credentials
	fmt.Print("✓ Checking embedding provider... ")
	switch cfg.Embedding.Provider {
	case "openai":
		key := cfg.Embedding.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			fmt.Println("⚠️  WARNING")
			fmt.Println("  Issue: provider is openai but no API key is set")
			fmt.Println("  Fix: set OPENAI_API_KEY (the local embedder will be used until then)")
			warnings++
		} else {
			fmt.Printf("✅ OK (key %s)\n", redact(key, 4))
		}
	default:
		fmt.Println("✅ OK (local, no credentials needed)")
	}

	// 4. Both stores open and respond
	fmt.Print("✓ Checking backing stores... ")
	e, err := openEngineWith(cfg)
	if err != nil {
		fmt.Println("❌ FAILED")
		fmt.Printf("  Issue: %v\n", err)
		if cfg.VectorBackend == config.VectorQdrant {
			fmt.Printf("  Hint: is Qdrant reachable at %s:%d?\n", cfg.Qdrant.Host, cfg.Qdrant.Port)
		}
		if cfg.GraphBackend == config.GraphNeo4j {
			fmt.Printf("  Hint: is Neo4j reachable at %s?\n", cfg.Neo4j.URI)
		}
		issues++
	} else {
		defer e.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		stats, serr := e.Stats(ctx)
		cancel()
		if serr != nil {
			fmt.Println("❌ FAILED")
			fmt.Printf("  Issue: stores opened but did not respond: %v\n", serr)
			issues++
		} else {
			fmt.Printf("✅ OK (%d memories, %d vector records)\n", stats.Memories, stats.VectorRecords)
			if stats.Memories != stats.VectorRecords {
				fmt.Println("  ⚠️  Store counts differ; run 'engram reconcile' to inspect")
				warnings++
			}
		}
	}

	fmt.Println()
	if issues == 0 && warnings == 0 {
		fmt.Println("✅ Everything looks good.")
		return nil
	}
	fmt.Printf("Found %d issue(s), %d warning(s).\n", issues, warnings)
	if issues > 0 {
		return fmt.Errorf("doctor found %d issue(s)", issues)
	}
	return nil
}

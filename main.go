// Engram - versioned memory knowledge graph
// Semantic memory records with typed relationships and hybrid search
package main

import (
	"fmt"
	"os"

	"github.com/engramlabs/engram/cmd"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

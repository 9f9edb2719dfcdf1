// Package config loads engine configuration from an optional config file and
// ENGRAM_-prefixed environment variables. Environment variables win over the
// file; both win over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Backend names accepted for the store settings.
const (
	VectorSQLite = "sqlite"
	VectorQdrant = "qdrant"
	GraphSQLite  = "sqlite"
	GraphNeo4j   = "neo4j"
)

// Delete policies for memories that still have inbound edges.
const (
	DeleteCascade = "cascade"
	DeleteOrphan  = "orphan"
)

// Config holds every tunable of the engine.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	VectorBackend string `mapstructure:"vector_backend"`
	GraphBackend  string `mapstructure:"graph_backend"`

	Qdrant struct {
		Host       string `mapstructure:"host"`
		Port       int    `mapstructure:"port"`
		APIKey     string `mapstructure:"api_key"`
		UseTLS     bool   `mapstructure:"use_tls"`
		Collection string `mapstructure:"collection"`
	} `mapstructure:"qdrant"`

	Neo4j struct {
		URI      string `mapstructure:"uri"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Database string `mapstructure:"database"`
	} `mapstructure:"neo4j"`

	Embedding struct {
		Provider string `mapstructure:"provider"` // local or openai
		APIKey   string `mapstructure:"api_key"`
		Model    string `mapstructure:"model"`
	} `mapstructure:"embedding"`

	// Relationship inference thresholds.
	HighSimilarity float64 `mapstructure:"high_similarity"`
	MidSimilarity  float64 `mapstructure:"mid_similarity"`
	InferTopK      int     `mapstructure:"infer_top_k"`

	// Whether updating a memory re-runs inference for the new version.
	RelinkOnUpdate bool `mapstructure:"relink_on_update"`

	// What happens to edges pointing at a deleted memory.
	DeletePolicy string `mapstructure:"delete_policy"`

	SearchLimit   int     `mapstructure:"search_limit"`
	MinSimilarity float64 `mapstructure:"min_similarity"`
	MaxHops       int     `mapstructure:"max_hops"`

	CacheEntries int `mapstructure:"cache_entries"`
	CacheTTLSec  int `mapstructure:"cache_ttl_sec"`

	// Per-store-call timeout in seconds.
	OpTimeoutSec int `mapstructure:"op_timeout_sec"`
}

// Load reads configuration. A config.yml in the data dir is honored when
// present but never required.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("vector_backend", VectorSQLite)
	v.SetDefault("graph_backend", GraphSQLite)
	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "memories")
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.database", "neo4j")
	v.SetDefault("embedding.provider", "local")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("high_similarity", 0.85)
	v.SetDefault("mid_similarity", 0.5)
	v.SetDefault("infer_top_k", 5)
	v.SetDefault("relink_on_update", true)
	v.SetDefault("delete_policy", DeleteOrphan)
	v.SetDefault("search_limit", 10)
	v.SetDefault("min_similarity", 0.0)
	v.SetDefault("max_hops", 2)
	v.SetDefault("cache_entries", 10_000)
	v.SetDefault("cache_ttl_sec", 300)
	v.SetDefault("op_timeout_sec", 30)

	v.SetEnvPrefix("ENGRAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AddConfigPath(v.GetString("data_dir"))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.VectorBackend {
	case VectorSQLite, VectorQdrant:
	default:
		return fmt.Errorf("unknown vector backend %q", c.VectorBackend)
	}
	switch c.GraphBackend {
	case GraphSQLite, GraphNeo4j:
	default:
		return fmt.Errorf("unknown graph backend %q", c.GraphBackend)
	}
	switch c.DeletePolicy {
	case DeleteCascade, DeleteOrphan:
	default:
		return fmt.Errorf("unknown delete policy %q", c.DeletePolicy)
	}
	switch c.Embedding.Provider {
	case "local", "openai":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.HighSimilarity < c.MidSimilarity {
		return fmt.Errorf("high similarity %.2f below mid similarity %.2f",
			c.HighSimilarity, c.MidSimilarity)
	}
	if c.HighSimilarity > 1 || c.MidSimilarity < 0 {
		return fmt.Errorf("similarity thresholds must stay within [0, 1]")
	}
	if c.InferTopK < 1 {
		return fmt.Errorf("infer_top_k must be at least 1")
	}
	if c.MaxHops < 1 || c.MaxHops > 5 {
		return fmt.Errorf("max_hops must be between 1 and 5")
	}
	return nil
}

func defaultDataDir() string {
	if dir := os.Getenv("ENGRAM_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".engram"
	}
	return filepath.Join(home, ".engram")
}

// Package embed provides the embedding gateway boundary: text in, fixed-length
// vector out. The engine treats it as a black box that may fail.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Embedder generates vector embeddings for text. Embed must be idempotent for
// identical input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Fallback wraps a primary embedder and falls back to the local embedder on
// errors (e.g. expired API keys). Once the primary fails the fallback sticks
// for the rest of the session so dimensions stay consistent. Safe for
// concurrent use.
type Fallback struct {
	primary  Embedder
	fallback Embedder
	failed   atomic.Bool
}

// NewFallback wraps primary with a local fallback.
func NewFallback(primary Embedder) *Fallback {
	return &Fallback{
		primary:  primary,
		fallback: NewLocal(),
	}
}

func (f *Fallback) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.failed.Load() {
		return f.fallback.Embed(ctx, text)
	}
	result, err := f.primary.Embed(ctx, text)
	if err != nil {
		log.Warn("primary embedder failed, falling back to local", "err", err)
		f.failed.Store(true)
		return f.fallback.Embed(ctx, text)
	}
	return result, nil
}

func (f *Fallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.failed.Load() {
		return f.fallback.EmbedBatch(ctx, texts)
	}
	result, err := f.primary.EmbedBatch(ctx, texts)
	if err != nil {
		log.Warn("primary embedder failed, falling back to local", "err", err)
		f.failed.Store(true)
		return f.fallback.EmbedBatch(ctx, texts)
	}
	return result, nil
}

func (f *Fallback) Dimensions() int {
	if f.failed.Load() {
		return f.fallback.Dimensions()
	}
	return f.primary.Dimensions()
}

// OpenAI calls an OpenAI-compatible embeddings endpoint directly.
type OpenAI struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	client     *http.Client
}

// NewOpenAI creates an embedder backed by OpenAI's API. The key is read from
// OPENAI_API_KEY when empty.
func NewOpenAI(apiKey, model string) (*OpenAI, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}

	return &OpenAI{
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1/embeddings",
		model:      model,
		dimensions: 1536,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (e *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

func (e *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return callEmbeddingAPI(ctx, e.client, e.baseURL, e.apiKey, e.model, texts)
}

func (e *OpenAI) Dimensions() int {
	return e.dimensions
}

// callEmbeddingAPI is shared logic for OpenAI-compatible embedding endpoints.
func callEmbeddingAPI(ctx context.Context, client *http.Client, url, apiKey, model string, texts []string) ([][]float32, error) {
	reqBody := map[string]interface{}{
		"model": model,
		"input": texts,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	// Sort by index to maintain order
	embeddings := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}
	return embeddings, nil
}

package embed

import (
	"context"
	"math"
	"strings"
)

// Local is an on-device embedder for offline operation. It hashes word
// n-grams and character trigrams into a fixed vector, then L2-normalizes.
// Deterministic: the same text always yields the same vector.
type Local struct {
	dimensions int
	ngramSizes []int
	stopwords  map[string]bool
}

// NewLocal creates a local hash embedder.
func NewLocal() *Local {
	return &Local{
		dimensions: 512,
		ngramSizes: []int{1, 2, 3},
		stopwords:  buildStopwords(),
	}
}

func buildStopwords() map[string]bool {
	words := []string{
		"the", "a", "an", "and", "or", "but", "in", "on", "at", "to", "for",
		"of", "with", "by", "from", "as", "is", "was", "are", "were", "been",
		"be", "have", "has", "had", "do", "does", "did", "will", "would",
		"it", "its", "this", "that", "these", "those", "i", "you", "he",
		"she", "we", "they", "what", "which", "who", "where", "when", "how",
		"not", "no", "so", "than", "too", "very", "just", "also", "now",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

func (e *Local) Embed(_ context.Context, text string) ([]float32, error) {
	return e.generate(text), nil
}

func (e *Local) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embeddings[i] = e.generate(text)
	}
	return embeddings, nil
}

func (e *Local) Dimensions() int {
	return e.dimensions
}

func (e *Local) generate(text string) []float32 {
	embedding := make([]float32, e.dimensions)

	text = strings.ToLower(text)
	words := tokenize(text)
	if len(words) == 0 {
		return embedding
	}

	// Word n-grams fill 80% of the dimensions, character trigrams the rest
	// (typo and inflection tolerance).
	ngramDims := e.dimensions * 8 / 10
	e.addNgramFeatures(embedding[:ngramDims], words)
	e.addCharFeatures(embedding[ngramDims:], text)

	normalize(embedding)
	return embedding
}

func (e *Local) addNgramFeatures(embedding []float32, words []string) {
	dims := len(embedding)
	for _, n := range e.ngramSizes {
		weight := 1.0 / float32(n)
		for i := 0; i <= len(words)-n; i++ {
			if n == 1 && e.stopwords[words[i]] {
				continue
			}
			ngram := strings.Join(words[i:i+n], " ")
			embedding[hashString(ngram)%dims] += weight
		}
	}
}

func (e *Local) addCharFeatures(embedding []float32, text string) {
	dims := len(embedding)
	if dims == 0 {
		return
	}
	runes := []rune(text)
	for i := 0; i+3 <= len(runes); i++ {
		tri := string(runes[i : i+3])
		if strings.TrimSpace(tri) == "" {
			continue
		}
		embedding[hashString(tri)%dims] += 0.25
	}
}

func tokenize(text string) []string {
	for _, p := range []string{".", ",", "!", "?", ";", ":", "'", "\"", "(", ")", "[", "]", "{", "}", "\n", "\t"} {
		text = strings.ReplaceAll(text, p, " ")
	}
	words := strings.Fields(text)
	result := make([]string, 0, len(words))
	for _, word := range words {
		if len(word) > 1 {
			result = append(result, word)
		}
	}
	return result
}

func hashString(s string) int {
	h := 0
	for _, c := range s {
		h = 31*h + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

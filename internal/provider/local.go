package provider

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// localDimension matches the original offline embedding model.
const localDimension = 384

// LocalEmbedder is a deterministic, offline embedder. It hashes word
// unigrams and bigrams into a fixed number of buckets and normalizes
// the result. Nearby texts share buckets, so similar track metadata
// lands close in the index — crude, but good enough to run the full
// pipeline without network access or API keys, and exactly reproducible
// in tests.
type LocalEmbedder struct{}

// NewLocalEmbedder returns the offline embedder.
func NewLocalEmbedder() *LocalEmbedder { return &LocalEmbedder{} }

func (e *LocalEmbedder) Dimension() int    { return localDimension }
func (e *LocalEmbedder) ModelName() string { return "local" }

// Embed hashes text into a normalized vector. Never fails.
func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, localDimension)
	words := strings.Fields(strings.ToLower(text))
	for i, w := range words {
		addToken(vec, w)
		if i+1 < len(words) {
			addToken(vec, w+" "+words[i+1])
		}
	}

	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	if norm := math.Sqrt(sum); norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func addToken(vec []float32, token string) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	sum := h.Sum64()
	bucket := sum % localDimension
	// Top bit picks the sign so buckets don't only accumulate.
	if sum&(1<<63) != 0 {
		vec[bucket]--
	} else {
		vec[bucket]++
	}
}

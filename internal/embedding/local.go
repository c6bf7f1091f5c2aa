package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalProvider generates deterministic lexical embeddings with no model and
// no network. Word unigrams and bigrams are hashed into vector buckets with a
// hash-derived sign, then the vector is L2-normalized.
//
// This is not a semantic model: near-duplicate texts land close together and
// unrelated texts roughly orthogonal, which is enough for duplicate-tolerant
// caching and for offline or air-gapped deployments where no embedding
// backend exists. It never fails.
type LocalProvider struct {
	dims int
}

// NewLocalProvider creates a deterministic local embedding provider.
func NewLocalProvider(dims int) *LocalProvider {
	if dims < 1 {
		dims = 384
	}
	return &LocalProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *LocalProvider) Dimensions() int {
	return p.dims
}

// Embed generates a deterministic vector for the text.
func (p *LocalProvider) Embed(_ context.Context, text string) ([]float32, error) {
	acc := make([]float64, p.dims)

	tokens := tokenize(text)
	for i, tok := range tokens {
		addFeature(acc, tok, 1.0)
		if i+1 < len(tokens) {
			// Bigrams at half weight preserve some word order signal.
			addFeature(acc, tok+" "+tokens[i+1], 0.5)
		}
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	vec := make([]float32, p.dims)
	if norm == 0 {
		return vec, nil
	}
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec, nil
}

// EmbedBatch generates deterministic vectors for multiple texts.
func (p *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}

func addFeature(acc []float64, feature string, weight float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()

	idx := int(sum % uint64(len(acc))) //nolint:gosec // len(acc) is small and positive
	sign := 1.0
	if sum&(1<<63) != 0 {
		sign = -1.0
	}
	acc[idx] += sign * weight
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Package embed turns pattern content into fixed-dimension unit vectors.
// The default embedder is fully deterministic so two nodes derive identical
// embeddings for identical content without any external service.
package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder derives a unit-normalized embedding for a piece of text.
type Embedder interface {
	// Embed returns a unit vector of Dimension() length.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the fixed embedding dimension.
	Dimension() int
}

// HashEmbedder is a deterministic bag-of-features embedder: unigrams and
// word bigrams are hashed into a fixed number of buckets with a signed
// feature-hashing scheme, then L2-normalized. Cheap, offline, and stable
// across processes and platforms.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a HashEmbedder with the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

// Dimension returns the embedding dimension.
func (h *HashEmbedder) Dimension() int {
	return h.dim
}

// Embed derives the unit vector for text. Empty or all-separator text
// yields the zero vector, which never matches anything.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)

	tokens := tokenize(text)
	for i, tok := range tokens {
		addFeature(vec, tok)
		if i+1 < len(tokens) {
			addFeature(vec, tok+" "+tokens[i+1])
		}
	}

	Normalize(vec)
	return vec, nil
}

// addFeature hashes one feature into the vector. The low bit of the hash
// picks the sign so colliding features partially cancel instead of piling
// up, which keeps the buckets roughly zero-centered.
func addFeature(vec []float32, feature string) {
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(feature))
	sum := hash.Sum64()

	bucket := int(sum % uint64(len(vec)))
	if sum&(1<<63) != 0 {
		vec[bucket] -= 1
	} else {
		vec[bucket] += 1
	}
}

// tokenize lowercases and splits on any non-letter, non-digit rune.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Normalize scales vec to unit length in place. The zero vector is left
// unchanged.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// Dot returns the dot product of two equal-length vectors. For unit
// vectors this is the cosine similarity. Vectors of different lengths
// score 0, so embeddings persisted under an older dimension never match
// instead of faulting.
func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

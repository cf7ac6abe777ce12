package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/pgvector/pgvector-go"
)

// HashProvider embeds text locally by feature hashing: each lower-cased word
// and adjacent word pair is hashed into one of dims buckets with a signed
// weight, and the result is L2-normalized. Texts sharing vocabulary land
// close together under cosine similarity. It needs no network and is fully
// deterministic, which makes it the default when no model is configured.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a hashing provider. dims <= 0 selects 256.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 256
	}
	return &HashProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *HashProvider) Dimensions() int {
	return p.dims
}

// Embed hashes text into a normalized vector.
func (p *HashProvider) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	return pgvector.NewVector(p.hash(text)), nil
}

// EmbedBatch hashes each text.
func (p *HashProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		vecs[i] = pgvector.NewVector(p.hash(t))
	}
	return vecs, nil
}

func (p *HashProvider) hash(text string) []float32 {
	vec := make([]float32, p.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	add := func(feature string, weight float32) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(feature))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dims)) //nolint:gosec // dims is positive
		if sum>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, w := range words {
		add(w, 1)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

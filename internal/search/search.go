// Package search provides the vector side of the version store: indexes
// that hold one embedding per committed version and answer nearest-neighbor
// queries scoped to a single document.
package search

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Point is the data needed to index a single version.
type Point struct {
	VersionID     uuid.UUID
	DocumentID    string
	VersionNumber int
	Embedding     []float32
}

// Result holds a version key and its raw similarity score from an index.
// The caller hydrates full versions from the store (source of truth).
type Result struct {
	VersionID     uuid.UUID
	DocumentID    string
	VersionNumber int
	Score         float32
}

// Index is the interface for vector indexes.
// Implementations must be safe for concurrent use. Points are keyed by
// VersionID, so upserting the same version twice is harmless.
type Index interface {
	// Upsert inserts or replaces points.
	Upsert(ctx context.Context, points []Point) error

	// Query returns at most limit versions of documentID nearest to embedding.
	// Results never include other documents.
	Query(ctx context.Context, documentID string, embedding []float32, limit int) ([]Result, error)

	// Healthy returns nil if the index is reachable, or an error describing the problem.
	Healthy(ctx context.Context) error
}

// Rank sorts results by score descending, breaking ties by version number
// ascending, and truncates to limit. The order is stable for a fixed input.
func Rank(results []Result, limit int) []Result {
	slices.SortStableFunc(results, func(a, b Result) int {
		if a.Score != b.Score {
			return cmp.Compare(b.Score, a.Score)
		}
		return cmp.Compare(a.VersionNumber, b.VersionNumber)
	})
	if limit >= 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// CosineSimilarity returns the cosine of the angle between a and b in [-1, 1].
// Zero vectors and mismatched lengths yield 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// MemoryIndex is an exact, in-process Index. Each document's points live in
// their own bucket so queries only scan the requested document.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]map[uuid.UUID]Point
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]map[uuid.UUID]Point)}
}

// Upsert stores copies of the points.
func (m *MemoryIndex) Upsert(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		bucket, ok := m.docs[p.DocumentID]
		if !ok {
			bucket = make(map[uuid.UUID]Point)
			m.docs[p.DocumentID] = bucket
		}
		p.Embedding = slices.Clone(p.Embedding)
		bucket[p.VersionID] = p
	}
	return nil
}

// Query scores every point of the document and returns the top limit.
func (m *MemoryIndex) Query(_ context.Context, documentID string, embedding []float32, limit int) ([]Result, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	bucket := m.docs[documentID]
	results := make([]Result, 0, len(bucket))
	for _, p := range bucket {
		results = append(results, Result{
			VersionID:     p.VersionID,
			DocumentID:    p.DocumentID,
			VersionNumber: p.VersionNumber,
			Score:         CosineSimilarity(embedding, p.Embedding),
		})
	}
	m.mu.RUnlock()
	return Rank(results, limit), nil
}

// Healthy always succeeds.
func (m *MemoryIndex) Healthy(context.Context) error { return nil }

// Len returns the number of indexed points for a document.
func (m *MemoryIndex) Len(documentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[documentID])
}

// EmbeddingStore is a version store that can hold embeddings next to the
// versions themselves and run the nearest-neighbor query in place.
type EmbeddingStore interface {
	SetVersionEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector) error
	NearestVersions(ctx context.Context, documentID string, embedding pgvector.Vector, limit int) ([]Result, error)
	Ping(ctx context.Context) error
}

// StoreIndex adapts an EmbeddingStore to Index.
type StoreIndex struct {
	store EmbeddingStore
}

// NewStoreIndex creates an Index that keeps embeddings in the version store.
func NewStoreIndex(store EmbeddingStore) *StoreIndex {
	return &StoreIndex{store: store}
}

// Upsert writes each point's embedding onto its version row.
func (s *StoreIndex) Upsert(ctx context.Context, points []Point) error {
	for _, p := range points {
		if err := s.store.SetVersionEmbedding(ctx, p.VersionID, pgvector.NewVector(p.Embedding)); err != nil {
			return fmt.Errorf("search: store upsert %s: %w", p.VersionID, err)
		}
	}
	return nil
}

// Query delegates to the store's nearest-neighbor query.
func (s *StoreIndex) Query(ctx context.Context, documentID string, embedding []float32, limit int) ([]Result, error) {
	results, err := s.store.NearestVersions(ctx, documentID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("search: store query: %w", err)
	}
	return Rank(results, limit), nil
}

// Healthy reports the store's connectivity.
func (s *StoreIndex) Healthy(ctx context.Context) error {
	return s.store.Ping(ctx)
}

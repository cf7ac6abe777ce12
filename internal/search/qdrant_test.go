package search

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{
			name:   "https cloud URL with REST port",
			rawURL: "https://xyz.cloud.qdrant.io:6333",
			host:   "xyz.cloud.qdrant.io",
			port:   6334, // REST 6333 → gRPC 6334
			tls:    true,
		},
		{
			name:   "https cloud URL with gRPC port",
			rawURL: "https://xyz.cloud.qdrant.io:6334",
			host:   "xyz.cloud.qdrant.io",
			port:   6334,
			tls:    true,
		},
		{
			name:   "http local URL",
			rawURL: "http://localhost:6333",
			host:   "localhost",
			port:   6334,
		},
		{
			name:   "http no port defaults to 6334",
			rawURL: "http://qdrant.internal",
			host:   "qdrant.internal",
			port:   6334,
		},
		{
			name:   "custom port preserved",
			rawURL: "https://qdrant.example.com:9334",
			host:   "qdrant.example.com",
			port:   9334,
			tls:    true,
		},
		{name: "empty URL", rawURL: "", wantErr: true},
		{name: "no scheme no host", rawURL: "not-a-url", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

// newTestQdrantIndex creates a QdrantIndex pointed at a port with no server.
// gRPC connects lazily, so construction succeeds and RPCs fail, which is
// enough to exercise early returns and health caching.
func newTestQdrantIndex(t *testing.T) *QdrantIndex {
	t.Helper()
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        "http://localhost:16334",
		Collection: "folio_versions_test",
		Dims:       64,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err, "NewQdrantIndex should succeed (gRPC is lazy-connect)")
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestNewQdrantIndex(t *testing.T) {
	idx := newTestQdrantIndex(t)
	assert.Equal(t, "folio_versions_test", idx.collection)
	assert.Equal(t, uint64(64), idx.dims)

	_, err := NewQdrantIndex(QdrantConfig{URL: ""}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestQdrantIndex_EarlyReturns(t *testing.T) {
	idx := newTestQdrantIndex(t)
	ctx := context.Background()

	assert.NoError(t, idx.Upsert(ctx, nil), "empty upsert never reaches the server")

	results, err := idx.Query(ctx, "ch1", []float32{1}, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQdrantIndex_UnreachableErrors(t *testing.T) {
	idx := newTestQdrantIndex(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := idx.Upsert(ctx, []Point{{VersionID: uuid.New(), DocumentID: "ch1", VersionNumber: 1, Embedding: []float32{1}}})
	assert.Error(t, err)
}

func TestQdrantIndex_HealthCached(t *testing.T) {
	idx := newTestQdrantIndex(t)

	first := idx.Healthy(context.Background())
	require.Error(t, first)
	checkedAt := idx.healthAt.Load()

	second := idx.Healthy(context.Background())
	assert.Equal(t, first, second, "second call within 5s is served from cache")
	assert.Equal(t, checkedAt, idx.healthAt.Load())
}

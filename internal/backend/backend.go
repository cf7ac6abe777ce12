// Package backend assembles the version store, search index, and embedding
// provider selected by configuration. The server, MCP tools, and CLI all
// open their storage through here.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/folio/internal/config"
	"github.com/ashita-ai/folio/internal/search"
	"github.com/ashita-ai/folio/internal/service/embedding"
	"github.com/ashita-ai/folio/internal/service/versions"
	"github.com/ashita-ai/folio/internal/storage"
	"github.com/ashita-ai/folio/internal/storage/memory"
	"github.com/ashita-ai/folio/internal/storage/sqlite"
	"github.com/ashita-ai/folio/migrations"
)

// Backend is an opened storage stack. Call Close when done.
type Backend struct {
	Store    versions.Store
	Index    search.Index
	Embedder embedding.Provider

	// Postgres is set only for the postgres store.
	Postgres *storage.DB
	// Outbox is set only for the postgres store. It is not started.
	Outbox *search.OutboxWorker

	closers []func(context.Context)
	logger  *slog.Logger
}

// Open connects to the configured store, runs migrations, and picks the
// search index: Qdrant when QDRANT_URL is set (postgres only), otherwise
// the store's own embeddings, or an in-process index for the memory store.
// A nil embedder selects one from cfg.
func Open(ctx context.Context, cfg config.Config, embedder embedding.Provider, logger *slog.Logger) (*Backend, error) {
	if embedder == nil {
		embedder = NewEmbeddingProvider(cfg, logger)
	}
	b := &Backend{
		Embedder: embedder,
		logger:   logger,
	}

	var err error
	switch cfg.Store {
	case config.StoreMemory:
		b.Store = memory.New()
		b.Index = search.NewMemoryIndex()
		logger.Info("store: memory (versions are lost on exit)")

	case config.StoreSQLite:
		var s *sqlite.Store
		s, err = sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func(context.Context) { _ = s.Close() })
		b.Store = s
		b.Index = search.NewStoreIndex(s)

	case config.StorePostgres:
		err = b.openPostgres(ctx, cfg, logger)

	default:
		err = fmt.Errorf("backend: unknown store %q", cfg.Store)
	}
	if err != nil {
		b.Close(context.Background())
		return nil, err
	}
	return b, nil
}

func (b *Backend) openPostgres(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, db.Close)
	b.Postgres = db
	b.Store = db

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("backend: migrations: %w", err)
	}

	if cfg.QdrantURL == "" {
		b.Index = search.NewStoreIndex(db)
		logger.Info("search: pgvector (no QDRANT_URL)")
	} else {
		q, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(b.Embedder.Dimensions()), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("backend: qdrant: %w", err)
		}
		b.closers = append(b.closers, func(context.Context) { _ = q.Close() })
		if err := q.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("backend: qdrant ensure collection: %w", err)
		}
		b.Index = q
		logger.Info("search: qdrant", "collection", cfg.QdrantCollection)
	}

	b.Outbox = search.NewOutboxWorker(db.Pool(), b.Index, b.Embedder, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	return nil
}

// Versions builds the version service over this backend.
func (b *Backend) Versions(cfg config.Config) *versions.Service {
	return versions.New(b.Store, b.Index, b.Embedder, b.logger, versions.Options{
		CommitRetries:    cfg.CommitRetries,
		CommitRetryDelay: cfg.CommitRetryDelay,
	})
}

// Close releases everything Open acquired, in reverse order.
func (b *Backend) Close(ctx context.Context) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i](ctx)
	}
	b.closers = nil
}

// NewEmbeddingProvider selects the embedding provider named by
// cfg.EmbeddingProvider. "auto" prefers a reachable Ollama, then OpenAI when
// a key is set, then the offline hashing provider.
func NewEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when FOLIO_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return newOpenAI(cfg)
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "hash":
		logger.Info("embedding provider: hash", "dimensions", dims)
		return embedding.NewHashProvider(dims)
	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return newOpenAI(cfg)
		}
		logger.Warn("no embedding service available, using local hashing provider", "dimensions", dims)
		return embedding.NewHashProvider(dims)
	}
}

func newOpenAI(cfg config.Config) embedding.Provider {
	return embedding.NewOpenAIProvider(embedding.OpenAIConfig{
		APIKey:     cfg.OpenAIAPIKey,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimensions,
	})
}

func ollamaReachable(baseURL string) bool {
	if baseURL == "" {
		return false
	}
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

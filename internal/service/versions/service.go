// Package versions provides the shared business logic for version operations.
//
// The HTTP API, the MCP server, the CLI, and the pipeline all go through this
// service so that validation, reward scoring, commit retries, and index
// maintenance behave the same everywhere.
package versions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/folio/internal/model"
	"github.com/ashita-ai/folio/internal/reward"
	"github.com/ashita-ai/folio/internal/search"
	"github.com/ashita-ai/folio/internal/service/embedding"
	"github.com/ashita-ai/folio/internal/storage"
	"github.com/ashita-ai/folio/internal/telemetry"
)

// Store is the persistence a Service needs. Implementations own version
// numbering: AppendVersion must assign the next contiguous number for the
// document atomically.
type Store interface {
	AppendVersion(ctx context.Context, v model.Version) (model.Version, error)
	ListVersions(ctx context.Context, documentID string) ([]model.Version, error)
	GetVersion(ctx context.Context, documentID string, versionNumber int) (model.Version, error)
	BestVersion(ctx context.Context, documentID string) (*model.Version, error)
	Ping(ctx context.Context) error
	Name() string
}

// outboxCompleter is implemented by stores that queue versions for
// out-of-band indexing. Completing the entry stops the worker from
// re-indexing a version the synchronous path already handled.
type outboxCompleter interface {
	CompleteOutbox(ctx context.Context, versionID uuid.UUID) error
}

// Defaults for commit retries.
const (
	DefaultCommitRetries    = 3
	DefaultCommitRetryDelay = 100 * time.Millisecond
)

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	CommitRetries    int
	CommitRetryDelay time.Duration
}

// Service encapsulates version business logic.
type Service struct {
	store      Store
	index      search.Index
	embedder   embedding.Provider
	logger     *slog.Logger
	retries    int
	retryDelay time.Duration

	commitDuration    metric.Float64Histogram
	rewardHist        metric.Float64Histogram
	embeddingDuration metric.Float64Histogram
	searchDuration    metric.Float64Histogram
}

// New creates a version Service.
func New(store Store, index search.Index, embedder embedding.Provider, logger *slog.Logger, opts Options) *Service {
	if opts.CommitRetries < 1 {
		opts.CommitRetries = DefaultCommitRetries
	}
	if opts.CommitRetryDelay <= 0 {
		opts.CommitRetryDelay = DefaultCommitRetryDelay
	}

	meter := telemetry.Meter("folio/versions")
	commitDur, _ := meter.Float64Histogram("folio.commit.duration",
		metric.WithDescription("Time to commit a version including retries (ms)"),
		metric.WithUnit("ms"),
	)
	rewardHist, _ := meter.Float64Histogram("folio.reward",
		metric.WithDescription("Reward of committed versions"),
	)
	embDur, _ := meter.Float64Histogram("folio.embedding.duration",
		metric.WithDescription("Time to generate embeddings (ms)"),
		metric.WithUnit("ms"),
	)
	searchDur, _ := meter.Float64Histogram("folio.search.duration",
		metric.WithDescription("Time to execute search queries (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:             store,
		index:             index,
		embedder:          embedder,
		logger:            logger,
		retries:           opts.CommitRetries,
		retryDelay:        opts.CommitRetryDelay,
		commitDuration:    commitDur,
		rewardHist:        rewardHist,
		embeddingDuration: embDur,
		searchDuration:    searchDur,
	}
}

// StoreName returns the backing store's name.
func (s *Service) StoreName() string { return s.store.Name() }

// Commit validates the texts, scores postText against preText, and appends
// a finalized version. Store outages are retried with backoff; anything else
// fails immediately. Nothing is written when validation fails.
func (s *Service) Commit(ctx context.Context, documentID, postText, preText string) (model.Version, error) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("folio.document_id", documentID))

	if err := model.ValidateDocumentID(documentID); err != nil {
		return model.Version{}, err
	}
	if postText == "" {
		return model.Version{}, model.InvalidInput("text is empty")
	}
	if preText == "" {
		return model.Version{}, model.InvalidInput("pre-checkpoint text is empty")
	}
	if len(postText) > model.MaxTextLen || len(preText) > model.MaxTextLen {
		return model.Version{}, model.InvalidInput("text exceeds %d bytes", model.MaxTextLen)
	}

	r := reward.Score(preText, postText)
	start := time.Now()

	// The ID is fixed across attempts so a retry after a lost acknowledgement
	// resolves to the version that was already written.
	pending := model.Version{
		ID:         uuid.New(),
		DocumentID: documentID,
		Text:       postText,
		Reward:     r,
		Status:     model.VersionStatusFinalized,
		CreatedAt:  time.Now().UTC(),
	}

	var committed model.Version
	attempts := 0
	err := storage.WithRetry(ctx, s.retries, s.retryDelay, func() error {
		attempts++
		v, err := s.store.AppendVersion(ctx, pending)
		if err != nil {
			if storage.Retryable(err) {
				s.logger.Warn("versions: commit attempt failed", "document_id", documentID, "attempt", attempts, "error", err)
			}
			return err
		}
		committed = v
		return nil
	})
	s.commitDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return model.Version{}, fmt.Errorf("versions: commit %q: %w", documentID, err)
	}

	s.rewardHist.Record(ctx, committed.Reward)
	s.logger.Info("version committed",
		"document_id", documentID,
		"version_number", committed.VersionNumber,
		"reward", committed.Reward,
		"attempts", attempts,
	)
	return committed, nil
}

// ListVersions returns a document's versions in ascending order.
func (s *Service) ListVersions(ctx context.Context, documentID string) ([]model.Version, error) {
	if err := model.ValidateDocumentID(documentID); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("versions: list %q: %w", documentID, err)
	}
	if versions == nil {
		versions = []model.Version{}
	}
	return versions, nil
}

// GetVersion returns one version, or an error wrapping model.ErrNotFound.
func (s *Service) GetVersion(ctx context.Context, documentID string, versionNumber int) (model.Version, error) {
	if err := model.ValidateDocumentID(documentID); err != nil {
		return model.Version{}, err
	}
	if versionNumber < 1 {
		return model.Version{}, fmt.Errorf("versions: version %d of %q: %w", versionNumber, documentID, model.ErrNotFound)
	}
	v, err := s.store.GetVersion(ctx, documentID, versionNumber)
	if err != nil {
		return model.Version{}, fmt.Errorf("versions: get: %w", err)
	}
	return v, nil
}

// BestVersion returns the highest-reward version, or nil when the document
// has none. Ties go to the smallest version number.
func (s *Service) BestVersion(ctx context.Context, documentID string) (*model.Version, error) {
	if err := model.ValidateDocumentID(documentID); err != nil {
		return nil, err
	}
	v, err := s.store.BestVersion(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("versions: best %q: %w", documentID, err)
	}
	return v, nil
}

// Index embeds v's text and upserts it into the search index. A failure
// here never affects the committed version; on stores with an outbox the
// version is picked up again by the outbox worker.
func (s *Service) Index(ctx context.Context, v model.Version) error {
	embStart := time.Now()
	emb, err := s.embedder.Embed(ctx, v.Text)
	s.embeddingDuration.Record(ctx, float64(time.Since(embStart).Milliseconds()))
	if err != nil {
		return model.Wrap(model.ErrCollaborator, "index", "embed", err)
	}
	if err := s.validateEmbeddingDims(emb); err != nil {
		return model.Wrap(model.ErrCollaborator, "index", "embed", err)
	}

	if err := s.index.Upsert(ctx, []search.Point{{
		VersionID:     v.ID,
		DocumentID:    v.DocumentID,
		VersionNumber: v.VersionNumber,
		Embedding:     emb.Slice(),
	}}); err != nil {
		return fmt.Errorf("versions: index %q v%d: %w", v.DocumentID, v.VersionNumber, err)
	}

	s.completeOutbox(ctx, v.ID)
	return nil
}

// Search embeds query and returns at most topK versions of documentID by
// descending similarity, breaking ties by ascending version number. Results
// are hydrated from the store, which stays the source of truth.
func (s *Service) Search(ctx context.Context, query, documentID string, topK int) ([]model.SearchResult, error) {
	if topK <= 0 {
		return nil, model.InvalidInput("top_k must be positive, got %d", topK)
	}
	if err := model.ValidateDocumentID(documentID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, model.InvalidInput("query is required")
	}
	topK = min(topK, model.MaxTopK)

	embStart := time.Now()
	queryEmb, err := s.embedder.Embed(ctx, query)
	s.embeddingDuration.Record(ctx, float64(time.Since(embStart).Milliseconds()))
	if err != nil {
		return nil, model.Wrap(model.ErrCollaborator, "search", "embed query", err)
	}

	searchStart := time.Now()
	results, err := s.index.Query(ctx, documentID, queryEmb.Slice(), topK)
	s.searchDuration.Record(ctx, float64(time.Since(searchStart).Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("versions: search %q: %w", documentID, err)
	}
	return s.hydrate(ctx, documentID, search.Rank(results, topK))
}

// hydrate loads the full versions behind ranked index results, preserving
// their order. Entries the store no longer agrees with are skipped.
func (s *Service) hydrate(ctx context.Context, documentID string, results []search.Result) ([]model.SearchResult, error) {
	out := make([]model.SearchResult, 0, len(results))
	for _, r := range results {
		if r.DocumentID != documentID {
			continue
		}
		v, err := s.store.GetVersion(ctx, documentID, r.VersionNumber)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				s.logger.Warn("versions: search hit missing from store", "document_id", documentID, "version_number", r.VersionNumber)
				continue
			}
			return nil, fmt.Errorf("versions: hydrate search results: %w", err)
		}
		if r.VersionID != uuid.Nil && v.ID != r.VersionID {
			continue
		}
		out = append(out, model.SearchResult{Version: v, SimilarityScore: r.Score})
	}
	return out, nil
}

// Reindex re-embeds every stored version of documentID and upserts them in
// one batch. It returns the number of versions indexed.
func (s *Service) Reindex(ctx context.Context, documentID string) (int, error) {
	versions, err := s.ListVersions(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}

	texts := make([]string, len(versions))
	for i, v := range versions {
		texts[i] = v.Text
	}
	embStart := time.Now()
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	s.embeddingDuration.Record(ctx, float64(time.Since(embStart).Milliseconds()))
	if err != nil {
		return 0, model.Wrap(model.ErrCollaborator, "reindex", "embed", err)
	}
	if len(vecs) != len(versions) {
		return 0, model.Wrap(model.ErrCollaborator, "reindex", "embed",
			fmt.Errorf("got %d embeddings for %d versions", len(vecs), len(versions)))
	}

	points := make([]search.Point, 0, len(versions))
	for i, v := range versions {
		if err := s.validateEmbeddingDims(vecs[i]); err != nil {
			return 0, model.Wrap(model.ErrCollaborator, "reindex", "embed", err)
		}
		points = append(points, search.Point{
			VersionID:     v.ID,
			DocumentID:    v.DocumentID,
			VersionNumber: v.VersionNumber,
			Embedding:     vecs[i].Slice(),
		})
	}
	if err := s.index.Upsert(ctx, points); err != nil {
		return 0, fmt.Errorf("versions: reindex %q: %w", documentID, err)
	}
	for _, v := range versions {
		s.completeOutbox(ctx, v.ID)
	}

	s.logger.Info("document reindexed", "document_id", documentID, "versions", len(points))
	return len(points), nil
}

// Healthy reports store and index connectivity. The index error is
// returned separately because an unhealthy index degrades search only.
func (s *Service) Healthy(ctx context.Context) (storeErr, indexErr error) {
	return s.store.Ping(ctx), s.index.Healthy(ctx)
}

func (s *Service) completeOutbox(ctx context.Context, id uuid.UUID) {
	c, ok := s.store.(outboxCompleter)
	if !ok {
		return
	}
	if err := c.CompleteOutbox(ctx, id); err != nil {
		s.logger.Warn("versions: complete outbox entry failed", "version_id", id, "error", err)
	}
}

// validateEmbeddingDims checks that the vector has the expected number of dimensions.
func (s *Service) validateEmbeddingDims(v pgvector.Vector) error {
	expected := s.embedder.Dimensions()
	got := len(v.Slice())
	if expected > 0 && got != expected {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", got, expected)
	}
	return nil
}

// Package folio is the public API for embedding the folio version store.
//
// The CLI and any embedding program construct an App, then either serve it
// or use its services directly:
//
//	app, err := folio.New(
//	    folio.WithVersion(version),
//	    folio.WithLogger(logger),
//	    folio.WithCheckpointer(myReviewUI),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: folio (root) imports
// internal/*, but internal/* never imports folio (root).
package folio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/folio/internal/acquire"
	"github.com/ashita-ai/folio/internal/backend"
	"github.com/ashita-ai/folio/internal/checkpoint"
	"github.com/ashita-ai/folio/internal/config"
	"github.com/ashita-ai/folio/internal/mcp"
	"github.com/ashita-ai/folio/internal/pipeline"
	"github.com/ashita-ai/folio/internal/ratelimit"
	"github.com/ashita-ai/folio/internal/server"
	"github.com/ashita-ai/folio/internal/service/embedding"
	"github.com/ashita-ai/folio/internal/service/versions"
	"github.com/ashita-ai/folio/internal/telemetry"
	"github.com/ashita-ai/folio/internal/transform"
)

// App is the folio lifecycle. Construct with New, then either Run it as a
// server or use Versions and Pipeline directly and Close when done.
type App struct {
	cfg          config.Config
	backend      *backend.Backend
	versions     *versions.Service
	pipeline     *pipeline.Orchestrator
	srv          *server.Server
	broker       *server.Broker // nil unless the postgres store has a notify connection
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises folio. It opens the configured store, runs migrations,
// and wires every subsystem. It does NOT start any goroutines or accept
// HTTP connections; call Run for that.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("folio starting", "version", version, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Insecure:       cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &publicEmbedderAdapter{p: o.embeddingProvider}
	}
	be, err := backend.Open(context.Background(), cfg, embedder, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	svc := be.Versions(cfg)
	orch := pipeline.New(collaborators(cfg, o, logger), svc, logger)

	var broker *server.Broker
	if be.Postgres != nil && be.Postgres.HasNotifyConn() {
		broker = server.NewBroker(be.Postgres, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	mcpSrv := mcp.New(svc, logger, version)
	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)

	srv := server.New(server.ServerConfig{
		Versions:            svc,
		Logger:              logger,
		Runner:              orch,
		Broker:              broker,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		IndexName:           indexName(cfg),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		backend:      be,
		versions:     svc,
		pipeline:     orch,
		srv:          srv,
		broker:       broker,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// collaborators picks the pipeline's external capabilities. Chat-backed
// transforms replace the templated ones when an LLM endpoint is configured.
func collaborators(cfg config.Config, o resolvedOptions, logger *slog.Logger) pipeline.Collaborators {
	c := pipeline.Collaborators{
		Acquirer:     acquire.NewHTTPAcquirer(cfg.ArtifactDir, logger),
		Drafter:      transform.Writer{},
		Reviewer:     transform.Reviewer{},
		Checkpointer: checkpoint.Static{},
	}
	if cfg.LLMURL != "" {
		chat := transform.NewChatTransformer(transform.ChatConfig{
			URL:    cfg.LLMURL,
			APIKey: cfg.LLMAPIKey,
			Model:  cfg.LLMModel,
		})
		c.Drafter, c.Reviewer = chat, chat
		logger.Info("transforms: chat completions", "url", cfg.LLMURL, "model", cfg.LLMModel)
	} else {
		logger.Info("transforms: templated")
	}
	if o.acquirer != nil {
		c.Acquirer = o.acquirer
	}
	if o.drafter != nil {
		c.Drafter = o.drafter
	}
	if o.reviewer != nil {
		c.Reviewer = o.reviewer
	}
	if o.checkpointer != nil {
		c.Checkpointer = o.checkpointer
	}
	return c
}

func indexName(cfg config.Config) string {
	switch {
	case cfg.Store == config.StorePostgres && cfg.QdrantURL != "":
		return "qdrant"
	case cfg.Store == config.StorePostgres:
		return "pgvector"
	default:
		return cfg.Store
	}
}

// Config returns the resolved configuration.
func (a *App) Config() config.Config { return a.cfg }

// Versions returns the version service.
func (a *App) Versions() *versions.Service { return a.versions }

// Pipeline returns the run orchestrator.
func (a *App) Pipeline() *pipeline.Orchestrator { return a.pipeline }

// Notifications returns the LISTEN/NOTIFY source for version events, or
// false when the store has none.
func (a *App) Notifications() (server.NotificationSource, bool) {
	if a.backend.Postgres == nil || !a.backend.Postgres.HasNotifyConn() {
		return nil, false
	}
	return a.backend.Postgres, true
}

// Run starts background workers and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.backend.Outbox != nil {
		a.backend.Outbox.Start(ctx)
	}
	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) drain remaining outbox entries into the search index.
// It then closes the store and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("folio shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.backend.Outbox != nil {
		outboxCtx, outboxCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownOutboxDrainTimeout)
		a.backend.Outbox.Drain(outboxCtx)
		outboxCancel()
	}

	a.Close(ctx)
	a.logger.Info("folio stopped")
	return nil
}

// Close releases the store and flushes telemetry without touching the HTTP
// server. One-shot CLI commands use it instead of Shutdown.
func (a *App) Close(ctx context.Context) {
	_ = a.limiter.Close()
	a.backend.Close(ctx)
	if err := a.otelShutdown(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn("telemetry shutdown", "error", err)
	}
}

// publicEmbedderAdapter lets an EmbeddingProvider from WithEmbeddingProvider
// serve as the internal provider.
type publicEmbedderAdapter struct {
	p EmbeddingProvider
}

func (a *publicEmbedderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *publicEmbedderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vs) != len(texts) {
		return nil, fmt.Errorf("folio: embedding provider returned %d vectors for %d texts", len(vs), len(texts))
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *publicEmbedderAdapter) Dimensions() int { return a.p.Dimensions() }

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/folio/internal/telemetry"
)

// Embedder turns version texts into vectors. embedding.Provider satisfies it.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)
}

// outboxEntry represents a single row from the search_outbox table.
type outboxEntry struct {
	ID         int64
	VersionID  uuid.UUID
	DocumentID string
	Operation  string
	Attempts   int
}

// versionForIndex holds the fields needed to build a Point.
type versionForIndex struct {
	ID            uuid.UUID
	DocumentID    string
	VersionNumber int
	Text          string
}

// OutboxWorker polls the search_outbox table and indexes versions whose
// synchronous indexing did not complete. It is the out-of-band retry path
// that makes indexing at-least-once.
type OutboxWorker struct {
	pool         *pgxpool.Pool
	index        Index
	embedder     Embedder
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewOutboxWorker creates a new outbox worker.
func NewOutboxWorker(pool *pgxpool.Pool, index Index, embedder Embedder, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		pool:         pool,
		index:        index,
		embedder:     embedder,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("search outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and blocks
// until done or the context expires.
func (w *OutboxWorker) Drain(ctx context.Context) {
	if !w.started.Load() {
		return
	}
	// Must be sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("search outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.ProcessBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.ProcessBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.ProcessBatch(batchCtx)
			cancel()
		}
	}
}

const maxOutboxAttempts = 10

// ProcessBatch claims up to batchSize due entries and indexes their versions.
// Returns the number of entries claimed.
func (w *OutboxWorker) ProcessBatch(ctx context.Context) int {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("search outbox: begin tx", "error", err)
		return 0
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, version_id, document_id, operation, attempts
		 FROM search_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		w.logger.Error("search outbox: select pending", "error", err)
		return 0
	}

	entries, err := scanOutboxEntries(rows)
	if err != nil {
		w.logger.Error("search outbox: scan entries", "error", err)
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	// The lock must outlive the 30s batch timeout so a second worker cannot
	// claim entries this one is still processing.
	entryIDs := make([]int64, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE search_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		entryIDs,
	); err != nil {
		w.logger.Error("search outbox: lock entries", "error", err)
		return 0
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("search outbox: commit lock", "error", err)
		return 0
	}

	w.processUpserts(ctx, entries)

	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
	return len(entries)
}

func (w *OutboxWorker) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM search_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("search outbox: cleanup dead-letters failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("search outbox: cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

func (w *OutboxWorker) processUpserts(ctx context.Context, entries []outboxEntry) {
	versionIDs := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		versionIDs[i] = e.VersionID
	}

	versions, err := w.fetchVersionsForIndex(ctx, versionIDs)
	if err != nil {
		w.logger.Error("search outbox: fetch versions", "error", err, "count", len(versionIDs))
		w.failEntries(ctx, entries, err.Error())
		return
	}
	if len(versions) == 0 {
		w.succeedEntries(ctx, entries)
		return
	}

	texts := make([]string, len(versions))
	for i, v := range versions {
		texts[i] = v.Text
	}
	vecs, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		w.logger.Error("search outbox: embed", "error", err, "count", len(texts))
		w.failEntries(ctx, entries, err.Error())
		return
	}
	if len(vecs) != len(versions) {
		w.failEntries(ctx, entries, fmt.Sprintf("embedder returned %d vectors for %d texts", len(vecs), len(versions)))
		return
	}

	points := make([]Point, len(versions))
	for i, v := range versions {
		points[i] = Point{
			VersionID:     v.ID,
			DocumentID:    v.DocumentID,
			VersionNumber: v.VersionNumber,
			Embedding:     vecs[i].Slice(),
		}
	}

	if err := w.index.Upsert(ctx, points); err != nil {
		w.logger.Error("search outbox: index upsert", "error", err, "count", len(points))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	w.succeedEntries(ctx, entries)
	w.logger.Info("search outbox: indexed", "count", len(points))
}

func (w *OutboxWorker) succeedEntries(ctx context.Context, entries []outboxEntry) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx,
		`DELETE FROM search_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		w.logger.Error("search outbox: delete completed entries", "error", err)
	}
}

func (w *OutboxWorker) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	// Backoff: locked_until = now() + 2^attempts seconds, capped at 5 minutes.
	if _, err := w.pool.Exec(ctx,
		`UPDATE search_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("search outbox: update failed entries", "error", err)
	}

	for _, e := range entries {
		if e.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("search outbox: dead-letter entry",
				"outbox_id", e.ID,
				"version_id", e.VersionID,
				"document_id", e.DocumentID,
				"attempts", e.Attempts+1,
			)
		}
	}
}

func (w *OutboxWorker) fetchVersionsForIndex(ctx context.Context, ids []uuid.UUID) ([]versionForIndex, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT id, document_id, version_number, text
		 FROM versions
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("search outbox: query versions: %w", err)
	}
	defer rows.Close()

	var results []versionForIndex
	for rows.Next() {
		var v versionForIndex
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.VersionNumber, &v.Text); err != nil {
			return nil, fmt.Errorf("search outbox: scan version: %w", err)
		}
		results = append(results, v)
	}
	return results, rows.Err()
}

// registerMetrics registers observable OTEL gauges for outbox health monitoring.
func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("folio/outbox")

	_, _ = meter.Int64ObservableGauge("folio.outbox.depth",
		metric.WithDescription("Number of pending entries in the search outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := w.pool.QueryRow(ctx, `SELECT COUNT(*) FROM search_outbox WHERE attempts < $1`, maxOutboxAttempts).Scan(&count)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.ID, &e.VersionID, &e.DocumentID, &e.Operation, &e.Attempts); err != nil {
			return nil, fmt.Errorf("search outbox: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

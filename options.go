package folio

import (
	"log/slog"

	"github.com/ashita-ai/folio/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port              int
	store             string
	databaseURL       string
	notifyURL         string
	sqlitePath        string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	acquirer          Acquirer
	drafter           Transformer
	reviewer          Transformer
	checkpointer      Checkpointer
}

// apply copies option overrides onto cfg.
func (o resolvedOptions) apply(cfg *config.Config) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.store != "" {
		cfg.Store = o.store
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		if o.notifyURL == "" {
			cfg.NotifyURL = o.databaseURL
		}
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
}

// WithPort overrides the TCP port from config (FOLIO_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStore overrides the store backend (FOLIO_STORE env var):
// "postgres", "sqlite", or "memory".
func WithStore(store string) Option {
	return func(o *resolvedOptions) { o.store = store }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries; LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLitePath overrides the SQLite database file (FOLIO_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the configured embedding provider.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithAcquirer replaces the HTTP acquirer.
func WithAcquirer(a Acquirer) Option {
	return func(o *resolvedOptions) { o.acquirer = a }
}

// WithTransformers replaces the drafting and reviewing transforms.
// A nil argument keeps the configured transform for that stage.
func WithTransformers(drafter, reviewer Transformer) Option {
	return func(o *resolvedOptions) {
		o.drafter = drafter
		o.reviewer = reviewer
	}
}

// WithCheckpointer sets the default human checkpoint for pipeline runs.
// Without it every run approves the reviewed text unchanged.
func WithCheckpointer(c Checkpointer) Option {
	return func(o *resolvedOptions) { o.checkpointer = c }
}

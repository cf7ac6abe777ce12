// Package sqlite is a single-file version store built on modernc.org/sqlite.
//
// SQLite allows one writer at a time, so version allocation runs inside a
// BEGIN IMMEDIATE transaction: the write lock is taken before the next number
// is read, which makes MAX+1 safe without any further coordination.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ashita-ai/folio/internal/model"
	"github.com/ashita-ai/folio/internal/search"
)

//go:embed schema.sql
var schema string

const versionColumns = `id, document_id, version_number, text, reward, status, created_at`

// Store is a version store backed by a SQLite database file.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create data directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", classify(err))
	}

	logger.Info("sqlite: store opened", "path", path)
	return &Store{db: db, path: path, logger: logger}, nil
}

// Name identifies the backend in health output.
func (s *Store) Name() string { return "sqlite" }

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", classify(err))
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendVersion allocates the next version number for v.DocumentID and
// inserts v. The transaction is opened with BEGIN IMMEDIATE on a dedicated
// connection so that concurrent writers queue on the file lock (up to the
// busy timeout) instead of racing on MAX(version_number).
func (s *Store) AppendVersion(ctx context.Context, v model.Version) (_ model.Version, err error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.Status == "" {
		v.Status = model.VersionStatusFinalized
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return model.Version{}, fmt.Errorf("sqlite: acquire connection: %w", classify(err))
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return model.Version{}, fmt.Errorf("sqlite: begin: %w", classify(err))
	}
	defer func() {
		if err != nil {
			// Rollback must run even when ctx is already canceled.
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	// A retry after a lost acknowledgement carries the same ID as the
	// committed row. Return that row instead of appending a duplicate.
	existing, lookupErr := scanVersion(conn.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE id = ?`, v.ID.String()))
	switch {
	case lookupErr == nil:
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return existing, nil
	case !errors.Is(lookupErr, sql.ErrNoRows):
		err = lookupErr
		return model.Version{}, fmt.Errorf("sqlite: look up version id: %w", classify(err))
	}

	if err = conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM versions WHERE document_id = ?`,
		v.DocumentID,
	).Scan(&v.VersionNumber); err != nil {
		return model.Version{}, fmt.Errorf("sqlite: next version number: %w", classify(err))
	}

	if _, err = conn.ExecContext(ctx,
		`INSERT INTO versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID.String(), v.DocumentID, v.VersionNumber, v.Text, v.Reward, string(v.Status),
		v.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return model.Version{}, fmt.Errorf("sqlite: insert version: %w", classify(err))
	}

	if _, err = conn.ExecContext(ctx, "COMMIT"); err != nil {
		return model.Version{}, fmt.Errorf("sqlite: commit version: %w", classify(err))
	}
	return v, nil
}

// ListVersions returns every version of a document ordered by version number.
func (s *Store) ListVersions(ctx context.Context, documentID string) ([]model.Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE document_id = ? ORDER BY version_number ASC`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list versions: %w", classify(err))
	}
	defer func() { _ = rows.Close() }()

	versions := []model.Version{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate versions: %w", classify(err))
	}
	return versions, nil
}

// GetVersion returns one version by document and number.
func (s *Store) GetVersion(ctx context.Context, documentID string, versionNumber int) (model.Version, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE document_id = ? AND version_number = ?`,
		documentID, versionNumber,
	)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Version{}, fmt.Errorf("sqlite: version %d of %q: %w", versionNumber, documentID, model.ErrNotFound)
		}
		return model.Version{}, fmt.Errorf("sqlite: get version: %w", classify(err))
	}
	return v, nil
}

// GetVersionByID returns one version by its row ID.
func (s *Store) GetVersionByID(ctx context.Context, id uuid.UUID) (model.Version, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE id = ?`, id.String())
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Version{}, fmt.Errorf("sqlite: version %s: %w", id, model.ErrNotFound)
		}
		return model.Version{}, fmt.Errorf("sqlite: get version by id: %w", classify(err))
	}
	return v, nil
}

// BestVersion returns the highest-reward version, smallest number on ties,
// or nil when the document has no versions.
func (s *Store) BestVersion(ctx context.Context, documentID string) (*model.Version, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM versions
		 WHERE document_id = ?
		 ORDER BY reward DESC, version_number ASC
		 LIMIT 1`,
		documentID,
	)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: best version: %w", classify(err))
	}
	return &v, nil
}

// SetVersionEmbedding stores embedding for the version with the given ID.
func (s *Store) SetVersionEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector) error {
	vec := embedding.Slice()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO version_embeddings (version_id, document_id, dims, embedding)
		 SELECT id, document_id, ?, ? FROM versions WHERE id = ?
		 ON CONFLICT (version_id) DO UPDATE SET dims = excluded.dims, embedding = excluded.embedding`,
		len(vec), encodeVector(vec), id.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: set embedding: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: set embedding: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: version %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// NearestVersions scores every embedded version of documentID against
// embedding and returns the top limit. SQLite has no vector type, so the
// scan is exact and runs in process; a document holds few enough versions
// for this to stay cheap.
func (s *Store) NearestVersions(ctx context.Context, documentID string, embedding pgvector.Vector, limit int) ([]search.Result, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := embedding.Slice()
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.id, v.version_number, e.embedding
		 FROM version_embeddings e
		 JOIN versions v ON v.id = e.version_id
		 WHERE e.document_id = ? AND e.dims = ?`,
		documentID, len(query),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: nearest versions: %w", classify(err))
	}
	defer func() { _ = rows.Close() }()

	var results []search.Result
	for rows.Next() {
		var (
			idStr string
			num   int
			blob  []byte
		)
		if err := rows.Scan(&idStr, &num, &blob); err != nil {
			return nil, fmt.Errorf("sqlite: scan embedding: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse version id %q: %w", idStr, err)
		}
		results = append(results, search.Result{
			VersionID:     id,
			DocumentID:    documentID,
			VersionNumber: num,
			Score:         search.CosineSimilarity(query, decodeVector(blob)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate embeddings: %w", classify(err))
	}
	return search.Rank(results, limit), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (model.Version, error) {
	var (
		v         model.Version
		id        string
		status    string
		createdAt string
	)
	if err := row.Scan(&id, &v.DocumentID, &v.VersionNumber, &v.Text, &v.Reward, &status, &createdAt); err != nil {
		return model.Version{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.Version{}, fmt.Errorf("parse id %q: %w", id, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return model.Version{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	v.ID = parsed
	v.Status = model.VersionStatus(status)
	v.CreatedAt = ts
	return v, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) []float32 {
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}

// classify marks lock contention that outlived the busy timeout as a store
// outage so the commit path retries it.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isBusy(err) {
		return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

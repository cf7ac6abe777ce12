package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/folio/internal/model"
)

const versionColumns = `id, document_id, version_number, text, reward, status, created_at`

// AppendVersion allocates the next version number for v.DocumentID and
// inserts v in one transaction. A transaction-scoped advisory lock keyed by
// the document serializes allocation for the same document while leaving
// other documents unblocked; the UNIQUE constraint backs it up. The search
// outbox row is written in the same transaction so the version is queued for
// indexing exactly when it becomes durable.
func (db *DB) AppendVersion(ctx context.Context, v model.Version) (model.Version, error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.Status == "" {
		v.Status = model.VersionStatusFinalized
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Version{}, fmt.Errorf("storage: begin tx: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, v.DocumentID,
	); err != nil {
		return model.Version{}, fmt.Errorf("storage: lock document %q: %w", v.DocumentID, classify(err))
	}

	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM versions WHERE document_id = $1`,
		v.DocumentID,
	).Scan(&v.VersionNumber); err != nil {
		return model.Version{}, fmt.Errorf("storage: next version number: %w", classify(err))
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO versions (id, document_id, version_number, text, reward, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.DocumentID, v.VersionNumber, v.Text, v.Reward, string(v.Status), v.CreatedAt,
	); err != nil {
		if isDuplicateVersionID(err) {
			// An earlier attempt committed this version but its acknowledgement
			// was lost. Return the stored row instead of appending a duplicate.
			_ = tx.Rollback(ctx)
			return db.GetVersionByID(ctx, v.ID)
		}
		return model.Version{}, fmt.Errorf("storage: insert version: %w", classify(err))
	}

	// The grace period gives the synchronous index call a chance to finish
	// before the outbox worker picks the row up.
	if _, err := tx.Exec(ctx,
		`INSERT INTO search_outbox (version_id, document_id, operation, locked_until)
		 VALUES ($1, $2, 'upsert', now() + interval '30 seconds')`,
		v.ID, v.DocumentID,
	); err != nil {
		return model.Version{}, fmt.Errorf("storage: enqueue search outbox: %w", classify(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Version{}, fmt.Errorf("storage: commit version: %w", classify(err))
	}

	db.notifyVersion(ctx, v)
	return v, nil
}

// ListVersions returns every version of a document ordered by version number.
// A document with no versions yields an empty slice.
func (db *DB) ListVersions(ctx context.Context, documentID string) ([]model.Version, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM versions
		 WHERE document_id = $1
		 ORDER BY version_number ASC`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list versions: %w", classify(err))
	}
	return scanVersions(rows)
}

// GetVersion returns one version by document and number.
func (db *DB) GetVersion(ctx context.Context, documentID string, versionNumber int) (model.Version, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM versions
		 WHERE document_id = $1 AND version_number = $2`,
		documentID, versionNumber,
	)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Version{}, fmt.Errorf("storage: version %d of %q: %w", versionNumber, documentID, ErrNotFound)
		}
		return model.Version{}, fmt.Errorf("storage: get version: %w", classify(err))
	}
	return v, nil
}

// GetVersionByID returns one version by its row ID.
func (db *DB) GetVersionByID(ctx context.Context, id uuid.UUID) (model.Version, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE id = $1`, id,
	)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Version{}, fmt.Errorf("storage: version %s: %w", id, ErrNotFound)
		}
		return model.Version{}, fmt.Errorf("storage: get version by id: %w", classify(err))
	}
	return v, nil
}

// BestVersion returns the highest-reward version of a document, preferring
// the smallest version number on ties. Returns nil when the document has no
// versions.
func (db *DB) BestVersion(ctx context.Context, documentID string) (*model.Version, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM versions
		 WHERE document_id = $1
		 ORDER BY reward DESC, version_number ASC
		 LIMIT 1`,
		documentID,
	)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: best version: %w", classify(err))
	}
	return &v, nil
}

func scanVersion(row pgx.Row) (model.Version, error) {
	var v model.Version
	var status string
	if err := row.Scan(&v.ID, &v.DocumentID, &v.VersionNumber, &v.Text, &v.Reward, &status, &v.CreatedAt); err != nil {
		return model.Version{}, err
	}
	v.Status = model.VersionStatus(status)
	return v, nil
}

func scanVersions(rows pgx.Rows) ([]model.Version, error) {
	defer rows.Close()
	versions := []model.Version{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate versions: %w", classify(err))
	}
	return versions, nil
}

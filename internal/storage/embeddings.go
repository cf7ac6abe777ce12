package storage

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/folio/internal/search"
)

// SetVersionEmbedding attaches an embedding to a committed version. This is
// the only mutation a version row ever sees; its text and reward are fixed.
func (db *DB) SetVersionEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE versions SET embedding = $1 WHERE id = $2`, embedding, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set embedding: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: set embedding for %s: %w", id, ErrNotFound)
	}
	return nil
}

// NearestVersions returns the versions of one document closest to embedding
// by cosine distance, as similarity scores (1 - distance). Versions embedded
// with a different dimensionality are skipped.
func (db *DB) NearestVersions(ctx context.Context, documentID string, embedding pgvector.Vector, limit int) ([]search.Result, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, document_id, version_number, 1 - (embedding <=> $2) AS similarity
		 FROM versions
		 WHERE document_id = $1
		   AND embedding IS NOT NULL
		   AND vector_dims(embedding) = $3
		 ORDER BY embedding <=> $2 ASC, version_number ASC
		 LIMIT $4`,
		documentID, embedding, len(embedding.Slice()), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: nearest versions: %w", classify(err))
	}
	defer rows.Close()

	var results []search.Result
	for rows.Next() {
		var r search.Result
		var similarity float64
		if err := rows.Scan(&r.VersionID, &r.DocumentID, &r.VersionNumber, &similarity); err != nil {
			return nil, fmt.Errorf("storage: scan nearest version: %w", err)
		}
		// Zero vectors have no direction; pgvector reports NaN for them.
		if math.IsNaN(similarity) {
			similarity = 0
		}
		r.Score = float32(similarity)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate nearest versions: %w", classify(err))
	}
	return results, nil
}

// CompleteOutbox removes pending outbox rows for a version that has already
// been indexed synchronously.
func (db *DB) CompleteOutbox(ctx context.Context, versionID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM search_outbox WHERE version_id = $1`, versionID,
	); err != nil {
		return fmt.Errorf("storage: complete outbox: %w", classify(err))
	}
	return nil
}

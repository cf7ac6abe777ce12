package model

import (
	"time"

	"github.com/google/uuid"
)

// VersionStatus is the lifecycle status of a stored version. Only finalized
// versions are persisted; in-flight pipeline text is tracked by run stage.
type VersionStatus string

const VersionStatusFinalized VersionStatus = "finalized"

// Version is one immutable, committed snapshot of a document's text.
// VersionNumber is assigned by the store at commit time and is contiguous
// per document starting at 1. Reward is computed once from the pre- and
// post-checkpoint texts and never recomputed.
type Version struct {
	ID            uuid.UUID     `json:"id"`
	DocumentID    string        `json:"document_id"`
	VersionNumber int           `json:"version_number"`
	Text          string        `json:"text"`
	Reward        float64       `json:"reward"`
	Status        VersionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}

// SearchResult is a version with its similarity to a search query.
type SearchResult struct {
	Version         Version `json:"version"`
	SimilarityScore float32 `json:"similarity_score"`
}

// BetterThan reports whether v ranks above other for best-version selection:
// higher reward wins, and on equal reward the earlier version wins.
func (v Version) BetterThan(other Version) bool {
	if v.Reward != other.Reward {
		return v.Reward > other.Reward
	}
	return v.VersionNumber < other.VersionNumber
}

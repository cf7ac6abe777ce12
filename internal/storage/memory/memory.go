// Package memory is an in-process version store. Versions live in an arena
// keyed by document: each document owns its own mutex, counter, and version
// list, so commits to one document never wait on another.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/folio/internal/model"
)

type document struct {
	mu       sync.Mutex
	versions []model.Version // index i holds version i+1
}

// Store holds every document's versions in memory. It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*document
	now  func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		docs: make(map[string]*document),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Name identifies the backend in health output.
func (s *Store) Name() string { return "memory" }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// document returns the arena entry for id, creating it when create is set.
// The map lock is only held long enough to find or insert the entry.
func (s *Store) document(id string, create bool) *document {
	s.mu.RLock()
	d, ok := s.docs[id]
	s.mu.RUnlock()
	if ok || !create {
		return d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok = s.docs[id]; !ok {
		d = &document{}
		s.docs[id] = d
	}
	return d
}

// AppendVersion assigns the next version number under the document's lock
// and appends v.
func (s *Store) AppendVersion(ctx context.Context, v model.Version) (model.Version, error) {
	if err := ctx.Err(); err != nil {
		return model.Version{}, err
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	if v.Status == "" {
		v.Status = model.VersionStatusFinalized
	}

	d := s.document(v.DocumentID, true)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.versions {
		if existing.ID == v.ID {
			return existing, nil
		}
	}
	v.VersionNumber = len(d.versions) + 1
	d.versions = append(d.versions, v)
	return v, nil
}

// ListVersions returns a copy of the document's versions in order.
func (s *Store) ListVersions(_ context.Context, documentID string) ([]model.Version, error) {
	d := s.document(documentID, false)
	if d == nil {
		return []model.Version{}, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Version, len(d.versions))
	copy(out, d.versions)
	return out, nil
}

// GetVersion returns one version by number.
func (s *Store) GetVersion(_ context.Context, documentID string, versionNumber int) (model.Version, error) {
	d := s.document(documentID, false)
	if d != nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		if versionNumber >= 1 && versionNumber <= len(d.versions) {
			return d.versions[versionNumber-1], nil
		}
	}
	return model.Version{}, fmt.Errorf("memory: version %d of %q: %w", versionNumber, documentID, model.ErrNotFound)
}

// BestVersion scans for the highest reward; the first maximum wins ties.
func (s *Store) BestVersion(_ context.Context, documentID string) (*model.Version, error) {
	d := s.document(documentID, false)
	if d == nil {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.versions) == 0 {
		return nil, nil
	}
	best := d.versions[0]
	for _, v := range d.versions[1:] {
		if v.BetterThan(best) {
			best = v
		}
	}
	return &best, nil
}

// Documents returns the number of documents with at least one version.
func (s *Store) Documents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

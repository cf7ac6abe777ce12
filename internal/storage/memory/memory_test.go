package memory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/folio/internal/model"
	"github.com/ashita-ai/folio/internal/storage/memory"
)

func TestAppendVersion_NumbersPerDocument(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	for i := 1; i <= 3; i++ {
		a, err := s.AppendVersion(ctx, model.Version{DocumentID: "a", Text: "x", Reward: 1})
		require.NoError(t, err)
		b, err := s.AppendVersion(ctx, model.Version{DocumentID: "b", Text: "y", Reward: 1})
		require.NoError(t, err)
		assert.Equal(t, i, a.VersionNumber)
		assert.Equal(t, i, b.VersionNumber)
		assert.Equal(t, model.VersionStatusFinalized, a.Status)
		assert.False(t, a.CreatedAt.IsZero())
	}
	assert.Equal(t, 2, s.Documents())
}

func TestAppendVersion_ConcurrentSameDocument(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	const writers = 100

	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendVersion(ctx, model.Version{DocumentID: "ch1", Text: fmt.Sprint(i), Reward: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	versions, err := s.ListVersions(ctx, "ch1")
	require.NoError(t, err)
	require.Len(t, versions, writers)
	for i, v := range versions {
		assert.Equal(t, i+1, v.VersionNumber)
	}
}

func TestAppendVersion_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := memory.New()
	_, err := s.AppendVersion(ctx, model.Version{DocumentID: "a", Text: "x"})
	assert.ErrorIs(t, err, context.Canceled)

	versions, err := s.ListVersions(context.Background(), "a")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestGetVersion(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	v, err := s.AppendVersion(ctx, model.Version{DocumentID: "a", Text: "hello", Reward: 0.5})
	require.NoError(t, err)

	got, err := s.GetVersion(ctx, "a", v.VersionNumber)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	for _, n := range []int{0, -1, 2} {
		_, err := s.GetVersion(ctx, "a", n)
		assert.ErrorIs(t, err, model.ErrNotFound)
	}
	_, err = s.GetVersion(ctx, "missing", 1)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestListVersions_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	_, err := s.AppendVersion(ctx, model.Version{DocumentID: "a", Text: "original", Reward: 1})
	require.NoError(t, err)

	versions, err := s.ListVersions(ctx, "a")
	require.NoError(t, err)
	versions[0].Text = "mutated"

	again, err := s.ListVersions(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Text)

	empty, err := s.ListVersions(ctx, "none")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestBestVersion(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	best, err := s.BestVersion(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, best)

	for _, r := range []float64{0.2, 0.5, 0.1, 0.5} {
		_, err := s.AppendVersion(ctx, model.Version{DocumentID: "a", Text: "t", Reward: r})
		require.NoError(t, err)
	}
	best, err = s.BestVersion(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, 2, best.VersionNumber)

	_, err = s.AppendVersion(ctx, model.Version{DocumentID: "a", Text: "t", Reward: 0.9})
	require.NoError(t, err)
	best, err = s.BestVersion(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 5, best.VersionNumber)
}

func TestAppendVersion_SameIDReturnsStoredVersion(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	v := model.Version{ID: uuid.New(), DocumentID: "ch1", Text: "once", Reward: 0.5}

	first, err := s.AppendVersion(ctx, v)
	require.NoError(t, err)
	again, err := s.AppendVersion(ctx, v)
	require.NoError(t, err)

	assert.Equal(t, first, again)
	versions, err := s.ListVersions(ctx, "ch1")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

package folio_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/folio"
	"github.com/ashita-ai/folio/internal/model"
	"github.com/ashita-ai/folio/internal/pipeline"
)

type fixedAcquirer struct{ text string }

func (a fixedAcquirer) Acquire(context.Context, string, string) (string, string, error) {
	return a.text, "", nil
}

// lengthEmbedder maps text to a two-dimensional vector so tests need no
// embedding service.
type lengthEmbedder struct{}

func (lengthEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

func (e lengthEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (lengthEmbedder) Dimensions() int { return 2 }

type shortEmbedder struct{ lengthEmbedder }

func (shortEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, nil
}

func newApp(t *testing.T, opts ...folio.Option) *folio.App {
	t.Helper()
	t.Setenv("FOLIO_ARTIFACT_DIR", t.TempDir())
	base := []folio.Option{
		folio.WithStore("memory"),
		folio.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		folio.WithEmbeddingProvider(lengthEmbedder{}),
		folio.WithAcquirer(fixedAcquirer{text: "It was the dawn of the gates of morning."}),
	}
	app, err := folio.New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })
	return app
}

func TestApp_RunCommitsAndIndexes(t *testing.T) {
	app := newApp(t)
	ctx := context.Background()

	report, err := app.Pipeline().Run(ctx, pipeline.Request{
		DocumentID: "Chapter 1",
		URL:        "https://example.com/ch1",
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, report.Status)
	require.NotNil(t, report.Version)
	assert.Equal(t, 1, report.Version.VersionNumber)
	assert.InDelta(t, 1.0, report.Version.Reward, 1e-9, "default checkpoint approves unchanged")
	assert.Empty(t, report.IndexError)

	results, err := app.Versions().Search(ctx, "anything", "Chapter 1", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, report.Version.ID, results[0].Version.ID)
}

func TestApp_OptionsOverrideConfig(t *testing.T) {
	app := newApp(t, folio.WithPort(9099))
	assert.Equal(t, 9099, app.Config().Port)
	assert.Equal(t, "memory", app.Config().Store)

	_, ok := app.Notifications()
	assert.False(t, ok, "memory store has no notifications")
}

func TestApp_CheckpointerOption(t *testing.T) {
	edited := "Human rewrite."
	app := newApp(t, folio.WithCheckpointer(checkpointFunc(func(string) (string, error) { return edited, nil })))

	report, err := app.Pipeline().Run(context.Background(), pipeline.Request{
		DocumentID: "Chapter 2",
		URL:        "https://example.com/ch2",
	})
	require.NoError(t, err)
	require.NotNil(t, report.Version)
	assert.Equal(t, edited, report.Version.Text)
	assert.Less(t, report.Version.Reward, 1.0)
}

func TestApp_EmbeddingAdapterRejectsShortBatch(t *testing.T) {
	app := newApp(t, folio.WithEmbeddingProvider(shortEmbedder{}))
	ctx := context.Background()

	_, err := app.Versions().Commit(ctx, "Chapter 3", "text", "text")
	require.NoError(t, err)

	_, err = app.Versions().Reindex(ctx, "Chapter 3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrCollaborator))
}

func TestApp_InvalidStore(t *testing.T) {
	_, err := folio.New(
		folio.WithStore("cassandra"),
		folio.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FOLIO_STORE")
}

type checkpointFunc func(candidate string) (string, error)

func (f checkpointFunc) Checkpoint(_ context.Context, _, candidate, _ string) (string, error) {
	return f(candidate)
}

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/folio/internal/model"
)

func TestParseBatch(t *testing.T) {
	input := "# chapters\n" +
		"Book 1, Chapter 1\thttps://example.com/ch1\n" +
		"\n" +
		"Book 1, Chapter 2\t https://example.com/ch2 \n"

	reqs, err := parseBatch(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "Book 1, Chapter 1", reqs[0].DocumentID)
	assert.Equal(t, "https://example.com/ch1", reqs[0].URL)
	assert.Equal(t, "https://example.com/ch2", reqs[1].URL)
}

func TestParseBatch_Errors(t *testing.T) {
	_, err := parseBatch(strings.NewReader("no tab here\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")

	_, err = parseBatch(strings.NewReader("# only comments\n\n"))
	require.Error(t, err)
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "a b c", excerpt("a\n b\t\tc", 10))
	assert.Equal(t, "abcd…", excerpt("abcdefgh", 5))
	assert.Equal(t, "第一章", excerpt("第一章", 3))
}

func TestVersionsTable(t *testing.T) {
	out := versionsTable([]model.Version{
		{VersionNumber: 1, Reward: 1, Text: "first", CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{VersionNumber: 2, Reward: 0.25, Text: "second"},
	})
	assert.Contains(t, out, "Version")
	assert.NotContains(t, out, "VERSION", "headers keep their case")
	assert.Contains(t, out, "1.0000")
	assert.Contains(t, out, "0.2500")
	assert.Contains(t, out, "2026-01-02 03:04:05")
	assert.Contains(t, out, "second")
}

func TestReportsTable(t *testing.T) {
	out := reportsTable([]model.RunReport{
		{DocumentID: "ch1", Status: model.RunStatusCompleted, Version: &model.Version{VersionNumber: 3, Reward: 0.5}},
		{DocumentID: "ch2", Status: model.RunStatusFailed, FailedStage: model.StageAcquiring, ErrorKind: model.KindCollaborator, Error: "no text"},
	})
	assert.Contains(t, out, "0.5000")
	assert.Contains(t, out, "acquiring")
	assert.Contains(t, out, "no text")
}

func TestRunCommand_RequiresDocAndURL(t *testing.T) {
	root := newRootCommand(newLogger("error"))
	var stderr bytes.Buffer
	root.SetErr(&stderr)
	root.SetArgs([]string{"run", "--doc", "ch1"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--url")
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Setenv("FOLIO_EMBEDDING_PROVIDER", "hash")
	t.Setenv("FOLIO_EMBEDDING_DIMENSIONS", "64")
	t.Setenv("FOLIO_ARTIFACT_DIR", t.TempDir())

	exec := func(args ...string) string {
		t.Helper()
		root := newRootCommand(newLogger("error"))
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(append([]string{"--store", "memory"}, args...))
		require.NoError(t, root.Execute())
		return out.String()
	}

	out := exec("commit", "ch1", "--text", "The gates of morning opened.", "--pre-text", "The gates of morning opened.")
	assert.Contains(t, out, "version 1")
	assert.Contains(t, out, "reward 1.0000")
}

func TestCommitRequiresPreText(t *testing.T) {
	root := newRootCommand(newLogger("error"))
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--store", "memory", "commit", "ch1", "--text", "accepted"})

	err := root.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	assert.Contains(t, err.Error(), "--pre-text")
}

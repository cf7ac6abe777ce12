package checkpoint

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/folio/internal/testutil"
)

func run(t *testing.T, input string) (string, string, error) {
	t.Helper()
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader(input), &out, testutil.DiscardLogger())
	require.True(t, term.Interactive())
	final, err := term.Checkpoint(context.Background(), "raw text", "candidate text", "ch1")
	return final, out.String(), err
}

func TestTerminal_Approve(t *testing.T) {
	final, out, err := run(t, "1\n")
	require.NoError(t, err)
	assert.Equal(t, "candidate text", final)
	assert.Contains(t, out, "Document: ch1")
	assert.Contains(t, out, "candidate text")
}

func TestTerminal_EditUntilDot(t *testing.T) {
	final, _, err := run(t, "2\nline one\nline two\n.\nignored\n")
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", final)
}

func TestTerminal_EditUntilEOF(t *testing.T) {
	final, _, err := run(t, "2\nonly line")
	require.NoError(t, err)
	assert.Equal(t, "only line", final)
}

func TestTerminal_ViewOriginalThenInvalidThenApprove(t *testing.T) {
	final, out, err := run(t, "3\nx\n1\n")
	require.NoError(t, err)
	assert.Equal(t, "candidate text", final)
	assert.Contains(t, out, "--- ORIGINAL ---\nraw text")
	assert.Contains(t, out, "Invalid choice")
}

func TestTerminal_EmptyEditReprompts(t *testing.T) {
	final, out, err := run(t, "2\n\n.\n1\n")
	require.NoError(t, err)
	assert.Equal(t, "candidate text", final)
	assert.Contains(t, out, "Edit was empty")
}

func TestTerminal_InputClosed(t *testing.T) {
	_, _, err := run(t, "")
	require.Error(t, err)
}

func TestTerminal_CanceledContext(t *testing.T) {
	term := NewTerminal(strings.NewReader("1\n"), &bytes.Buffer{}, testutil.DiscardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := term.Checkpoint(ctx, "raw", "candidate", "ch1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTerminal_NonTTYFileAutoApproves(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "stdin"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var out bytes.Buffer
	term := NewTerminal(f, &out, testutil.DiscardLogger())
	assert.False(t, term.Interactive())

	final, err := term.Checkpoint(context.Background(), "raw", "candidate", "ch1")
	require.NoError(t, err)
	assert.Equal(t, "candidate", final)
	assert.Empty(t, out.String())
}

func TestStatic(t *testing.T) {
	ctx := context.Background()

	final, err := Static{}.Checkpoint(ctx, "raw", "candidate", "ch1")
	require.NoError(t, err)
	assert.Equal(t, "candidate", final)

	edited := "human text"
	final, err = Static{Edited: &edited}.Checkpoint(ctx, "raw", "candidate", "ch1")
	require.NoError(t, err)
	assert.Equal(t, "human text", final)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short", 10))
	assert.Equal(t, "abc...", Preview("abcdef", 3))
	assert.Equal(t, "日本...", Preview("日本語です", 2))
}

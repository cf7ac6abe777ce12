package transform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDraftPrompt(t *testing.T) {
	assert.Equal(t,
		"Rewrite the chapter 'ch1' in a more dramatic and modern narrative style.",
		DefaultDraftPrompt("ch1"))
}

func TestWriterThenReviewer(t *testing.T) {
	ctx := context.Background()

	draft, err := Writer{}.Transform(ctx, "The gates of morning.", "make it dramatic")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(draft, writerStart))
	assert.True(t, strings.HasSuffix(draft, writerEnd))
	assert.Contains(t, draft, "Prompt: make it dramatic")
	assert.Contains(t, draft, "The gates of morning.")

	reviewed, err := Reviewer{}.Transform(ctx, draft, DefaultReviewPrompt)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reviewed, reviewerStart))
	assert.True(t, strings.HasSuffix(reviewed, reviewerEnd))
	assert.NotContains(t, reviewed, writerStart)
	assert.NotContains(t, reviewed, writerEnd)
	assert.Contains(t, reviewed, writerNote, "the writer's note survives review")
	assert.Contains(t, reviewed, "The gates of morning.")
}

func TestTemplated_Deterministic(t *testing.T) {
	ctx := context.Background()
	a, _ := Writer{}.Transform(ctx, "x", "p")
	b, _ := Writer{}.Transform(ctx, "x", "p")
	assert.Equal(t, a, b)
}

func TestTemplated_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Writer{}.Transform(ctx, "x", "p")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = Reviewer{}.Transform(ctx, "x", "p")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChatTransformer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.Equal(t, "gpt-test", req.Model)
		if !assert.Len(t, req.Messages, 2) {
			return
		}
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "be brief", req.Messages[0].Content)
		assert.Equal(t, "long text", req.Messages[1].Content)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  short text \n"}}]}`))
	}))
	defer srv.Close()

	c := NewChatTransformer(ChatConfig{URL: srv.URL, APIKey: "sk-test", Model: "gpt-test"})
	out, err := c.Transform(context.Background(), "long text", "be brief")
	require.NoError(t, err)
	assert.Equal(t, "short text", out)
}

func TestChatTransformer_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"api error", http.StatusBadRequest, `{"error":{"type":"invalid_request_error","message":"bad model"}}`, "bad model"},
		{"bad status", http.StatusBadGateway, `{}`, "unexpected status 502"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no choices"},
		{"empty content", http.StatusOK, `{"choices":[{"message":{"content":"   "}}]}`, "empty completion"},
		{"not json", http.StatusOK, `<html>`, "unmarshal response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewChatTransformer(ChatConfig{URL: srv.URL, Model: "m"})
			_, err := c.Transform(context.Background(), "t", "p")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

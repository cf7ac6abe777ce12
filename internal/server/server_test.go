package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/folio/internal/mcp"
	"github.com/ashita-ai/folio/internal/model"
	"github.com/ashita-ai/folio/internal/pipeline"
	"github.com/ashita-ai/folio/internal/ratelimit"
	"github.com/ashita-ai/folio/internal/search"
	"github.com/ashita-ai/folio/internal/server"
	"github.com/ashita-ai/folio/internal/service/embedding"
	"github.com/ashita-ai/folio/internal/service/versions"
	"github.com/ashita-ai/folio/internal/storage/memory"
	"github.com/ashita-ai/folio/internal/testutil"
	"github.com/ashita-ai/folio/internal/transform"
)

type acquireFunc func(ctx context.Context, url, documentID string) (string, string, error)

func (f acquireFunc) Acquire(ctx context.Context, url, documentID string) (string, string, error) {
	return f(ctx, url, documentID)
}

type envelope struct {
	Data  json.RawMessage    `json:"data"`
	Error *model.ErrorDetail `json:"error"`
	Meta  model.ResponseMeta `json:"meta"`
}

type testEnv struct {
	srv     *httptest.Server
	handler http.Handler
	svc     *versions.Service
	index   *search.MemoryIndex
}

func newTestEnv(t *testing.T, acquirer pipeline.Acquirer) *testEnv {
	t.Helper()
	logger := testutil.DiscardLogger()
	index := search.NewMemoryIndex()
	svc := versions.New(memory.New(), index, embedding.NewHashProvider(64), logger, versions.Options{
		CommitRetryDelay: time.Millisecond,
	})
	if acquirer == nil {
		acquirer = acquireFunc(func(_ context.Context, _, documentID string) (string, string, error) {
			return "raw text of " + documentID, "", nil
		})
	}
	runner := pipeline.New(pipeline.Collaborators{
		Acquirer: acquirer,
		Drafter:  transform.Writer{},
		Reviewer: transform.Reviewer{},
	}, svc, logger)

	s := server.New(server.ServerConfig{
		Versions:            svc,
		Logger:              logger,
		Runner:              runner,
		MCPServer:           mcp.New(svc, logger, "test").MCPServer(),
		IndexName:           "memory",
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, handler: s.Handler(), svc: svc, index: index}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, envelope) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			rdr = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, env := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	health := decodeData[model.HealthResponse](t, env)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "memory", health.Store)
	assert.Equal(t, "connected", health.StoreStatus)
	assert.Equal(t, "test", health.Version)
}

func TestRequestIDPropagates(t *testing.T) {
	e := newTestEnv(t, nil)
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, "req-123", env.Meta.RequestID)
}

func TestCommitAndRead(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, env := e.do(t, http.MethodPost, "/v1/documents/ch1/versions", model.CommitRequest{Text: "abc", PreText: "abd"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	v1 := decodeData[model.Version](t, env)
	assert.Equal(t, 1, v1.VersionNumber)
	assert.InDelta(t, 0.5, v1.Reward, 1e-9)
	assert.Equal(t, model.VersionStatusFinalized, v1.Status)

	resp, env = e.do(t, http.MethodPost, "/v1/documents/ch1/versions", model.CommitRequest{Text: "abc", PreText: "abc"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	v2 := decodeData[model.Version](t, env)
	assert.Equal(t, 2, v2.VersionNumber)
	assert.InDelta(t, 1.0, v2.Reward, 1e-9, "unchanged text scores 1")
	assert.Equal(t, 2, e.index.Len("ch1"))

	resp, env = e.do(t, http.MethodGet, "/v1/documents/ch1/versions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeData[[]model.Version](t, env)
	require.Len(t, list, 2)
	assert.Equal(t, v1.ID, list[0].ID)

	resp, env = e.do(t, http.MethodGet, "/v1/documents/ch1/versions/2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, v2.ID, decodeData[model.Version](t, env).ID)

	resp, env = e.do(t, http.MethodGet, "/v1/documents/ch1/best", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, v2.ID, decodeData[model.Version](t, env).ID)
}

func TestListVersions_EmptyDocument(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, env := e.do(t, http.MethodGet, "/v1/documents/unknown/versions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(env.Data))
}

func TestCommit_MissingPreTextWritesNothing(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, env := e.do(t, http.MethodPost, "/v1/documents/ch1/versions", map[string]string{"text": "accepted"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
	assert.Contains(t, env.Error.Message, "pre_text")

	vs, err := e.svc.ListVersions(context.Background(), "ch1")
	require.NoError(t, err)
	assert.Empty(t, vs)
	assert.Equal(t, 0, e.index.Len("ch1"))
}

func TestErrorStatusMapping(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(t, http.MethodPost, "/v1/documents/ch1/versions", model.CommitRequest{Text: "x", PreText: "x"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"empty text", http.MethodPost, "/v1/documents/ch1/versions", model.CommitRequest{Text: "", PreText: "x"}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"missing pre_text", http.MethodPost, "/v1/documents/ch1/versions", model.CommitRequest{Text: "x"}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown field", http.MethodPost, "/v1/documents/ch1/versions", `{"text":"x","pre_text":"x","bogus":1}`, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"malformed json", http.MethodPost, "/v1/documents/ch1/versions", `{`, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"missing version", http.MethodGet, "/v1/documents/ch1/versions/9", nil, http.StatusNotFound, model.ErrCodeNotFound},
		{"zero version", http.MethodGet, "/v1/documents/ch1/versions/0", nil, http.StatusNotFound, model.ErrCodeNotFound},
		{"non-numeric version", http.MethodGet, "/v1/documents/ch1/versions/two", nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"no best", http.MethodGet, "/v1/documents/ch2/best", nil, http.StatusNotFound, model.ErrCodeNotFound},
		{"blank query", http.MethodPost, "/v1/documents/ch1/search", model.SearchRequest{Query: " "}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"negative top_k", http.MethodPost, "/v1/documents/ch1/search", model.SearchRequest{Query: "x", TopK: -1}, http.StatusBadRequest, model.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := e.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestBodyTooLarge(t *testing.T) {
	e := newTestEnv(t, nil)
	body, err := json.Marshal(model.CommitRequest{Text: strings.Repeat("x", 2<<20), PreText: "x"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/documents/ch1/versions", bytes.NewReader(body))
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
}

func TestSearchEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(t, http.MethodPost, "/v1/documents/ch1/versions", model.CommitRequest{Text: "the storm broke over the harbour", PreText: "the storm broke over the harbour"})
	e.do(t, http.MethodPost, "/v1/documents/ch1/versions", model.CommitRequest{Text: "a quiet morning in the village", PreText: "a quiet morning in the village"})
	e.do(t, http.MethodPost, "/v1/documents/ch2/versions", model.CommitRequest{Text: "the storm broke over the harbour", PreText: "the storm broke over the harbour"})

	resp, env := e.do(t, http.MethodPost, "/v1/documents/ch1/search", model.SearchRequest{Query: "the storm broke over the harbour"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeData[struct {
		Results []model.SearchResult `json:"results"`
		Total   int                  `json:"total"`
	}](t, env)
	require.Equal(t, 1, out.Total, "top_k defaults to 1")
	assert.Equal(t, "ch1", out.Results[0].Version.DocumentID)
	assert.Equal(t, 1, out.Results[0].Version.VersionNumber)
}

func TestCreateRun(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, env := e.do(t, http.MethodPost, "/v1/runs", model.RunRequest{
		DocumentID: "ch1",
		URL:        "https://example.com/ch1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "error: %+v", env.Error)
	report := decodeData[model.RunReport](t, env)
	assert.Equal(t, model.RunStatusCompleted, report.Status)
	require.NotNil(t, report.Version)
	assert.Equal(t, 1, report.Version.VersionNumber)
	assert.InDelta(t, 1.0, report.Version.Reward, 1e-9, "approved without edits")

	edited := "a human rewrite"
	resp, env = e.do(t, http.MethodPost, "/v1/runs", model.RunRequest{
		DocumentID: "ch1",
		URL:        "https://example.com/ch1",
		EditedText: &edited,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	report = decodeData[model.RunReport](t, env)
	require.NotNil(t, report.Version)
	assert.Equal(t, 2, report.Version.VersionNumber)
	assert.Equal(t, edited, report.Version.Text)
	assert.Less(t, report.Version.Reward, 1.0)
}

func TestCreateRun_Failures(t *testing.T) {
	e := newTestEnv(t, acquireFunc(func(context.Context, string, string) (string, string, error) {
		return "", "", errors.New("page not found")
	}))

	resp, env := e.do(t, http.MethodPost, "/v1/runs", model.RunRequest{
		DocumentID: "ch1",
		URL:        "https://example.com/ch1",
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeCollaboratorFailed, env.Error.Code)

	details, err := json.Marshal(env.Error.Details)
	require.NoError(t, err)
	var report model.RunReport
	require.NoError(t, json.Unmarshal(details, &report))
	assert.Equal(t, model.RunStatusFailed, report.Status)
	assert.Equal(t, model.StageAcquiring, report.FailedStage)

	resp, env = e.do(t, http.MethodPost, "/v1/runs", model.RunRequest{
		DocumentID: "ch1",
		URL:        "http://127.0.0.1/ch1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "private URLs are rejected")
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
}

func TestSubscribeWithoutBroker(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, env := e.do(t, http.MethodGet, "/v1/subscribe", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotNil(t, env.Error)
}

func TestMCPOverHTTP(t *testing.T) {
	e := newTestEnv(t, nil)

	c, err := mcpclient.NewStreamableHttpClient(e.srv.URL + "/mcp")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	initResult, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ProtocolVersion: mcplib.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "folio", initResult.ServerInfo.Name)

	tools, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"folio_commit", "folio_versions", "folio_best", "folio_search"} {
		assert.True(t, names[want], "expected %s tool", want)
	}

	result, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name: "folio_commit",
			Arguments: map[string]any{
				"document_id": "ch1",
				"text":        "committed over mcp",
				"pre_text":    "committed over mcp",
			},
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	vs, err := e.svc.ListVersions(ctx, "ch1")
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "committed over mcp", vs[0].Text)
}

func TestRateLimitedWrites(t *testing.T) {
	logger := testutil.DiscardLogger()
	svc := versions.New(memory.New(), search.NewMemoryIndex(), embedding.NewHashProvider(64), logger, versions.Options{
		CommitRetryDelay: time.Millisecond,
	})
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	s := server.New(server.ServerConfig{
		Versions:            svc,
		Logger:              logger,
		Limiter:             limiter,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})

	commit := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/documents/ch1/versions", strings.NewReader(`{"text":"hello","pre_text":"hello"}`))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusCreated, commit().Code)
	rec := commit()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), model.ErrCodeRateLimited)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	// Reads are never limited.
	req := httptest.NewRequest(http.MethodGet, "/v1/documents/ch1/versions", nil)
	get := httptest.NewRecorder()
	s.Handler().ServeHTTP(get, req)
	assert.Equal(t, http.StatusOK, get.Code)
}

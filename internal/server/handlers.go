package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/folio/internal/checkpoint"
	"github.com/ashita-ai/folio/internal/model"
	"github.com/ashita-ai/folio/internal/pipeline"
	"github.com/ashita-ai/folio/internal/service/versions"
)

// Runner executes one pipeline run. pipeline.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (model.RunReport, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc                 *versions.Service
	runner              Runner
	broker              *Broker
	indexName           string
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Runner, Broker.
type HandlersDeps struct {
	Versions            *versions.Service
	Runner              Runner
	Broker              *Broker
	IndexName           string
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		svc:                 d.Versions,
		runner:              d.Runner,
		broker:              d.Broker,
		indexName:           d.IndexName,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleCommit handles POST /v1/documents/{document_id}/versions.
func (h *Handlers) HandleCommit(w http.ResponseWriter, r *http.Request) {
	var req model.CommitRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	documentID := r.PathValue("document_id")
	v, err := h.svc.Commit(r.Context(), documentID, req.Text, req.PreText)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	// Indexing is best-effort: the version is committed either way.
	if err := h.svc.Index(r.Context(), v); err != nil {
		h.logger.Warn("index after commit failed",
			"error", err,
			"document_id", documentID,
			"version_id", v.ID,
			"request_id", RequestIDFromContext(r.Context()),
		)
	}

	writeJSON(w, r, http.StatusCreated, v)
}

// HandleListVersions handles GET /v1/documents/{document_id}/versions.
func (h *Handlers) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	vs, err := h.svc.ListVersions(r.Context(), r.PathValue("document_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, vs)
}

// HandleGetVersion handles GET /v1/documents/{document_id}/versions/{version_number}.
func (h *Handlers) HandleGetVersion(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("version_number"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "version_number must be an integer")
		return
	}
	v, err := h.svc.GetVersion(r.Context(), r.PathValue("document_id"), n)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, v)
}

// HandleBestVersion handles GET /v1/documents/{document_id}/best.
func (h *Handlers) HandleBestVersion(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("document_id")
	best, err := h.svc.BestVersion(r.Context(), documentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if best == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "document has no versions: "+documentID)
		return
	}
	writeJSON(w, r, http.StatusOK, best)
}

// HandleSearch handles POST /v1/documents/{document_id}/search.
// top_k defaults to 1.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req model.SearchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if req.TopK == 0 {
		req.TopK = 1
	}

	results, err := h.svc.Search(r.Context(), req.Query, r.PathValue("document_id"), req.TopK)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"results": results,
		"total":   len(results),
	})
}

// HandleCreateRun handles POST /v1/runs. The run blocks until it reaches a
// terminal state. A failed run answers with the status of its error kind
// and the run report in the error details.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "pipeline runs are not enabled")
		return
	}

	var req model.RunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	report, err := h.runner.Run(r.Context(), pipeline.Request{
		DocumentID:   req.DocumentID,
		URL:          req.URL,
		DraftPrompt:  req.DraftPrompt,
		ReviewPrompt: req.ReviewPrompt,
		Checkpointer: checkpoint.Static{Edited: req.EditedText},
	})
	if err != nil {
		status, code := statusForKind(model.KindOf(err))
		var se *model.StageError
		if errors.As(err, &se) {
			status, code = statusForKind(se.Kind)
		}
		writeErrorDetails(w, r, status, code, err.Error(), report)
		return
	}
	writeJSON(w, r, http.StatusCreated, report)
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	// Idle SSE connections would otherwise be cut at WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth handles GET /health. An unreachable store makes the service
// unhealthy; an unreachable index only degrades it, since commits still work.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	storeStatus := "connected"
	httpStatus := http.StatusOK

	storeErr, indexErr := h.svc.Healthy(r.Context())
	if storeErr != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:      status,
		Version:     h.version,
		Store:       h.svc.StoreName(),
		StoreStatus: storeStatus,
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	}
	if h.indexName != "" {
		resp.Index = h.indexName + ": connected"
		if indexErr != nil {
			resp.Index = h.indexName + ": disconnected"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// writeServiceError maps an error's kind to a status code. Unclassified
// errors are logged and reported without their text.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	status, code := statusForKind(kind)
	if kind == model.KindUnknown {
		h.logger.Error("unhandled error",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
		)
		writeError(w, r, status, code, "internal server error")
		return
	}
	writeError(w, r, status, code, err.Error())
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/models"
)

// QueryProcessor is the pipeline surface the HTTP layer depends on.
type QueryProcessor interface {
	ProcessQuery(ctx context.Context, query string, history []models.Message, sessionID string) (*models.UnifiedResult, error)
	Resume(ctx context.Context, sessionID string) (*models.UnifiedResult, error)
}

// QueryHandler serves the answer pipeline over HTTP JSON.
type QueryHandler struct {
	engine QueryProcessor
	logger *zap.Logger
}

// NewQueryHandler creates the handler.
func NewQueryHandler(engine QueryProcessor, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{engine: engine, logger: logger}
}

// RegisterRoutes mounts the query endpoints.
func (h *QueryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/query", h.handleQuery)
	mux.HandleFunc("/api/v1/resume", h.handleResume)
}

type queryRequest struct {
	Query     string           `json:"query"`
	SessionID string           `json:"session_id,omitempty"`
	Context   []models.Message `json:"context,omitempty"`
}

func (h *QueryHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	result, err := h.engine.ProcessQuery(r.Context(), req.Query, req.Context, req.SessionID)
	if err != nil {
		h.logger.Error("Pipeline run failed",
			zap.String("session_id", req.SessionID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "pipeline failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type resumeRequest struct {
	SessionID string `json:"session_id"`
}

func (h *QueryHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	result, err := h.engine.Resume(r.Context(), req.SessionID)
	if err != nil {
		h.logger.Warn("Resume failed",
			zap.String("session_id", req.SessionID),
			zap.Error(err),
		)
		writeError(w, http.StatusNotFound, "no resumable checkpoint for session")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

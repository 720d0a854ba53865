package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/mikepica/pmo-playbook-sub001/internal/checkpoint"
	"github.com/mikepica/pmo-playbook-sub001/internal/config"
	"github.com/mikepica/pmo-playbook-sub001/internal/doccache"
)

// AdminHandler exposes cache introspection, checkpoint writer status, and the
// effective configuration on the admin mux.
type AdminHandler struct {
	cache   *doccache.Cache
	writer  *checkpoint.Writer
	cfgMgr  *config.Manager
	logger  *zap.Logger
}

// NewAdminHandler creates the handler. writer and cfgMgr may be nil.
func NewAdminHandler(cache *doccache.Cache, writer *checkpoint.Writer, cfgMgr *config.Manager, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{cache: cache, writer: writer, cfgMgr: cfgMgr, logger: logger}
}

// RegisterRoutes mounts the admin endpoints.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/cache/stats", h.handleCacheStats)
	mux.HandleFunc("/api/v1/cache/invalidate", h.handleCacheInvalidate)
	mux.HandleFunc("/api/v1/checkpoints/status", h.handleCheckpointStatus)
	mux.HandleFunc("/admin/config", h.handleConfig)
}

func (h *AdminHandler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	writeJSON(w, http.StatusOK, h.cache.Stats())
}

func (h *AdminHandler) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	h.cache.Invalidate(r.Context(), req.ID)
	h.logger.Info("Cache entry invalidated", zap.String("document_id", req.ID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "id": req.ID})
}

func (h *AdminHandler) handleCheckpointStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if h.writer == nil {
		writeError(w, http.StatusNotFound, "checkpointing disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.writer.Status())
}

func (h *AdminHandler) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if h.cfgMgr == nil {
		writeError(w, http.StatusNotFound, "config manager unavailable")
		return
	}
	out, err := h.cfgMgr.DumpYAML()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to render config")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

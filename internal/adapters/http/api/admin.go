// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nazfar/meishi/internal/domain/model"
)

// AdminDependencies defines the interface for operational endpoints.
type AdminDependencies interface {
	RefreshAllCaches(ctx context.Context) error
	ProcessDueBatches(ctx context.Context) error
	ProcessBatch(ctx context.Context, batchKey string) (bool, error)
	Snapshot(ctx context.Context) error
	AdminCacheUpsert(ctx context.Context, partition string, p model.Participant) error
	AdminCacheRemove(ctx context.Context, partition, id string) error
}

// AdminHandler handles operational requests.
type AdminHandler struct {
	deps AdminDependencies
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(deps AdminDependencies) *AdminHandler {
	return &AdminHandler{deps: deps}
}

// HandleRefresh handles POST /admin/refresh requests: a full rebuild of
// every derived cache.
func (h *AdminHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if err := h.deps.RefreshAllCaches(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// HandleProcessBatches handles POST /admin/process-batches requests: an
// out-of-schedule drain of every due batch.
func (h *AdminHandler) HandleProcessBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if err := h.deps.ProcessDueBatches(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// HandleProcessBatch handles POST /admin/process-batch/{key} requests.
func (h *AdminHandler) HandleProcessBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/admin/process-batch/")
	if key == "" || strings.Contains(key, "/") {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
		return
	}
	processed, err := h.deps.ProcessBatch(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_key": key,
		"processed": processed,
	})
}

// HandleSnapshot handles POST /admin/snapshot requests: an out-of-schedule
// backup run.
func (h *AdminHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if err := h.deps.Snapshot(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "snapshotted"})
}

// cacheEntryRequest mirrors the POST /admin/cache/{partition} payload.
type cacheEntryRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url"`
	Group       string `json:"group"`
}

// HandleCache routes /admin/cache/{partition} and
// /admin/cache/{partition}/{id}: POST upserts a listing entry, DELETE
// drops one. These touch only the cached listings, never the
// authoritative participant records.
func (h *AdminHandler) HandleCache(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/admin/cache/"), "/")

	switch {
	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] != "":
		var req cacheEntryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err)
			return
		}
		err := h.deps.AdminCacheUpsert(r.Context(), parts[0], model.Participant{
			ID:          req.ID,
			DisplayName: req.DisplayName,
			PhotoURL:    req.PhotoURL,
			Group:       req.Group,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "upserted"})

	case r.Method == http.MethodDelete && len(parts) == 2 && parts[0] != "" && parts[1] != "":
		if err := h.deps.AdminCacheRemove(r.Context(), parts[0], parts[1]); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})

	default:
		http.NotFound(w, r)
	}
}

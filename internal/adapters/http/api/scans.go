// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nazfar/meishi/internal/app"
)

// ScanDependencies defines the interface for scan recording.
type ScanDependencies interface {
	RecordScan(ctx context.Context, scannerID, targetID string) (app.ScanResult, error)
}

// ScansHandler handles badge scan requests.
type ScansHandler struct {
	deps ScanDependencies
}

// NewScansHandler creates a new scans handler.
func NewScansHandler(deps ScanDependencies) *ScansHandler {
	return &ScansHandler{deps: deps}
}

// scanRequest mirrors the POST /scans payload.
type scanRequest struct {
	ScannerID string `json:"scanner_id"`
	TargetID  string `json:"target_id"`
}

func (s scanRequest) validate() error {
	switch {
	case strings.TrimSpace(s.ScannerID) == "":
		return errors.New("missing scanner_id")
	case strings.TrimSpace(s.TargetID) == "":
		return errors.New("missing target_id")
	}
	return nil
}

type scanResponse struct {
	Status string `json:"status"`
	app.ScanResult
}

// HandlePostScan handles POST /scans requests.
func (h *ScansHandler) HandlePostScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	res, err := h.deps.RecordScan(r.Context(), req.ScannerID, req.TargetID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if res.Duplicate {
		writeJSON(w, http.StatusOK, scanResponse{Status: "duplicate", ScanResult: res})
		return
	}
	writeJSON(w, http.StatusAccepted, scanResponse{Status: "accepted", ScanResult: res})
}

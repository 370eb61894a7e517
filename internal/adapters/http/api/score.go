// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/nazfar/meishi/internal/domain/model"
)

// ScoreDependencies defines the interface for score reads.
type ScoreDependencies interface {
	Score(ctx context.Context, userID string) (model.UserScore, error)
}

// ScoreHandler handles authoritative score reads.
type ScoreHandler struct {
	deps ScoreDependencies
}

// NewScoreHandler creates a new score handler.
func NewScoreHandler(deps ScoreDependencies) *ScoreHandler {
	return &ScoreHandler{deps: deps}
}

// scoreResponse is the public shape of a score record; the idempotency
// ledger stays internal.
type scoreResponse struct {
	UserID    string `json:"user_id"`
	Score     int    `json:"score"`
	Tier      string `json:"tier"`
	FirstSeen string `json:"first_seen"`
}

// HandleGetScore handles GET /score/{user_id} requests.
func (h *ScoreHandler) HandleGetScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/score/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
		return
	}
	rec, err := h.deps.Score(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scoreResponse{
		UserID:    rec.UserID,
		Score:     rec.Score,
		Tier:      rec.Tier,
		FirstSeen: rec.FirstSeen.UTC().Format(time.RFC3339),
	})
}

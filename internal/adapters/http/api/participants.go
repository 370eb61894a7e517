// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nazfar/meishi/internal/domain/model"
)

// ParticipantDependencies defines the interface for participant lifecycle
// hooks and listing reads.
type ParticipantDependencies interface {
	ParticipantUpserted(ctx context.Context, partition string, p model.Participant) error
	ParticipantRemoved(ctx context.Context, partition, id string) error
	AdminList(ctx context.Context, partition string) (model.AdminListing, error)
}

// ParticipantsHandler handles participant lifecycle requests from the
// registration system.
type ParticipantsHandler struct {
	deps ParticipantDependencies
}

// NewParticipantsHandler creates a new participants handler.
func NewParticipantsHandler(deps ParticipantDependencies) *ParticipantsHandler {
	return &ParticipantsHandler{deps: deps}
}

// participantRequest mirrors the POST /participants payload.
type participantRequest struct {
	Partition   string `json:"partition"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url"`
	Group       string `json:"group"`
}

func (p participantRequest) validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return errors.New("missing id")
	case strings.TrimSpace(p.Partition) == "":
		return errors.New("missing partition")
	case strings.TrimSpace(p.DisplayName) == "":
		return errors.New("missing display_name")
	}
	return nil
}

// HandleUpsert handles POST /participants requests.
func (h *ParticipantsHandler) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req participantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	err := h.deps.ParticipantUpserted(r.Context(), req.Partition, model.Participant{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		PhotoURL:    req.PhotoURL,
		Group:       req.Group,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// HandleByPath routes /participants/{partition} and
// /participants/{partition}/{id}: GET lists a partition, DELETE removes
// one participant.
func (h *ParticipantsHandler) HandleByPath(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/participants/"), "/")

	switch {
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] != "":
		listing, err := h.deps.AdminList(r.Context(), parts[0])
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"partition":    parts[0],
			"participants": listing.Participants,
			"last_updated": listing.LastUpdated,
		})

	case r.Method == http.MethodDelete && len(parts) == 2 && parts[0] != "" && parts[1] != "":
		if err := h.deps.ParticipantRemoved(r.Context(), parts[0], parts[1]); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})

	default:
		http.NotFound(w, r)
	}
}

// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nazfar/meishi/internal/adapters/store"
	"github.com/nazfar/meishi/internal/app"
	"github.com/nazfar/meishi/internal/batch"
	"github.com/nazfar/meishi/internal/domain/bucket"
	"github.com/nazfar/meishi/internal/domain/model"
	"github.com/nazfar/meishi/pkg/metrics"
)

// Service bundles the application operations the handlers depend on.
// Using an interface keeps the handler layer loosely coupled to the
// application core.
type Service interface {
	RecordScan(ctx context.Context, scannerID, targetID string) (app.ScanResult, error)
	Leaderboard(ctx context.Context) (model.Board, error)
	Rank(ctx context.Context, userID string) (model.RankEntry, error)
	Score(ctx context.Context, userID string) (model.UserScore, error)

	ParticipantUpserted(ctx context.Context, partition string, p model.Participant) error
	ParticipantRemoved(ctx context.Context, partition, id string) error
	AdminList(ctx context.Context, partition string) (model.AdminListing, error)
	AdminCacheUpsert(ctx context.Context, partition string, p model.Participant) error
	AdminCacheRemove(ctx context.Context, partition, id string) error

	RefreshAllCaches(ctx context.Context) error
	ProcessDueBatches(ctx context.Context) error
	ProcessBatch(ctx context.Context, batchKey string) (bool, error)
	Snapshot(ctx context.Context) error
	Stats(ctx context.Context) (app.Stats, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler       *HealthHandler
	statsHandler        *StatsHandler
	scansHandler        *ScansHandler
	leaderboardHandler  *LeaderboardHandler
	rankHandler         *RankHandler
	scoreHandler        *ScoreHandler
	participantsHandler *ParticipantsHandler
	adminHandler        *AdminHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(svc Service) *Server {
	return &Server{
		healthHandler:       NewHealthHandler(),
		statsHandler:        NewStatsHandler(svc),
		scansHandler:        NewScansHandler(svc),
		leaderboardHandler:  NewLeaderboardHandler(svc),
		rankHandler:         NewRankHandler(svc),
		scoreHandler:        NewScoreHandler(svc),
		participantsHandler: NewParticipantsHandler(svc),
		adminHandler:        NewAdminHandler(svc),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(ctx context.Context, mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/scans", MetricsMiddleware(s.scansHandler.HandlePostScan, "scans"))
	mux.HandleFunc("/leaderboard", MetricsMiddleware(s.leaderboardHandler.HandleGetLeaderboard, "leaderboard"))
	mux.HandleFunc("/rank/", MetricsMiddleware(s.rankHandler.HandleGetRank, "rank"))
	mux.HandleFunc("/score/", MetricsMiddleware(s.scoreHandler.HandleGetScore, "score"))
	mux.HandleFunc("/participants", MetricsMiddleware(s.participantsHandler.HandleUpsert, "participants"))
	mux.HandleFunc("/participants/", MetricsMiddleware(s.participantsHandler.HandleByPath, "participants"))
	mux.HandleFunc("/admin/refresh", MetricsMiddleware(s.adminHandler.HandleRefresh, "admin_refresh"))
	mux.HandleFunc("/admin/process-batches", MetricsMiddleware(s.adminHandler.HandleProcessBatches, "admin_process"))
	mux.HandleFunc("/admin/process-batch/", MetricsMiddleware(s.adminHandler.HandleProcessBatch, "admin_process"))
	mux.HandleFunc("/admin/snapshot", MetricsMiddleware(s.adminHandler.HandleSnapshot, "admin_snapshot"))
	mux.HandleFunc("/admin/cache/", MetricsMiddleware(s.adminHandler.HandleCache, "admin_cache"))
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeServiceError maps application errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, store.ErrUnknownPartition),
		errors.Is(err, app.ErrEmptyID),
		errors.Is(err, app.ErrSelfScan),
		errors.Is(err, bucket.ErrMalformedKey):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	case errors.Is(err, batch.ErrLockHeld):
		writeError(w, http.StatusConflict, "conflict", err)
	case errors.Is(err, app.ErrBackupDisabled):
		writeError(w, http.StatusConflict, "conflict", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}

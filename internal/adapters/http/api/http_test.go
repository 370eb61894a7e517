package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nazfar/meishi/internal/adapters/http/api"
	"github.com/nazfar/meishi/internal/app"
	"github.com/nazfar/meishi/internal/config"
	"github.com/nazfar/meishi/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

var apiNow = time.Date(2026, 1, 1, 9, 32, 0, 0, time.UTC)

// newMux wires the API against a real service on the memory backend.
func newMux(t *testing.T) *http.ServeMux {
	t.Helper()
	cfg := config.New()
	cfg.BackupPath = ""
	svc, err := app.New(context.Background(), cfg,
		app.WithClock(func() time.Time { return apiNow }),
	)
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	t.Cleanup(func() { svc.Stop(context.Background()) })

	mux := http.NewServeMux()
	api.NewServer(svc).Register(context.Background(), mux)
	return mux
}

func do(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	mux := newMux(t)
	rec := do(t, mux, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestPostScan(t *testing.T) {
	mux := newMux(t)

	rec := do(t, mux, http.MethodPost, "/scans", `{"scanner_id":"alice","target_id":"bob"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Status   string `json:"status"`
		BatchKey string `json:"batch_key"`
		Points   int    `json:"points"`
	}
	decode(t, rec, &res)
	if res.Status != "accepted" || res.Points != 10 {
		t.Errorf("response = %+v", res)
	}
	if res.BatchKey != "202601010930" {
		t.Errorf("batch key = %s", res.BatchKey)
	}

	// Same scan again is acknowledged as a duplicate, not an error.
	rec = do(t, mux, http.MethodPost, "/scans", `{"scanner_id":"alice","target_id":"bob"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", rec.Code)
	}
	decode(t, rec, &res)
	if res.Status != "duplicate" {
		t.Errorf("status = %s, want duplicate", res.Status)
	}
}

func TestPostScanValidation(t *testing.T) {
	mux := newMux(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{`, http.StatusBadRequest},
		{"missing scanner", `{"target_id":"bob"}`, http.StatusBadRequest},
		{"missing target", `{"scanner_id":"alice"}`, http.StatusBadRequest},
		{"self scan", `{"scanner_id":"alice","target_id":"alice"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, mux, http.MethodPost, "/scans", tc.body)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestScanDrainReadFlow(t *testing.T) {
	mux := newMux(t)

	for _, body := range []string{
		`{"scanner_id":"alice","target_id":"bob"}`,
		`{"scanner_id":"carol","target_id":"bob"}`,
		`{"scanner_id":"bob","target_id":"alice"}`,
	} {
		if rec := do(t, mux, http.MethodPost, "/scans", body); rec.Code != http.StatusAccepted {
			t.Fatalf("scan status = %d", rec.Code)
		}
	}

	rec := do(t, mux, http.MethodPost, "/admin/process-batch/202601010930", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("drain status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, mux, http.MethodGet, "/score/bob", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("score status = %d", rec.Code)
	}
	var score struct {
		Score int    `json:"score"`
		Tier  string `json:"tier"`
	}
	decode(t, rec, &score)
	if score.Score != 20 || score.Tier != "bronze" {
		t.Errorf("score = %+v", score)
	}

	rec = do(t, mux, http.MethodGet, "/rank/bob", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("rank status = %d", rec.Code)
	}
	var rank struct {
		Rank int `json:"Rank"`
	}
	decode(t, rec, &rank)

	rec = do(t, mux, http.MethodGet, "/leaderboard", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("leaderboard status = %d", rec.Code)
	}
	var board struct {
		Slots []struct {
			Filled bool   `json:"filled"`
			UserID string `json:"user_id"`
		} `json:"slots"`
		TotalUsers int `json:"total_users"`
	}
	decode(t, rec, &board)
	if len(board.Slots) != 10 {
		t.Fatalf("slots = %d, want 10", len(board.Slots))
	}
	if !board.Slots[0].Filled || board.Slots[0].UserID != "bob" {
		t.Errorf("top slot = %+v", board.Slots[0])
	}
	if board.Slots[2].Filled {
		t.Error("slot 2 filled, want empty marker")
	}
	if board.TotalUsers != 2 {
		t.Errorf("total users = %d, want 2", board.TotalUsers)
	}
}

func TestRankNotFound(t *testing.T) {
	mux := newMux(t)
	rec := do(t, mux, http.MethodGet, "/rank/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestParticipantLifecycle(t *testing.T) {
	mux := newMux(t)

	rec := do(t, mux, http.MethodPost, "/participants",
		`{"partition":"pending","id":"alice","display_name":"Alice","group":"platform"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upsert status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, mux, http.MethodGet, "/participants/pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listing struct {
		Participants []struct {
			ID string `json:"id"`
		} `json:"participants"`
		LastUpdated time.Time `json:"last_updated"`
	}
	decode(t, rec, &listing)
	if len(listing.Participants) != 1 || listing.Participants[0].ID != "alice" {
		t.Errorf("listing = %+v", listing)
	}
	if listing.LastUpdated.IsZero() {
		t.Error("listing carries no last_updated stamp")
	}

	rec = do(t, mux, http.MethodDelete, "/participants/pending/alice", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = do(t, mux, http.MethodGet, "/score/alice", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("score after delete = %d, want 404", rec.Code)
	}
}

func TestParticipantValidation(t *testing.T) {
	mux := newMux(t)

	rec := do(t, mux, http.MethodPost, "/participants", `{"partition":"pending","id":"alice"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without display_name", rec.Code)
	}

	rec = do(t, mux, http.MethodGet, "/participants/archived", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown partition", rec.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	mux := newMux(t)

	if rec := do(t, mux, http.MethodPost, "/admin/refresh", ""); rec.Code != http.StatusOK {
		t.Errorf("refresh status = %d", rec.Code)
	}
	if rec := do(t, mux, http.MethodPost, "/admin/process-batches", ""); rec.Code != http.StatusOK {
		t.Errorf("process-batches status = %d", rec.Code)
	}
	if rec := do(t, mux, http.MethodPost, "/admin/process-batch/garbage", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("process-batch status = %d, want 400 for malformed key", rec.Code)
	}
	// Backup is not configured in tests.
	if rec := do(t, mux, http.MethodPost, "/admin/snapshot", ""); rec.Code != http.StatusConflict {
		t.Errorf("snapshot status = %d, want 409", rec.Code)
	}
}

func TestAdminCacheEndpoints(t *testing.T) {
	mux := newMux(t)

	// Materialize the listings first; a direct write into a missing
	// listing would rebuild from the empty authoritative records instead.
	if rec := do(t, mux, http.MethodPost, "/admin/refresh", ""); rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", rec.Code)
	}

	rec := do(t, mux, http.MethodPost, "/admin/cache/active",
		`{"id":"alice","display_name":"Alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status = %d: %s", rec.Code, rec.Body.String())
	}

	// The listing reflects the direct write; no authoritative record exists.
	rec = do(t, mux, http.MethodGet, "/participants/active", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listing struct {
		Participants []struct {
			ID string `json:"id"`
		} `json:"participants"`
	}
	decode(t, rec, &listing)
	if len(listing.Participants) != 1 || listing.Participants[0].ID != "alice" {
		t.Fatalf("listing = %+v", listing)
	}
	if rec = do(t, mux, http.MethodGet, "/score/alice", ""); rec.Code != http.StatusNotFound {
		t.Errorf("score status = %d, want 404 for cache-only entry", rec.Code)
	}

	rec = do(t, mux, http.MethodDelete, "/admin/cache/active/alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("remove status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, mux, http.MethodGet, "/participants/active", "")
	decode(t, rec, &listing)
	if len(listing.Participants) != 0 {
		t.Errorf("listing after remove = %+v", listing)
	}

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown partition", http.MethodPost, "/admin/cache/archived", `{"id":"a","display_name":"A"}`, http.StatusBadRequest},
		{"missing id", http.MethodPost, "/admin/cache/active", `{"display_name":"A"}`, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/admin/cache/active", `{`, http.StatusBadRequest},
		{"get not routed", http.MethodGet, "/admin/cache/active", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := do(t, mux, tc.method, tc.path, tc.body); rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	mux := newMux(t)

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/scans"},
		{http.MethodPost, "/leaderboard"},
		{http.MethodPost, "/rank/alice"},
		{http.MethodDelete, "/participants"},
	}
	for _, tc := range cases {
		rec := do(t, mux, tc.method, tc.path, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", tc.method, tc.path, rec.Code)
		}
	}
}

func TestStats(t *testing.T) {
	mux := newMux(t)
	do(t, mux, http.MethodPost, "/scans", `{"scanner_id":"alice","target_id":"bob"}`)

	rec := do(t, mux, http.MethodGet, "/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats struct {
		Connections int `json:"connections"`
	}
	decode(t, rec, &stats)
	if stats.Connections != 1 {
		t.Errorf("connections = %d, want 1", stats.Connections)
	}
}

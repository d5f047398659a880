package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-stats-ingest/internal/realtime"
)

type triggerRequest struct {
	Categories []string `json:"categories"`
	Force      bool     `json:"force"`
}

// triggerScrape handles POST /v1/realtime/trigger. An empty body triggers
// the default categories. Started scrapes answer 202, in-progress 409,
// skipped 200 and start errors 500.
func (s *Server) triggerScrape(w http.ResponseWriter, r *http.Request) {
	if s.deps.Realtime == nil {
		writeError(w, http.StatusServiceUnavailable, "real-time manager unavailable")
		return
	}
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res := s.deps.Realtime.TriggerScrape(r.Context(), req.Categories, req.Force)
	status := http.StatusOK
	switch res.Status {
	case realtime.StatusStarted:
		status = http.StatusAccepted
	case realtime.StatusInProgress:
		status = http.StatusConflict
	case realtime.StatusError:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

// latestData handles GET /v1/realtime/data and /v1/realtime/data/{category}.
// The path category wins over the query parameter. An empty view is still
// a 200; its status field says there is no data yet.
func (s *Server) latestData(w http.ResponseWriter, r *http.Request) {
	if s.deps.Realtime == nil {
		writeError(w, http.StatusServiceUnavailable, "real-time manager unavailable")
		return
	}
	category := chi.URLParam(r, "category")
	if category == "" {
		category = r.URL.Query().Get("category")
	}
	view, err := s.deps.Realtime.GetLatestData(r.Context(), category)
	if err != nil {
		s.logger.Error("latest data failed", zap.String("category", category), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load latest data")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

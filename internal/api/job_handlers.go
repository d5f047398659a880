package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-stats-ingest/internal/scheduler"
)

const (
	defaultJobLimit  = 50
	maxJobLimit      = 500
	defaultItemLimit = 200
	maxItemLimit     = 2000
	trackerTimeout   = 3 * time.Second
)

// listJobs handles GET /v1/jobs?job_type=&status=&limit=. It returns
// {"jobs": [...]} newest first, or 400 for invalid filters.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "job tracker unavailable")
		return
	}
	limit, err := parseLimit(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := ingest.JobFilter{Limit: limit}
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("job_type")); raw != "" {
		jt, err := ingest.ParseJobType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid job_type")
			return
		}
		filter.Type = jt
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		st, err := parseJobStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = st
	}
	ctx, cancel := context.WithTimeout(r.Context(), trackerTimeout)
	defer cancel()
	jobs, err := s.deps.Tracker.ListJobs(ctx, filter)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []ingest.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// getJob handles GET /v1/jobs/{job_id}.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "job tracker unavailable")
		return
	}
	jobID, err := parseID(r, "job_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), trackerTimeout)
	defer cancel()
	job, err := s.deps.Tracker.GetJob(ctx, jobID)
	if err != nil {
		s.notFoundOr500(w, err, "job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// listJobItems handles GET /v1/jobs/{job_id}/items?status=&category=&limit=.
func (s *Server) listJobItems(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "job tracker unavailable")
		return
	}
	jobID, err := parseID(r, "job_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r, defaultItemLimit, maxItemLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := ingest.ItemFilter{JobID: jobID, Limit: limit, Category: strings.TrimSpace(r.URL.Query().Get("category"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st := ingest.ItemStatus(strings.ToLower(raw))
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = st
	}
	ctx, cancel := context.WithTimeout(r.Context(), trackerTimeout)
	defer cancel()
	if _, err := s.deps.Tracker.GetJob(ctx, jobID); err != nil {
		s.notFoundOr500(w, err, "job")
		return
	}
	items, err := s.deps.Tracker.ListItems(ctx, filter)
	if err != nil {
		s.logger.Error("list items failed", zap.Int64("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	if items == nil {
		items = []ingest.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// getItem handles GET /v1/items/{item_id}, including the item content.
func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "job tracker unavailable")
		return
	}
	itemID, err := parseID(r, "item_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), trackerTimeout)
	defer cancel()
	item, err := s.deps.Tracker.GetItem(ctx, itemID)
	if err != nil {
		s.notFoundOr500(w, err, "item")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

// publishJob handles POST /v1/jobs/{job_id}/publish, re-sending the job's
// pending items.
func (s *Server) publishJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Publisher == nil {
		writeError(w, http.StatusServiceUnavailable, "queue publishing disabled")
		return
	}
	jobID, err := parseID(r, "job_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.deps.Publisher.PublishJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("publish job failed", zap.Int64("job_id", jobID), zap.Int("published", n), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "failed to publish items", "published": n})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "published": n})
}

// runScheduled handles POST /v1/schedule/{job_type}/run. The job starts
// only when due; the run outlives the request.
func (s *Server) runScheduled(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	jt, err := ingest.ParseJobType(chi.URLParam(r, "job_type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job_type")
		return
	}
	started, err := s.deps.Scheduler.Start(s.opts.BaseContext, jt)
	if err != nil {
		if errors.Is(err, scheduler.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "scheduler stopped")
			return
		}
		s.logger.Error("scheduled run failed to start", zap.String("job_type", string(jt)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start job")
		return
	}
	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"job_type": jt, "started": started})
}

// scheduleStatus handles GET /v1/schedule.
func (s *Server) scheduleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	status, err := s.deps.Scheduler.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": status})
}

func (s *Server) notFoundOr500(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, ingest.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error("load "+what+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

func parseID(r *http.Request, param string) (int64, error) {
	raw := chi.URLParam(r, param)
	if raw == "" {
		return 0, errors.New(param + " is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid " + param)
	}
	return id, nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}

func parseJobStatus(input string) (ingest.JobStatus, error) {
	switch strings.ToLower(input) {
	case "pending":
		return ingest.JobStatusPending, nil
	case "running":
		return ingest.JobStatusRunning, nil
	case "completed", "success":
		return ingest.JobStatusCompleted, nil
	case "failed", "error", "failure":
		return ingest.JobStatusFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}

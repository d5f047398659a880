package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-stats-ingest/internal/realtime"
	"github.com/JakeFAU/realtime-stats-ingest/internal/scheduler"
	"github.com/JakeFAU/realtime-stats-ingest/internal/storage/memory"
	"github.com/JakeFAU/realtime-stats-ingest/internal/tracker"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeRealtime struct {
	mu       sync.Mutex
	result   realtime.TriggerResult
	view     realtime.AggregatedView
	viewErr  error
	lastReq  triggerRequest
	category string
}

func (f *fakeRealtime) TriggerScrape(_ context.Context, categories []string, force bool) realtime.TriggerResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = triggerRequest{Categories: categories, Force: force}
	return f.result
}

func (f *fakeRealtime) GetLatestData(_ context.Context, category string) (realtime.AggregatedView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.category = category
	return f.view, f.viewErr
}

type fakeScheduler struct {
	started bool
	err     error
	ctx     context.Context
}

func (f *fakeScheduler) Start(ctx context.Context, _ ingest.JobType) (bool, error) {
	f.ctx = ctx
	return f.started, f.err
}

func (f *fakeScheduler) Status(context.Context) ([]scheduler.Status, error) {
	return []scheduler.Status{{JobType: ingest.JobTypeStatistics, Interval: "20m0s"}}, nil
}

type fakeRepublisher struct {
	n   int
	err error
}

func (f fakeRepublisher) PublishJob(context.Context, int64) (int, error) { return f.n, f.err }

func do(t *testing.T, s *Server, method, target string, body []byte, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func seededTracker(t *testing.T) (*tracker.Service, ingest.Job, ingest.Item) {
	t.Helper()
	ctx := context.Background()
	svc := tracker.New(memory.NewJobStore(), fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}, nil)
	job, err := svc.StartJob(ctx, ingest.JobTypeStatistics, "https://stats.example/")
	require.NoError(t, err)
	item, err := svc.CreateItem(ctx, job.ID, ingest.NewItem{
		Type:      ingest.ItemTypeHTMLTable,
		SourceURL: "https://stats.example/statistics",
		Title:     "Population by region",
		Content:   json.RawMessage(`{"columns":["region","population"],"rows":[["Bay","1"]]}`),
		Metadata:  ingest.Metadata{ingest.MetaSourceCategory: "demographics"},
	})
	require.NoError(t, err)
	job, err = svc.CompleteJob(ctx, job.ID, ingest.Counts{Found: 1})
	require.NoError(t, err)
	return svc, job, item
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{Ready: map[string]Check{
		"store": func(context.Context) error { return nil },
	}}, Options{}, nil)
	rec := do(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	failing := NewServer(Deps{Ready: map[string]Check{
		"broker": func(context.Context) error { return errors.New("connection refused") },
	}}, Options{}, nil)
	rec = do(t, failing, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{}, Options{}, nil)
	do(t, s, http.MethodGet, "/healthz", nil)
	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestTriggerStatusCodes(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		realtime.StatusStarted:    http.StatusAccepted,
		realtime.StatusInProgress: http.StatusConflict,
		realtime.StatusSkipped:    http.StatusOK,
		realtime.StatusError:      http.StatusInternalServerError,
	}
	for status, code := range cases {
		rt := &fakeRealtime{result: realtime.TriggerResult{Status: status}}
		s := NewServer(Deps{Realtime: rt}, Options{}, nil)
		rec := do(t, s, http.MethodPost, "/v1/realtime/trigger", []byte(`{"categories":["economy"],"force":true}`))
		require.Equal(t, code, rec.Code, status)
		require.Equal(t, status, decode(t, rec)["status"])
		require.Equal(t, []string{"economy"}, rt.lastReq.Categories)
		require.True(t, rt.lastReq.Force)
	}
}

func TestTriggerAcceptsEmptyBodyAndRejectsBadJSON(t *testing.T) {
	t.Parallel()

	rt := &fakeRealtime{result: realtime.TriggerResult{Status: realtime.StatusStarted}}
	s := NewServer(Deps{Realtime: rt}, Options{}, nil)
	rec := do(t, s, http.MethodPost, "/v1/realtime/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Nil(t, rt.lastReq.Categories)

	rec = do(t, s, http.MethodPost, "/v1/realtime/trigger", []byte("{bad"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLatestData(t *testing.T) {
	t.Parallel()

	rt := &fakeRealtime{view: realtime.AggregatedView{Status: realtime.ViewOK, JobID: 7, TotalItems: 2}}
	s := NewServer(Deps{Realtime: rt}, Options{}, nil)

	rec := do(t, s, http.MethodGet, "/v1/realtime/data?category=economy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "economy", rt.category)
	require.EqualValues(t, 7, decode(t, rec)["job_id"])

	rec = do(t, s, http.MethodGet, "/v1/realtime/data/demographics?category=ignored", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "demographics", rt.category)

	rt.view = realtime.AggregatedView{Status: realtime.ViewEmpty, Message: "No completed scraper jobs found"}
	rec = do(t, s, http.MethodGet, "/v1/realtime/data", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, realtime.ViewEmpty, body["status"])
	require.Equal(t, "No completed scraper jobs found", body["message"])

	rt.viewErr = errors.New("db down")
	rec = do(t, s, http.MethodGet, "/v1/realtime/data", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestJobAndItemRoutes(t *testing.T) {
	t.Parallel()

	svc, job, item := seededTracker(t)
	s := NewServer(Deps{Tracker: svc}, Options{}, nil)

	rec := do(t, s, http.MethodGet, "/v1/jobs?job_type=statistics&status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["jobs"], 1)

	rec = do(t, s, http.MethodGet, "/v1/jobs?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodGet, "/v1/jobs?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/v1/jobs/%d", job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = do(t, s, http.MethodGet, "/v1/jobs/999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodGet, "/v1/jobs/abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/v1/jobs/%d/items?status=pending", job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["items"], 1)
	rec = do(t, s, http.MethodGet, fmt.Sprintf("/v1/jobs/%d/items?status=done", job.ID), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/v1/items/%d", item.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Population by region")
	rec = do(t, s, http.MethodGet, "/v1/items/404", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublishJob(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{Publisher: fakeRepublisher{n: 3}}, Options{}, nil)
	rec := do(t, s, http.MethodPost, "/v1/jobs/5/publish", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 3, decode(t, rec)["published"])

	s = NewServer(Deps{Publisher: fakeRepublisher{err: fmt.Errorf("load job: %w", ingest.ErrNotFound)}}, Options{}, nil)
	rec = do(t, s, http.MethodPost, "/v1/jobs/5/publish", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	s = NewServer(Deps{}, Options{}, nil)
	rec = do(t, s, http.MethodPost, "/v1/jobs/5/publish", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type baseKey struct{}

func TestScheduleRoutes(t *testing.T) {
	t.Parallel()

	base := context.WithValue(context.Background(), baseKey{}, "server")
	sched := &fakeScheduler{started: true}
	s := NewServer(Deps{Scheduler: sched}, Options{BaseContext: base}, nil)

	rec := do(t, s, http.MethodPost, "/v1/schedule/statistics/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, base, sched.ctx, "runs use the server context, not the request")

	sched.started = false
	rec = do(t, s, http.MethodPost, "/v1/schedule/publications/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, decode(t, rec)["started"])

	rec = do(t, s, http.MethodPost, "/v1/schedule/weather/run", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	sched.err = scheduler.ErrClosed
	rec = do(t, s, http.MethodPost, "/v1/schedule/statistics/run", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/schedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"job_type":"statistics"`)
}

func TestAPIKeyGuardsV1Only(t *testing.T) {
	t.Parallel()

	rt := &fakeRealtime{view: realtime.AggregatedView{Status: realtime.ViewOK}}
	s := NewServer(Deps{Realtime: rt}, Options{AuthEnabled: true, APIKey: "secret"}, nil)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/realtime/data", nil).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/realtime/data", nil, "X-API-Key", "secret").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/realtime/data?api_key=secret", nil).Code)
}

type panickingRealtime struct{ fakeRealtime }

func (*panickingRealtime) GetLatestData(context.Context, string) (realtime.AggregatedView, error) {
	panic("boom")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{Realtime: &panickingRealtime{}}, Options{}, nil)
	rec := do(t, s, http.MethodGet, "/v1/realtime/data", nil, "X-Request-ID", "req-1")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

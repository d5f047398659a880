package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-stats-ingest/internal/config"
	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

const (
	sitePage = `<html><body>
<h6>Inflation Rate<br>6.1%</h6>
</body></html>`
	statisticsPage = `<html><body>
<h2>Population by region</h2>
<table>
<thead><tr><th>Region</th><th>Population_2023</th></tr></thead>
<tbody>
<tr><td>Banadir</td><td>2,500,000</td></tr>
<tr><td>Bay</td><td>1,200,000</td></tr>
</tbody>
</table>
</body></html>`
)

func statsSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		switch r.URL.Path {
		case "/":
			_, _ = w.Write([]byte(sitePage))
		case "/statistics":
			_, _ = w.Write([]byte(statisticsPage))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Scraper.BaseURL = baseURL + "/"
	cfg.Scraper.Categories = map[string]string{"demographics": "/statistics"}
	cfg.Scraper.RequestDelaySeconds = 0
	cfg.Scraper.MaxRetries = 1
	cfg.Scraper.RequestTimeoutSeconds = 5
	cfg.Scraper.Synchronous = false
	cfg.Database.DSN = ""
	cfg.RabbitMQ.Enabled = false
	cfg.Cache.Backend = "memory"
	cfg.Archive.Backend = "memory"
	cfg.Notify.TopicName = ""
	cfg.Headless.Enabled = false
	return cfg
}

func TestBuildScrapeProcessesWithoutBroker(t *testing.T) {
	site := statsSite(t)
	app, err := Build(context.Background(), testConfig(t, site.URL), ModeScrape)
	require.NoError(t, err)
	t.Cleanup(app.Close)
	require.True(t, app.synchronous())
	require.Nil(t, app.apiServer)

	res, err := app.Scrape(context.Background(), ingest.JobTypeStatistics, []string{"demographics"})
	require.NoError(t, err)
	require.Equal(t, ingest.JobStatusCompleted, res.Job.Status)
	require.Len(t, res.Items, 2)
	for _, item := range res.Items {
		require.Equal(t, ingest.ItemStatusProcessed, item.Status, item.Title)
		require.NotEmpty(t, item.Metadata.String(ingest.MetaRawURI))
	}
}

func TestBuildServeConsumesInProcess(t *testing.T) {
	site := statsSite(t)
	app, err := Build(context.Background(), testConfig(t, site.URL), ModeServe)
	require.NoError(t, err)
	t.Cleanup(app.Close)
	require.False(t, app.synchronous())
	require.NotNil(t, app.scheduler)
	require.NotNil(t, app.realtime)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.consumer.Run(ctx, app.broker, app.queues) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	res, err := app.Scrape(ctx, ingest.JobTypeStatistics, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.Published)

	require.Eventually(t, func() bool {
		items, err := app.tracker.ListItems(ctx, ingest.ItemFilter{JobID: res.Job.ID})
		if err != nil {
			return false
		}
		for _, item := range items {
			if item.Status != ingest.ItemStatusProcessed {
				return false
			}
		}
		return len(items) == 2
	}, 5*time.Second, 20*time.Millisecond)

	handler := app.apiServer.Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/realtime/data", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Status     string `json:"status"`
		JobID      int64  `json:"job_id"`
		TotalItems int    `json:"total_items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "ok", view.Status)
	require.Equal(t, res.Job.ID, view.JobID)
	require.Equal(t, 2, view.TotalItems)
}

func TestBuildConsumeRequiresRabbitMQ(t *testing.T) {
	_, err := Build(context.Background(), testConfig(t, "http://stats.invalid"), ModeConsume)
	require.ErrorContains(t, err, "rabbitmq.enabled")
}

func TestBuildRejectsUnknownScheduleType(t *testing.T) {
	cfg := testConfig(t, "http://stats.invalid")
	cfg.Schedule.Intervals = map[string]string{"weather": "1h"}
	_, err := Build(context.Background(), cfg, ModeServe)
	require.ErrorContains(t, err, "schedule.intervals")
}

func TestCloseIsIdempotent(t *testing.T) {
	app, err := Build(context.Background(), testConfig(t, "http://stats.invalid"), ModeServe)
	require.NoError(t, err)
	app.Close()
	app.Close()
}

package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

var itemCols = []string{
	"id", "job_id", "item_type", "source_url", "page_number", "table_index", "title", "content",
	"metadata", "status", "error_message", "message_id", "queue_name", "created_at", "updated_at",
}

var jobCols = []string{
	"id", "job_type", "url", "status", "start_time", "end_time",
	"items_found", "items_processed", "items_failed", "error_message",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	return store, mock
}

func itemRow(mock pgxmock.PgxPoolIface, status string, at time.Time) *pgxmock.Rows {
	return mock.NewRows(itemCols).AddRow(
		int64(3), int64(1), "html_table", "https://stats.example/economy", (*int)(nil), (*int)(nil),
		"Economic Indicators", []byte(`{"columns":["indicator","value"],"rows":[["GDP","3%"]]}`),
		[]byte(`{"category":"economic"}`), status, "", "msg-1", "statistics_data", at, at,
	)
}

func TestNewWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "jobs; DROP TABLE x", "")
	require.Error(t, err)
	_, err = NewWithPool(nil, "", "")
	require.Error(t, err)
}

func TestCreateJobReturnsID(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	start := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("INSERT INTO scrape_jobs").
		WithArgs("statistics", "https://stats.example/", "running", start, (*time.Time)(nil), 0, 0, 0, "").
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(7)))

	job, err := store.CreateJob(context.Background(), ingest.Job{
		Type:      ingest.JobTypeStatistics,
		URL:       "https://stats.example/",
		Status:    ingest.JobStatusRunning,
		StartTime: start,
	})
	require.NoError(t, err)
	require.EqualValues(t, 7, job.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobMissingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	end := time.Unix(1700000100, 0).UTC()
	mock.ExpectExec("UPDATE scrape_jobs SET status").
		WithArgs(int64(9), "completed", &end, 2, 1, 1, "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateJob(context.Background(), ingest.Job{
		ID:      9,
		Status:  ingest.JobStatusCompleted,
		EndTime: &end,
		Counts:  ingest.Counts{Found: 2, Processed: 1, Failed: 1},
	})
	require.ErrorIs(t, err, ingest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM scrape_jobs WHERE id").
		WithArgs(int64(9)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), 9)
	require.ErrorIs(t, err, ingest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestCompletedJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	start := time.Unix(1700000000, 0).UTC()
	end := start.Add(time.Minute)
	mock.ExpectQuery("SELECT (.+) FROM scrape_jobs WHERE status = \\$1").
		WithArgs("completed", "publications").
		WillReturnRows(mock.NewRows(jobCols).AddRow(
			int64(4), "publications", "https://stats.example/pubs", "completed", start, &end, 5, 4, 1, "",
		))

	job, err := store.LatestCompletedJob(context.Background(), ingest.JobTypePublications)
	require.NoError(t, err)
	require.EqualValues(t, 4, job.ID)
	require.Equal(t, ingest.JobStatusCompleted, job.Status)
	require.Equal(t, end, *job.EndTime)
	require.Equal(t, ingest.Counts{Found: 5, Processed: 4, Failed: 1}, job.Counts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionItemApplies(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000200, 0).UTC()
	mock.ExpectQuery("UPDATE scraped_items SET status").
		WithArgs(int64(3), "pending", "processed", "", pgxmock.AnyArg(), at).
		WillReturnRows(itemRow(mock, "processed", at))

	item, err := store.TransitionItem(context.Background(), 3, ingest.ItemTransition{
		From:     ingest.ItemStatusPending,
		To:       ingest.ItemStatusProcessed,
		Metadata: ingest.Metadata{"category": "economic"},
		At:       at,
	})
	require.NoError(t, err)
	require.Equal(t, ingest.ItemStatusProcessed, item.Status)
	require.Equal(t, "economic", item.Metadata.String(ingest.MetaCategory))
	tbl, err := item.Table()
	require.NoError(t, err)
	require.Equal(t, []string{"indicator", "value"}, tbl.Columns)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionItemConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000200, 0).UTC()
	mock.ExpectQuery("UPDATE scraped_items SET status").
		WithArgs(int64(3), "pending", "failed", "boom", pgxmock.AnyArg(), at).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM scraped_items WHERE id").
		WithArgs(int64(3)).
		WillReturnRows(itemRow(mock, "processed", at))

	item, err := store.TransitionItem(context.Background(), 3, ingest.ItemTransition{
		From:  ingest.ItemStatusPending,
		To:    ingest.ItemStatusFailed,
		Error: "boom",
		At:    at,
	})
	require.ErrorIs(t, err, ingest.ErrStatusConflict)
	require.Equal(t, ingest.ItemStatusProcessed, item.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListItemsFilters(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000200, 0).UTC()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE job_id = $1 AND metadata->>'category' = $2 ORDER BY id ASC LIMIT 10")).
		WithArgs(int64(1), "economic").
		WillReturnRows(itemRow(mock, "pending", at))

	items, err := store.ListItems(context.Background(), ingest.ItemFilter{JobID: 1, Category: "economic", Limit: 10})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "msg-1", items[0].MessageID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetItemQueue(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE scraped_items SET message_id").
		WithArgs(int64(3), "msg-2", "publications_data").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.SetItemQueue(context.Background(), 3, "msg-2", "publications_data"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scrape_jobs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scraped_items").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

// Package postgres implements the job tracker store on Postgres with pgx.
// Every write is a single-row statement; item status changes are
// compare-and-set on the current status.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and table names.
type Config struct {
	DSN             string
	JobsTable       string
	ItemsTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements ingest.Store.
type Store struct {
	pool  pool
	jobs  string
	items string
}

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.JobsTable, cfg.ItemsTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool builds a store from an existing pool (primarily for testing).
func NewWithPool(p pool, jobsTable, itemsTable string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if jobsTable == "" {
		jobsTable = "scrape_jobs"
	}
	if itemsTable == "" {
		itemsTable = "scraped_items"
	}
	for _, name := range []string{jobsTable, itemsTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &Store{pool: p, jobs: jobsTable, items: itemsTable}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the job and item tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	job_type TEXT NOT NULL,
	url TEXT NOT NULL,
	status TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ,
	items_found INTEGER NOT NULL DEFAULT 0,
	items_processed INTEGER NOT NULL DEFAULT 0,
	items_failed INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT ''
)`, s.jobs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	job_id BIGINT NOT NULL REFERENCES %s(id),
	item_type TEXT NOT NULL,
	source_url TEXT NOT NULL,
	page_number INTEGER,
	table_index INTEGER,
	title TEXT NOT NULL DEFAULT '',
	content JSONB NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL DEFAULT '',
	queue_name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.items, s.jobs),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_job_id_idx ON %s (job_id)`, s.items, s.items),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const jobColumns = `id, job_type, url, status, start_time, end_time, items_found, items_processed, items_failed, error_message`

const itemColumns = `id, job_id, item_type, source_url, page_number, table_index, title, content, metadata, status, error_message, message_id, queue_name, created_at, updated_at`

// CreateJob inserts a job and returns it with its id.
func (s *Store) CreateJob(ctx context.Context, job ingest.Job) (ingest.Job, error) {
	query := fmt.Sprintf(`INSERT INTO %s (job_type, url, status, start_time, end_time, items_found, items_processed, items_failed, error_message)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`, s.jobs)
	err := s.pool.QueryRow(ctx, query,
		string(job.Type), job.URL, string(job.Status), job.StartTime, job.EndTime,
		job.Found, job.Processed, job.Failed, job.Error,
	).Scan(&job.ID)
	if err != nil {
		return ingest.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// UpdateJob writes the mutable job columns.
func (s *Store) UpdateJob(ctx context.Context, job ingest.Job) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2, end_time = $3, items_found = $4, items_processed = $5, items_failed = $6, error_message = $7 WHERE id = $1`, s.jobs)
	tag, err := s.pool.Exec(ctx, query,
		job.ID, string(job.Status), job.EndTime, job.Found, job.Processed, job.Failed, job.Error)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %d: %w", job.ID, ingest.ErrNotFound)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (ingest.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.jobs)
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return ingest.Job{}, notFound(err, "job %d", id)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, filter ingest.JobFilter) ([]ingest.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("job_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY id DESC%s`, jobColumns, s.jobs, whereClause(where), limitClause(filter.Limit))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []ingest.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// LatestCompletedJob returns the completed job with the newest end time.
func (s *Store) LatestCompletedJob(ctx context.Context, jobType ingest.JobType) (ingest.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = $1 AND ($2 = '' OR job_type = $2) ORDER BY end_time DESC, id DESC LIMIT 1`, jobColumns, s.jobs)
	job, err := scanJob(s.pool.QueryRow(ctx, query, string(ingest.JobStatusCompleted), string(jobType)))
	if err != nil {
		return ingest.Job{}, notFound(err, "completed job")
	}
	return job, nil
}

// CreateItem inserts an item and returns it with its id.
func (s *Store) CreateItem(ctx context.Context, item ingest.Item) (ingest.Item, error) {
	meta, err := marshalMetadata(item.Metadata)
	if err != nil {
		return ingest.Item{}, err
	}
	content := item.Content
	if len(content) == 0 {
		content = json.RawMessage(`null`)
	}
	item.UpdatedAt = item.CreatedAt
	query := fmt.Sprintf(`INSERT INTO %s (job_id, item_type, source_url, page_number, table_index, title, content, metadata, status, error_message, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`, s.items)
	err = s.pool.QueryRow(ctx, query,
		item.JobID, string(item.Type), item.SourceURL, item.PageNumber, item.TableIndex, item.Title,
		[]byte(content), meta, string(item.Status), item.Error, item.CreatedAt, item.UpdatedAt,
	).Scan(&item.ID)
	if err != nil {
		return ingest.Item{}, fmt.Errorf("insert item: %w", err)
	}
	return item, nil
}

// GetItem loads an item by id.
func (s *Store) GetItem(ctx context.Context, id int64) (ingest.Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, itemColumns, s.items)
	item, err := scanItem(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return ingest.Item{}, notFound(err, "item %d", id)
	}
	return item, nil
}

// ListItems returns items in discovery order.
func (s *Store) ListItems(ctx context.Context, filter ingest.ItemFilter) ([]ingest.Item, error) {
	var (
		where []string
		args  []any
	)
	if filter.JobID != 0 {
		args = append(args, filter.JobID)
		where = append(where, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("metadata->>'category' = $%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY id ASC%s`, itemColumns, s.items, whereClause(where), limitClause(filter.Limit))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	var out []ingest.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// TransitionItem updates an item only while it is still in t.From.
func (s *Store) TransitionItem(ctx context.Context, id int64, t ingest.ItemTransition) (ingest.Item, error) {
	var meta []byte
	if t.Metadata != nil {
		var err error
		if meta, err = marshalMetadata(t.Metadata); err != nil {
			return ingest.Item{}, err
		}
	}
	query := fmt.Sprintf(`UPDATE %s SET status = $3, error_message = $4, metadata = COALESCE($5, metadata), updated_at = $6
WHERE id = $1 AND status = $2 RETURNING %s`, s.items, itemColumns)
	item, err := scanItem(s.pool.QueryRow(ctx, query, id, string(t.From), string(t.To), t.Error, meta, t.At))
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ingest.Item{}, fmt.Errorf("transition item %d: %w", id, err)
	}
	current, getErr := s.GetItem(ctx, id)
	if getErr != nil {
		return ingest.Item{}, getErr
	}
	return current, fmt.Errorf("item %d is %s, not %s: %w", id, current.Status, t.From, ingest.ErrStatusConflict)
}

// SetItemQueue records the message id and queue an item was published to.
func (s *Store) SetItemQueue(ctx context.Context, id int64, messageID, queueName string) error {
	query := fmt.Sprintf(`UPDATE %s SET message_id = $2, queue_name = $3 WHERE id = $1`, s.items)
	tag, err := s.pool.Exec(ctx, query, id, messageID, queueName)
	if err != nil {
		return fmt.Errorf("set item queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %d: %w", id, ingest.ErrNotFound)
	}
	return nil
}

func scanJob(row pgx.Row) (ingest.Job, error) {
	var (
		job     ingest.Job
		jobType string
		status  string
	)
	err := row.Scan(&job.ID, &jobType, &job.URL, &status, &job.StartTime, &job.EndTime,
		&job.Found, &job.Processed, &job.Failed, &job.Error)
	if err != nil {
		return ingest.Job{}, err
	}
	job.Type = ingest.JobType(jobType)
	job.Status = ingest.JobStatus(status)
	return job, nil
}

func scanItem(row pgx.Row) (ingest.Item, error) {
	var (
		item     ingest.Item
		itemType string
		status   string
		content  []byte
		meta     []byte
	)
	err := row.Scan(&item.ID, &item.JobID, &itemType, &item.SourceURL, &item.PageNumber, &item.TableIndex,
		&item.Title, &content, &meta, &status, &item.Error, &item.MessageID, &item.QueueName,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return ingest.Item{}, err
	}
	item.Type = ingest.ItemType(itemType)
	item.Status = ingest.ItemStatus(status)
	item.Content = json.RawMessage(content)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &item.Metadata); err != nil {
			return ingest.Item{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return item, nil
}

func marshalMetadata(m ingest.Metadata) ([]byte, error) {
	if m == nil {
		m = ingest.Metadata{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ingest.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

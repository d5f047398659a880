package ingest

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType identifies which kind of crawl a job performs.
type JobType string

// Job types known to the scheduler.
const (
	JobTypeStatistics   JobType = "statistics"
	JobTypePublications JobType = "publications"
)

// JobTypes lists every job type in scheduling order.
var JobTypes = []JobType{JobTypeStatistics, JobTypePublications}

// ParseJobType validates a job type string.
func ParseJobType(raw string) (JobType, error) {
	switch JobType(raw) {
	case JobTypeStatistics, JobTypePublications:
		return JobType(raw), nil
	default:
		return "", fmt.Errorf("unknown job type %q", raw)
	}
}

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted by the tracker.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the job can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ItemType identifies the artifact an item was extracted from.
type ItemType string

// Item types produced by the extractor.
const (
	ItemTypeHTMLTable ItemType = "html_table"
	ItemTypePDFTable  ItemType = "pdf_table"
	ItemTypePDFText   ItemType = "pdf_text"
)

// ItemStatus is the processing state of a scraped item.
type ItemStatus string

// Item status values. Pending is the only non-terminal state.
const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusProcessed ItemStatus = "processed"
	ItemStatusFailed    ItemStatus = "failed"
	ItemStatusInvalid   ItemStatus = "invalid"
)

// Terminal reports whether the status is one of processed, failed or invalid.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusProcessed || s == ItemStatusFailed || s == ItemStatusInvalid
}

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	return s == ItemStatusPending || s.Terminal()
}

// CanAdvance reports whether an item may move from one status to another.
// Items only move forward: pending to a terminal state.
func CanAdvance(from, to ItemStatus) bool {
	return from == ItemStatusPending && to.Terminal()
}

// Counts tracks how many units a job discovered and how they ended.
type Counts struct {
	Found     int `json:"items_found"`
	Processed int `json:"items_processed"`
	Failed    int `json:"items_failed"`
}

// Add accumulates another set of counts.
func (c *Counts) Add(other Counts) {
	c.Found += other.Found
	c.Processed += other.Processed
	c.Failed += other.Failed
}

// Job is one execution of a scrape for a job type.
type Job struct {
	ID        int64      `json:"id"`
	Type      JobType    `json:"job_type"`
	URL       string     `json:"url"`
	Status    JobStatus  `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Counts
	Error string `json:"error_message,omitempty"`
}

// Item is one tabular or text artifact extracted during a job.
type Item struct {
	ID         int64           `json:"id"`
	JobID      int64           `json:"job_id"`
	Type       ItemType        `json:"item_type"`
	SourceURL  string          `json:"source_url"`
	PageNumber *int            `json:"page_number,omitempty"`
	TableIndex *int            `json:"table_index,omitempty"`
	Title      string          `json:"title"`
	Content    json.RawMessage `json:"content"`
	Metadata   Metadata        `json:"metadata"`
	Status     ItemStatus      `json:"status"`
	Error      string          `json:"error_message,omitempty"`
	MessageID  string          `json:"message_id,omitempty"`
	QueueName  string          `json:"queue_name,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Table decodes the item content as a table. Items whose content is not a
// table (pdf_text links) return an error.
func (i Item) Table() (Table, error) {
	var t Table
	if err := json.Unmarshal(i.Content, &t); err != nil {
		return Table{}, fmt.Errorf("decode table content: %w", err)
	}
	if len(t.Columns) == 0 {
		return Table{}, fmt.Errorf("item %d has no columns", i.ID)
	}
	return t, nil
}

// NewItem describes an item about to be created by the tracker.
type NewItem struct {
	Type       ItemType
	SourceURL  string
	PageNumber *int
	TableIndex *int
	Title      string
	Content    json.RawMessage
	Metadata   Metadata
}

// Table is the serialized tabular content of an item.
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Column returns the values of the named column, or nil when absent.
func (t Table) Column(name string) []string {
	idx := -1
	for i, c := range t.Columns {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	values := make([]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		if idx < len(row) {
			values = append(values, row[idx])
		} else {
			values = append(values, "")
		}
	}
	return values
}

// Records returns the rows as column-keyed maps.
func (t Table) Records() []map[string]string {
	out := make([]map[string]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := make(map[string]string, len(t.Columns))
		for i, c := range t.Columns {
			if i < len(row) {
				rec[c] = row[i]
			} else {
				rec[c] = ""
			}
		}
		out = append(out, rec)
	}
	return out
}

// RawTable is a table produced by an extractor before it becomes an item.
type RawTable struct {
	Title string
	Table
	// Page is the 1-based PDF page, zero for HTML.
	Page int
	// Index is the table's position within its page or document.
	Index    int
	Metadata Metadata
}

// JobEvent announces that a job reached a terminal status.
type JobEvent struct {
	JobID   int64     `json:"job_id"`
	JobType JobType   `json:"job_type"`
	Status  JobStatus `json:"status"`
	Counts
	Error       string    `json:"error_message,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewJobEvent describes a finished job.
func NewJobEvent(job Job) JobEvent {
	e := JobEvent{JobID: job.ID, JobType: job.Type, Status: job.Status, Counts: job.Counts, Error: job.Error}
	if job.EndTime != nil {
		e.CompletedAt = *job.EndTime
	}
	return e
}

// Attributes returns the routing attributes for message brokers.
func (e JobEvent) Attributes() map[string]string {
	return map[string]string{
		"job_type": string(e.JobType),
		"status":   string(e.Status),
	}
}

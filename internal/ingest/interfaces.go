package ingest

import (
	"context"
	"io"
	"time"
)

// Document is a fetched resource.
type Document struct {
	URL          string
	FinalURL     string
	StatusCode   int
	ContentType  string
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher retrieves a URL with retries and politeness applied.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Document, error)
}

// JobFilter narrows job listings. Zero values match everything.
type JobFilter struct {
	Type   JobType
	Status JobStatus
	Limit  int
}

// ItemFilter narrows item listings. Zero values match everything.
type ItemFilter struct {
	JobID    int64
	Status   ItemStatus
	Category string
	Limit    int
}

// ItemTransition is a compare-and-set status change for one item.
type ItemTransition struct {
	From     ItemStatus
	To       ItemStatus
	Error    string
	Metadata Metadata
	At       time.Time
}

// Store is the job tracker persistence boundary. Every method touches a
// single record; no multi-row transaction is required.
type Store interface {
	CreateJob(ctx context.Context, job Job) (Job, error)
	UpdateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id int64) (Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	// LatestCompletedJob returns the completed job with the newest end time.
	// An empty job type matches any type.
	LatestCompletedJob(ctx context.Context, jobType JobType) (Job, error)

	CreateItem(ctx context.Context, item Item) (Item, error)
	GetItem(ctx context.Context, id int64) (Item, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]Item, error)
	// TransitionItem applies the change only if the item is still in
	// t.From, returning ErrStatusConflict otherwise.
	TransitionItem(ctx context.Context, id int64, t ItemTransition) (Item, error)
	SetItemQueue(ctx context.Context, id int64, messageID, queueName string) error
}

// BlobStore archives raw fetched documents and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Notifier announces job completion to external subscribers.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique string identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

// JobStore implements ingest.Store in memory for development and tests.
// Every method holds the lock for a single record change, matching the
// point-update guarantees of the Postgres store.
type JobStore struct {
	mu       sync.RWMutex
	jobs     map[int64]ingest.Job
	items    map[int64]ingest.Item
	nextJob  int64
	nextItem int64
	now      func() time.Time
}

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:  make(map[int64]ingest.Job),
		items: make(map[int64]ingest.Item),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob assigns an id and stores the job.
func (s *JobStore) CreateJob(_ context.Context, job ingest.Job) (ingest.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJob++
	job.ID = s.nextJob
	s.jobs[job.ID] = cloneJob(job)
	return cloneJob(job), nil
}

// UpdateJob replaces a stored job.
func (s *JobStore) UpdateJob(_ context.Context, job ingest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %d: %w", job.ID, ingest.ErrNotFound)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by id.
func (s *JobStore) GetJob(_ context.Context, id int64) (ingest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return ingest.Job{}, fmt.Errorf("job %d: %w", id, ingest.ErrNotFound)
	}
	return cloneJob(job), nil
}

// ListJobs returns matching jobs, newest first.
func (s *JobStore) ListJobs(_ context.Context, filter ingest.JobFilter) ([]ingest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// LatestCompletedJob returns the completed job with the latest end time.
func (s *JobStore) LatestCompletedJob(_ context.Context, jobType ingest.JobType) (ingest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  ingest.Job
		found bool
	)
	for _, job := range s.jobs {
		if job.Status != ingest.JobStatusCompleted || job.EndTime == nil {
			continue
		}
		if jobType != "" && job.Type != jobType {
			continue
		}
		if !found || job.EndTime.After(*best.EndTime) || (job.EndTime.Equal(*best.EndTime) && job.ID > best.ID) {
			best, found = job, true
		}
	}
	if !found {
		return ingest.Job{}, fmt.Errorf("completed job: %w", ingest.ErrNotFound)
	}
	return cloneJob(best), nil
}

// CreateItem assigns an id and stores the item. The owning job must exist.
func (s *JobStore) CreateItem(_ context.Context, item ingest.Item) (ingest.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[item.JobID]; !ok {
		return ingest.Item{}, fmt.Errorf("job %d: %w", item.JobID, ingest.ErrNotFound)
	}
	s.nextItem++
	item.ID = s.nextItem
	now := s.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = item.CreatedAt
	s.items[item.ID] = cloneItem(item)
	return cloneItem(item), nil
}

// GetItem fetches an item by id.
func (s *JobStore) GetItem(_ context.Context, id int64) (ingest.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return ingest.Item{}, fmt.Errorf("item %d: %w", id, ingest.ErrNotFound)
	}
	return cloneItem(item), nil
}

// ListItems returns matching items in discovery order.
func (s *JobStore) ListItems(_ context.Context, filter ingest.ItemFilter) ([]ingest.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Item, 0)
	for _, item := range s.items {
		if filter.JobID != 0 && item.JobID != filter.JobID {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.Category != "" && item.Metadata.String(ingest.MetaCategory) != filter.Category {
			continue
		}
		out = append(out, cloneItem(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// TransitionItem applies t only when the item is still in t.From.
func (s *JobStore) TransitionItem(_ context.Context, id int64, t ingest.ItemTransition) (ingest.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ingest.Item{}, fmt.Errorf("item %d: %w", id, ingest.ErrNotFound)
	}
	if item.Status != t.From {
		return cloneItem(item), fmt.Errorf("item %d is %s, not %s: %w", id, item.Status, t.From, ingest.ErrStatusConflict)
	}
	item.Status = t.To
	item.Error = t.Error
	if t.Metadata != nil {
		item.Metadata = t.Metadata.Clone()
	}
	item.UpdatedAt = t.At
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = s.now()
	}
	s.items[id] = item
	return cloneItem(item), nil
}

// SetItemQueue records where an item was published.
func (s *JobStore) SetItemQueue(_ context.Context, id int64, messageID, queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("item %d: %w", id, ingest.ErrNotFound)
	}
	item.MessageID = messageID
	item.QueueName = queueName
	s.items[id] = item
	return nil
}

// DeleteItem removes an item. Used to simulate items deleted while their
// message was still queued.
func (s *JobStore) DeleteItem(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func cloneJob(job ingest.Job) ingest.Job {
	if job.EndTime != nil {
		end := *job.EndTime
		job.EndTime = &end
	}
	return job
}

func cloneItem(item ingest.Item) ingest.Item {
	item.Content = append([]byte(nil), item.Content...)
	if item.Metadata != nil {
		item.Metadata = item.Metadata.Clone()
	}
	return item
}

// Package tracker owns the job and item lifecycle. It is the only writer
// of job and item status and rejects every change that would break the
// lifecycle invariants: jobs end exactly once, items only move forward.
package tracker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-stats-ingest/internal/metrics"
)

// Service enforces lifecycle rules on top of an ingest.Store.
type Service struct {
	store  ingest.Store
	clock  ingest.Clock
	logger *zap.Logger
}

// New builds a Service.
func New(store ingest.Store, clock ingest.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, clock: clock, logger: logger}
}

// StartJob records a new running job.
func (s *Service) StartJob(ctx context.Context, jobType ingest.JobType, url string) (ingest.Job, error) {
	job, err := s.store.CreateJob(ctx, ingest.Job{
		Type:      jobType,
		URL:       url,
		Status:    ingest.JobStatusRunning,
		StartTime: s.clock.Now(),
	})
	if err != nil {
		return ingest.Job{}, fmt.Errorf("create job: %w", err)
	}
	metrics.ObserveJob(string(jobType), string(job.Status))
	s.logger.Info("job started", zap.Int64("job_id", job.ID), zap.String("job_type", string(jobType)))
	return job, nil
}

// CompleteJob marks a job completed with its final counts. Found is raised
// when processed plus failed would exceed it.
func (s *Service) CompleteJob(ctx context.Context, jobID int64, counts ingest.Counts) (ingest.Job, error) {
	if counts.Processed+counts.Failed > counts.Found {
		s.logger.Warn("job counts exceed items found",
			zap.Int64("job_id", jobID),
			zap.Int("found", counts.Found),
			zap.Int("processed", counts.Processed),
			zap.Int("failed", counts.Failed))
		counts.Found = counts.Processed + counts.Failed
	}
	return s.finish(ctx, jobID, ingest.JobStatusCompleted, counts, "")
}

// FailJob marks a job failed. Counts gathered before the failure are kept.
func (s *Service) FailJob(ctx context.Context, jobID int64, counts ingest.Counts, message string) (ingest.Job, error) {
	if counts.Processed+counts.Failed > counts.Found {
		counts.Found = counts.Processed + counts.Failed
	}
	return s.finish(ctx, jobID, ingest.JobStatusFailed, counts, message)
}

func (s *Service) finish(ctx context.Context, jobID int64, status ingest.JobStatus, counts ingest.Counts, message string) (ingest.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return ingest.Job{}, fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		s.logger.Error("refusing to finish terminal job",
			zap.Int64("job_id", jobID),
			zap.String("status", string(job.Status)),
			zap.String("requested", string(status)))
		return job, fmt.Errorf("job %d is %s: %w", jobID, job.Status, ingest.ErrJobTerminal)
	}
	end := s.clock.Now()
	job.Status = status
	job.EndTime = &end
	job.Counts = counts
	job.Error = message
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return ingest.Job{}, fmt.Errorf("update job: %w", err)
	}
	metrics.ObserveJob(string(job.Type), string(status))
	fields := []zap.Field{
		zap.Int64("job_id", jobID),
		zap.String("job_type", string(job.Type)),
		zap.String("status", string(status)),
		zap.Int("found", counts.Found),
		zap.Int("processed", counts.Processed),
		zap.Int("failed", counts.Failed),
	}
	if status == ingest.JobStatusFailed {
		s.logger.Warn("job failed", append(fields, zap.String("error", message))...)
	} else {
		s.logger.Info("job completed", fields...)
	}
	return job, nil
}

// CreateItem records a pending item under a running job.
func (s *Service) CreateItem(ctx context.Context, jobID int64, in ingest.NewItem) (ingest.Item, error) {
	item, err := s.store.CreateItem(ctx, ingest.Item{
		JobID:      jobID,
		Type:       in.Type,
		SourceURL:  in.SourceURL,
		PageNumber: in.PageNumber,
		TableIndex: in.TableIndex,
		Title:      in.Title,
		Content:    in.Content,
		Metadata:   in.Metadata,
		Status:     ingest.ItemStatusPending,
		CreatedAt:  s.clock.Now(),
	})
	if err != nil {
		return ingest.Item{}, fmt.Errorf("create item: %w", err)
	}
	metrics.ObserveItem(string(item.Type), string(item.Status))
	return item, nil
}

// Advance describes a requested item status change.
type Advance struct {
	To    ingest.ItemStatus
	Error string
	// Metadata replaces the item's metadata when non-nil.
	Metadata ingest.Metadata
}

// AdvanceItem moves an item from pending to a terminal status. Requests
// that would regress or repeat a terminal status return
// ErrStatusRegression; losing a race with another writer returns
// ErrStatusConflict.
func (s *Service) AdvanceItem(ctx context.Context, itemID int64, adv Advance) (ingest.Item, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return ingest.Item{}, fmt.Errorf("load item: %w", err)
	}
	if !ingest.CanAdvance(item.Status, adv.To) {
		s.logger.Error("rejected item status regression",
			zap.Int64("item_id", itemID),
			zap.String("from", string(item.Status)),
			zap.String("to", string(adv.To)))
		return item, fmt.Errorf("item %d %s -> %s: %w", itemID, item.Status, adv.To, ingest.ErrStatusRegression)
	}
	updated, err := s.store.TransitionItem(ctx, itemID, ingest.ItemTransition{
		From:     item.Status,
		To:       adv.To,
		Error:    adv.Error,
		Metadata: adv.Metadata,
		At:       s.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, ingest.ErrStatusConflict) {
			s.logger.Info("item advanced concurrently", zap.Int64("item_id", itemID), zap.String("to", string(adv.To)))
		}
		return updated, fmt.Errorf("transition item: %w", err)
	}
	metrics.ObserveItem(string(updated.Type), string(updated.Status))
	return updated, nil
}

// RecordPublication stores the queue correlation for an item.
func (s *Service) RecordPublication(ctx context.Context, itemID int64, messageID, queueName string) error {
	if err := s.store.SetItemQueue(ctx, itemID, messageID, queueName); err != nil {
		return fmt.Errorf("record publication: %w", err)
	}
	return nil
}

// LatestCompleted returns the most recently completed job of a type, or of
// any type when jobType is empty.
func (s *Service) LatestCompleted(ctx context.Context, jobType ingest.JobType) (ingest.Job, error) {
	job, err := s.store.LatestCompletedJob(ctx, jobType)
	if err != nil {
		return ingest.Job{}, fmt.Errorf("latest completed job: %w", err)
	}
	return job, nil
}

// GetJob returns one job.
func (s *Service) GetJob(ctx context.Context, id int64) (ingest.Job, error) {
	return s.store.GetJob(ctx, id)
}

// GetItem returns one item.
func (s *Service) GetItem(ctx context.Context, id int64) (ingest.Item, error) {
	return s.store.GetItem(ctx, id)
}

// ListJobs lists jobs newest first.
func (s *Service) ListJobs(ctx context.Context, filter ingest.JobFilter) ([]ingest.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// ListItems lists items in discovery order.
func (s *Service) ListItems(ctx context.Context, filter ingest.ItemFilter) ([]ingest.Item, error) {
	return s.store.ListItems(ctx, filter)
}

// ItemCounts tallies a job's items by outcome. Invalid items count as
// failed.
func (s *Service) ItemCounts(ctx context.Context, jobID int64) (ingest.Counts, error) {
	items, err := s.store.ListItems(ctx, ingest.ItemFilter{JobID: jobID})
	if err != nil {
		return ingest.Counts{}, fmt.Errorf("list items: %w", err)
	}
	var c ingest.Counts
	for _, item := range items {
		c.Found++
		switch item.Status {
		case ingest.ItemStatusProcessed:
			c.Processed++
		case ingest.ItemStatusFailed, ingest.ItemStatusInvalid:
			c.Failed++
		}
	}
	return c, nil
}

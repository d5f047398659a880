package etl

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-stats-ingest/internal/queue"
	"github.com/JakeFAU/realtime-stats-ingest/internal/tracker"
)

// DefaultBatchSize bounds how many items are loaded and published per batch.
const DefaultBatchSize = 10

// Publisher sends pending items to the broker and records where each went.
type Publisher struct {
	tracker   *tracker.Service
	broker    queue.Publisher
	routes    queue.Routes
	ids       ingest.IDGenerator
	batchSize int
	logger    *zap.Logger
}

// NewPublisher builds a Publisher. A non-positive batchSize uses
// DefaultBatchSize.
func NewPublisher(t *tracker.Service, broker queue.Publisher, routes queue.Routes, ids ingest.IDGenerator, batchSize int, logger *zap.Logger) *Publisher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		tracker:   t,
		broker:    broker,
		routes:    routes,
		ids:       ids,
		batchSize: batchSize,
		logger:    logger.Named("etl"),
	}
}

// Publish sends every pending item in items and returns how many were
// published. Each message gets a fresh id that is stored on the item with
// the queue name right after the broker accepts it. Publishing stops at the
// first broker error.
func (p *Publisher) Publish(ctx context.Context, items []ingest.Item) (int, error) {
	pending := make([]ingest.Item, 0, len(items))
	for _, item := range items {
		if item.Status == ingest.ItemStatusPending {
			pending = append(pending, item)
		}
	}

	count := 0
	for start := 0; start < len(pending); start += p.batchSize {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		end := min(start+p.batchSize, len(pending))
		for _, item := range pending[start:end] {
			if err := p.publishOne(ctx, item); err != nil {
				return count, err
			}
			count++
		}
		p.logger.Debug("published batch", zap.Int("size", end-start), zap.Int("total", count))
	}
	if count > 0 {
		p.logger.Info("published items", zap.Int("count", count))
	}
	return count, nil
}

func (p *Publisher) publishOne(ctx context.Context, item ingest.Item) error {
	messageID, err := p.ids.NewID()
	if err != nil {
		return fmt.Errorf("message id for item %d: %w", item.ID, err)
	}
	name := p.routes.QueueFor(item.Type)
	if err := p.broker.Publish(ctx, name, queue.NewMessage(item, messageID)); err != nil {
		return fmt.Errorf("publish item %d: %w", item.ID, err)
	}
	if err := p.tracker.RecordPublication(ctx, item.ID, messageID, name); err != nil {
		p.logger.Error("message published but not recorded",
			zap.Int64("item_id", item.ID),
			zap.String("message_id", messageID),
			zap.String("queue", name),
			zap.Error(err))
	}
	return nil
}

// PublishJob publishes the pending items of one job. An unknown job
// returns ingest.ErrNotFound.
func (p *Publisher) PublishJob(ctx context.Context, jobID int64) (int, error) {
	if _, err := p.tracker.GetJob(ctx, jobID); err != nil {
		return 0, fmt.Errorf("load job: %w", err)
	}
	items, err := p.tracker.ListItems(ctx, ingest.ItemFilter{JobID: jobID, Status: ingest.ItemStatusPending})
	if err != nil {
		return 0, fmt.Errorf("list pending items: %w", err)
	}
	return p.Publish(ctx, items)
}

package etl

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-stats-ingest/internal/metrics"
	"github.com/JakeFAU/realtime-stats-ingest/internal/queue"
	"github.com/JakeFAU/realtime-stats-ingest/internal/tracker"
)

// Delivery outcomes recorded in metrics and logs.
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeInvalid   = "invalid"
	OutcomeMissing   = "missing"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeRequeued  = "requeued"
)

// ConsumerConfig tunes the consumer.
type ConsumerConfig struct {
	// MaxAttempts bounds in-process attempts at storing the result before
	// the item is marked failed. One means fail-and-ack on first error.
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

// Consumer processes deliveries. Every delivery is acknowledged once the
// item reached a terminal state, including failures.
type Consumer struct {
	tracker *tracker.Service
	policy  *ingest.ExponentialRetryPolicy
	logger  *zap.Logger
	settled func(ctx context.Context, itemID int64)
}

// NewConsumer builds a Consumer.
func NewConsumer(t *tracker.Service, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Second
	}
	return &Consumer{
		tracker: t,
		policy:  ingest.NewExponentialRetryPolicy(cfg.MaxAttempts, cfg.RetryBase, cfg.RetryMax),
		logger:  logger.Named("etl"),
	}
}

// OnSettled registers fn to run after a delivery moved an item to a
// terminal status. It must be called before Run.
func (c *Consumer) OnSettled(fn func(ctx context.Context, itemID int64)) {
	c.settled = fn
}

// Run consumes queues until ctx ends.
func (c *Consumer) Run(ctx context.Context, broker queue.Consumer, queues []string) error {
	c.logger.Info("consumer started", zap.Strings("queues", queues))
	return broker.Consume(ctx, queues, c.Handle)
}

// Handle processes one delivery and settles it. It implements queue.Handler.
func (c *Consumer) Handle(ctx context.Context, d queue.Delivery) {
	outcome, itemID := c.handle(ctx, d)
	metrics.ObserveQueueMessage(d.Queue, outcome)
	switch outcome {
	case OutcomeProcessed, OutcomeFailed, OutcomeInvalid:
		if c.settled != nil && itemID != 0 {
			c.settled(ctx, itemID)
		}
	}
	var err error
	if outcome == OutcomeRequeued {
		err = d.Nack(true)
	} else {
		err = d.Ack()
	}
	if err != nil {
		c.logger.Error("settle delivery", zap.String("message_id", d.MessageID), zap.Error(err))
	}
}

func (c *Consumer) handle(ctx context.Context, d queue.Delivery) (string, int64) {
	msg, err := queue.Decode(d.Body)
	if err != nil {
		c.logger.Error("dropping malformed message", zap.String("queue", d.Queue), zap.String("message_id", d.MessageID), zap.Error(err))
		return OutcomeMalformed, 0
	}
	log := c.logger.With(zap.Int64("item_id", msg.ItemID), zap.String("message_id", msg.MessageID))

	item, err := c.tracker.GetItem(ctx, msg.ItemID)
	switch {
	case errors.Is(err, ingest.ErrNotFound):
		log.Warn("item not found; dropping message")
		return OutcomeMissing, 0
	case err != nil:
		// The store is unreachable, so the item cannot be marked failed.
		// Give the broker one more chance before dropping.
		if !d.Redelivered {
			log.Warn("load item failed; requeueing", zap.Error(err))
			return OutcomeRequeued, 0
		}
		log.Error("load item failed on redelivery; dropping", zap.Error(err))
		return OutcomeFailed, 0
	}
	if item.Status.Terminal() {
		log.Debug("item already terminal", zap.String("status", string(item.Status)))
		return OutcomeDuplicate, item.ID
	}

	meta, err := Process(item)
	if err != nil {
		status := ingest.ItemStatusFailed
		if errors.Is(err, ErrUnsupported) {
			status = ingest.ItemStatusInvalid
		}
		return c.settleFailure(ctx, log, item.ID, status, err), item.ID
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		_, lastErr = c.tracker.AdvanceItem(ctx, item.ID, tracker.Advance{To: ingest.ItemStatusProcessed, Metadata: meta})
		if lastErr == nil {
			log.Info("item processed", zap.String("category", meta.String(ingest.MetaCategory)))
			return OutcomeProcessed, item.ID
		}
		if errors.Is(lastErr, ingest.ErrStatusRegression) || errors.Is(lastErr, ingest.ErrStatusConflict) {
			log.Debug("item settled by another delivery", zap.Error(lastErr))
			return OutcomeDuplicate, item.ID
		}
		if !c.policy.ShouldRetry(lastErr, attempt) {
			break
		}
		log.Warn("store processed item failed; retrying", zap.Int("attempt", attempt), zap.Error(lastErr))
		if err := ingest.Sleep(ctx, c.policy.Backoff(attempt-1)); err != nil {
			lastErr = err
			break
		}
	}
	return c.settleFailure(ctx, log, item.ID, ingest.ItemStatusFailed, lastErr), item.ID
}

func (c *Consumer) settleFailure(ctx context.Context, log *zap.Logger, itemID int64, status ingest.ItemStatus, cause error) string {
	log.Warn("item processing failed", zap.String("status", string(status)), zap.Error(cause))
	_, err := c.tracker.AdvanceItem(ctx, itemID, tracker.Advance{To: status, Error: cause.Error()})
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrStatusRegression), errors.Is(err, ingest.ErrStatusConflict):
		return OutcomeDuplicate
	default:
		log.Error("mark item failed", zap.Error(err))
	}
	if status == ingest.ItemStatusInvalid {
		return OutcomeInvalid
	}
	return OutcomeFailed
}

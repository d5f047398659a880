// Package rabbitmq implements queue.Publisher and queue.Consumer over AMQP
// 0.9.1. Every queue is durable and bound to a durable exchange with its own
// name as the routing key; messages are published persistent and consumed
// with manual acknowledgement under a bounded prefetch.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-stats-ingest/internal/queue"
)

// Channel is the subset of *amqp.Channel the broker uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection opens channels on an AMQP connection.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Dialer opens a connection to url.
type Dialer func(url string) (Connection, error)

// Dial connects with amqp.Dial.
func Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	return amqpConnection{conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConnection) Close() error { return c.conn.Close() }

// Config describes the broker topology and reconnect behaviour.
type Config struct {
	URL          string
	Exchange     string
	ExchangeType string
	Queues       []string
	Prefetch     int
	ConsumerTag  string
	// ReconnectMaxAttempts bounds consecutive failed sessions before Consume
	// gives up. Zero retries forever.
	ReconnectMaxAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
}

func (c *Config) setDefaults() {
	if c.Exchange == "" {
		c.Exchange = "snbs"
	}
	if c.ExchangeType == "" {
		c.ExchangeType = amqp.ExchangeDirect
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

// Broker publishes and consumes over RabbitMQ. Publishing shares one lazily
// opened connection; each Consume call runs its own session.
type Broker struct {
	cfg    Config
	dial   Dialer
	logger *zap.Logger

	mu      sync.Mutex
	conn    Connection
	channel Channel
	closed  bool
}

// New constructs a broker. A nil dial uses Dial.
func New(cfg Config, dial Dialer, logger *zap.Logger) (*Broker, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if len(cfg.Queues) == 0 {
		return nil, errors.New("rabbitmq queues are required")
	}
	cfg.setDefaults()
	if dial == nil {
		dial = Dial
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{cfg: cfg, dial: dial, logger: logger.Named("rabbitmq")}, nil
}

func (b *Broker) policy() *ingest.ExponentialRetryPolicy {
	attempts := b.cfg.ReconnectMaxAttempts
	if attempts <= 0 {
		attempts = int(^uint(0) >> 1)
	}
	return ingest.NewExponentialRetryPolicy(attempts, b.cfg.ReconnectBase, b.cfg.ReconnectMax)
}

// open dials a connection, opens a channel and declares the topology.
func (b *Broker) open() (Connection, Channel, error) {
	conn, err := b.dial(b.cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := b.declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func (b *Broker) declare(ch Channel) error {
	if err := ch.ExchangeDeclare(b.cfg.Exchange, b.cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.cfg.Exchange, err)
	}
	for _, name := range b.cfg.Queues {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
		if err := ch.QueueBind(name, name, b.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", name, err)
		}
	}
	return nil
}

// Publish sends m persistently to the named queue. A failed publish drops
// the shared connection and is retried once on a fresh one.
func (b *Broker) Publish(ctx context.Context, name string, m queue.Message) error {
	body, err := queue.Encode(m)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.MessageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if b.closed {
			return queue.ErrClosed
		}
		if b.channel == nil {
			conn, ch, err := b.open()
			if err != nil {
				lastErr = err
				continue
			}
			b.conn, b.channel = conn, ch
		}
		err := b.channel.PublishWithContext(ctx, b.cfg.Exchange, name, false, false, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		b.resetLocked()
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("publish %s to %s: %w", m.MessageID, name, lastErr)
}

func (b *Broker) resetLocked() {
	if b.channel != nil {
		_ = b.channel.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.channel, b.conn = nil, nil
}

// Consume delivers messages from queues to h until ctx ends. A lost
// connection or channel is re-established with exponential backoff; the
// attempt counter resets after every session that managed to subscribe.
func (b *Broker) Consume(ctx context.Context, queues []string, h queue.Handler) error {
	if len(queues) == 0 {
		queues = b.cfg.Queues
	}
	policy := b.policy()
	failures := 0
	for {
		subscribed, err := b.session(ctx, queues, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if b.isClosed() {
			return queue.ErrClosed
		}
		if subscribed {
			failures = 0
		}
		failures++
		if !policy.ShouldRetry(err, failures) {
			return fmt.Errorf("consume %v: %w", queues, err)
		}
		delay := policy.Backoff(failures - 1)
		b.logger.Warn("consumer session ended; reconnecting",
			zap.Error(err), zap.Int("attempt", failures), zap.Duration("backoff", delay))
		if err := ingest.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (b *Broker) session(ctx context.Context, queues []string, h queue.Handler) (bool, error) {
	conn, ch, err := b.open()
	if err != nil {
		return false, err
	}
	defer func() {
		_ = ch.Close()
		_ = conn.Close()
	}()
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return false, fmt.Errorf("set qos: %w", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	stop := make(chan struct{})
	defer close(stop)
	merged := make(chan queue.Delivery)
	var wg sync.WaitGroup
	for i, name := range queues {
		tag := ""
		if b.cfg.ConsumerTag != "" {
			tag = fmt.Sprintf("%s-%d", b.cfg.ConsumerTag, i)
		}
		src, err := ch.Consume(name, tag, false, false, false, false, nil)
		if err != nil {
			return false, fmt.Errorf("consume %s: %w", name, err)
		}
		wg.Add(1)
		go func(name string, src <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range src {
				select {
				case merged <- toDelivery(name, d):
				case <-stop:
					return
				}
			}
		}(name, src)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()
	b.logger.Info("consuming", zap.Strings("queues", queues), zap.Int("prefetch", b.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return true, errors.New("channel closed")
			}
			return true, fmt.Errorf("channel closed: %w", amqpErr)
		case d, ok := <-merged:
			if !ok {
				return true, errors.New("delivery channels closed")
			}
			h(ctx, d)
		}
	}
}

func toDelivery(name string, d amqp.Delivery) queue.Delivery {
	return queue.Delivery{
		Queue:       name,
		MessageID:   d.MessageId,
		Body:        d.Body,
		Redelivered: d.Redelivered,
		Acker:       acker{d},
	}
}

type acker struct {
	d amqp.Delivery
}

func (a acker) Ack() error              { return a.d.Ack(false) }
func (a acker) Nack(requeue bool) error { return a.d.Nack(false, requeue) }

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close releases the publishing connection and stops reconnect loops.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.resetLocked()
	return nil
}

// Package memory provides an in-process broker for tests and single-process
// deployments. It honours the same settle semantics as the AMQP broker:
// unacknowledged deliveries can be requeued and are then marked redelivered.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/realtime-stats-ingest/internal/queue"
)

var errSettled = errors.New("delivery already settled")

type envelope struct {
	messageID   string
	body        []byte
	redelivered bool
}

// Stats counts broker activity.
type Stats struct {
	Published int
	Acked     int
	Nacked    int
	Requeued  int
}

// Broker is a set of named FIFO queues. Publish blocks while a queue holds
// capacity messages; a non-positive capacity means unbounded.
type Broker struct {
	capacity int

	mu     sync.Mutex
	queues map[string][]envelope
	signal chan struct{}
	closed bool
	stats  Stats
}

// NewBroker constructs a broker with the provided per-queue capacity.
func NewBroker(capacity int) *Broker {
	return &Broker{
		capacity: capacity,
		queues:   make(map[string][]envelope),
		signal:   make(chan struct{}),
	}
}

// broadcast wakes every waiter. Callers hold b.mu.
func (b *Broker) broadcast() {
	close(b.signal)
	b.signal = make(chan struct{})
}

// Publish appends m to the named queue or returns if the context ends.
func (b *Broker) Publish(ctx context.Context, name string, m queue.Message) error {
	body, err := queue.Encode(m)
	if err != nil {
		return err
	}
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return queue.ErrClosed
		}
		if b.capacity <= 0 || len(b.queues[name]) < b.capacity {
			b.queues[name] = append(b.queues[name], envelope{messageID: m.MessageID, body: body})
			b.stats.Published++
			b.broadcast()
			b.mu.Unlock()
			return nil
		}
		wait := b.signal
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("publish canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Consume hands deliveries from queues to h one at a time, visiting the
// queues round-robin, until ctx ends or the broker closes.
func (b *Broker) Consume(ctx context.Context, queues []string, h queue.Handler) error {
	if len(queues) == 0 {
		return errors.New("consume: no queues")
	}
	next := 0
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return queue.ErrClosed
		}
		d, ok := b.take(queues, &next)
		wait := b.signal
		b.mu.Unlock()

		if ok {
			h(ctx, d)
			continue
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("consume canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

func (b *Broker) take(queues []string, next *int) (queue.Delivery, bool) {
	for i := range queues {
		name := queues[(*next+i)%len(queues)]
		pending := b.queues[name]
		if len(pending) == 0 {
			continue
		}
		env := pending[0]
		b.queues[name] = pending[1:]
		*next = (*next + i + 1) % len(queues)
		b.broadcast()
		return queue.Delivery{
			Queue:       name,
			MessageID:   env.messageID,
			Body:        env.body,
			Redelivered: env.redelivered,
			Acker:       &acker{broker: b, queue: name, env: env},
		}, true
	}
	return queue.Delivery{}, false
}

// Len returns the number of messages waiting in the named queue.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[name])
}

// Stats returns a snapshot of the counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close stops consumers and rejects further publishes. Closing twice is safe.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.broadcast()
	return nil
}

type acker struct {
	broker  *Broker
	queue   string
	env     envelope
	settled bool
}

func (a *acker) Ack() error {
	b := a.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if a.settled {
		return errSettled
	}
	a.settled = true
	b.stats.Acked++
	return nil
}

func (a *acker) Nack(requeue bool) error {
	b := a.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if a.settled {
		return errSettled
	}
	a.settled = true
	b.stats.Nacked++
	if requeue && !b.closed {
		env := a.env
		env.redelivered = true
		b.queues[a.queue] = append([]envelope{env}, b.queues[a.queue]...)
		b.stats.Requeued++
		b.broadcast()
	}
	return nil
}

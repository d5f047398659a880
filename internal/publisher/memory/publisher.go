// Package memory records job notifications in process, for tests and
// deployments without a Pub/Sub topic.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// JobIDs returns the job ids of the recorded job events, in publish order.
func (p *Publisher) JobIDs() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ids []int64
	for _, m := range p.messages {
		if e, ok := m.Payload.(ingest.JobEvent); ok {
			ids = append(ids, e.JobID)
		}
	}
	return ids
}

// Package queue defines the ETL wire contract and the broker-neutral
// publisher and consumer interfaces. The rabbitmq subpackage is the
// production broker; memory runs everything in one process.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("queue closed")

// Message is the JSON body published for every pending item.
type Message struct {
	ItemID    int64           `json:"item_id"`
	ItemType  string          `json:"item_type"`
	SourceURL string          `json:"source_url"`
	Content   json.RawMessage `json:"content"`
	Metadata  ingest.Metadata `json:"metadata"`
	MessageID string          `json:"message_id"`
}

// NewMessage builds the message for an item.
func NewMessage(item ingest.Item, messageID string) Message {
	content := item.Content
	if len(content) == 0 {
		content = json.RawMessage(`null`)
	}
	meta := item.Metadata
	if meta == nil {
		meta = ingest.Metadata{}
	}
	return Message{
		ItemID:    item.ID,
		ItemType:  string(item.Type),
		SourceURL: item.SourceURL,
		Content:   content,
		Metadata:  meta,
		MessageID: messageID,
	}
}

// Encode serializes m.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.MessageID, err)
	}
	return b, nil
}

// Decode parses and validates a message body.
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.ItemID <= 0 {
		return Message{}, fmt.Errorf("decode message: missing item_id")
	}
	return m, nil
}

// Acknowledger settles a delivery with the broker.
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// Delivery is one received message.
type Delivery struct {
	Queue       string
	MessageID   string
	Body        []byte
	Redelivered bool
	Acker       Acknowledger
}

// Ack acknowledges the delivery.
func (d Delivery) Ack() error {
	if d.Acker == nil {
		return nil
	}
	return d.Acker.Ack()
}

// Nack rejects the delivery, optionally returning it to the queue.
func (d Delivery) Nack(requeue bool) error {
	if d.Acker == nil {
		return nil
	}
	return d.Acker.Nack(requeue)
}

// Handler processes one delivery and is responsible for settling it.
type Handler func(ctx context.Context, d Delivery)

// Publisher sends messages to a named queue with persistent delivery.
type Publisher interface {
	Publish(ctx context.Context, queue string, m Message) error
	Close() error
}

// Consumer delivers messages from the named queues one at a time until
// ctx ends.
type Consumer interface {
	Consume(ctx context.Context, queues []string, h Handler) error
	Close() error
}

// Routes maps item types to queue names.
type Routes struct {
	Statistics   string
	Publications string
}

// QueueFor returns the queue an item type is published to: HTML tables go
// to the statistics queue, PDF artifacts to the publications queue.
func (r Routes) QueueFor(t ingest.ItemType) string {
	switch t {
	case ingest.ItemTypePDFTable, ingest.ItemTypePDFText:
		return r.Publications
	default:
		return r.Statistics
	}
}

// Queues lists the distinct queue names.
func (r Routes) Queues() []string {
	if r.Statistics == r.Publications {
		return []string{r.Statistics}
	}
	return []string{r.Statistics, r.Publications}
}

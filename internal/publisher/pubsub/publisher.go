// Package pubsub announces finished scrape jobs on a Google Cloud Pub/Sub
// topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
)

// Result is the pending outcome of one publish.
type Result interface {
	Get(ctx context.Context) (string, error)
}

// Topic is the publishing half of a Pub/Sub topic.
type Topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) Result
	Stop()
}

// Attributer is implemented by payloads that carry message attributes.
type Attributer interface {
	Attributes() map[string]string
}

// Publisher implements ingest.Notifier.
type Publisher struct {
	topic Topic
	close func() error
}

// New wraps an already opened topic.
func New(topic Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Open connects to projectID and verifies that topicID exists and is active.
func Open(ctx context.Context, projectID, topicID string) (*Publisher, error) {
	if projectID == "" || topicID == "" {
		return nil, errors.New("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	name := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	topic, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: name})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("get pubsub topic %q: %w", topicID, err)
	}
	if topic.State != pubsubpb.Topic_ACTIVE {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q in project %q is not active", topicID, projectID)
	}
	p := New(clientTopic{client.Publisher(name)})
	p.close = client.Close
	return p, nil
}

type clientTopic struct {
	p *pubsub.Publisher
}

func (t clientTopic) Publish(ctx context.Context, msg *pubsub.Message) Result {
	return t.p.Publish(ctx, msg)
}

func (t clientTopic) Stop() { t.p.Stop() }

// Publish marshals payload to JSON and waits for the server-assigned id.
// The topic argument is informational; the publisher is bound to one topic.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.topic == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data}
	if a, ok := payload.(Attributer); ok {
		msg.Attributes = a.Attributes()
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.close != nil {
		return p.close()
	}
	return nil
}

package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

type result struct {
	id  string
	err error
}

func (r result) Get(context.Context) (string, error) { return r.id, r.err }

type fakeTopic struct {
	sent    []*pubsub.Message
	err     error
	stopped bool
}

func (f *fakeTopic) Publish(_ context.Context, msg *pubsub.Message) Result {
	f.sent = append(f.sent, msg)
	return result{id: "srv-1", err: f.err}
}

func (f *fakeTopic) Stop() { f.stopped = true }

func TestPublishJobEvent(t *testing.T) {
	t.Parallel()

	end := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	topic := &fakeTopic{}
	pub := New(topic)

	id, err := pub.Publish(context.Background(), "jobs", ingest.NewJobEvent(ingest.Job{
		ID:      9,
		Type:    ingest.JobTypeStatistics,
		Status:  ingest.JobStatusCompleted,
		EndTime: &end,
		Counts:  ingest.Counts{Found: 4, Processed: 3, Failed: 1},
	}))
	require.NoError(t, err)
	require.Equal(t, "srv-1", id)
	require.Len(t, topic.sent, 1)
	require.Equal(t, map[string]string{"job_type": "statistics", "status": "completed"}, topic.sent[0].Attributes)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(topic.sent[0].Data, &decoded))
	require.EqualValues(t, 9, decoded["job_id"])
	require.EqualValues(t, 4, decoded["items_found"])

	require.NoError(t, pub.Close())
	require.True(t, topic.stopped)
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "jobs", "x")
	require.Error(t, err)

	pub := New(&fakeTopic{err: errors.New("unavailable")})
	_, err = pub.Publish(context.Background(), "jobs", map[string]int{"a": 1})
	require.ErrorContains(t, err, "unavailable")

	_, err = pub.Publish(context.Background(), "jobs", func() {})
	require.ErrorContains(t, err, "marshal payload")

	_, err = Open(context.Background(), "", "topic")
	require.Error(t, err)
}

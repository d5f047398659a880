package etl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-stats-ingest/internal/queue"
	qmemory "github.com/JakeFAU/realtime-stats-ingest/internal/queue/memory"
	"github.com/JakeFAU/realtime-stats-ingest/internal/storage/memory"
	"github.com/JakeFAU/realtime-stats-ingest/internal/tracker"
)

var routes = queue.Routes{Statistics: "statistics_data", Publications: "publications_data"}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("msg-%d", s.n), nil
}

// flakyStore fails the first failures item transitions.
type flakyStore struct {
	*memory.JobStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) TransitionItem(ctx context.Context, id int64, t ingest.ItemTransition) (ingest.Item, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return ingest.Item{}, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.JobStore.TransitionItem(ctx, id, t)
}

func populationTable(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(ingest.Table{
		Columns: []string{"region", "population_2023"},
		Rows:    [][]string{{"Banadir", "2,500,000"}, {" Bay ", "1200000"}, {"", ""}},
	})
	require.NoError(t, err)
	return raw
}

func seed(t *testing.T, svc *tracker.Service, items ...ingest.NewItem) []ingest.Item {
	t.Helper()
	ctx := context.Background()
	job, err := svc.StartJob(ctx, ingest.JobTypeStatistics, "https://stats.example/statistics")
	require.NoError(t, err)
	out := make([]ingest.Item, 0, len(items))
	for _, in := range items {
		item, err := svc.CreateItem(ctx, job.ID, in)
		require.NoError(t, err)
		out = append(out, item)
	}
	return out
}

// drain consumes until every queue is empty.
func drain(t *testing.T, b *qmemory.Broker, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Consume(ctx, routes.Queues(), func(ctx context.Context, d queue.Delivery) {
			c.Handle(ctx, d)
			if b.Len(routes.Statistics)+b.Len(routes.Publications) == 0 {
				cancel()
			}
		})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain")
	}
}

func TestProcessCategorizesTable(t *testing.T) {
	t.Parallel()

	meta, err := Process(ingest.Item{
		ID:       1,
		Type:     ingest.ItemTypeHTMLTable,
		Content:  populationTable(t),
		Metadata: ingest.Metadata{ingest.MetaTimePeriod: "2023"},
	})
	require.NoError(t, err)
	require.Equal(t, "population", meta.String(ingest.MetaCategory))
	require.Equal(t, "2023", meta.String(ingest.MetaTimePeriod))
	stats, ok := meta[ingest.MetaProcessedMetadata].(Processed)
	require.True(t, ok)
	require.Equal(t, 2, stats.RowCount)
	require.Zero(t, stats.EmptyCells)

	again, err := Process(ingest.Item{ID: 1, Type: ingest.ItemTypeHTMLTable, Content: populationTable(t), Metadata: ingest.Metadata{ingest.MetaTimePeriod: "2023"}})
	require.NoError(t, err)
	require.Equal(t, meta, again)
}

func TestProcessRejectsUnsupported(t *testing.T) {
	t.Parallel()

	meta, err := Process(ingest.Item{ID: 2, Type: ingest.ItemTypePDFText, Content: json.RawMessage(`{"url":"x.pdf","title":"Annual"}`)})
	require.NoError(t, err)
	require.Equal(t, PublicationsCategory, meta.String(ingest.MetaCategory))

	_, err = Process(ingest.Item{ID: 2, Type: ingest.ItemTypePDFText, Content: json.RawMessage(`{"title":"no url"}`)})
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = Process(ingest.Item{ID: 3, Type: ingest.ItemTypePDFTable, Content: json.RawMessage(`"just text"`)})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestPublishRoutesAndRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := tracker.New(memory.NewJobStore(), fixedClock{}, nil)
	items := seed(t, svc,
		ingest.NewItem{Type: ingest.ItemTypeHTMLTable, Content: populationTable(t)},
		ingest.NewItem{Type: ingest.ItemTypePDFTable, Content: populationTable(t)},
		ingest.NewItem{Type: ingest.ItemTypePDFText, Content: json.RawMessage(`{"url":"a.pdf","title":"Annual report"}`)},
	)
	broker := qmemory.NewBroker(0)
	pub := NewPublisher(svc, broker, routes, &seqIDs{}, 2, nil)

	n, err := pub.PublishJob(ctx, items[0].JobID)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 1, broker.Len("statistics_data"))
	require.Equal(t, 2, broker.Len("publications_data"))

	got, err := svc.GetItem(ctx, items[1].ID)
	require.NoError(t, err)
	require.Equal(t, "msg-2", got.MessageID)
	require.Equal(t, "publications_data", got.QueueName)

	// Processed items are never republished.
	_, err = svc.AdvanceItem(ctx, items[0].ID, tracker.Advance{To: ingest.ItemStatusProcessed})
	require.NoError(t, err)
	n, err = pub.PublishJob(ctx, items[0].JobID)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestConsumerProcessesAndAcks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := tracker.New(memory.NewJobStore(), fixedClock{}, nil)
	items := seed(t, svc,
		ingest.NewItem{Type: ingest.ItemTypeHTMLTable, Content: populationTable(t)},
		ingest.NewItem{Type: ingest.ItemTypePDFText, Content: json.RawMessage(`"not a link"`)},
		ingest.NewItem{Type: ingest.ItemTypeHTMLTable, Content: json.RawMessage(`{"columns":["a"],"rows":[]}`)},
	)
	broker := qmemory.NewBroker(0)
	_, err := NewPublisher(svc, broker, routes, &seqIDs{}, 0, nil).Publish(ctx, items)
	require.NoError(t, err)

	drain(t, broker, NewConsumer(svc, ConsumerConfig{}, nil))

	processed, err := svc.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	require.Equal(t, ingest.ItemStatusProcessed, processed.Status)
	require.Equal(t, "population", processed.Metadata.String(ingest.MetaCategory))

	invalid, err := svc.GetItem(ctx, items[1].ID)
	require.NoError(t, err)
	require.Equal(t, ingest.ItemStatusInvalid, invalid.Status)
	require.Contains(t, invalid.Error, "unsupported")

	failed, err := svc.GetItem(ctx, items[2].ID)
	require.NoError(t, err)
	require.Equal(t, ingest.ItemStatusFailed, failed.Status)
	require.NotEmpty(t, failed.Error)

	require.Equal(t, qmemory.Stats{Published: 3, Acked: 3}, broker.Stats())
}

func TestConsumerDuplicateMessageSettlesOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := tracker.New(memory.NewJobStore(), fixedClock{}, nil)
	items := seed(t, svc, ingest.NewItem{Type: ingest.ItemTypeHTMLTable, Content: populationTable(t)})

	broker := qmemory.NewBroker(0)
	msg := queue.NewMessage(items[0], "dup-1")
	require.NoError(t, broker.Publish(ctx, routes.Statistics, msg))
	require.NoError(t, broker.Publish(ctx, routes.Statistics, msg))

	drain(t, broker, NewConsumer(svc, ConsumerConfig{}, nil))

	got, err := svc.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	require.Equal(t, ingest.ItemStatusProcessed, got.Status)
	require.Empty(t, got.Error)
	require.Equal(t, 2, broker.Stats().Acked)
}

func TestConsumerDropsMissingAndMalformed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewJobStore()
	svc := tracker.New(store, fixedClock{}, nil)
	items := seed(t, svc, ingest.NewItem{Type: ingest.ItemTypeHTMLTable, Content: populationTable(t)})
	require.NoError(t, store.DeleteItem(ctx, items[0].ID))

	broker := qmemory.NewBroker(0)
	require.NoError(t, broker.Publish(ctx, routes.Statistics, queue.NewMessage(items[0], "gone")))
	drain(t, broker, NewConsumer(svc, ConsumerConfig{}, nil))
	require.Equal(t, 1, broker.Stats().Acked)

	ack := &recordingAcker{}
	NewConsumer(svc, ConsumerConfig{}, nil).Handle(ctx, queue.Delivery{Queue: "q", Body: []byte("{"), Acker: ack})
	require.Equal(t, []string{"ack"}, ack.calls)
}

func TestConsumerRetriesTransientStoreErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &flakyStore{JobStore: memory.NewJobStore()}
	svc := tracker.New(store, fixedClock{}, nil)
	items := seed(t, svc,
		ingest.NewItem{Type: ingest.ItemTypeHTMLTable, Content: populationTable(t)},
		ingest.NewItem{Type: ingest.ItemTypeHTMLTable, Content: populationTable(t)},
	)

	retrying := NewConsumer(svc, ConsumerConfig{MaxAttempts: 3, RetryBase: time.Millisecond, RetryMax: time.Millisecond}, nil)
	store.failures = 2
	ack := &recordingAcker{}
	retrying.Handle(ctx, queue.Delivery{Body: mustEncode(t, queue.NewMessage(items[0], "a")), Acker: ack})
	got, err := svc.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	require.Equal(t, ingest.ItemStatusProcessed, got.Status)

	// With a single attempt the first store error fails the item, and the
	// failure itself is still recorded.
	failFast := NewConsumer(svc, ConsumerConfig{MaxAttempts: 1}, nil)
	store.failures = 1
	failFast.Handle(ctx, queue.Delivery{Body: mustEncode(t, queue.NewMessage(items[1], "b")), Acker: ack})
	got, err = svc.GetItem(ctx, items[1].ID)
	require.NoError(t, err)
	require.Equal(t, ingest.ItemStatusFailed, got.Status)
	require.Contains(t, got.Error, "connection reset")
	require.Equal(t, []string{"ack", "ack"}, ack.calls)
}

func TestConsumerReportsSettledItems(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := tracker.New(memory.NewJobStore(), fixedClock{}, nil)
	items := seed(t, svc,
		ingest.NewItem{Type: ingest.ItemTypeHTMLTable, Content: populationTable(t)},
		ingest.NewItem{Type: ingest.ItemTypePDFText, Content: json.RawMessage(`{"title":"no url"}`)},
	)

	var settled []int64
	c := NewConsumer(svc, ConsumerConfig{}, nil)
	c.OnSettled(func(_ context.Context, itemID int64) { settled = append(settled, itemID) })

	ack := &recordingAcker{}
	c.Handle(ctx, queue.Delivery{Body: mustEncode(t, queue.NewMessage(items[0], "a")), Acker: ack})
	c.Handle(ctx, queue.Delivery{Body: mustEncode(t, queue.NewMessage(items[1], "b")), Acker: ack})
	// A redelivery of a settled item changes nothing.
	c.Handle(ctx, queue.Delivery{Body: mustEncode(t, queue.NewMessage(items[0], "a")), Acker: ack})
	c.Handle(ctx, queue.Delivery{Body: []byte("{"), Acker: ack})

	require.Equal(t, []int64{items[0].ID, items[1].ID}, settled)
	require.Equal(t, []string{"ack", "ack", "ack", "ack"}, ack.calls)
}

type recordingAcker struct {
	calls []string
}

func (a *recordingAcker) Ack() error {
	a.calls = append(a.calls, "ack")
	return nil
}

func (a *recordingAcker) Nack(requeue bool) error {
	a.calls = append(a.calls, fmt.Sprintf("nack:%t", requeue))
	return nil
}

func mustEncode(t *testing.T, m queue.Message) []byte {
	t.Helper()
	b, err := queue.Encode(m)
	require.NoError(t, err)
	return b
}

package ingest

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyBackoffDoubles(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(4, time.Second, 30*time.Second)
	require.Equal(t, time.Second, p.Backoff(0))
	require.Equal(t, 2*time.Second, p.Backoff(1))
	require.Equal(t, 4*time.Second, p.Backoff(2))
	require.Equal(t, 30*time.Second, p.Backoff(10))
}

func TestExponentialRetryPolicyJitterWithinBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 100*time.Millisecond, time.Second).WithJitter()
	for i := 0; i < 20; i++ {
		d := p.Backoff(1)
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.Less(t, d, 200*time.Millisecond)
	}
}

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, time.Millisecond, time.Millisecond)
	network := &FetchError{URL: "http://x", Err: errors.New("connection reset")}
	server := &FetchError{URL: "http://x", StatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")}
	notFound := &FetchError{URL: "http://x", StatusCode: http.StatusNotFound, Err: errors.New("not found")}
	throttled := &FetchError{URL: "http://x", StatusCode: http.StatusTooManyRequests, Err: errors.New("slow down")}

	require.True(t, p.ShouldRetry(network, 1))
	require.True(t, p.ShouldRetry(server, 2))
	require.True(t, p.ShouldRetry(throttled, 1))
	require.False(t, p.ShouldRetry(server, 3))
	require.False(t, p.ShouldRetry(notFound, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(nil, 1))
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}

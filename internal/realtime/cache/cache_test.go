package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemoryExpiresEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &stepClock{t: time.Unix(1_700_000_000, 0)}
	c := NewMemory(clock)

	require.NoError(t, c.Set(ctx, "view", []byte("a"), time.Minute))
	require.NoError(t, c.Set(ctx, "forever", []byte("b"), 0))

	got, err := c.Get(ctx, "view")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), got)

	clock.Advance(time.Minute)
	_, err = c.Get(ctx, "view")
	require.ErrorIs(t, err, ErrCacheMiss)

	got, err = c.Get(ctx, "forever")
	require.NoError(t, err)
	require.Equal(t, []byte("b"), got)

	require.NoError(t, c.Delete(ctx, "forever"))
	_, err = c.Get(ctx, "forever")
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCopiesValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewMemory(&stepClock{})
	v := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", v, 0))
	v[0] = 'z'
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
}

type fakeRedis struct {
	mu     sync.Mutex
	data   map[string]string
	ttls   map[string]time.Duration
	setErr error
	closed bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := newFakeRedis()
	c := NewRedisWithClient(fake)

	_, err := c.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "view:all", []byte(`{"status":"ok"}`), time.Hour))
	require.Equal(t, time.Hour, fake.ttls["view:all"])
	got, err := c.Get(ctx, "view:all")
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"ok"}`, string(got))

	require.NoError(t, c.Delete(ctx, "view:all"))
	_, err = c.Get(ctx, "view:all")
	require.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Close())
	require.True(t, fake.closed)
}

func TestRedisWrapsErrors(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	fake.setErr = errors.New("READONLY")
	err := NewRedisWithClient(fake).Set(context.Background(), "k", []byte("v"), 0)
	require.ErrorContains(t, err, "redis set failed: READONLY")
}

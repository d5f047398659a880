package cache

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process Cache. Expired entries are dropped on read.
type Memory struct {
	clock ingest.Clock
	mu    sync.Mutex
	items map[string]entry
}

// NewMemory returns an empty Memory cache.
func NewMemory(clock ingest.Clock) *Memory {
	return &Memory{clock: clock, items: map[string]entry{}}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if !e.expires.IsZero() && !m.clock.Now().Before(e.expires) {
		delete(m.items, key)
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), e.value...), nil
}

// Set implements Cache. A non-positive ttl never expires.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.clock.Now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = e
	m.mu.Unlock()
	return nil
}

// Delete implements Cache.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

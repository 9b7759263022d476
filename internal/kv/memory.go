package kv

import (
	"context"
	"strings"
	"sync"
	"time"

	"ipwarden/internal/domain"
	"ipwarden/internal/support"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// sweepEvery is the number of writes between scans for expired items.
const sweepEvery = 1024

// Memory is the in-process Store used when redis is not configured. Expired
// items are dropped on read and by a sweep every sweepEvery writes.
type Memory struct {
	mu     sync.RWMutex
	items  map[string]memoryItem
	clock  support.Clock
	writes int
}

func NewMemory(clock support.Clock) *Memory {
	return &Memory{
		items: make(map[string]memoryItem),
		clock: support.OrSystem(clock),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !item.expiresAt.IsZero() && !m.clock.Now().Before(item.expiresAt) {
		m.mu.Lock()
		if cur, still := m.items[key]; still && cur.expiresAt.Equal(item.expiresAt) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = m.clock.Now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = item
	m.writes++
	if m.writes >= sweepEvery {
		m.writes = 0
		m.sweepLocked(m.clock.Now())
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) sweepLocked(now time.Time) {
	for key, item := range m.items {
		if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
			delete(m.items, key)
		}
	}
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, key := range keys {
		delete(m.items, key)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key := range m.items {
		if strings.HasPrefix(key, prefix) {
			delete(m.items, key)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key, item := range m.items {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ABOUTME: In-process LRU cache with per-entry expiry
// ABOUTME: Size-bounded; a background goroutine sweeps expired entries

package tokencache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// memoryItem is the stored value plus its position in the LRU list.
type memoryItem struct {
	key       string
	entry     Entry
	expiresAt time.Time
	element   *list.Element
}

// Memory is a thread-safe, size-limited cache. Lookups move an entry to the
// back of the list; at capacity the front (least recently used) is evicted.
type Memory struct {
	mu       sync.Mutex
	items    map[string]*memoryItem
	order    *list.List // least recently used at front
	maxSize  int
	maxTTL   time.Duration
	now      func() time.Time
	done     chan struct{}
	closed   bool
	interval time.Duration
}

var _ Cache = (*Memory)(nil)

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithCleanupInterval sets how often expired entries are swept.
// Non-positive values keep the default.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.interval = d
		}
	}
}

// NewMemory creates a cache holding at most maxSize entries. A positive
// maxTTL caps every entry's lifetime regardless of its own expiry.
func NewMemory(maxSize int, maxTTL time.Duration, opts ...MemoryOption) *Memory {
	if maxSize <= 0 {
		maxSize = 10000
	}
	m := &Memory{
		items:    make(map[string]*memoryItem),
		order:    list.New(),
		maxSize:  maxSize,
		maxTTL:   maxTTL,
		now:      time.Now,
		done:     make(chan struct{}),
		interval: time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.cleanup()
	return m
}

// Get returns a copy of the entry for key.
func (m *Memory) Get(_ context.Context, key string) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(item.expiresAt) {
		m.removeLocked(item)
		return nil, false, nil
	}
	m.order.MoveToBack(item.element)

	entry := item.entry
	return &entry, true, nil
}

// Set stores a copy of entry. Entries that are already expired are ignored.
func (m *Memory) Set(_ context.Context, key string, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expiresAt := entry.ExpiresAt
	if m.maxTTL > 0 && expiresAt.After(now.Add(m.maxTTL)) {
		expiresAt = now.Add(m.maxTTL)
	}
	if !now.Before(expiresAt) {
		return nil
	}

	if item, exists := m.items[key]; exists {
		item.entry = *entry
		item.expiresAt = expiresAt
		m.order.MoveToBack(item.element)
		return nil
	}

	if len(m.items) >= m.maxSize {
		m.evictOldest()
	}

	item := &memoryItem{key: key, entry: *entry, expiresAt: expiresAt}
	item.element = m.order.PushBack(item)
	m.items[key] = item
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item, ok := m.items[key]; ok {
		m.removeLocked(item)
	}
	return nil
}

// DeletePrefix removes every key beginning with prefix.
func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, item := range m.items {
		if strings.HasPrefix(key, prefix) {
			m.removeLocked(item)
		}
	}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		close(m.done)
		m.closed = true
	}
	return nil
}

// evictOldest removes the least recently used entry. Must be called with mu held.
func (m *Memory) evictOldest() {
	front := m.order.Front()
	if front == nil {
		return
	}
	item, _ := front.Value.(*memoryItem)
	m.removeLocked(item)
}

func (m *Memory) removeLocked(item *memoryItem) {
	m.order.Remove(item.element)
	delete(m.items, item.key)
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.done:
			return
		}
	}
}

func (m *Memory) runCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, item := range m.items {
		if !now.Before(item.expiresAt) {
			m.removeLocked(item)
		}
	}
}

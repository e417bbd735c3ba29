package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	key     string
	value   []byte
	expires time.Time
}

// Memory is a bounded LRU with per-entry TTL. It never fails.
type Memory struct {
	mu         sync.Mutex
	maxEntries int
	order      *list.List // front = most recently used
	items      map[string]*list.Element
	now        func() time.Time
}

var _ Backend = (*Memory)(nil)

// NewMemory returns a Memory holding at most maxEntries keys.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Memory{
		maxEntries: maxEntries,
		order:      list.New(),
		items:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

// WithClock overrides the clock used for expiry.
func (m *Memory) WithClock(clock func() time.Time) {
	if clock != nil {
		m.now = clock
	}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	e := el.Value.(*memoryEntry)
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.removeElement(el)
		return nil, false, nil
	}
	m.order.MoveToFront(el)
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	if el, ok := m.items[key]; ok {
		e := el.Value.(*memoryEntry)
		e.value, e.expires = value, expires
		m.order.MoveToFront(el)
		return nil
	}
	m.items[key] = m.order.PushFront(&memoryEntry{key: key, value: value, expires: expires})
	for m.order.Len() > m.maxEntries {
		m.removeElement(m.order.Back())
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if el, ok := m.items[k]; ok {
			m.removeElement(el)
		}
	}
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, el := range m.items {
		if strings.HasPrefix(k, prefix) {
			m.removeElement(el)
			n++
		}
	}
	return n, nil
}

// Flush drops every entry.
func (m *Memory) Flush() {
	m.mu.Lock()
	m.order.Init()
	m.items = make(map[string]*list.Element)
	m.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.Flush()
	return nil
}

func (m *Memory) removeElement(el *list.Element) {
	m.order.Remove(el)
	delete(m.items, el.Value.(*memoryEntry).key)
}

package cache

import (
	"context"
	"sync"
	"time"

	"github.com/fabian4/stagegate/internal/model"
)

type entry struct {
	resp     *model.Response
	savedAt  time.Time
	ttl      time.Duration // 0 = no expiry
	hits     int
	hitLimit int // 0 = unlimited
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.savedAt) > e.ttl
}

// MemoryStore is an in-process Store. The lock covers map and metadata
// updates only; responses are cloned on the way in and out.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*entry), now: time.Now}
}

// Get returns a copy of the cached response for key.
func (m *MemoryStore) Get(_ context.Context, key string, p Policy) (*model.Response, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	now := m.now()
	if e.expired(now) {
		delete(m.entries, key)
		return nil, false, nil
	}
	if p.TTL > 0 {
		e.ttl = p.TTL
		e.savedAt = now
	}
	limit := e.hitLimit
	if p.HitLimit > 0 {
		limit = p.HitLimit
	}
	if limit > 0 {
		e.hits++
		if e.hits >= limit {
			delete(m.entries, key)
		}
	}
	return e.resp.Clone(), true, nil
}

// Set stores a copy of resp under key, replacing any previous entry.
func (m *MemoryStore) Set(_ context.Context, key string, resp *model.Response, p Policy) error {
	e := &entry{resp: resp.Clone(), ttl: p.TTL, hitLimit: p.HitLimit}
	m.mu.Lock()
	e.savedAt = m.now()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Sweep evicts every expired entry and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Purge drops every entry.
func (m *MemoryStore) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	m.entries = make(map[string]*entry)
	return n
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

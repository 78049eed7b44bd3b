package directory

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"lingualink/internal/clock"
	"lingualink/pkg/interfaces"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// MemoryStore is a single-process DirectoryStore for development and tests.
// Conditional writes are atomic under one mutex.
type MemoryStore struct {
	mu     sync.Mutex
	clock  clock.Clock
	kv     map[string]memoryEntry
	hashes map[string]map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty store. A nil clock uses wall time.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{
		clock:  clk,
		kv:     make(map[string]memoryEntry),
		hashes: make(map[string]map[string][]byte),
	}
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

// lookup returns a live entry, dropping it if expired. Caller holds mu.
func (m *MemoryStore) lookup(key string) (memoryEntry, bool) {
	e, ok := m.kv[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.live(m.clock.Now()) {
		delete(m.kv, key)
		return memoryEntry{}, false
	}
	return e, true
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.lookup(key)
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return clone(e.value), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.kv[key] = memoryEntry{value: clone(value), expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.kv, key)
	return nil
}

func (m *MemoryStore) HashGet(_ context.Context, key, field string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.hashes[key][field]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return clone(v), nil
}

func (m *MemoryStore) HashSet(_ context.Context, key, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		m.hashes[key] = h
	}
	h[field] = clone(value)
	return nil
}

func (m *MemoryStore) HashDelete(_ context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if field == "" {
		delete(m.hashes, key)
		return nil
	}
	if h, ok := m.hashes[key]; ok {
		delete(h, field)
		if len(h) == 0 {
			delete(m.hashes, key)
		}
	}
	return nil
}

func (m *MemoryStore) HashGetAll(_ context.Context, key string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = clone(v)
	}
	return out, nil
}

func (m *MemoryStore) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.lookup(key)
	if !ok {
		return false, nil
	}
	if expected != nil && !bytes.Equal(e.value, expected) {
		return false, nil
	}
	delete(m.kv, key)
	return true, nil
}

func (m *MemoryStore) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.kv[key] = memoryEntry{value: clone(value), expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, expected, next []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.lookup(key)
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	e.value = clone(next)
	m.kv[key] = e
	return true, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.lookup(key)
	if !ok {
		return false, nil
	}
	e.expiresAt = m.expiry(ttl)
	m.kv[key] = e
	return true, nil
}

func (m *MemoryStore) ScanPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	now := m.clock.Now()
	out := make(map[string][]byte)
	for k, e := range m.kv {
		if strings.HasPrefix(k, prefix) && e.live(now) {
			out[k] = clone(e.value)
		}
	}
	return out, nil
}

// PurgeExpired drops expired keys and returns how many were removed.
func (m *MemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var n int64
	for k, e := range m.kv {
		if !e.live(now) {
			delete(m.kv, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) HealthCheck(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

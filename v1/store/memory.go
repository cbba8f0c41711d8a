package store

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type record struct {
	token     string
	expiresAt time.Time
}

// Memory implements Store using a mutex-guarded map. Expiry is driven by an
// injectable clock, so lease math can be tested without real sleeps. Memory
// also supports failure injection: while marked unavailable, every operation
// returns ErrUnavailable, which is how quorum tests kill individual stores.
type Memory struct {
	mu        sync.Mutex
	clk       clock.Clock
	records   map[string]record
	available bool
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock sets the clock used for expiry. Defaults to the wall clock.
func WithMemoryClock(clk clock.Clock) MemoryOption {
	return func(m *Memory) {
		m.clk = clk
	}
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clk:       clock.New(),
		records:   make(map[string]record),
		available: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetAvailable toggles failure injection. While unavailable the store keeps
// its records (and their expiry clocks keep running), it just refuses calls.
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	m.available = ok
	m.mu.Unlock()
}

// expired reports whether rec is past its deadline. Caller holds m.mu.
func (m *Memory) expired(rec record) bool {
	return !rec.expiresAt.After(m.clk.Now())
}

// TrySet implements Store.TrySet.
func (m *Memory) TrySet(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return false, ErrUnavailable
	}
	if rec, ok := m.records[key]; ok && !m.expired(rec) {
		return false, nil
	}
	m.records[key] = record{token: token, expiresAt: m.clk.Now().Add(ttl)}
	return true, nil
}

// CompareDelete implements Store.CompareDelete.
func (m *Memory) CompareDelete(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return false, ErrUnavailable
	}
	rec, ok := m.records[key]
	if !ok || m.expired(rec) || rec.token != token {
		return false, nil
	}
	delete(m.records, key)
	return true, nil
}

// CompareExtend implements Store.CompareExtend.
func (m *Memory) CompareExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return false, ErrUnavailable
	}
	rec, ok := m.records[key]
	if !ok || m.expired(rec) || rec.token != token {
		return false, nil
	}
	rec.expiresAt = m.clk.Now().Add(ttl)
	m.records[key] = rec
	return true, nil
}

// Get implements Store.Get.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return "", false, ErrUnavailable
	}
	rec, ok := m.records[key]
	if !ok || m.expired(rec) {
		return "", false, nil
	}
	return rec.token, true, nil
}

// Package noncestore provides the replay-guard backends: an in-memory map,
// a bbolt file store, and a Redis store with debounced batch flushes. All
// variants converge to the same Has/Add semantics within one flush interval.
package noncestore

import (
	"context"
	"sync"
)

// Memory is the default single-process store: nonce → unix-millis timestamp.
type Memory struct {
	mu     sync.Mutex
	nonces map[string]int64
}

func NewMemory() *Memory {
	return &Memory{nonces: make(map[string]int64)}
}

func (m *Memory) Has(_ context.Context, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nonces[nonce]
	return ok, nil
}

func (m *Memory) Add(_ context.Context, nonce string, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[nonce] = ts
	return nil
}

func (m *Memory) Cleanup(_ context.Context, cutoff int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n, ts := range m.nonces {
		if ts < cutoff {
			delete(m.nonces, n)
		}
	}
	return nil
}

// Len reports the current entry count; used by tests and the status surface.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nonces)
}

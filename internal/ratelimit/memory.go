package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	nonce string
	at    time.Time
}

// MemoryStore is the default in-process Store. A single mutex makes the
// prune-count-insert sequence atomic across concurrent sessions.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]entry
}

// NewMemoryStore creates an empty in-memory window store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]entry)}
}

func (m *MemoryStore) Take(_ context.Context, key string, now time.Time, window time.Duration, max int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	kept := m.windows[key][:0]
	for _, e := range m.windows[key] {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}

	if len(kept) >= max {
		m.windows[key] = kept
		return len(kept), false, nil
	}

	kept = append(kept, entry{nonce: uuid.NewString(), at: now})
	m.windows[key] = kept
	return len(kept), true, nil
}

func (m *MemoryStore) PruneIdle(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, entries := range m.windows {
		kept := entries[:0]
		for _, e := range entries {
			if e.at.After(cutoff) {
				kept = append(kept, e)
			}
		}
		removed += len(entries) - len(kept)
		if len(kept) == 0 {
			delete(m.windows, key)
			continue
		}
		m.windows[key] = kept
	}
	return removed, nil
}

// Len reports the number of tracked keys. Used by the janitor's cycle log.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

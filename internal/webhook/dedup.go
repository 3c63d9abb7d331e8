package webhook

import (
	"context"
	"sync"
	"time"
)

// Deduper suppresses replays of the same change within a window.
type Deduper interface {
	// Claim reports whether key is new. A new key is held until until.
	Claim(ctx context.Context, key string, now, until time.Time) (bool, error)
	// Release forgets key, so a failed attempt can be retried.
	Release(ctx context.Context, key string) error
}

// MemoryDedup keeps claims in a map. Expired entries are swept on Claim.
type MemoryDedup struct {
	mu    sync.Mutex
	until map[string]time.Time
	sweep time.Time
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{until: map[string]time.Time{}}
}

func (m *MemoryDedup) Claim(_ context.Context, key string, now, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.sweep) > time.Minute {
		for k, u := range m.until {
			if !now.Before(u) {
				delete(m.until, k)
			}
		}
		m.sweep = now
	}
	if u, ok := m.until[key]; ok && now.Before(u) {
		return false, nil
	}
	m.until[key] = until
	return true, nil
}

func (m *MemoryDedup) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.until, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryDedup) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.until)
}

// ClaimStore is the dedup part of the persistent store.
type ClaimStore interface {
	ClaimDedup(ctx context.Context, key string, now, until time.Time) (bool, error)
	ReleaseDedup(ctx context.Context, key string) error
}

// StoreDedup keeps claims in the persistent store so they survive restarts.
type StoreDedup struct {
	Store ClaimStore
}

func (s StoreDedup) Claim(ctx context.Context, key string, now, until time.Time) (bool, error) {
	return s.Store.ClaimDedup(ctx, key, now, until)
}

func (s StoreDedup) Release(ctx context.Context, key string) error {
	return s.Store.ReleaseDedup(ctx, key)
}

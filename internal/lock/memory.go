package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is a process-local Locker with the same expiry semantics as
// the Redis one. Now is injectable for tests.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	Now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: map[string]memoryEntry{}, Now: time.Now}
}

func (m *MemoryLocker) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	if e, ok := m.locks[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	m.locks[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLocker) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.locks[key]; ok && e.token == token {
		delete(m.locks, key)
	}
	return nil
}

// Held reports whether key is currently locked.
func (m *MemoryLocker) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	return ok && m.Now().Before(e.expiresAt)
}

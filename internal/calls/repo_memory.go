package calls

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore is an in-memory Store useful for tests and local development.
// It does not expire records.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]CallRecord
	history map[string][]string // newest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]CallRecord{},
		history: map[string][]string{},
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec CallRecord) (bool, error) {
	if rec.CallID == "" {
		return false, errors.New("call_id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.CallID]; ok {
		return false, nil
	}
	m.records[rec.CallID] = rec
	m.indexLocked(rec)
	return true, nil
}

func (m *MemoryStore) indexLocked(rec CallRecord) {
	users := []string{rec.CallerID}
	if rec.ReceiverID != rec.CallerID {
		users = append(users, rec.ReceiverID)
	}
	for _, u := range users {
		ids := []string{rec.CallID}
		for _, id := range m.history[u] {
			if id != rec.CallID {
				ids = append(ids, id)
			}
		}
		m.history[u] = ids
	}
}

func (m *MemoryStore) Update(ctx context.Context, callID string, mutate func(*CallRecord) error) (CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[callID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	if err := mutate(&rec); err != nil {
		return m.records[callID], err
	}
	m.records[callID] = rec
	return rec, nil
}

func (m *MemoryStore) Get(ctx context.Context, callID string) (CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[callID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) ListForUser(ctx context.Context, userID string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.history[userID]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]CallRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := m.records[id]; ok {
			out = append(out, rec)
		}
	}
	SortByRecency(out)
	return out, nil
}

// All returns a snapshot of every stored record.
func (m *MemoryStore) All() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out
}

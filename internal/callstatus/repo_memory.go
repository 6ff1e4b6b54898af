package callstatus

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process development.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]UserCallStatus
	err   error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: map[string]UserCallStatus{}}
}

// SetError makes every subsequent call fail with err. Pass nil to clear.
func (m *MemoryStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (UserCallStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return UserCallStatus{}, m.err
	}
	st, ok := m.users[userID]
	if !ok {
		return UserCallStatus{Status: StatusIdle}, nil
	}
	if st.Info != nil {
		info := *st.Info
		st.Info = &info
	}
	return st, nil
}

func (m *MemoryStore) GetStatus(ctx context.Context, userID string) (Status, error) {
	st, err := m.Get(ctx, userID)
	return st.Status, err
}

func (m *MemoryStore) GetActiveCallInfo(ctx context.Context, userID string) (*ActiveCallInfo, error) {
	st, err := m.Get(ctx, userID)
	return st.Info, err
}

func (m *MemoryStore) CanReceiveCall(ctx context.Context, userID, callerID string) (bool, error) {
	st, err := m.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return CanReceive(st, userID, callerID), nil
}

func (m *MemoryStore) SetInCall(ctx context.Context, userID string, info ActiveCallInfo) error {
	return m.Assign(ctx, Assignment{UserID: userID, Status: StatusInCall, Info: info})
}

func (m *MemoryStore) SetBusy(ctx context.Context, userID string, info ActiveCallInfo) error {
	return m.Assign(ctx, Assignment{UserID: userID, Status: StatusBusy, Info: info})
}

func (m *MemoryStore) Assign(ctx context.Context, as ...Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, a := range as {
		if a.UserID == "" || a.Status == StatusIdle || a.Status == "" {
			return errors.New("invalid assignment")
		}
	}
	for _, a := range as {
		info := a.Info
		m.users[a.UserID] = UserCallStatus{Status: a.Status, Info: &info}
	}
	return nil
}

func (m *MemoryStore) Reset(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.users, userID)
	return nil
}

func (m *MemoryStore) ResetIfCall(ctx context.Context, userID, callID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	st, ok := m.users[userID]
	if ok && st.Info != nil && st.Info.CallID != callID {
		return false, nil
	}
	delete(m.users, userID)
	return true, nil
}

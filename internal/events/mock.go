package events

import (
	"context"
	"sync"
)

// Published is one recorded publish.
type Published struct {
	Topic   string
	Payload []byte
}

// MockPublisher records publishes for assertions.
type MockPublisher struct {
	mu     sync.Mutex
	msgs   []Published
	closed bool
	err    error
}

func NewMockPublisher() *MockPublisher { return &MockPublisher{} }

func (m *MockPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, Published{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockPublisher) Messages() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.msgs...)
}

func (m *MockPublisher) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetError makes every subsequent Publish fail with err. Pass nil to clear.
func (m *MockPublisher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

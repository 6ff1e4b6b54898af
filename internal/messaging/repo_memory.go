package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTimeline is an in-memory Timeline for tests and local development.
type MemoryTimeline struct {
	mu        sync.Mutex
	messages  map[string][]Message
	chatLists map[string][]ChatItem
}

func NewMemoryTimeline() *MemoryTimeline {
	return &MemoryTimeline{messages: map[string][]Message{}, chatLists: map[string][]ChatItem{}}
}

func (t *MemoryTimeline) Append(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages[msg.ConversationID] = append(t.messages[msg.ConversationID], msg)
	return nil
}

func (t *MemoryTimeline) UpsertChatList(ctx context.Context, ownerID string, item ChatItem) error {
	if ownerID == "" || item.ReceiverID == "" {
		return ErrInvalidMessage
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, it := range t.chatLists[ownerID] {
		if it.ReceiverID == item.ReceiverID {
			return nil
		}
	}
	t.chatLists[ownerID] = append(t.chatLists[ownerID], item)
	return nil
}

func (t *MemoryTimeline) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.messages[conversationID]...), nil
}

func (t *MemoryTimeline) ChatList(ctx context.Context, ownerID string) ([]ChatItem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ChatItem(nil), t.chatLists[ownerID]...), nil
}

// MemoryQueue is an unbounded in-process Queue. Failed messages are requeued
// at the back.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []Message
	notify chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{}, 1)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of messages waiting.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemoryQueue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

func (q *MemoryQueue) Consume(ctx context.Context, handle func(ctx context.Context, msg Message) error) error {
	for {
		m, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
				continue
			}
		}
		if err := handle(ctx, m); err != nil {
			q.mu.Lock()
			q.items = append(q.items, m)
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu            sync.Mutex
	messages      map[string]Message
	conversations map[[2]string]string
	err           error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: map[string]Message{}, conversations: map[[2]string]string{}}
}

// SetError makes every subsequent call fail with err. Pass nil to clear.
func (s *MemoryStore) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemoryStore) SaveMessage(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.messages[msg.ID]; !ok {
		s.messages[msg.ID] = msg
	}
	return nil
}

func (s *MemoryStore) ResolveConversation(ctx context.Context, a, b string) (string, error) {
	if a == "" || b == "" {
		return "", ErrInvalidMessage
	}
	if b < a {
		a, b = b, a
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	k := [2]string{a, b}
	if id, ok := s.conversations[k]; ok {
		return id, nil
	}
	id := uuid.NewString()
	s.conversations[k] = id
	return id, nil
}

// Saved returns the stored message with id.
func (s *MemoryStore) Saved(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

// Count returns the number of stored messages.
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

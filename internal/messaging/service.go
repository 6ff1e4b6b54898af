// Package messaging is the conversation timeline side of the system: the
// Redis timeline cache, the persist queue and long-term message storage.
package messaging

import (
	"context"
	"errors"
)

// Service is the messaging surface used by the call-log synthesizer and the
// relay.
type Service struct {
	timeline Timeline
	queue    Queue
	store    Store
}

func NewService(timeline Timeline, queue Queue, store Store) *Service {
	return &Service{timeline: timeline, queue: queue, store: store}
}

// AppendMessageToConversation adds msg to the cached conversation timeline.
func (s *Service) AppendMessageToConversation(ctx context.Context, msg Message) error {
	return s.timeline.Append(ctx, msg)
}

// EnqueuePersist hands msg to the persist queue for long-term storage.
func (s *Service) EnqueuePersist(ctx context.Context, msg Message) error {
	return s.queue.Enqueue(ctx, msg)
}

// NotifyChatListUpdate makes sure the conversation appears in both
// participants' chat lists.
func (s *Service) NotifyChatListUpdate(ctx context.Context, msg Message) error {
	errSender := s.timeline.UpsertChatList(ctx, msg.SenderID, ChatItem{
		Type: ChatTypePersonal, ReceiverID: msg.ReceiverID, ConversationID: msg.ConversationID,
	})
	errReceiver := s.timeline.UpsertChatList(ctx, msg.ReceiverID, ChatItem{
		Type: ChatTypePersonal, ReceiverID: msg.SenderID, ConversationID: msg.ConversationID,
	})
	return errors.Join(errSender, errReceiver)
}

func (s *Service) ResolveConversation(ctx context.Context, a, b string) (string, error) {
	return s.store.ResolveConversation(ctx, a, b)
}

// ChatList returns userID's chat list.
func (s *Service) ChatList(ctx context.Context, userID string) ([]ChatItem, error) {
	return s.timeline.ChatList(ctx, userID)
}

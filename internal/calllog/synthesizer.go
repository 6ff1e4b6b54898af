// Package calllog turns finished calls into system messages in the
// participants' conversation.
package calllog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"call-coordinator/internal/calls"
	"call-coordinator/internal/messaging"
	"call-coordinator/pkg/logger"

	"github.com/google/uuid"
)

// Messaging is the subset of the messaging service used here.
type Messaging interface {
	AppendMessageToConversation(ctx context.Context, msg messaging.Message) error
	EnqueuePersist(ctx context.Context, msg messaging.Message) error
	NotifyChatListUpdate(ctx context.Context, msg messaging.Message) error
	ResolveConversation(ctx context.Context, a, b string) (string, error)
}

// Transport delivers an event to every connection of one user.
type Transport interface {
	Emit(ctx context.Context, userID, event string, payload any) error
}

const (
	EventMessageReceived = "message received"
	EventChatList        = "chat list"
)

// Synthesizer builds and dispatches call-log messages. Dispatch is best
// effort: each step's failure is logged and the remaining steps still run.
type Synthesizer struct {
	messaging Messaging
	transport Transport
	clock     func() time.Time
}

func NewSynthesizer(m Messaging, t Transport) *Synthesizer {
	return &Synthesizer{messaging: m, transport: t, clock: time.Now}
}

// Emit writes the call-log message for rec. Non-terminal records are ignored.
func (s *Synthesizer) Emit(ctx context.Context, rec calls.CallRecord) error {
	if !rec.Status.IsTerminal() {
		return nil
	}
	log := logger.From(ctx).With("call_id", rec.CallID)

	convID := rec.ConversationID
	if convID == "" {
		id, err := s.messaging.ResolveConversation(ctx, rec.CallerID, rec.ReceiverID)
		if err != nil {
			log.Warn("conversation lookup failed, using pair id", "err", err)
			id = rec.CallerID + "-" + rec.ReceiverID
		}
		convID = id
	}

	msg := Build(rec, convID, s.clock())

	if err := s.messaging.AppendMessageToConversation(ctx, msg); err != nil {
		log.Error("call log append failed", "err", err)
	}
	if err := s.messaging.EnqueuePersist(ctx, msg); err != nil {
		log.Error("call log persist enqueue failed", "err", err)
	}
	if err := s.messaging.NotifyChatListUpdate(ctx, msg); err != nil {
		log.Error("chat list update failed", "err", err)
	}
	if s.transport != nil {
		for _, u := range []string{rec.CallerID, rec.ReceiverID} {
			if err := s.transport.Emit(ctx, u, EventMessageReceived, msg); err != nil {
				log.Warn("message delivery failed", "user_id", u, "err", err)
			}
			if err := s.transport.Emit(ctx, u, EventChatList, msg); err != nil {
				log.Warn("chat list delivery failed", "user_id", u, "err", err)
			}
		}
	}
	return nil
}

// Build assembles the call-log message for rec. The caller is the sender.
func Build(rec calls.CallRecord, conversationID string, now time.Time) messaging.Message {
	return messaging.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       rec.CallerID,
		ReceiverID:     rec.ReceiverID,

		SenderUsername:       rec.CallerDisplay.Username,
		SenderAvatarColor:    rec.CallerDisplay.AvatarColor,
		SenderProfilePicture: rec.CallerDisplay.ProfilePicture,

		ReceiverUsername:       rec.ReceiverDisplay.Username,
		ReceiverAvatarColor:    rec.ReceiverDisplay.AvatarColor,
		ReceiverProfilePicture: rec.ReceiverDisplay.ProfilePicture,

		Body:         Body(rec),
		MessageType:  messaging.TypeCallLog,
		CallID:       rec.CallID,
		CallType:     string(rec.CallType),
		CallStatus:   string(rec.Status),
		CallDuration: rec.DurationSeconds,
		CreatedAt:    now.UTC(),
	}
}

// Body is the human-readable summary of a call outcome.
func Body(rec calls.CallRecord) string {
	kind := "audio"
	if rec.CallType == calls.CallTypeVideo {
		kind = "video"
	}
	switch rec.Status {
	case calls.StatusMissed:
		return "Missed " + kind + " call"
	case calls.StatusRejected:
		return "Declined " + kind + " call"
	case calls.StatusEnded:
		return fmt.Sprintf("%s call (%s)", capitalize(kind), FormatDuration(rec.DurationSeconds))
	default:
		return capitalize(kind) + " call"
	}
}

// FormatDuration renders seconds as "1m 5s", or "42s" under a minute.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	m, s := seconds/60, seconds%60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

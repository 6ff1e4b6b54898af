package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"call-coordinator/internal/calls"
	"call-coordinator/pkg/logger"
)

// CallEvent is the payload published for every call transition.
type CallEvent struct {
	CallID         string           `json:"callId"`
	ConversationID string           `json:"conversationId,omitempty"`
	CallerID       string           `json:"callerId"`
	ReceiverID     string           `json:"receiverId"`
	CallType       calls.CallType   `json:"callType"`
	Status         calls.CallStatus `json:"status"`
	StartTime      time.Time        `json:"startTime"`
	AnsweredAt     *time.Time       `json:"answeredAt,omitempty"`
	EndedAt        *time.Time       `json:"endedAt,omitempty"`
	Duration       int              `json:"duration,omitempty"`
	EndedBy        string           `json:"endedBy,omitempty"`
	PublishedAt    time.Time        `json:"publishedAt"`
}

// CallPublisher publishes each transition to <prefix>/call/<callId>/<status>.
// Publishing is best effort; failures are logged.
type CallPublisher struct {
	pub    Publisher
	prefix string
	clock  func() time.Time
}

func NewCallPublisher(pub Publisher, prefix string) *CallPublisher {
	return &CallPublisher{pub: pub, prefix: strings.Trim(prefix, "/"), clock: time.Now}
}

// Topic returns the topic for a call in a given status.
func (p *CallPublisher) Topic(callID string, status calls.CallStatus) string {
	t := "call/" + callID + "/" + string(status)
	if p.prefix == "" {
		return t
	}
	return p.prefix + "/" + t
}

func (p *CallPublisher) CallTransitioned(ctx context.Context, rec calls.CallRecord) {
	payload, err := json.Marshal(CallEvent{
		CallID:         rec.CallID,
		ConversationID: rec.ConversationID,
		CallerID:       rec.CallerID,
		ReceiverID:     rec.ReceiverID,
		CallType:       rec.CallType,
		Status:         rec.Status,
		StartTime:      rec.StartTime,
		AnsweredAt:     rec.AnsweredAt,
		EndedAt:        rec.EndedAt,
		Duration:       rec.DurationSeconds,
		EndedBy:        rec.EndedBy,
		PublishedAt:    p.clock().UTC(),
	})
	if err != nil {
		logger.From(ctx).Error("call event encode failed", "call_id", rec.CallID, "err", err)
		return
	}
	topic := p.Topic(rec.CallID, rec.Status)
	if err := p.pub.Publish(ctx, topic, payload); err != nil {
		logger.From(ctx).Warn("call event publish failed", "call_id", rec.CallID, "topic", topic, "err", err)
	}
}

package messaging

import (
	"errors"
	"time"
)

// Message is one entry of a conversation timeline. Call-log messages carry
// the call fields; ordinary chat messages leave them empty.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`

	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`

	SenderUsername       string `json:"senderUsername,omitempty"`
	SenderAvatarColor    string `json:"senderAvatarColor,omitempty"`
	SenderProfilePicture string `json:"senderProfilePicture,omitempty"`

	ReceiverUsername       string `json:"receiverUsername,omitempty"`
	ReceiverAvatarColor    string `json:"receiverAvatarColor,omitempty"`
	ReceiverProfilePicture string `json:"receiverProfilePicture,omitempty"`

	Body        string `json:"body"`
	MessageType string `json:"messageType"`

	CallID       string `json:"callId,omitempty"`
	CallType     string `json:"callType,omitempty"`
	CallStatus   string `json:"callStatus,omitempty"`
	CallDuration int    `json:"callDuration,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

const (
	TypeText    = "text"
	TypeCallLog = "call_log"
)

// ChatItem is one row of a user's chat list.
type ChatItem struct {
	Type           string `json:"type"`
	ReceiverID     string `json:"receiverId"`
	ConversationID string `json:"conversationId"`
}

const ChatTypePersonal = "personal"

var (
	ErrInvalidMessage = errors.New("messaging: invalid message")
	ErrQueueClosed    = errors.New("messaging: queue closed")
)

func (m Message) validate() error {
	if m.ID == "" || m.ConversationID == "" || m.SenderID == "" || m.ReceiverID == "" {
		return ErrInvalidMessage
	}
	return nil
}

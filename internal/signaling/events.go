package signaling

import "encoding/json"

// Inbound events.
const (
	EventCallUser     = "call-user"
	EventCallAccepted = "call-accepted"
	EventCallRejected = "call-rejected"
	EventCallEnded    = "call-ended"
)

// Outbound-only events.
const (
	EventCallIncoming = "call-incoming"
	EventCallBusy     = "call-busy"
	EventCallRinging  = "call-ringing"
	EventError        = "error"
)

// Signal payloads (SDP/ICE) are forwarded verbatim.

type callUserRequest struct {
	UserToCall     string          `json:"userToCall"`
	Signal         json.RawMessage `json:"signal"`
	CallType       string          `json:"callType"`
	CallerName     string          `json:"callerName"`
	CallID         string          `json:"callId"`
	ConversationID string          `json:"conversationId"`
}

type callAcceptedRequest struct {
	Signal   json.RawMessage `json:"signal"`
	To       string          `json:"to"`
	CallType string          `json:"callType"`
	CallID   string          `json:"callId"`
}

type callPeerRequest struct {
	To     string `json:"to"`
	CallID string `json:"callId"`
}

type callIncoming struct {
	Signal     json.RawMessage `json:"signal,omitempty"`
	From       string          `json:"from"`
	CallType   string          `json:"callType"`
	CallerName string          `json:"callerName"`
	CallID     string          `json:"callId"`
}

type callBusy struct {
	UserID  string `json:"userId"`
	CallID  string `json:"callId,omitempty"`
	Message string `json:"message"`
}

type callRinging struct {
	CallID  string `json:"callId"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
}

type callAccepted struct {
	Signal   json.RawMessage `json:"signal,omitempty"`
	CallType string          `json:"callType"`
	From     string          `json:"from"`
	CallID   string          `json:"callId"`
}

type callFrom struct {
	From    string `json:"from"`
	CallID  string `json:"callId,omitempty"`
	Message string `json:"message,omitempty"`
}

type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

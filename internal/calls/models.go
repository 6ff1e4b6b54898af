package calls

import (
	"errors"
	"time"
)

// CallRecord describes one two-party call attempt from initiation to its
// terminal outcome.
//
// Invariants:
// - AnsweredAt is set if and only if the call reached StatusActive.
// - DurationSeconds is only meaningful when AnsweredAt is set.
// - Once Status is terminal the record is never transitioned again.
type CallRecord struct {
	CallID         string `json:"callId"`
	ConversationID string `json:"conversationId,omitempty"`

	CallerID   string `json:"callerId"`
	ReceiverID string `json:"receiverId"`

	// Display fields are denormalized for history rendering and may be empty.
	CallerDisplay   Display `json:"callerDisplay"`
	ReceiverDisplay Display `json:"receiverDisplay"`

	CallType CallType   `json:"callType"`
	Status   CallStatus `json:"status"`

	StartTime  time.Time  `json:"startTime"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`

	// DurationSeconds is floor(EndedAt - AnsweredAt).
	DurationSeconds int `json:"duration,omitempty"`

	// EndedBy is a user id, or EndedBySystem for timeouts and setup failures.
	EndedBy string `json:"endedBy,omitempty"`
}

// Display is the denormalized identity shown next to a call in history.
type Display struct {
	Username       string `json:"username,omitempty"`
	AvatarColor    string `json:"avatarColor,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// EndedBySystem marks records closed by the engine rather than a participant.
const EndedBySystem = "system"

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

type CallStatus string

const (
	StatusInitiated CallStatus = "initiated"
	StatusActive    CallStatus = "active"
	StatusEnded     CallStatus = "ended"
	StatusMissed    CallStatus = "missed"
	StatusRejected  CallStatus = "rejected"
)

// transitions is the exhaustive table of allowed status changes.
// Terminal statuses have no outgoing edges.
var transitions = map[CallStatus][]CallStatus{
	StatusInitiated: {StatusActive, StatusMissed, StatusRejected},
	StatusActive:    {StatusEnded},
	StatusEnded:     nil,
	StatusMissed:    nil,
	StatusRejected:  nil,
}

// IsTerminal reports whether no further transitions are permitted.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusMissed, StatusRejected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the call state machine.
func CanTransition(from, to CallStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	ErrNotFound          = errors.New("call not found")
	ErrInvalidTransition = errors.New("invalid call status transition")
	// ErrSkip aborts an Update without writing and without being reported as a failure.
	ErrSkip = errors.New("update skipped")
)

// Transition moves r to status `to`, stamping the timestamps that belong to
// the target state. It returns ErrInvalidTransition when the edge is not in
// the table.
func (r *CallRecord) Transition(to CallStatus, now time.Time, endedBy string) error {
	if !CanTransition(r.Status, to) {
		return ErrInvalidTransition
	}
	r.Status = to
	switch to {
	case StatusActive:
		t := now
		r.AnsweredAt = &t
	case StatusEnded:
		t := now
		r.EndedAt = &t
		r.EndedBy = endedBy
		if r.AnsweredAt != nil {
			r.DurationSeconds = durationSeconds(*r.AnsweredAt, now)
		}
	case StatusMissed, StatusRejected:
		t := now
		r.EndedAt = &t
		r.EndedBy = endedBy
	}
	return nil
}

// HasParticipant reports whether userID is the caller or the receiver.
func (r CallRecord) HasParticipant(userID string) bool {
	return userID != "" && (r.CallerID == userID || r.ReceiverID == userID)
}

// PeerOf returns the other participant, or "" if userID is not part of the call.
func (r CallRecord) PeerOf(userID string) string {
	switch userID {
	case r.CallerID:
		return r.ReceiverID
	case r.ReceiverID:
		return r.CallerID
	default:
		return ""
	}
}

// RecencyTime is the history sort key: EndedAt, falling back to StartTime.
func (r CallRecord) RecencyTime() time.Time {
	if r.EndedAt != nil {
		return *r.EndedAt
	}
	return r.StartTime
}

func durationSeconds(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

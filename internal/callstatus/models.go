package callstatus

import (
	"time"

	"call-coordinator/internal/calls"
)

// Status is a user's current call involvement.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusBusy   Status = "busy"    // an incoming call is ringing
	StatusInCall Status = "in_call" // caller during setup, both parties once answered
)

// ActiveCallInfo is present iff Status != StatusIdle.
type ActiveCallInfo struct {
	CallID    string         `json:"callId"`
	PeerID    string         `json:"peerId"`
	StartTime time.Time      `json:"startTime"`
	CallType  calls.CallType `json:"callType"`
}

type UserCallStatus struct {
	Status Status          `json:"status"`
	Info   *ActiveCallInfo `json:"activeCallInfo,omitempty"`
}

// Assignment sets one user's status as part of an atomic Assign.
type Assignment struct {
	UserID string
	Status Status
	Info   ActiveCallInfo
}

// CanReceive decides whether userID, currently in st, may be rung by callerID.
//
// An idle user can be called by anyone but themselves. A busy user can be
// called again only by the peer whose attempt is already ringing, which lets
// a client retry. Everyone else gets busy, including a third party calling
// during that retry window.
func CanReceive(st UserCallStatus, userID, callerID string) bool {
	if userID == "" || callerID == "" || userID == callerID {
		return false
	}
	switch st.Status {
	case StatusIdle, "":
		return true
	case StatusBusy:
		return st.Info != nil && st.Info.PeerID == callerID
	default:
		return false
	}
}

package calls

import (
	"testing"
	"time"
)

func TestCanTransition_Table(t *testing.T) {
	allowed := map[[2]CallStatus]bool{
		{StatusInitiated, StatusActive}:   true,
		{StatusInitiated, StatusMissed}:   true,
		{StatusInitiated, StatusRejected}: true,
		{StatusActive, StatusEnded}:       true,
	}
	all := []CallStatus{StatusInitiated, StatusActive, StatusEnded, StatusMissed, StatusRejected}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]CallStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, s := range []CallStatus{StatusEnded, StatusMissed, StatusRejected} {
		if !s.IsTerminal() {
			t.Fatalf("expected %s terminal", s)
		}
		if len(transitions[s]) != 0 {
			t.Fatalf("terminal %s has outgoing edges", s)
		}
	}
	if StatusInitiated.IsTerminal() || StatusActive.IsTerminal() {
		t.Fatalf("initiated/active must not be terminal")
	}
}

func TestTransition_StampsTimes(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	r := CallRecord{CallID: "c1", CallerID: "a", ReceiverID: "b", Status: StatusInitiated, StartTime: start}

	if err := r.Transition(StatusActive, start.Add(2*time.Second), ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if r.AnsweredAt == nil || !r.AnsweredAt.Equal(start.Add(2*time.Second)) {
		t.Fatalf("expected answeredAt set, got %v", r.AnsweredAt)
	}

	if err := r.Transition(StatusEnded, start.Add(67*time.Second+900*time.Millisecond), "a"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if r.DurationSeconds != 65 {
		t.Fatalf("expected 65s duration, got %d", r.DurationSeconds)
	}
	if r.EndedBy != "a" || r.EndedAt == nil {
		t.Fatalf("expected endedBy/endedAt, got %+v", r)
	}

	if err := r.Transition(StatusMissed, start.Add(time.Hour), EndedBySystem); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition from terminal, got %v", err)
	}
}

func TestTransition_MissedLeavesAnsweredUnset(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	r := CallRecord{CallID: "c1", Status: StatusInitiated, StartTime: now}
	if err := r.Transition(StatusMissed, now.Add(30*time.Second), EndedBySystem); err != nil {
		t.Fatalf("missed: %v", err)
	}
	if r.AnsweredAt != nil || r.DurationSeconds != 0 {
		t.Fatalf("missed call must not carry answer data: %+v", r)
	}
	if !r.RecencyTime().Equal(now.Add(30 * time.Second)) {
		t.Fatalf("recency should use endedAt")
	}
}

func TestPeerOf(t *testing.T) {
	r := CallRecord{CallerID: "a", ReceiverID: "b"}
	if r.PeerOf("a") != "b" || r.PeerOf("b") != "a" || r.PeerOf("c") != "" {
		t.Fatalf("unexpected peers")
	}
	if !r.HasParticipant("b") || r.HasParticipant("") {
		t.Fatalf("unexpected participant check")
	}
}

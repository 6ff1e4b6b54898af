package audit

import (
	"context"
	"testing"
)

func TestService_AppendRequiresActorAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeCallStatusReset}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{ActorUserID: "u"}); err == nil {
		t.Fatalf("expected error")
	}
	if len(repo.Events()) != 0 {
		t.Fatalf("invalid events must not be stored")
	}
}

func TestService_LogStatusReset(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	actor := Actor{UserID: "admin-1", Role: "admin", IP: "1.2.3.4"}
	if err := svc.LogStatusReset(context.Background(), actor, "bob", "call-9", "in_call"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	e := evs[0]
	if e.IPAddress != "1.2.3.4" || e.TargetUserID != "bob" || e.CallID != "call-9" {
		t.Fatalf("unexpected event: %+v", e)
	}
	if e.Type != EventTypeCallStatusReset {
		t.Fatalf("expected call_status_reset")
	}
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp to be filled")
	}
	if e.Metadata != `{"previousStatus":"in_call"}` {
		t.Fatalf("unexpected metadata %q", e.Metadata)
	}
}

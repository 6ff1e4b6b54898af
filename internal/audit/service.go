package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
// Audit is internal-only; callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || e.ActorUserID == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// Actor identifies who performed an audited action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

// LogStatusReset records a forced reset of targetUserID's call status.
// callID is the call the user was bound to, if any.
func (s *Service) LogStatusReset(ctx context.Context, actor Actor, targetUserID, callID, previousStatus string) error {
	meta, err := json.Marshal(map[string]string{"previousStatus": previousStatus})
	if err != nil {
		return err
	}
	return s.Append(ctx, Event{
		Type:         EventTypeCallStatusReset,
		ActorUserID:  actor.UserID,
		ActorRole:    actor.Role,
		IPAddress:    actor.IP,
		TargetUserID: targetUserID,
		CallID:       callID,
		Message:      "call status reset",
		Metadata:     string(meta),
	})
}

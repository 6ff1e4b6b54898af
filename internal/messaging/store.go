package messaging

import (
	"context"
	"database/sql"

	"call-coordinator/pkg/utils"

	"github.com/google/uuid"
)

// Store is long-term message storage and the owner of conversation ids.
type Store interface {
	SaveMessage(ctx context.Context, msg Message) error
	// ResolveConversation returns the conversation between a and b, creating
	// it on first use. The result does not depend on argument order.
	ResolveConversation(ctx context.Context, a, b string) (string, error)
}

// NOTE: PostgresStore assumes the tables from internal/migrations:
// - conversations, UNIQUE (user_low, user_high)
// - messages, PRIMARY KEY (id)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// SaveMessage inserts msg and bumps the conversation's last activity in one
// transaction. Redelivered messages are ignored.
func (s *PostgresStore) SaveMessage(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	return utils.WithTx(ctx, s.db, utils.ReadCommitted, func(ctx context.Context, tx *sql.Tx) error {
		const insert = `
INSERT INTO messages (
  id, conversation_id, sender_id, receiver_id, body, message_type,
  call_id, call_type, call_status, call_duration, created_at
) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11)
ON CONFLICT (id) DO NOTHING
`
		res, err := tx.ExecContext(ctx, insert,
			msg.ID,
			msg.ConversationID,
			msg.SenderID,
			msg.ReceiverID,
			msg.Body,
			msg.MessageType,
			msg.CallID,
			msg.CallType,
			msg.CallStatus,
			msg.CallDuration,
			msg.CreatedAt,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		const touch = `
UPDATE conversations
SET last_message_at = GREATEST(last_message_at, $2)
WHERE id = $1
`
		_, err = tx.ExecContext(ctx, touch, msg.ConversationID, msg.CreatedAt)
		return err
	})
}

func (s *PostgresStore) ResolveConversation(ctx context.Context, a, b string) (string, error) {
	if a == "" || b == "" {
		return "", ErrInvalidMessage
	}
	low, high := a, b
	if high < low {
		low, high = high, low
	}
	// The no-op update makes RETURNING yield the existing row on conflict.
	const q = `
INSERT INTO conversations (id, user_low, user_high)
VALUES ($1, $2, $3)
ON CONFLICT (user_low, user_high) DO UPDATE SET user_low = EXCLUDED.user_low
RETURNING id
`
	var id string
	if err := s.db.QueryRowContext(ctx, q, uuid.NewString(), low, high).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

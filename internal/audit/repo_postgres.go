package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepo appends to the audit_events table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, type, actor_user_id, actor_role, ip_address,
  target_user_id, call_id, message, metadata, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, '')::jsonb, $10)
`
	if _, err := r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.TargetUserID,
		e.CallID,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	); err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

// ListForTarget returns the most recent events about a user, newest first.
func (r *PostgresRepo) ListForTarget(ctx context.Context, targetUserID string, limit int) ([]Event, error) {
	const q = `
SELECT id, type, COALESCE(actor_user_id, ''), COALESCE(actor_role, ''), COALESCE(ip_address, ''),
       COALESCE(target_user_id, ''), COALESCE(call_id, ''), COALESCE(message, ''),
       COALESCE(metadata::text, ''), created_at
FROM audit_events
WHERE target_user_id = $1
ORDER BY created_at DESC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, targetUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit list: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e  Event
			et string
		)
		if err := rows.Scan(
			&e.ID,
			&et,
			&e.ActorUserID,
			&e.ActorRole,
			&e.IPAddress,
			&e.TargetUserID,
			&e.CallID,
			&e.Message,
			&e.Metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("audit list: %w", err)
		}
		e.Type = EventType(et)
		out = append(out, e)
	}
	return out, rows.Err()
}

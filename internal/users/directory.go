// Package users is the read-only view of user identities needed to label
// calls and call-log messages.
package users

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"call-coordinator/internal/calls"
)

var ErrNotFound = errors.New("user not found")

// Directory resolves a user id to the identity shown next to calls.
type Directory interface {
	Lookup(ctx context.Context, userID string) (calls.Display, error)
}

// PostgresDirectory reads the users table.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (calls.Display, error) {
	const q = `
SELECT username, COALESCE(avatar_color, ''), COALESCE(profile_picture, '')
FROM users
WHERE id = $1
`
	var out calls.Display
	if err := d.db.QueryRowContext(ctx, q, userID).Scan(
		&out.Username,
		&out.AvatarColor,
		&out.ProfilePicture,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Display{}, ErrNotFound
		}
		return calls.Display{}, err
	}
	return out, nil
}

// MemoryDirectory is a fixed in-memory Directory.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]calls.Display
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: map[string]calls.Display{}}
}

func (d *MemoryDirectory) Put(userID string, disp calls.Display) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[userID] = disp
}

func (d *MemoryDirectory) Lookup(ctx context.Context, userID string) (calls.Display, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	disp, ok := d.users[userID]
	if !ok {
		return calls.Display{}, ErrNotFound
	}
	return disp, nil
}

package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxUsername
	ctxRole
)

func WithIdentity(ctx context.Context, userID, username, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxUsername, username)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func UserID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxUserID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}

// Username is optional in tokens; it returns "" when absent.
func Username(ctx context.Context) string {
	s, _ := ctx.Value(ctxUsername).(string)
	return s
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}

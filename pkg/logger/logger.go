package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configure the root logger.
type Options struct {
	Env     string
	Service string
	// Level overrides the env default: debug, info, warn or error.
	Level string
	// Output defaults to stdout.
	Output io.Writer
}

// New returns the root JSON logger. Every line carries service and env.
func New(opts Options) (*slog.Logger, error) {
	level := slog.LevelInfo
	if opts.Env == "local" || opts.Env == "dev" {
		level = slog.LevelDebug
	}
	if opts.Level != "" {
		l, err := ParseLevel(opts.Level)
		if err != nil {
			return nil, err
		}
		level = l
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	l := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	if opts.Service != "" {
		l = l.With("service", opts.Service)
	}
	if opts.Env != "" {
		l = l.With("env", opts.Env)
	}
	return l, nil
}

// ParseLevel accepts debug, info, warn (or warning) and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// WithAttrs derives the context's logger with extra attributes, e.g. the
// user_id of a websocket session.
func WithAttrs(ctx context.Context, args ...any) context.Context {
	return With(ctx, From(ctx).With(args...))
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

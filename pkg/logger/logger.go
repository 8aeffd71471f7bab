package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	TenantKey    ContextKey = "tenant"
	// ActorKey carries the authenticated user that audit entries are attributed to.
	ActorKey ContextKey = "actor"
	RoleKey  ContextKey = "role"
)

var contextKeys = []ContextKey{RequestIDKey, TenantKey, ActorKey, RoleKey}

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the default slog logger and returns it.
func Init(cfg *Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}

// WithActor returns ctx carrying the authenticated identity.
func WithActor(ctx context.Context, actor, tenant, role string) context.Context {
	if actor != "" {
		ctx = context.WithValue(ctx, ActorKey, actor)
	}
	if tenant != "" {
		ctx = context.WithValue(ctx, TenantKey, tenant)
	}
	if role != "" {
		ctx = context.WithValue(ctx, RoleKey, role)
	}
	return ctx
}

// Actor returns the authenticated user stored in ctx, or "".
func Actor(ctx context.Context) string {
	s, _ := ctx.Value(ActorKey).(string)
	return s
}

// WithContext returns a logger with context values extracted
func WithContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			logger = logger.With(string(key), v)
		}
	}
	return logger
}

func Info(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

func Debug(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}

func Warn(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

func Error(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

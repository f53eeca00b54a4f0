// Package kit carries per-run identifiers through context so that every log
// line of one catch-up pass or one watch event can be correlated.
package kit

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	PassIDKey  contextKey = "kit_pass_id"
	TriggerKey contextKey = "kit_trigger" // "catchup", "watch"
)

func WithPassID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, PassIDKey, id)
}
func GetPassID(ctx context.Context) string {
	v, _ := ctx.Value(PassIDKey).(string)
	return v
}

func WithTrigger(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TriggerKey, t)
}
func GetTrigger(ctx context.Context) string {
	if v, ok := ctx.Value(TriggerKey).(string); ok {
		return v
	}
	return "direct"
}

// Logger returns base with the context's identifiers attached.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	l := base.With("trigger", GetTrigger(ctx))
	if id := GetPassID(ctx); id != "" {
		l = l.With("pass", id)
	}
	return l
}

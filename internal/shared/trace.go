package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}
type slotIDKey struct{}
type featureIDKey struct{}
type sessionIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

func WithSlotID(ctx context.Context, slotID string) context.Context {
	return context.WithValue(ctx, slotIDKey{}, slotID)
}

// SlotID extracts slot_id from context. Returns "" if absent.
func SlotID(ctx context.Context) string {
	if v, ok := ctx.Value(slotIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithFeatureID(ctx context.Context, featureID int64) context.Context {
	return context.WithValue(ctx, featureIDKey{}, featureID)
}

// FeatureID extracts feature_id from context. Returns 0 if absent.
func FeatureID(ctx context.Context) int64 {
	if v, ok := ctx.Value(featureIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithSessionID attaches a session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewSessionID generates a new worker session id.
func NewSessionID() string {
	return uuid.NewString()
}

// LogAttrs returns the ids carried by ctx as slog attributes.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if v := SlotID(ctx); v != "" {
		attrs = append(attrs, "slot_id", v)
	}
	if v := FeatureID(ctx); v != 0 {
		attrs = append(attrs, "feature_id", v)
	}
	if v := SessionID(ctx); v != "" {
		attrs = append(attrs, "session_id", v)
	}
	return attrs
}

// Logger enriches logger with the ids carried by ctx.
func Logger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(LogAttrs(ctx)...)
}

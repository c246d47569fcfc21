package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type chatIDKey struct{}
type principalIDKey struct{}
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

// WithChatID attaches a chat_id to the context.
func WithChatID(ctx context.Context, chatID int64) context.Context {
	return context.WithValue(ctx, chatIDKey{}, chatID)
}

// ChatID extracts chat_id from context. Returns 0 if absent.
func ChatID(ctx context.Context) int64 {
	if v, ok := ctx.Value(chatIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithPrincipalID attaches a principal_id to the context.
func WithPrincipalID(ctx context.Context, principalID int64) context.Context {
	return context.WithValue(ctx, principalIDKey{}, principalID)
}

// PrincipalID extracts principal_id from context. Returns 0 if absent.
func PrincipalID(ctx context.Context) int64 {
	if v, ok := ctx.Value(principalIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithSessionID attaches the external agent session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts the external agent session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

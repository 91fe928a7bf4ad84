package tracing

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ContextKey represents keys used for context values
type ContextKey string

const (
	ConnectionIDKey  ContextKey = "connection_id"
	CorrelationIDKey ContextKey = "correlation_id"
	UserIDKey        ContextKey = "user_id"
)

// WithConnectionID adds a relay connection ID to the context
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, id)
}

// WithCorrelationID adds a client correlation ID to the context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// WithUserID adds the authenticated user to the context
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}

func value(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// ConnectionID extracts the connection ID from context
func ConnectionID(ctx context.Context) string { return value(ctx, ConnectionIDKey) }

// CorrelationID extracts the correlation ID from context
func CorrelationID(ctx context.Context) string { return value(ctx, CorrelationIDKey) }

// UserID extracts the user ID from context
func UserID(ctx context.Context) string { return value(ctx, UserIDKey) }

// Fields returns the log fields carried by ctx. Empty values are omitted.
func Fields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	for _, key := range []ContextKey{ConnectionIDKey, CorrelationIDKey, UserIDKey} {
		if v := value(ctx, key); v != "" {
			fields[string(key)] = v
		}
	}
	if traceID := TraceID(ctx); traceID != "" {
		fields["trace_id"] = traceID
	}
	return fields
}

package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if ctx == nil {
		return Default()
	}
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TraceIDFromContext returns the trace id stored by WithTraceContext or
// ContextWithTraceID.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// ContextWithTraceID stores traceID and a logger carrying it in ctx.
func ContextWithTraceID(ctx context.Context, base *Logger, traceID string) (context.Context, *Logger) {
	l := base.WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context) (context.Context, *Logger) {
	return ContextWithTraceID(ctx, Default(), GenerateTraceID())
}

// LicenseContext creates a logger context for license operations
func LicenseContext(ctx context.Context, operation, licenseKey string) *Logger {
	return FromContext(ctx).WithFields(map[string]interface{}{
		"operation":   operation,
		"license_key": MaskKey(licenseKey),
	}).WithComponent("license")
}

// TrialContext creates a logger context for trial operations
func TrialContext(ctx context.Context, operation, systemID string) *Logger {
	return FromContext(ctx).WithFields(map[string]interface{}{
		"operation": operation,
		"system_id": systemID,
	}).WithComponent("trial")
}

// PaymentContext creates a logger context for payment webhooks
func PaymentContext(ctx context.Context, gateway, transactionID string) *Logger {
	return FromContext(ctx).WithFields(map[string]interface{}{
		"gateway":        gateway,
		"transaction_id": transactionID,
	}).WithComponent("payment")
}

// APIContext creates a logger context for API operations
func APIContext(method, path string, statusCode int) *Logger {
	return Default().WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
	}).WithComponent("api")
}

// DatabaseContext creates a logger context for database operations
func DatabaseContext(operation, table string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"operation": operation,
		"table":     table,
	}).WithComponent("database")
}

// MaskKey keeps the first segment of a license key and hides the rest.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return key
	}
	return key[:4] + "****"
}

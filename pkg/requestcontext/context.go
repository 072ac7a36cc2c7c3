// Package requestcontext provides HTTP-independent accessors for
// request-scoped values. Middleware sets them; services read them without
// importing net/http.
//
// Usage in tests:
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
//	ctx = requestcontext.WithEnterpriseID(ctx, "ent-acme")
package requestcontext

import (
	"context"
	"time"
)

type (
	enterpriseIDKey struct{}
	clientIPKey     struct{}
	userAgentKey    struct{}
	requestIDKey    struct{}
	requestTimeKey  struct{}
)

// Exported context keys for tests that need context.WithValue directly.
var (
	ContextKeyEnterpriseID = enterpriseIDKey{}
	ContextKeyClientIP     = clientIPKey{}
	ContextKeyUserAgent    = userAgentKey{}
	ContextKeyRequestID    = requestIDKey{}
	ContextKeyRequestTime  = requestTimeKey{}
)

// EnterpriseID returns the authenticated issuing enterprise, or "".
func EnterpriseID(ctx context.Context) string {
	if v, ok := ctx.Value(ContextKeyEnterpriseID).(string); ok {
		return v
	}
	return ""
}

func WithEnterpriseID(ctx context.Context, enterpriseID string) context.Context {
	return context.WithValue(ctx, ContextKeyEnterpriseID, enterpriseID)
}

func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ContextKeyClientIP).(string); ok {
		return ip
	}
	return ""
}

// UserAgent returns the summarized user agent ("browser/os") set by the
// metadata middleware.
func UserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(ContextKeyUserAgent).(string); ok {
		return ua
	}
	return ""
}

func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyClientIP, clientIP)
	ctx = context.WithValue(ctx, ContextKeyUserAgent, userAgent)
	return ctx
}

func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() for contexts that never passed through middleware
// (workers, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime pins "now" for everything downstream. Validity windows
// (nbf/exp) are evaluated against this value.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}

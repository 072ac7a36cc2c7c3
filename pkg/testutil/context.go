package testutil

import (
	"context"
	"net/http"
	"time"

	"maskgate/pkg/requestcontext"
)

// WithEnterprise adds an authenticated enterprise id to the request context.
// This simulates what the auth middleware would do for authenticated requests.
// An empty id is ignored.
func WithEnterprise(req *http.Request, enterpriseID string) *http.Request {
	if enterpriseID == "" {
		return req
	}
	return req.WithContext(requestcontext.WithEnterpriseID(req.Context(), enterpriseID))
}

// WithTime pins the request time, which validity windows are evaluated against.
func WithTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}

package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	dErrors "maskgate/pkg/domain-errors"
	"maskgate/pkg/platform/audit"
	"maskgate/pkg/platform/httputil"
	"maskgate/pkg/requestcontext"
)

// JWTValidator defines the interface for validating JWT tokens
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims represents the claims we expect from the JWT validator
type JWTClaims struct {
	EnterpriseID string
	JTI          string
}

// SecurityAuditor records authentication failures.
type SecurityAuditor interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// RequireEnterprise authenticates the bearer token and puts its enterprise
// into the request context. Requests without a valid token get 401.
func RequireEnterprise(validator JWTValidator, auditor SecurityAuditor, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				reject(ctx, w, auditor, logger, "missing bearer token",
					dErrors.New(dErrors.CodeUnauthorized, "Missing or invalid Authorization header"))
				return
			}

			claims, err := validator.ValidateToken(strings.TrimSpace(token))
			if err != nil {
				reject(ctx, w, auditor, logger, dErrors.MessageOf(err),
					dErrors.New(dErrors.CodeUnauthorized, "Invalid or expired token"))
				return
			}

			ctx = requestcontext.WithEnterpriseID(ctx, claims.EnterpriseID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func reject(ctx context.Context, w http.ResponseWriter, auditor SecurityAuditor, logger *slog.Logger, reason string, err error) {
	requestID := requestcontext.RequestID(ctx)
	logger.WarnContext(ctx, "unauthorized access",
		"reason", reason,
		"request_id", requestID,
	)
	if auditor != nil {
		auditor.Emit(ctx, audit.SecurityEvent{
			Timestamp: requestcontext.Now(ctx),
			Action:    string(audit.EventAuthFailed),
			Reason:    reason,
			IP:        requestcontext.ClientIP(ctx),
			RequestID: requestID,
			UserAgent: requestcontext.UserAgent(ctx),
			Severity:  audit.SeverityWarning,
		})
	}
	httputil.WriteError(w, err)
}

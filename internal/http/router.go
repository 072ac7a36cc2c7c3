package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"maskgate/internal/platform/metrics"
	"maskgate/internal/platform/middleware"
	warranthandler "maskgate/internal/warrant/handler"
	"maskgate/pkg/platform/middleware/metadata"
	"maskgate/pkg/platform/middleware/requesttime"
)

// Deps are the collaborators the router mounts.
type Deps struct {
	Warrants      *warranthandler.Handler
	Tokens        middleware.JWTValidator
	Security      middleware.SecurityAuditor
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Clock         func() time.Time
	ExposeMetrics bool
}

// NewRouter wires the public endpoints. /health and /metrics are
// unauthenticated; warrant endpoints require an enterprise bearer token.
func NewRouter(d Deps) http.Handler {
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(d.Logger))
	r.Use(middleware.Logger(d.Logger))
	r.Use(d.Metrics.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.MiddlewareWithClock(clock))

	r.Get("/health", warranthandler.HandleHealth)
	if d.ExposeMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireEnterprise(d.Tokens, d.Security, d.Logger))
		d.Warrants.Register(r)
	})
	return r
}

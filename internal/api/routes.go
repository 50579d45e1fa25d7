package api

import (
	"net/http"
	"research/internal/health"
	"research/internal/job"
	"research/internal/observability"
	"time"

	"golang.org/x/time/rate"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService     *job.Service
	Metrics        *observability.Metrics
	HealthChecker  *health.Checker
	APIKey         string
	WSWriteTimeout time.Duration
	CreateLimiter  *rate.Limiter // optional; bounds POST /v1/jobs
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Metrics, cfg.HealthChecker, cfg.WSWriteTimeout)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job endpoints - auth required
	auth := AuthMiddleware(cfg.APIKey)
	limit := RateLimitMiddleware(cfg.CreateLimiter)
	mux.Handle("POST /v1/jobs", auth(limit(http.HandlerFunc(handler.CreateJob))))
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("GET /v1/jobs/{jobId}/report", auth(http.HandlerFunc(handler.GetReport)))
	mux.Handle("POST /v1/jobs/{jobId}/persona", auth(http.HandlerFunc(handler.SelectPersona)))
	mux.Handle("POST /v1/jobs/{jobId}/chat", auth(http.HandlerFunc(handler.Chat)))
	mux.Handle("POST /v1/jobs/{jobId}/complete", auth(http.HandlerFunc(handler.CompleteJob)))
	mux.Handle("GET /v1/jobs/{jobId}/events", auth(http.HandlerFunc(handler.Events)))
	mux.Handle("POST /v1/descriptions/check", auth(http.HandlerFunc(handler.CheckDescription)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}

package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/taskforge/internal/adapter/httpserver"
	"github.com/fairyhunter13/taskforge/internal/adapter/observability"
	"github.com/fairyhunter13/taskforge/internal/config"
	"github.com/fairyhunter13/taskforge/internal/domain"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// hub may be nil when the event stream is not served (worker binary).
func BuildRouter(cfg config.Config, srv *httpserver.Server, tenants domain.TenantRepository, hub *httpserver.WSHub) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Tenant-facing API, behind bearer auth
	r.Route("/api/v1", func(api chi.Router) {
		// request timeout stays off /ws; TimeoutHandler cannot hijack
		api.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
		api.Use(httpserver.BearerAuth(tenants))
		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/jobs", srv.SubmitJobHandler())
		})
		api.Get("/jobs", srv.ListJobsHandler())
		api.Get("/jobs/dlq", srv.ListDLQHandler())
		api.Get("/jobs/metrics/summary", srv.MetricsSummaryHandler())
		api.Get("/jobs/{id}", srv.GetJobHandler())
	})

	// Health and metrics
	r.Get("/health", srv.HealthHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	// Live event stream
	if hub != nil {
		r.Get("/ws", hub.ServeWS())
	}

	return httpserver.SecurityHeaders(r)
}

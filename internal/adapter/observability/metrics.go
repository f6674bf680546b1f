package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs admitted and enqueued",
		},
	)
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently leased by workers in this process",
		},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		},
	)
	JobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of failed job attempts",
		},
	)
	JobsRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of jobs returned to pending for retry",
		},
	)
	JobsDLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_dlq_total",
			Help: "Total number of jobs moved to the dead-letter queue",
		},
	)
	JobProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_processing_duration_seconds",
			Help:    "Wall time from lease to acknowledgment",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	AdmissionRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_rejections_total",
			Help: "Total number of submissions rejected at admission",
		},
		[]string{"reason"},
	)
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published on the in-process bus",
		},
		[]string{"topic"},
	)
	LeasesReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leases_reaped_total",
			Help: "Total number of expired running leases recovered by the reaper",
		},
	)
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Number of live WebSocket subscriber connections",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsDLQTotal)
	prometheus.MustRegister(JobProcessingDuration)
	prometheus.MustRegister(AdmissionRejectionsTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(LeasesReapedTotal)
	prometheus.MustRegister(WSConnections)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func SubmitJob() {
	JobsSubmittedTotal.Inc()
}

func StartProcessingJob() {
	JobsRunning.Inc()
}

func CompleteJob(startedAt time.Time) {
	JobsRunning.Dec()
	JobsCompletedTotal.Inc()
	JobProcessingDuration.Observe(time.Since(startedAt).Seconds())
}

func FailJob(startedAt time.Time) {
	JobsRunning.Dec()
	JobsFailedTotal.Inc()
	JobProcessingDuration.Observe(time.Since(startedAt).Seconds())
}

func RetryJob() {
	JobsRetriedTotal.Inc()
}

func DLQJob() {
	JobsDLQTotal.Inc()
}

func RejectAdmission(reason string) {
	AdmissionRejectionsTotal.WithLabelValues(reason).Inc()
}

func PublishEvent(topic string) {
	EventsPublishedTotal.WithLabelValues(topic).Inc()
}

func ReapLease() {
	LeasesReapedTotal.Inc()
}

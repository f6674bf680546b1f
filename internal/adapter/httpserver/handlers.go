package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/taskforge/internal/config"
	"github.com/fairyhunter13/taskforge/internal/domain"
	"github.com/fairyhunter13/taskforge/internal/usecase"
)

// Server groups the HTTP handlers and their dependencies.
type Server struct {
	Cfg        config.Config
	Jobs       usecase.JobService
	DBCheck    func(context.Context) error
	RedisCheck func(context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
// redisCheck may be nil when the cluster limiter is disabled.
func NewServer(cfg config.Config, jobs usecase.JobService, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Jobs: jobs, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

const defaultMaxRetries = 3

// jobView is the wire form of a job.
type jobView struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Status         domain.JobStatus `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey *string         `json:"idempotency_key"`
	MaxRetries     int             `json:"max_retries"`
	RetryCount     int             `json:"retry_count"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
	ErrorMessage   *string         `json:"error_message"`
	TraceID        string          `json:"trace_id"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		ID:             j.ID,
		TenantID:       j.TenantID,
		Status:         j.Status,
		Payload:        j.Payload,
		IdempotencyKey: j.IdempotencyKey,
		MaxRetries:     j.MaxRetries,
		RetryCount:     j.RetryCount,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		ErrorMessage:   j.ErrorMessage,
		TraceID:        j.TraceID,
	}
}

type dlqView struct {
	ID            string          `json:"id"`
	OriginalJobID string          `json:"original_job_id"`
	TenantID      string          `json:"tenant_id"`
	Payload       json.RawMessage `json:"payload"`
	ErrorMessage  *string         `json:"error_message"`
	RetryCount    int             `json:"retry_count"`
	FailedAt      time.Time       `json:"failed_at"`
	TraceID       string          `json:"trace_id"`
}

func toDLQView(e domain.DLQEntry) dlqView {
	return dlqView{
		ID:            e.ID,
		OriginalJobID: e.OriginalJobID,
		TenantID:      e.TenantID,
		Payload:       e.Payload,
		ErrorMessage:  e.ErrorMessage,
		RetryCount:    e.RetryCount,
		FailedAt:      e.FailedAt,
		TraceID:       e.TraceID,
	}
}

func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
		Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]any{"accept": a},
	}})
	return false
}

func requireTenant(w http.ResponseWriter, r *http.Request) (domain.Tenant, bool) {
	tenant, ok := TenantFrom(r.Context())
	if !ok {
		writeError(w, r, fmt.Errorf("%w: tenant missing from context", domain.ErrUnauthorized), nil)
	}
	return tenant, ok
}

// SubmitJobHandler accepts a job for asynchronous execution.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		// Cap body size to prevent abuse
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req struct {
			Payload        json.RawMessage `json:"payload" validate:"required"`
			IdempotencyKey string          `json:"idempotency_key" validate:"omitempty,max=255"`
			MaxRetries     *int            `json:"max_retries" validate:"omitempty,min=0,max=10"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}

		maxRetries := defaultMaxRetries
		if req.MaxRetries != nil {
			maxRetries = *req.MaxRetries
		}
		var idemKey *string
		if req.IdempotencyKey != "" {
			idemKey = &req.IdempotencyKey
		}

		job, err := s.Jobs.Submit(r.Context(), tenant, req.Payload, idemKey, maxRetries)
		if err != nil {
			var rle *usecase.RateLimitedError
			if errors.As(err, &rle) {
				w.Header().Set("Retry-After", retryAfterSeconds(rle.RetryAfter))
			}
			writeError(w, r, fmt.Errorf("submit: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusCreated, toJobView(job))
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}

// GetJobHandler returns one job owned by the caller.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		if vr := ValidateJobID(id); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		job, err := s.Jobs.Get(r.Context(), id, tenant.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

// ListJobsHandler lists the caller's jobs filtered by status.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		status := r.URL.Query().Get("status")
		if status == "" {
			status = string(domain.JobPending)
		}
		if vr := ValidateStatus(status); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid status", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		limit, vr := ParseLimit(r.URL.Query().Get("limit"))
		if !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid limit", domain.ErrInvalidArgument), vr.Errors)
			return
		}

		jobs, err := s.Jobs.ListByStatus(r.Context(), domain.JobStatus(status), tenant.ID, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, toJobView(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "total": len(views)})
	}
}

// ListDLQHandler lists the caller's dead-letter entries.
func (s *Server) ListDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		limit, vr := ParseLimit(r.URL.Query().Get("limit"))
		if !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid limit", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		entries, err := s.Jobs.ListDLQ(r.Context(), tenant.ID, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]dlqView, 0, len(entries))
		for _, e := range entries {
			views = append(views, toDLQView(e))
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": views, "total": len(views)})
	}
}

// MetricsSummaryHandler returns the caller's job counts by status.
func (s *Server) MetricsSummaryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		sum, err := s.Jobs.Metrics(r.Context(), tenant.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

// HealthHandler is the liveness probe.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the store and, when configured, Redis.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204")
	}
}

func TestJobMetricsHelpers(t *testing.T) {
	// The helpers must be safe whether or not the collectors are registered.
	SubmitJob()
	StartProcessingJob()
	CompleteJob(time.Now().Add(-time.Second))
	FailJob(time.Now().Add(-time.Second))
	RetryJob()
	DLQJob()
	RejectAdmission("quota")
	RejectAdmission("rate")
	PublishEvent("job_submitted")
	ReapLease()
	WSConnections.Inc()
	WSConnections.Dec()
}

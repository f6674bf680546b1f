package domain

import (
	"encoding/json"
	"time"
)

// Event bus topics. Delivery is in-process, best-effort and non-durable;
// per-topic publish order is preserved per publisher, nothing is ordered
// across topics.
const (
	TopicJobSubmitted   = "job_submitted"
	TopicJobStarted     = "job_started"
	TopicJobCompleted   = "job_completed"
	TopicJobFailed      = "job_failed"
	TopicJobRetry       = "job_retry"
	TopicJobDLQ         = "job_dlq"
	TopicMetricsUpdated = "metrics_updated"
)

// Topics lists every bus topic, in the order observers usually wire them.
func Topics() []string {
	return []string{
		TopicJobSubmitted,
		TopicJobStarted,
		TopicJobCompleted,
		TopicJobFailed,
		TopicJobRetry,
		TopicJobDLQ,
		TopicMetricsUpdated,
	}
}

// Event is the payload published on every topic. Fields are omitted from
// the wire form when empty so each topic carries only what it needs.
type Event struct {
	Topic        string          `json:"topic"`
	JobID        string          `json:"job_id,omitempty"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Status       JobStatus       `json:"status,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	RetryCount   int             `json:"retry_count,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	TraceID      string          `json:"trace_id,omitempty"`
	At           time.Time       `json:"at"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// EventBus (port)

// EventBus fans events out to in-process subscribers. A panicking handler
// is recovered and logged; it never reaches the publisher or suppresses
// delivery to other handlers.
type EventBus interface {
	Publish(topic string, ev Event)
	// Subscribe registers fn for topic and returns its unsubscribe func.
	Subscribe(topic string, fn func(Event)) func()
}

// JobEvent builds the common event shape for a job transition.
func JobEvent(topic string, j Job) Event {
	ev := Event{
		Topic:    topic,
		JobID:    j.ID,
		TenantID: j.TenantID,
		Status:   j.Status,
		TraceID:  j.TraceID,
		At:       time.Now().UTC(),
	}
	if j.ErrorMessage != nil {
		ev.ErrorMessage = *j.ErrorMessage
	}
	ev.RetryCount = j.RetryCount
	return ev
}

// Package eventbus provides the in-process topic pub/sub that fans job
// transitions out to live observers (the WebSocket hub, the metrics
// snapshot recorder). Delivery is best-effort and non-durable.
package eventbus

import (
	"log/slog"

	"github.com/juju/pubsub/v2"

	"github.com/fairyhunter13/taskforge/internal/adapter/observability"
	"github.com/fairyhunter13/taskforge/internal/domain"
)

// Bus wraps a pubsub SimpleHub behind the domain.EventBus port. Handlers
// run asynchronously on the hub; a panic inside a handler is recovered and
// logged so it never reaches the publisher or starves other subscribers.
type Bus struct {
	hub *pubsub.SimpleHub
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{hub: pubsub.NewSimpleHub(nil)}
}

// Publish fans ev out to every current subscriber of topic. It never
// blocks on subscriber completion.
func (b *Bus) Publish(topic string, ev domain.Event) {
	ev.Topic = topic
	observability.PublishEvent(topic)
	b.hub.Publish(topic, ev)
}

// Subscribe registers fn for topic and returns its unsubscribe func.
func (b *Bus) Subscribe(topic string, fn func(domain.Event)) func() {
	return b.hub.Subscribe(topic, func(t string, data interface{}) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("event handler panic",
					slog.String("topic", t),
					slog.Any("recover", rec))
			}
		}()
		ev, ok := data.(domain.Event)
		if !ok {
			slog.Error("event handler received unexpected payload type", slog.String("topic", t))
			return
		}
		fn(ev)
	})
}

// SubscribeAll registers fn on every job-queue topic and returns a single
// unsubscribe func covering all of them.
func (b *Bus) SubscribeAll(fn func(domain.Event)) func() {
	unsubs := make([]func(), 0, len(domain.Topics()))
	for _, topic := range domain.Topics() {
		unsubs = append(unsubs, b.Subscribe(topic, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

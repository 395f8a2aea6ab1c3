// Package eventbus is an in-process fan-out implementation of
// ports.EventService. Each subscriber gets its own buffered channel; when a
// subscriber falls behind, the oldest buffered event is dropped so
// publishers never block. Real-time events are a convenience layer over
// authoritative, re-fetchable state, so dropped events are recoverable by
// re-querying.
package eventbus

import (
	"context"
	"sync"
	"time"

	"memgrid/pkg/log"
	"memgrid/pkg/ports"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const topicAll = "*"

type subscriber struct {
	id     string
	topic  string
	events chan *ports.EventEnvelope
	errs   chan error
}

// Bus implements ports.EventService.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]*subscriber
	buffer int

	published prometheus.Counter
	dropped   prometheus.Counter
	subGauge  prometheus.Gauge
}

// New returns a Bus with the given per-subscriber buffer size. Metrics are
// registered on reg so tests can supply their own registry.
func New(buffer int, reg prometheus.Registerer) *Bus {
	published := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "memgrid_events_published_total",
		Help: "Total number of events published on the bus",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "memgrid_events_dropped_total",
		Help: "Total number of events dropped due to slow subscribers",
	})
	subGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memgrid_event_subscribers",
		Help: "Number of live event subscribers",
	})

	reg.MustRegister(published, dropped, subGauge)

	return &Bus{
		subs:      make(map[string]*subscriber),
		buffer:    buffer,
		published: published,
		dropped:   dropped,
		subGauge:  subGauge,
	}
}

// Publish implements ports.EventService.
func (b *Bus) Publish(ctx context.Context, topic string, event interface{}) error {
	envelope := &ports.EventEnvelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Event:     event,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.published.Inc()

	for _, sub := range b.subs {
		if sub.topic != topicAll && sub.topic != topic {
			continue
		}

		b.deliver(ctx, sub, envelope)
	}

	return nil
}

// deliver enqueues the envelope, evicting the oldest buffered event if the
// subscriber's channel is full. Called with b.mu held.
func (b *Bus) deliver(ctx context.Context, sub *subscriber, envelope *ports.EventEnvelope) {
	select {
	case sub.events <- envelope:
		return
	default:
	}

	select {
	case stale := <-sub.events:
		b.dropped.Inc()
		log.GetLogger(ctx).WithField("subscriber", sub.id).
			Debugf("subscriber lagging, dropped event %T", stale.Event)
	default:
	}

	select {
	case sub.events <- envelope:
	default:
		b.dropped.Inc()
	}
}

// SubscribeTopic implements ports.EventService.
func (b *Bus) SubscribeTopic(ctx context.Context, topic string) (<-chan *ports.EventEnvelope, <-chan error) {
	return b.subscribe(ctx, topic)
}

// SubscribeAll implements ports.EventService.
func (b *Bus) SubscribeAll(ctx context.Context) (<-chan *ports.EventEnvelope, <-chan error) {
	return b.subscribe(ctx, topicAll)
}

func (b *Bus) subscribe(ctx context.Context, topic string) (<-chan *ports.EventEnvelope, <-chan error) {
	sub := &subscriber{
		id:     uuid.NewString(),
		topic:  topic,
		events: make(chan *ports.EventEnvelope, b.buffer),
		errs:   make(chan error, 1),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.subGauge.Set(float64(len(b.subs)))
	b.mu.Unlock()

	go func() {
		<-ctx.Done()

		b.mu.Lock()
		delete(b.subs, sub.id)
		b.subGauge.Set(float64(len(b.subs)))
		b.mu.Unlock()
	}()

	return sub.events, sub.errs
}

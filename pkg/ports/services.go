package ports

import (
	"context"
	"time"

	"memgrid/pkg/models"
)

// EventEnvelope wraps a domain event with delivery metadata.
type EventEnvelope struct {
	ID        string
	Topic     string
	Timestamp time.Time
	Event     interface{}
}

// EventService is the port definition for the event bus. Delivery is
// best-effort fan-out: a slow subscriber never blocks publishers.
type EventService interface {
	// Publish sends the event to every current subscriber of the topic.
	Publish(ctx context.Context, topic string, event interface{}) error
	// SubscribeTopic opens a live feed for one topic. The feed closes when
	// the context is cancelled.
	SubscribeTopic(ctx context.Context, topic string) (<-chan *EventEnvelope, <-chan error)
	// SubscribeAll opens a live feed covering every topic.
	SubscribeAll(ctx context.Context) (<-chan *EventEnvelope, <-chan error)
}

// MemoryService is the port for capacity accounting.
type MemoryService interface {
	// Probe queries every provider in parallel and returns the snapshots
	// that succeeded within the probe timeout.
	Probe(ctx context.Context) []models.MemorySnapshot
	// LocalFreeMB sums free capacity across local providers.
	LocalFreeMB(ctx context.Context) int64
}

// ReachabilityProber checks whether a device's rpc-server answers.
type ReachabilityProber interface {
	// ProbeRPC reports whether address:port accepts a TCP connection
	// within the probe timeout.
	ProbeRPC(ctx context.Context, address string, port int) bool
}

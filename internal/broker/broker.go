// Package broker implements the pluggable Event Broker abstraction: a
// publish/subscribe transport with hierarchical topic routing, lifecycle
// management, backpressure, and dead-lettering. It ships one reference
// transport, the in-memory Broker (see memory.go); distributed bindings
// (Kafka/NATS/Solace) are out of scope and implement the same interface.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/amcp-mesh/orchestrator/internal/event"
)

// ErrNotRunning is returned by Publish/Subscribe when called before Start
// or after Stop.
var ErrNotRunning = errors.New("broker: not running")

// ErrOverloaded reports an exhausted resource bound. MemoryBroker does not
// return it: a full subscriber queue discards an event per DropPolicy.
var ErrOverloaded = errors.New("broker: overloaded")

// TransportError wraps a non-validation failure raised by a concrete
// transport (connection loss, broker-side rejection, ...).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broker: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HandlerFunc processes a delivered event. A non-nil error is counted as a
// failed delivery and may trigger a dead-letter publish; it never aborts
// the broker (§4.1 "Failure model").
type HandlerFunc func(ctx context.Context, evt *event.Event) error

// Subscriber receives events matching one or more subscription patterns.
// A single subscriber may hold multiple subscriptions (§3 "Subscription").
type Subscriber interface {
	ID() string
	Handle(ctx context.Context, evt *event.Event) error
}

type funcSubscriber struct {
	id string
	fn HandlerFunc
}

func (f *funcSubscriber) ID() string { return f.id }
func (f *funcSubscriber) Handle(ctx context.Context, evt *event.Event) error {
	return f.fn(ctx, evt)
}

// NewSubscriber adapts a plain id + handler function into a Subscriber.
func NewSubscriber(id string, fn HandlerFunc) Subscriber {
	return &funcSubscriber{id: id, fn: fn}
}

// DropPolicy decides which queued event to discard when a subscriber's
// bounded queue is full (§4.1 "Delivery execution").
type DropPolicy int

const (
	// DropOldest discards the head of the queue to make room for the new
	// event (favors freshness).
	DropOldest DropPolicy = iota
	// DropNewest discards the incoming event, keeping the queue as-is
	// (favors in-order delivery of what's already queued).
	DropNewest
)

// Metrics is a point-in-time snapshot of broker counters (§4.1, §4.9).
type Metrics struct {
	Published           uint64
	Delivered           uint64
	FailedDeliveries    uint64
	DroppedDeliveries   uint64
	ActiveSubscriptions int
}

// Future is returned by Publish/Subscribe/Unsubscribe; it completes when
// the operation has been accepted by the broker, not when subscribers have
// finished processing it (§4.1).
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() (*Future, func(error)) {
	f := &Future{done: make(chan struct{})}
	resolve := func(err error) {
		f.err = err
		close(f.done)
	}
	return f, resolve
}

// resolved returns a Future that has already completed with err.
func resolved(err error) *Future {
	f, resolve := newFuture()
	resolve(err)
	return f
}

// Wait blocks until the future resolves or ctx is done, whichever comes
// first.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broker is the abstract publish/subscribe contract every transport
// binding (in-memory, or a future Kafka/NATS/Solace adapter) implements.
type Broker interface {
	// Start transitions the broker to running. Idempotent.
	Start(ctx context.Context) error
	// Stop transitions the broker to stopped, draining in-flight
	// deliveries best-effort. Idempotent.
	Stop(ctx context.Context) error
	// Publish accepts evt for delivery to matching subscribers. Fails
	// with event.ErrInvalidEvent if strict validation is on and evt is
	// malformed, ErrNotRunning outside the started window, or a
	// *TransportError otherwise.
	Publish(ctx context.Context, evt *event.Event) (*Future, error)
	// Subscribe registers subscriber to receive events whose topic
	// matches pattern. Duplicate subscribe (same pattern + subscriber id)
	// is idempotent.
	Subscribe(ctx context.Context, pattern string, subscriber Subscriber) (*Future, error)
	// Unsubscribe removes a previously registered subscription.
	Unsubscribe(ctx context.Context, pattern string, subscriberID string) (*Future, error)
	// Metrics returns a snapshot of broker counters.
	Metrics() Metrics
}

// PartitionKey derives the deterministic partition key a distributed
// binding would key its per-partition FIFO ordering on: the event source,
// falling back to id when source is empty (spec §4.1, §9 Open Questions).
func PartitionKey(evt *event.Event) string {
	if evt.Source != "" {
		return evt.Source
	}
	return evt.ID
}

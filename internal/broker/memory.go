package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amcp-mesh/orchestrator/internal/event"
)

// Config configures the in-memory reference Broker.
type Config struct {
	// QueueDepth bounds the per-subscriber delivery queue.
	QueueDepth int
	// DropPolicy decides which event is discarded when a subscriber's
	// queue is full.
	DropPolicy DropPolicy
	// StrictValidation enforces event.Event invariants on every publish;
	// when false, validation errors are logged but not raised (§4.1).
	StrictValidation bool
	// DeliveryGrace is stored with the configuration but not consulted by
	// MemoryBroker: a full subscriber queue is resolved at once by
	// DropPolicy, and Stop waits for in-flight deliveries only as long as
	// its ctx allows.
	DeliveryGrace time.Duration
}

// DefaultConfig returns sane defaults: a 64-deep per-subscriber queue,
// oldest-drop policy, strict validation on, and a 5s DeliveryGrace (a
// stored value that MemoryBroker does not read).
func DefaultConfig() Config {
	return Config{
		QueueDepth:       64,
		DropPolicy:       DropOldest,
		StrictValidation: true,
		DeliveryGrace:    5 * time.Second,
	}
}

type subscription struct {
	id         string
	pattern    event.Pattern
	subscriber Subscriber
	queue      chan *event.Event
	done       chan struct{}
}

// MemoryBroker is the in-memory reference Broker implementation: each
// subscription owns a bounded channel and a dedicated delivery goroutine,
// so a slow handler on one subscriber cannot stall delivery to any other.
type MemoryBroker struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.RWMutex
	running bool
	subs    map[string]*subscription // key: pattern + "\x00" + subscriberID

	published  atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64

	wg sync.WaitGroup

	// A failed delivery of an event already on a *.dlq topic is not
	// dead-lettered again (see publishDLQ), so a failing dlq subscriber
	// cannot cause an endless dead-letter loop.
}

// NewMemoryBroker constructs a MemoryBroker. logger and tracer may be nil,
// in which case logging/tracing of broker-internal events is a no-op.
func NewMemoryBroker(cfg Config, logger *slog.Logger, tracer trace.Tracer) *MemoryBroker {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	if cfg.DeliveryGrace <= 0 {
		cfg.DeliveryGrace = DefaultConfig().DeliveryGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		cfg:    cfg,
		logger: logger,
		tracer: tracer,
		subs:   make(map[string]*subscription),
	}
}

func (b *MemoryBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = true
	return nil
}

func (b *MemoryBroker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.done)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) isRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

func (b *MemoryBroker) Publish(ctx context.Context, evt *event.Event) (*Future, error) {
	if !b.isRunning() {
		return nil, ErrNotRunning
	}

	if err := evt.Validate(); err != nil {
		if b.cfg.StrictValidation {
			return nil, err
		}
		b.logger.WarnContext(ctx, "publishing event that fails strict validation", "error", err, "event_id", evt.ID)
	}

	var span trace.Span
	if b.tracer != nil {
		ctx, span = b.tracer.Start(ctx, "broker.publish", trace.WithAttributes(
			attribute.String("messaging.destination", evt.Topic()),
			attribute.String("event.type", evt.Type),
			attribute.String("event.id", evt.ID),
		))
		defer span.End()
	}

	topic := evt.Topic()

	b.mu.RLock()
	matched := make([]*subscription, 0, 4)
	for _, s := range b.subs {
		if s.pattern.Match(topic) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)

	for _, s := range matched {
		b.enqueue(ctx, s, evt)
	}

	return resolved(nil), nil
}

func (b *MemoryBroker) enqueue(ctx context.Context, s *subscription, evt *event.Event) {
	select {
	case s.queue <- evt:
		return
	default:
	}

	switch b.cfg.DropPolicy {
	case DropNewest:
		b.dropped.Add(1)
		b.logger.WarnContext(ctx, "dropping newest event, subscriber queue full",
			"subscriber_id", s.subscriber.ID(), "topic", evt.Topic())
	default: // DropOldest
		select {
		case <-s.queue:
			b.dropped.Add(1)
		default:
		}
		select {
		case s.queue <- evt:
		default:
			// queue refilled concurrently; count as dropped rather than block.
			b.dropped.Add(1)
		}
	}
}

func (b *MemoryBroker) Subscribe(ctx context.Context, pattern string, subscriber Subscriber) (*Future, error) {
	if !b.isRunning() {
		return nil, ErrNotRunning
	}

	key := pattern + "\x00" + subscriber.ID()

	b.mu.Lock()
	if _, exists := b.subs[key]; exists {
		b.mu.Unlock()
		return resolved(nil), nil // idempotent duplicate subscribe
	}

	s := &subscription{
		id:         key,
		pattern:    event.CompilePattern(pattern),
		subscriber: subscriber,
		queue:      make(chan *event.Event, b.cfg.QueueDepth),
		done:       make(chan struct{}),
	}
	b.subs[key] = s
	b.mu.Unlock()

	b.wg.Add(1)
	go b.runDelivery(s)

	return resolved(nil), nil
}

func (b *MemoryBroker) Unsubscribe(ctx context.Context, pattern string, subscriberID string) (*Future, error) {
	key := pattern + "\x00" + subscriberID

	b.mu.Lock()
	s, exists := b.subs[key]
	if exists {
		delete(b.subs, key)
	}
	b.mu.Unlock()

	if exists {
		close(s.done)
	}
	return resolved(nil), nil
}

func (b *MemoryBroker) runDelivery(s *subscription) {
	defer b.wg.Done()
	for {
		select {
		case evt, ok := <-s.queue:
			if !ok {
				return
			}
			b.deliver(s, evt)
		case <-s.done:
			// Drain remaining queued events best-effort before exiting.
			for {
				select {
				case evt := <-s.queue:
					b.deliver(s, evt)
				default:
					return
				}
			}
		}
	}
}

func (b *MemoryBroker) deliver(s *subscription, evt *event.Event) {
	ctx := context.Background()
	var span trace.Span
	if b.tracer != nil {
		ctx, span = b.tracer.Start(ctx, "broker.deliver", trace.WithAttributes(
			attribute.String("subscriber.id", s.subscriber.ID()),
			attribute.String("event.type", evt.Type),
		))
		defer span.End()
	}

	err := b.safeHandle(ctx, s, evt)
	if err != nil {
		b.failed.Add(1)
		if span != nil {
			span.RecordError(err)
		}
		b.logger.ErrorContext(ctx, "subscriber handler failed", "subscriber_id", s.subscriber.ID(), "error", err)
		b.publishDLQ(ctx, evt, err)
		return
	}
	b.delivered.Add(1)
}

func (b *MemoryBroker) safeHandle(ctx context.Context, s *subscription, evt *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber %s panicked: %v", s.subscriber.ID(), r)
		}
	}()
	return s.subscriber.Handle(ctx, evt)
}

func (b *MemoryBroker) publishDLQ(ctx context.Context, original *event.Event, cause error) {
	topic := original.Topic()
	if len(topic) >= 4 && topic[len(topic)-4:] == ".dlq" {
		// Never dead-letter a dead-letter delivery failure.
		return
	}

	dlqTopic := topic + ".dlq"
	dlqEvt, err := event.New(dlqTopic, "urn:broker:dlq", map[string]any{
		"originalEventId": original.ID,
		"originalType":    original.Type,
		"error":           cause.Error(),
	}, event.WithTopic(dlqTopic))
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to construct dead-letter event", "error", err)
		return
	}

	if _, err := b.Publish(ctx, dlqEvt); err != nil {
		b.logger.ErrorContext(ctx, "failed to publish dead-letter event", "error", err)
	}
}

func (b *MemoryBroker) Metrics() Metrics {
	b.mu.RLock()
	active := len(b.subs)
	b.mu.RUnlock()
	return Metrics{
		Published:           b.published.Load(),
		Delivered:           b.delivered.Load(),
		FailedDeliveries:    b.failed.Load(),
		DroppedDeliveries:   b.dropped.Load(),
		ActiveSubscriptions: active,
	}
}

var _ Broker = (*MemoryBroker)(nil)

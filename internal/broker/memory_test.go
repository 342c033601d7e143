package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/amcp-mesh/orchestrator/internal/event"
)

func mustEvent(t *testing.T, topic string) *event.Event {
	t.Helper()
	e, err := event.New(topic, "urn:test:publisher", map[string]any{"correlationId": "R1"})
	if err != nil {
		t.Fatalf("event.New: %v", err)
	}
	return e
}

func TestPublishBeforeStartFailsNotRunning(t *testing.T) {
	b := NewMemoryBroker(DefaultConfig(), nil, nil)
	_, err := b.Publish(context.Background(), mustEvent(t, "task.request.weather"))
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestPublishAfterStopFailsNotRunning(t *testing.T) {
	b := NewMemoryBroker(DefaultConfig(), nil, nil)
	ctx := context.Background()
	_ = b.Start(ctx)
	_ = b.Stop(ctx)
	_, err := b.Publish(ctx, mustEvent(t, "task.request.weather"))
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
}

func TestSubscribeWildcardBoundaries(t *testing.T) {
	b := NewMemoryBroker(DefaultConfig(), nil, nil)
	ctx := context.Background()
	_ = b.Start(ctx)
	defer b.Stop(ctx)

	var mu sync.Mutex
	var doubleStarReceived, singleStarReceived []string

	doubleStarSub := NewSubscriber("double-star", func(ctx context.Context, evt *event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		doubleStarReceived = append(doubleStarReceived, evt.Topic())
		return nil
	})
	singleStarSub := NewSubscriber("single-star", func(ctx context.Context, evt *event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		singleStarReceived = append(singleStarReceived, evt.Topic())
		return nil
	})

	if _, err := b.Subscribe(ctx, "travel.**", doubleStarSub); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(ctx, "travel.*", singleStarSub); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Publish(ctx, mustEvent(t, "travel.request")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Publish(ctx, mustEvent(t, "travel.request.plan.step1")); err != nil {
		t.Fatal(err)
	}

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(doubleStarReceived) == 2 && len(singleStarReceived) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(singleStarReceived) != 1 || singleStarReceived[0] != "travel.request" {
		t.Fatalf("travel.* subscriber received %v, want only [travel.request]", singleStarReceived)
	}
}

func TestFIFOPerPublisherSubscriberPair(t *testing.T) {
	b := NewMemoryBroker(DefaultConfig(), nil, nil)
	ctx := context.Background()
	_ = b.Start(ctx)
	defer b.Stop(ctx)

	var mu sync.Mutex
	var order []string

	sub := NewSubscriber("ordered", func(ctx context.Context, evt *event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, evt.ID)
		return nil
	})
	if _, err := b.Subscribe(ctx, "task.response.weather", sub); err != nil {
		t.Fatal(err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		e, err := event.New("task.response.weather", "urn:test:publisher", nil, event.WithID(fmt.Sprintf("evt-%02d", i)))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.Publish(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, id := range order {
		want := fmt.Sprintf("evt-%02d", i)
		if id != want {
			t.Fatalf("delivery order[%d] = %s, want %s (order=%v)", i, id, want, order)
		}
	}
}

func TestFailedDeliveryIncrementsMetricsAndDLQ(t *testing.T) {
	b := NewMemoryBroker(DefaultConfig(), nil, nil)
	ctx := context.Background()
	_ = b.Start(ctx)
	defer b.Stop(ctx)

	failing := NewSubscriber("failer", func(ctx context.Context, evt *event.Event) error {
		return errors.New("boom")
	})
	if _, err := b.Subscribe(ctx, "task.request.weather", failing); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var dlqReceived bool
	dlqSub := NewSubscriber("dlq-watcher", func(ctx context.Context, evt *event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		dlqReceived = true
		return nil
	})
	if _, err := b.Subscribe(ctx, "task.request.weather.dlq", dlqSub); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Publish(ctx, mustEvent(t, "task.request.weather")); err != nil {
		t.Fatal(err)
	}

	waitForCondition(t, func() bool {
		return b.Metrics().FailedDeliveries == 1
	})
	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dlqReceived
	})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBroker(DefaultConfig(), nil, nil)
	ctx := context.Background()
	_ = b.Start(ctx)
	defer b.Stop(ctx)

	var mu sync.Mutex
	count := 0
	sub := NewSubscriber("counter", func(ctx context.Context, evt *event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	})

	if _, err := b.Subscribe(ctx, "agent.heartbeat", sub); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Publish(ctx, mustEvent(t, "agent.heartbeat")); err != nil {
		t.Fatal(err)
	}
	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	if _, err := b.Unsubscribe(ctx, "agent.heartbeat", "counter"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Publish(ctx, mustEvent(t, "agent.heartbeat")); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected no further delivery after unsubscribe, count = %d", count)
	}
}

func TestDuplicateSubscribeIsIdempotent(t *testing.T) {
	b := NewMemoryBroker(DefaultConfig(), nil, nil)
	ctx := context.Background()
	_ = b.Start(ctx)
	defer b.Stop(ctx)

	sub := NewSubscriber("dup", func(ctx context.Context, evt *event.Event) error { return nil })
	if _, err := b.Subscribe(ctx, "agent.heartbeat", sub); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(ctx, "agent.heartbeat", sub); err != nil {
		t.Fatal(err)
	}
	if got := b.Metrics().ActiveSubscriptions; got != 1 {
		t.Fatalf("ActiveSubscriptions = %d, want 1 after duplicate subscribe", got)
	}
}

func TestPartitionKeyFallsBackToID(t *testing.T) {
	e, err := event.New("task.request.weather", "urn:tmp", nil, event.WithID("evt-1"))
	if err != nil {
		t.Fatal(err)
	}
	// event.New rejects an empty source, so clear it afterwards to reach
	// PartitionKey's id fallback.
	e.Source = ""
	if got := PartitionKey(e); got != "evt-1" {
		t.Fatalf("PartitionKey() = %q, want fallback to id", got)
	}

	e2, err := event.New("task.request.weather", "urn:agent:weather", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := PartitionKey(e2); got != "urn:agent:weather" {
		t.Fatalf("PartitionKey() = %q, want source", got)
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

package orchestratoragent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/amcp-mesh/orchestrator/internal/broker"
	"github.com/amcp-mesh/orchestrator/internal/config"
	"github.com/amcp-mesh/orchestrator/internal/event"
	"github.com/amcp-mesh/orchestrator/internal/llm"
	"github.com/amcp-mesh/orchestrator/internal/subagent"
)

func newTestBroker(t *testing.T) *broker.MemoryBroker {
	t.Helper()
	br := broker.NewMemoryBroker(broker.DefaultConfig(), nil, nil)
	if err := br.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { br.Stop(context.Background()) })
	return br
}

func planningMockClient(t *testing.T) llm.Client {
	t.Helper()
	return llm.NewMockClientWithFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		if strings.Contains(prompt, "Available capabilities:") {
			return `[{"ref":"t1","capability":"weather.get","params":{"location":"Nice"},"priority":1}]`, nil
		}
		return "It is sunny in Nice.", nil
	})
}

// TestEndToEndPublishPlanDispatchCorrelateSynthesize drives the full mesh
// in one process: an Orchestrator and a weather subagent share one broker;
// a user.request becomes exactly one user.response carrying the
// synthesized answer — exactly one user.response per session.
func TestEndToEndPublishPlanDispatchCorrelateSynthesize(t *testing.T) {
	br := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	orch := New(br, config.Load(), planningMockClient(t), nil)
	if err := orch.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer orch.Stop(context.Background())

	agent, err := subagent.New(&subagent.Config{
		AgentID:     "agent-weather",
		Name:        "Weather",
		Description: "reports current conditions",
	}, br, nil)
	if err != nil {
		t.Fatal(err)
	}
	agent.MustAddSkill("weather.get", "current conditions", func(ctx context.Context, parameters map[string]any) (any, error) {
		loc, _ := parameters["location"].(string)
		return map[string]any{"location": loc, "conditions": "sunny"}, nil
	})

	agentCtx, stopAgent := context.WithCancel(ctx)
	defer stopAgent()
	agentDone := make(chan error, 1)
	go func() { agentDone <- agent.Run(agentCtx) }()

	responses := make(chan map[string]any, 1)
	if _, err := br.Subscribe(ctx, "user.response", broker.NewSubscriber("test-driver", func(ctx context.Context, evt *event.Event) error {
		data, _ := evt.Data.(map[string]any)
		responses <- data
		return nil
	})); err != nil {
		t.Fatal(err)
	}

	// Give the agent time to publish agent.register before dispatch.
	time.Sleep(50 * time.Millisecond)

	reqEvt, err := event.New("user.request", "amcp://test", map[string]any{
		"query": "what's the weather in Nice",
	}, event.WithTopic("user.request"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := br.Publish(ctx, reqEvt); err != nil {
		t.Fatal(err)
	}

	select {
	case data := <-responses:
		if data["answer"] == "" || data["answer"] == nil {
			t.Fatalf("expected non-empty answer, got %+v", data)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for user.response")
	}

	stopAgent()
	select {
	case <-agentDone:
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not shut down")
	}
}

// TestOverloadedProducesDegradedResponse confirms a saturated orchestrator
// still honors the exactly-one-response invariant rather than dropping the
// request.
func TestOverloadedProducesDegradedResponse(t *testing.T) {
	br := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := config.Load()
	cfg.Session.MaxConcurrentSessions = 0

	orch := New(br, cfg, planningMockClient(t), nil)
	if err := orch.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer orch.Stop(context.Background())

	responses := make(chan map[string]any, 1)
	if _, err := br.Subscribe(ctx, "user.response", broker.NewSubscriber("test-driver-overload", func(ctx context.Context, evt *event.Event) error {
		data, _ := evt.Data.(map[string]any)
		responses <- data
		return nil
	})); err != nil {
		t.Fatal(err)
	}

	reqEvt, err := event.New("user.request", "amcp://test", map[string]any{
		"query":         "anything",
		"correlationId": "corr-overload",
	}, event.WithTopic("user.request"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := br.Publish(ctx, reqEvt); err != nil {
		t.Fatal(err)
	}

	select {
	case data := <-responses:
		if degraded, _ := data["degraded"].(bool); !degraded {
			t.Fatalf("expected degraded=true, got %+v", data)
		}
		if data["correlationId"] != "corr-overload" {
			t.Fatalf("correlationId = %v", data["correlationId"])
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for degraded user.response")
	}
}

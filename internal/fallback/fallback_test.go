package fallback

import (
	"context"
	"errors"
	"testing"

	"github.com/amcp-mesh/orchestrator/internal/llm"
	"github.com/amcp-mesh/orchestrator/internal/registry"
)

func newRegistryWith(t *testing.T, descriptors ...registry.Descriptor) *registry.Registry {
	t.Helper()
	r := registry.NewRegistry(nil)
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func TestBuildPlanRoutesByKeywordToHealthyAgent(t *testing.T) {
	reg := newRegistryWith(t, registry.Descriptor{AgentID: "agent-weather", Capabilities: []string{"weather.get"}})
	m := NewManager(llm.NewMockClient(), nil)

	plan, err := m.BuildPlan(context.Background(), "session-1", "what's the weather in Nice", "R1", reg.Snapshot())
	if err != nil {
		t.Fatalf("BuildPlan error: %v", err)
	}
	if len(plan.Tasks) != 1 {
		t.Fatalf("len(Tasks) = %d, want 1", len(plan.Tasks))
	}
	task := plan.Tasks[0]
	if task.Capability != "weather.get" {
		t.Fatalf("Capability = %q, want weather.get", task.Capability)
	}
	if task.Agent != "agent-weather" {
		t.Fatalf("Agent = %q, want agent-weather", task.Agent)
	}
	if task.Parameters["query"] != "what's the weather in Nice" {
		t.Fatalf("params.query = %v", task.Parameters["query"])
	}
}

func TestBuildPlanFallsThroughToDirectAnswerWhenNoCapabilityMatches(t *testing.T) {
	reg := newRegistryWith(t, registry.Descriptor{AgentID: "agent-weather", Capabilities: []string{"weather.get"}})
	mock := llm.NewMockClientWithFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		return "The answer is 42.", nil
	})
	m := NewManager(mock, nil)

	plan, err := m.BuildPlan(context.Background(), "session-1", "what is the meaning of life", "R2", reg.Snapshot())
	if err != nil {
		t.Fatalf("BuildPlan error: %v", err)
	}
	if len(plan.Tasks) != 0 {
		t.Fatalf("expected zero-task plan, got %d tasks", len(plan.Tasks))
	}
	if !plan.Degraded {
		t.Fatal("expected Degraded to be true for a direct-answer plan")
	}
	if plan.DirectAnswer != "The answer is 42." {
		t.Fatalf("DirectAnswer = %q", plan.DirectAnswer)
	}
}

func TestBuildPlanIgnoresUnhealthyAgentsWhenRouting(t *testing.T) {
	reg := registry.NewRegistry(nil)
	if err := reg.Register(registry.Descriptor{AgentID: "agent-weather", Capabilities: []string{"weather.get"}}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Heartbeat("agent-weather", registry.HeartbeatData{Status: "unhealthy", ErrorCount: 99}); err != nil {
		t.Fatal(err)
	}
	mock := llm.NewMockClientWithFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		return "direct answer since weather agent is down", nil
	})
	m := NewManager(mock, nil)

	plan, err := m.BuildPlan(context.Background(), "session-1", "weather forecast please", "R3", reg.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Degraded || len(plan.Tasks) != 0 {
		t.Fatalf("expected a direct-answer plan when only candidate agent is unhealthy, got %+v", plan)
	}
}

func TestBuildPlanPropagatesDirectAnswerError(t *testing.T) {
	reg := newRegistryWith(t)
	mock := llm.NewMockClientWithFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		return "", errors.New("llm unavailable")
	})
	m := NewManager(mock, nil)

	_, err := m.BuildPlan(context.Background(), "session-1", "anything", "R4", reg.Snapshot())
	if err == nil {
		t.Fatal("expected an error when no capability matches and direct answer fails")
	}
}

func TestDirectAnswerUsesLLMClient(t *testing.T) {
	mock := llm.NewMockClientWithFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		if temperature != 0.5 {
			t.Fatalf("temperature = %v, want 0.5", temperature)
		}
		return "direct reply", nil
	})
	m := NewManager(mock, nil)

	answer, err := m.DirectAnswer(context.Background(), "some question")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "direct reply" {
		t.Fatalf("answer = %q", answer)
	}
}

func TestOptionalTaskUnavailableMarker(t *testing.T) {
	got := OptionalTaskUnavailable("weather.get")
	want := "[weather.get unavailable]"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRouteAlternateAgentSkipsFailedAndUnhealthy(t *testing.T) {
	capabilities := []registry.Descriptor{
		{AgentID: "agent-a", Capabilities: []string{"weather.get"}, Healthy: true},
		{AgentID: "agent-b", Capabilities: []string{"weather.get"}, Healthy: false},
		{AgentID: "agent-c", Capabilities: []string{"weather.get"}, Healthy: true},
	}

	agentID, ok := RouteAlternateAgent("weather.get", "agent-a", capabilities)
	if !ok {
		t.Fatal("expected an alternate agent to be found")
	}
	if agentID != "agent-c" {
		t.Fatalf("agentID = %q, want agent-c (agent-b is unhealthy)", agentID)
	}
}

func TestRouteAlternateAgentReturnsFalseWhenNoneAvailable(t *testing.T) {
	capabilities := []registry.Descriptor{
		{AgentID: "agent-a", Capabilities: []string{"weather.get"}, Healthy: true},
	}
	_, ok := RouteAlternateAgent("weather.get", "agent-a", capabilities)
	if ok {
		t.Fatal("expected no alternate agent when the only candidate is the failed one")
	}
}

func TestEmergencyResponsePreservesReason(t *testing.T) {
	msg := EmergencyResponse("corr-1", "every available strategy failed")
	want := "I could not complete your request because every available strategy failed."
	if msg != want {
		t.Fatalf("got %q, want %q", msg, want)
	}
}

package planning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amcp-mesh/orchestrator/internal/llm"
	"github.com/amcp-mesh/orchestrator/internal/registry"
)

func newHealthyRegistry(t *testing.T, agentID string, capabilities ...string) *registry.Registry {
	t.Helper()
	r := registry.NewRegistry(nil)
	if err := r.Register(registry.Descriptor{AgentID: agentID, Capabilities: capabilities}); err != nil {
		t.Fatal(err)
	}
	return r
}

type stubFallback struct {
	plan *TaskPlan
	err  error
}

func (s *stubFallback) BuildPlan(ctx context.Context, sessionID, normalizedQuery, correlationID string, capabilities []registry.Descriptor) (*TaskPlan, error) {
	return s.plan, s.err
}

func TestGeneratePlanHappyPath(t *testing.T) {
	reg := newHealthyRegistry(t, "agent-weather", "weather.get")
	mock := llm.NewMockClientWithFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		return `[{"ref":"t1","capability":"weather.get","params":{"location":"Nice, Fr"},"agent":"agent-weather","priority":1,"dependencies":[],"optional":false}]`, nil
	})
	engine := NewEngine(mock, reg, nil, nil)

	plan, err := engine.GeneratePlan(context.Background(), "session-1", "weather in Nice, Fr", "R1")
	if err != nil {
		t.Fatalf("GeneratePlan error: %v", err)
	}
	if len(plan.Tasks) != 1 {
		t.Fatalf("len(Tasks) = %d, want 1", len(plan.Tasks))
	}
	task := plan.Tasks[0]
	if task.Capability != "weather.get" {
		t.Fatalf("Capability = %q", task.Capability)
	}
	if task.Parameters["location"] != "Nice,FR" {
		t.Fatalf("location not normalized: %+v", task.Parameters)
	}
	if task.TaskID == "" {
		t.Fatal("expected generated task id")
	}
	if plan.Degraded {
		t.Fatal("happy path should not be marked degraded")
	}
}

func TestGeneratePlanDependencyOrdering(t *testing.T) {
	reg := newHealthyRegistry(t, "agent-a", "translate.text")
	_ = reg.Register(registry.Descriptor{AgentID: "agent-b", Capabilities: []string{"weather.get"}})

	mock := llm.NewMockClientWithFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		return `[
			{"ref":"t1","capability":"translate.text","params":{"language":"french"},"agent":"agent-a","priority":1,"dependencies":[],"optional":false},
			{"ref":"t2","capability":"weather.get","params":{"location":"NCE"},"agent":"agent-b","priority":1,"dependencies":["t1"],"optional":false}
		]`, nil
	})
	engine := NewEngine(mock, reg, nil, nil)

	plan, err := engine.GeneratePlan(context.Background(), "session-1", "translate then weather", "R2")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tasks) != 2 {
		t.Fatalf("len(Tasks) = %d, want 2", len(plan.Tasks))
	}

	var t1, t2 *Task
	for _, task := range plan.Tasks {
		switch task.Capability {
		case "translate.text":
			t1 = task
		case "weather.get":
			t2 = task
		}
	}
	if t1 == nil || t2 == nil {
		t.Fatal("expected both tasks present")
	}
	if len(t2.Dependencies) != 1 || t2.Dependencies[0] != t1.TaskID {
		t.Fatalf("t2 dependencies = %v, want [%s]", t2.Dependencies, t1.TaskID)
	}
}

func TestGeneratePlanRepairsOnMalformedJSON(t *testing.T) {
	reg := newHealthyRegistry(t, "agent-weather", "weather.get")
	calls := 0
	mock := llm.NewMockClientWithFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		calls++
		if calls == 1 {
			return `this is not json at all`, nil
		}
		return `[{"ref":"t1","capability":"weather.get","params":{"location":"NCE"},"agent":"agent-weather","priority":1,"dependencies":[],"optional":false}]`, nil
	})
	engine := NewEngine(mock, reg, nil, nil)

	plan, err := engine.GeneratePlan(context.Background(), "session-1", "weather please", "R3")
	if err != nil {
		t.Fatalf("GeneratePlan error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly one repair retry (2 total calls), got %d", calls)
	}
	if len(plan.Tasks) != 1 {
		t.Fatalf("len(Tasks) = %d, want 1", len(plan.Tasks))
	}
}

func TestGeneratePlanFallsBackAfterRepairFails(t *testing.T) {
	reg := newHealthyRegistry(t, "agent-weather", "weather.get")
	mock := llm.NewMockClientWithFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		return `still not valid json`, nil
	})
	fallbackPlan := &TaskPlan{PlanID: "fallback-plan", Tasks: []*Task{{TaskID: "ft1", Capability: "weather.get"}}}
	engine := NewEngine(mock, reg, &stubFallback{plan: fallbackPlan}, nil)

	plan, err := engine.GeneratePlan(context.Background(), "session-1", "weather please", "R4")
	if err != nil {
		t.Fatalf("GeneratePlan error: %v", err)
	}
	if !plan.Degraded {
		t.Fatal("expected fallback-produced plan to be marked degraded")
	}
	if plan.PlanID != "fallback-plan" {
		t.Fatalf("PlanID = %q, want fallback plan", plan.PlanID)
	}
}

func TestGeneratePlanFailsWhenNoFallbackConfigured(t *testing.T) {
	reg := newHealthyRegistry(t, "agent-weather", "weather.get")
	mock := llm.NewMockClientWithFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		return `not json`, nil
	})
	engine := NewEngine(mock, reg, nil, nil)

	_, err := engine.GeneratePlan(context.Background(), "session-1", "weather please", "R5")
	if !errors.Is(err, ErrPlanningFailed) {
		t.Fatalf("expected ErrPlanningFailed, got %v", err)
	}
}

func TestGeneratePlanRejectsUnknownCapability(t *testing.T) {
	reg := newHealthyRegistry(t, "agent-weather", "weather.get")
	mock := llm.NewMockClientWithFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		return `[{"ref":"t1","capability":"nonexistent.capability","params":{},"agent":"agent-weather","priority":1,"dependencies":[],"optional":false}]`, nil
	})
	fallbackPlan := &TaskPlan{PlanID: "fallback-plan"}
	engine := NewEngine(mock, reg, &stubFallback{plan: fallbackPlan}, nil)

	plan, err := engine.GeneratePlan(context.Background(), "session-1", "do something impossible", "R6")
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Degraded {
		t.Fatal("expected fallback since capability is unknown and repair returns the same invalid plan")
	}
}

func TestGeneratePlanRejectsDependencyCycle(t *testing.T) {
	reg := newHealthyRegistry(t, "agent-weather", "weather.get")
	mock := llm.NewMockClientWithFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		return `[
			{"ref":"t1","capability":"weather.get","params":{},"agent":"agent-weather","priority":1,"dependencies":["t2"],"optional":false},
			{"ref":"t2","capability":"weather.get","params":{},"agent":"agent-weather","priority":1,"dependencies":["t1"],"optional":false}
		]`, nil
	})
	fallbackPlan := &TaskPlan{PlanID: "fallback-plan"}
	engine := NewEngine(mock, reg, &stubFallback{plan: fallbackPlan}, nil)

	plan, err := engine.GeneratePlan(context.Background(), "session-1", "cyclic request", "R7")
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Degraded {
		t.Fatal("expected a dependency cycle to force fallback")
	}
}

func TestGeneratePlanFallbackErrorPropagates(t *testing.T) {
	reg := newHealthyRegistry(t, "agent-weather", "weather.get")
	mock := llm.NewMockClientWithFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		return `bad json`, nil
	})
	engine := NewEngine(mock, reg, &stubFallback{err: errors.New("fallback exploded")}, nil)

	_, err := engine.GeneratePlan(context.Background(), "session-1", "weather please", "R8")
	if !errors.Is(err, ErrPlanningFailed) {
		t.Fatalf("expected ErrPlanningFailed wrapping fallback error, got %v", err)
	}
}

func TestGeneratePlanDeterministicTimeForDateNormalization(t *testing.T) {
	reg := newHealthyRegistry(t, "agent-cal", "calendar.book")
	mock := llm.NewMockClientWithFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		return `[{"ref":"t1","capability":"calendar.book","params":{"date":"today"},"agent":"agent-cal","priority":1,"dependencies":[],"optional":false}]`, nil
	})
	engine := NewEngine(mock, reg, nil, nil)
	fixed := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return fixed }

	plan, err := engine.GeneratePlan(context.Background(), "session-1", "book today", "R9")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Tasks[0].Parameters["date"] != "2026-07-30" {
		t.Fatalf("date = %v, want 2026-07-30", plan.Tasks[0].Parameters["date"])
	}
}

func TestNewMeshChatPlanChainsSequentially(t *testing.T) {
	plan := NewMeshChatPlan("session-1", "R1", "introduce the team", []MeshChatTurn{
		{Capability: "agent.greet", Params: map[string]any{"name": "Alice"}},
		{Capability: "agent.greet", Params: map[string]any{"name": "Bob"}},
		{Capability: "agent.greet", Params: map[string]any{"name": "Carol"}, Optional: true},
	})

	if len(plan.Tasks) != 3 {
		t.Fatalf("len(Tasks) = %d, want 3", len(plan.Tasks))
	}
	if len(plan.Tasks[0].Dependencies) != 0 {
		t.Fatalf("first task should have no dependencies, got %v", plan.Tasks[0].Dependencies)
	}
	if len(plan.Tasks[1].Dependencies) != 1 || plan.Tasks[1].Dependencies[0] != plan.Tasks[0].TaskID {
		t.Fatalf("second task should depend on the first, got %v", plan.Tasks[1].Dependencies)
	}
	if len(plan.Tasks[2].Dependencies) != 1 || plan.Tasks[2].Dependencies[0] != plan.Tasks[1].TaskID {
		t.Fatalf("third task should depend on the second, got %v", plan.Tasks[2].Dependencies)
	}
	if !plan.Tasks[2].Optional {
		t.Fatal("third task should carry Optional through from its turn")
	}
	for i, task := range plan.Tasks {
		if _, ok := task.Parameters["priorMessages"]; !ok {
			t.Fatalf("task %d missing priorMessages slot", i)
		}
	}
}

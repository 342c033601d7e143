// Package planning implements the Planning Engine: it turns a normalized
// free-text query into a validated, dependency-ordered TaskPlan by calling
// an LLM, parsing and validating its JSON output, repairing once on
// failure, and falling back to a simpler strategy if repair also fails.
// Structured the same way as a single conversational decide/parse/fallback
// call, generalized into an explicit generate -> validate -> repair ->
// fallback pipeline.
package planning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amcp-mesh/orchestrator/internal/llm"
	"github.com/amcp-mesh/orchestrator/internal/llm/vertexai"
	"github.com/amcp-mesh/orchestrator/internal/normalize"
	"github.com/amcp-mesh/orchestrator/internal/promptbuilder"
	"github.com/amcp-mesh/orchestrator/internal/registry"
)

// ErrPlanningFailed is returned by GeneratePlan only once repair and
// fallback have both failed.
var ErrPlanningFailed = errors.New("planning: failed to produce a task plan")

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timedOut"
)

// Task is one dispatchable unit of a TaskPlan.
type Task struct {
	TaskID       string
	SessionID    string
	Capability   string
	Agent        string
	Parameters   map[string]any
	Dependencies []string
	Priority     int
	Timeout      time.Duration
	Optional     bool

	Status      Status
	Result      any
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// TaskPlan is the Planning Engine's output: an ordered, validated set of
// tasks derived from one user query.
type TaskPlan struct {
	PlanID        string
	CorrelationID string
	OriginalQuery string
	Tasks         []*Task
	Degraded      bool   // set when produced via fallback rather than the normal path
	DirectAnswer  string // set when fallback strategy 3 bypassed the mesh entirely; Tasks is empty
}

// FallbackPlanner is implemented by internal/fallback.Manager. Planning
// depends only on this interface, not the fallback package itself, breaking
// the planning <-> fallback import cycle via interface-typed dependency
// injection at construction.
type FallbackPlanner interface {
	BuildPlan(ctx context.Context, sessionID, normalizedQuery, correlationID string, capabilities []registry.Descriptor) (*TaskPlan, error)
}

// rawTask is the LLM's pre-validation JSON shape (promptbuilder.PlanSchema):
// "ref" is a local label used only to express "dependencies" before real
// taskIds are assigned.
type rawTask struct {
	Ref          string         `json:"ref"`
	Capability   string         `json:"capability"`
	Params       map[string]any `json:"params"`
	Agent        string         `json:"agent"`
	Priority     int            `json:"priority"`
	Dependencies []string       `json:"dependencies"`
	Optional     bool           `json:"optional"`
}

// Engine is the Planning Engine.
type Engine struct {
	llmClient llm.Client
	registry  *registry.Registry
	fallback  FallbackPlanner
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine constructs an Engine. logger may be nil.
func NewEngine(llmClient llm.Client, reg *registry.Registry, fallback FallbackPlanner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{llmClient: llmClient, registry: reg, fallback: fallback, logger: logger, now: time.Now}
}

// GeneratePlan calls the LLM to produce a task plan, validates the result,
// repairs once on malformed output, and falls back to a simpler strategy if
// the repair attempt is still invalid.
func (e *Engine) GeneratePlan(ctx context.Context, sessionID, normalizedQuery, correlationID string) (*TaskPlan, error) {
	capabilities := e.registry.Snapshot()

	prompt := promptbuilder.BuildPlanning(normalizedQuery, capabilities)
	raw, err := e.llmClient.Complete(ctx, prompt.Text, prompt.Params.Temperature, prompt.Params.MaxTokens)
	if err != nil {
		e.logger.WarnContext(ctx, "planning: LLM call failed", "error", err)
		return e.giveUpToFallback(ctx, sessionID, normalizedQuery, correlationID, capabilities, err)
	}

	rawTasks, issues := e.parseAndValidate(raw, capabilities)
	if len(issues) > 0 {
		e.logger.InfoContext(ctx, "planning: repairing malformed plan", "issues", issues)
		repairPrompt := promptbuilder.BuildRepair(describeIssues(raw, issues))
		raw, err = e.llmClient.Complete(ctx, repairPrompt.Text, repairPrompt.Params.Temperature, repairPrompt.Params.MaxTokens)
		if err != nil {
			e.logger.WarnContext(ctx, "planning: repair LLM call failed", "error", err)
			return e.giveUpToFallback(ctx, sessionID, normalizedQuery, correlationID, capabilities, err)
		}
		rawTasks, issues = e.parseAndValidate(raw, capabilities)
		if len(issues) > 0 {
			e.logger.WarnContext(ctx, "planning: repair attempt still invalid, falling back", "issues", issues)
			return e.giveUpToFallback(ctx, sessionID, normalizedQuery, correlationID, capabilities, fmt.Errorf("repair failed: %v", issues))
		}
	}

	tasks, err := e.finalize(sessionID, rawTasks, e.now())
	if err != nil {
		return e.giveUpToFallback(ctx, sessionID, normalizedQuery, correlationID, capabilities, err)
	}

	return &TaskPlan{
		PlanID:        uuid.NewString(),
		CorrelationID: correlationID,
		OriginalQuery: normalizedQuery,
		Tasks:         tasks,
	}, nil
}

func (e *Engine) giveUpToFallback(ctx context.Context, sessionID, normalizedQuery, correlationID string, capabilities []registry.Descriptor, cause error) (*TaskPlan, error) {
	if e.fallback == nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, cause)
	}
	plan, err := e.fallback.BuildPlan(ctx, sessionID, normalizedQuery, correlationID, capabilities)
	if err != nil {
		return nil, fmt.Errorf("%w: fallback also failed: %v", ErrPlanningFailed, err)
	}
	plan.Degraded = true
	return plan, nil
}

// parseAndValidate parses raw as a JSON array of rawTask and validates
// refs, capability membership, agent health, priority, dependency
// references, and acyclicity. It never returns an error itself —
// validation problems are reported as an issues list so the caller can
// build a repair prompt citing the specific defect.
func (e *Engine) parseAndValidate(raw string, capabilities []registry.Descriptor) ([]rawTask, []string) {
	cleaned := vertexai.StripCodeFence(raw)

	var tasks []rawTask
	if err := json.Unmarshal([]byte(cleaned), &tasks); err != nil {
		return nil, []string{fmt.Sprintf("response is not a valid JSON array: %v", err)}
	}
	if len(tasks) == 0 {
		return nil, []string{"plan must contain at least one task"}
	}

	byCapability := make(map[string]bool)
	for _, d := range capabilities {
		for _, c := range d.Capabilities {
			byCapability[c] = true
		}
	}

	refs := make(map[string]bool, len(tasks))
	var issues []string

	for _, t := range tasks {
		if t.Ref == "" {
			issues = append(issues, "every task must have a non-empty \"ref\"")
			continue
		}
		if refs[t.Ref] {
			issues = append(issues, fmt.Sprintf("duplicate ref %q", t.Ref))
		}
		refs[t.Ref] = true

		if !byCapability[t.Capability] {
			issues = append(issues, fmt.Sprintf("task %q: capability %q is not in the catalogue", t.Ref, t.Capability))
		}
		if t.Agent != "" && !e.registry.Healthy(t.Agent) {
			issues = append(issues, fmt.Sprintf("task %q: agent %q is not healthy", t.Ref, t.Agent))
		}
		if t.Priority < 1 {
			issues = append(issues, fmt.Sprintf("task %q: priority must be >= 1, got %d", t.Ref, t.Priority))
		}
	}

	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if !refs[dep] {
				issues = append(issues, fmt.Sprintf("task %q: dependency %q does not refer to any task in this plan", t.Ref, dep))
			}
		}
	}

	if cycle := findCycle(tasks); cycle != "" {
		issues = append(issues, fmt.Sprintf("dependency cycle detected: %s", cycle))
	}

	return tasks, issues
}

// findCycle runs a DFS over the ref-dependency graph, returning a
// human-readable description of the first cycle found, or "" if acyclic.
func findCycle(tasks []rawTask) string {
	byRef := make(map[string]rawTask, len(tasks))
	for _, t := range tasks {
		byRef[t.Ref] = t
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))

	var visit func(ref string, path []string) string
	visit = func(ref string, path []string) string {
		color[ref] = gray
		path = append(path, ref)
		for _, dep := range byRef[ref].Dependencies {
			switch color[dep] {
			case gray:
				return fmt.Sprintf("%v -> %s", path, dep)
			case white:
				if cyc := visit(dep, path); cyc != "" {
					return cyc
				}
			}
		}
		color[ref] = black
		return ""
	}

	for _, t := range tasks {
		if color[t.Ref] == white {
			if cyc := visit(t.Ref, nil); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}

// finalize normalizes parameters, assigns real taskIds, and rewrites
// ref-based dependencies into taskId-based ones.
func (e *Engine) finalize(sessionID string, raw []rawTask, now time.Time) ([]*Task, error) {
	refToID := make(map[string]string, len(raw))
	for _, t := range raw {
		refToID[t.Ref] = uuid.NewString()
	}

	tasks := make([]*Task, 0, len(raw))
	for _, t := range raw {
		params, err := normalizeParams(t.Capability, t.Params, now)
		if err != nil {
			return nil, fmt.Errorf("normalizing params for task %q: %w", t.Ref, err)
		}

		deps := make([]string, 0, len(t.Dependencies))
		for _, d := range t.Dependencies {
			deps = append(deps, refToID[d])
		}

		priority := t.Priority
		if priority < 1 {
			priority = 1
		}

		tasks = append(tasks, &Task{
			TaskID:       refToID[t.Ref],
			SessionID:    sessionID,
			Capability:   t.Capability,
			Agent:        t.Agent,
			Parameters:   params,
			Dependencies: deps,
			Priority:     priority,
			Timeout:      30 * time.Second,
			Optional:     t.Optional,
			Status:       StatusPending,
		})
	}
	return tasks, nil
}

// normalizeParams applies the appropriate normalize.* function to whichever
// well-known field names are present in params. Unknown field names pass
// through untouched; a recognized-but-malformed field fails the whole
// task's normalization.
func normalizeParams(capability string, params map[string]any, now time.Time) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}

	if v, ok := stringField(out, "location"); ok {
		norm, err := normalize.Location(v)
		if err != nil {
			return nil, err
		}
		out["location"] = norm
	}
	if v, ok := stringField(out, "date"); ok {
		norm, err := normalize.Date(v, now)
		if err != nil {
			return nil, err
		}
		out["date"] = norm
	}
	for _, field := range []string{"language", "target", "source"} {
		if v, ok := stringField(out, field); ok {
			norm, err := normalize.Language(v)
			if err != nil {
				return nil, err
			}
			out[field] = norm
		}
	}
	if v, ok := stringField(out, "price"); ok {
		amount, code, err := normalize.Currency(v)
		if err != nil {
			return nil, err
		}
		out["amount"] = amount.String()
		out["currency"] = code
		delete(out, "price")
	}
	for _, field := range []string{"symbol", "ticker"} {
		if v, ok := stringField(out, field); ok {
			norm, err := normalize.Symbol(v)
			if err != nil {
				return nil, err
			}
			out[field] = norm
		}
	}

	return out, nil
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// MeshChatTurn describes one step of a sequential multi-agent conversation
// ("mesh chat"): one capability invocation whose reply feeds into the next
// turn rather than back to the user.
type MeshChatTurn struct {
	Capability string
	Params     map[string]any
	Agent      string
	Optional   bool
}

// NewMeshChatPlan builds a TaskPlan chaining turns strictly in sequence:
// each task depends on exactly the one before it, and carries a
// "priorMessages" parameter the session executor appends each completed
// predecessor's result into before dispatching the next turn — forwarding
// each reply to the next agent in the chain instead of straight back to
// the user.
func NewMeshChatPlan(sessionID, correlationID, originalQuery string, turns []MeshChatTurn) *TaskPlan {
	tasks := make([]*Task, 0, len(turns))
	var prevID string
	for i, turn := range turns {
		params := make(map[string]any, len(turn.Params)+1)
		for k, v := range turn.Params {
			params[k] = v
		}
		params["priorMessages"] = []any{}

		var deps []string
		if prevID != "" {
			deps = []string{prevID}
		}

		taskID := uuid.NewString()
		tasks = append(tasks, &Task{
			TaskID:       taskID,
			SessionID:    sessionID,
			Capability:   turn.Capability,
			Agent:        turn.Agent,
			Parameters:   params,
			Dependencies: deps,
			Priority:     i + 1,
			Timeout:      30 * time.Second,
			Optional:     turn.Optional,
			Status:       StatusPending,
		})
		prevID = taskID
	}

	return &TaskPlan{
		PlanID:        uuid.NewString(),
		CorrelationID: correlationID,
		OriginalQuery: originalQuery,
		Tasks:         tasks,
	}
}

func describeIssues(malformed string, issues []string) string {
	msg := malformed
	if len(issues) > 0 {
		msg += "\n\nValidation issues to fix:\n"
		for _, issue := range issues {
			msg += "- " + issue + "\n"
		}
	}
	return msg
}

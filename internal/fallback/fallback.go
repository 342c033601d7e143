// Package fallback implements the Fallback Manager: the three-strategy
// cascade invoked when the normal planning path fails, plus the runtime
// strategies used during task execution when an agent times out or fails.
// Strategy 1 (repairing malformed LLM planning output) lives in
// internal/planning; this package implements strategy 2, which routes to a
// single healthy agent by keyword match against the query, and strategy 3,
// which asks the LLM to answer the user directly without the agent mesh.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/amcp-mesh/orchestrator/internal/llm"
	"github.com/amcp-mesh/orchestrator/internal/planning"
	"github.com/amcp-mesh/orchestrator/internal/registry"
)

// Manager implements planning.FallbackPlanner and additionally exposes the
// runtime (task-execution-time) fallback strategies.
type Manager struct {
	llmClient llm.Client
	logger    *slog.Logger
}

var _ planning.FallbackPlanner = (*Manager)(nil)

// NewManager constructs a Manager. logger may be nil.
func NewManager(llmClient llm.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{llmClient: llmClient, logger: logger}
}

// keywordCapabilities maps a word that might appear in a free-text query to
// the capability id it suggests. routeByKeyword scans the query for these
// keywords in map iteration order, so when several keywords match, which
// one wins is not defined; the registry's catalogue is consulted only to
// find a healthy agent for the suggested capability.
var keywordCapabilities = map[string]string{
	"weather":   "weather.get",
	"forecast":  "weather.get",
	"translate": "translate.text",
	"language":  "translate.text",
	"price":     "currency.convert",
	"currency":  "currency.convert",
	"stock":     "symbol.lookup",
	"ticker":    "symbol.lookup",
}

// BuildPlan implements planning.FallbackPlanner: strategy 2 (single-agent
// keyword routing), falling back further to strategy 3 (direct answer,
// represented as a zero-task degraded plan whose synthesis is produced
// immediately) when no capability can be matched.
func (m *Manager) BuildPlan(ctx context.Context, sessionID, normalizedQuery, correlationID string, capabilities []registry.Descriptor) (*planning.TaskPlan, error) {
	if cap, agentID, ok := routeByKeyword(normalizedQuery, capabilities); ok {
		task := &planning.Task{
			TaskID:     uuid.NewString(),
			SessionID:  sessionID,
			Capability: cap,
			Agent:      agentID,
			Parameters: map[string]any{"query": normalizedQuery},
			Priority:   1,
			Status:     planning.StatusPending,
		}
		return &planning.TaskPlan{
			PlanID:        uuid.NewString(),
			CorrelationID: correlationID,
			OriginalQuery: normalizedQuery,
			Tasks:         []*planning.Task{task},
		}, nil
	}

	answer, err := m.DirectAnswer(ctx, normalizedQuery)
	if err != nil {
		return nil, fmt.Errorf("fallback: strategy 2 found no capability and strategy 3 direct answer failed: %w", err)
	}

	return &planning.TaskPlan{
		PlanID:        uuid.NewString(),
		CorrelationID: correlationID,
		OriginalQuery: normalizedQuery,
		Tasks:         nil,
		Degraded:      true,
		DirectAnswer:  answer,
	}, nil
}

// routeByKeyword scans normalizedQuery for a known keyword and returns the
// capability it suggests plus a healthy agent advertising it, if any.
func routeByKeyword(normalizedQuery string, capabilities []registry.Descriptor) (capability, agentID string, ok bool) {
	lower := strings.ToLower(normalizedQuery)

	healthyByCapability := make(map[string]string)
	for _, d := range capabilities {
		if !d.Healthy {
			continue
		}
		for _, c := range d.Capabilities {
			if _, exists := healthyByCapability[c]; !exists {
				healthyByCapability[c] = d.AgentID
			}
		}
	}

	for word, cap := range keywordCapabilities {
		if !strings.Contains(lower, word) {
			continue
		}
		if agent, has := healthyByCapability[cap]; has {
			return cap, agent, true
		}
	}
	return "", "", false
}

// DirectAnswer implements strategy 3: ask the LLM to answer the user
// directly, bypassing the agent mesh entirely.
func (m *Manager) DirectAnswer(ctx context.Context, normalizedQuery string) (string, error) {
	prompt := fmt.Sprintf(
		"Answer the user's question directly and concisely, in plain prose. "+
			"No agents are available to help, so rely only on your own knowledge. "+
			"If you cannot answer confidently, say so honestly.\n\nQuestion: %s",
		normalizedQuery,
	)
	answer, err := m.llmClient.Complete(ctx, prompt, 0.5, 512)
	if err != nil {
		return "", fmt.Errorf("fallback: direct answer LLM call failed: %w", err)
	}
	return answer, nil
}

// OptionalTaskUnavailable renders the synthesis marker for an optional task
// that failed or timed out: it is omitted from synthesis and replaced with
// this marker instead.
func OptionalTaskUnavailable(capability string) string {
	return fmt.Sprintf("[%s unavailable]", capability)
}

// RouteAlternateAgent implements the required-task-failure runtime
// strategy: find another healthy agent advertising the same capability,
// excluding the one that already failed.
func RouteAlternateAgent(capability, failedAgentID string, capabilities []registry.Descriptor) (agentID string, ok bool) {
	for _, d := range capabilities {
		if d.AgentID == failedAgentID || !d.Healthy {
			continue
		}
		for _, c := range d.Capabilities {
			if c == capability {
				return d.AgentID, true
			}
		}
	}
	return "", false
}

// EmergencyResponse builds the deterministic last-resort message when every
// other strategy has failed. correlationID is not used in the message; the
// caller publishes the text in its one user.response, which carries the
// correlationId.
func EmergencyResponse(correlationID, reason string) string {
	return fmt.Sprintf("I could not complete your request because %s.", reason)
}

// Package promptbuilder constructs the three LLM prompt kinds the
// Orchestrator issues — planning, synthesis, and repair — with fixed
// section ordering, model parameters, and a lightweight quality gate.
package promptbuilder

import (
	"fmt"
	"strings"

	"github.com/amcp-mesh/orchestrator/internal/registry"
)

// Kind identifies which of the three prompt shapes is being built.
type Kind string

const (
	KindPlanning  Kind = "planning"
	KindSynthesis Kind = "synthesis"
	KindRepair    Kind = "repair"
)

// Params are the model parameters accompanying a built prompt.
type Params struct {
	Temperature float64
	MaxTokens   int
}

// Prompt is a built prompt plus the parameters it should be issued with.
type Prompt struct {
	Kind   Kind
	Text   string
	Params Params
}

// PlanSchema is restated verbatim in both the planning and repair prompts
// so the model always sees the exact shape it must produce. It is a bare
// JSON array; "ref" is a short local label the planner invents to let
// "dependencies" point at sibling entries before internal/planning assigns
// each one its real taskId.
const PlanSchema = `[
  {
    "ref": "string, unique within this array, e.g. \"t1\"",
    "capability": "string, must match an advertised capability id",
    "params": { "...": "..." },
    "agent": "string, the healthy agentId to dispatch to",
    "priority": 1,
    "dependencies": ["ref", "..."],
    "optional": false
  }
]`

var planningExamples = []struct {
	query string
	plan  string
}{
	{
		query: "weather in Nice, Fr",
		plan:  `[{"ref":"t1","capability":"weather.get","params":{"location":"Nice,FR"},"agent":"agent-weather","priority":1,"dependencies":[],"optional":false}]`,
	},
	{
		query: "translate hello to french and tell me the weather in Paris",
		plan: `[` +
			`{"ref":"t1","capability":"translate.text","params":{"text":"hello","target":"fr"},"agent":"agent-translate","priority":1,"dependencies":[],"optional":false},` +
			`{"ref":"t2","capability":"weather.get","params":{"location":"Paris,FR"},"agent":"agent-weather","priority":1,"dependencies":[],"optional":false}` +
			`]`,
	},
}

// BuildPlanning assembles the planning prompt: system directive, capability
// catalogue (from the Agent Registry snapshot), few-shot examples, schema
// restatement, then the user query. Temperature is pinned low (≤0.2) to
// keep plan output deterministic.
func BuildPlanning(normalizedQuery string, capabilities []registry.Descriptor) Prompt {
	var b strings.Builder

	b.WriteString("You are a PLANNER. Respond with JSON ONLY, no prose, no markdown fences.\n\n")

	b.WriteString("Available capabilities:\n")
	if len(capabilities) == 0 {
		b.WriteString("(none currently registered — you must produce an empty task list)\n")
	} else {
		for _, d := range capabilities {
			for _, cap := range d.Capabilities {
				b.WriteString(fmt.Sprintf("- %s (agent %s, type %s)\n", cap, d.AgentID, d.AgentType))
			}
		}
	}
	b.WriteString("\n")

	b.WriteString("Examples:\n")
	for _, ex := range planningExamples {
		b.WriteString(fmt.Sprintf("Query: %s\nPlan: %s\n\n", ex.query, ex.plan))
	}

	b.WriteString("Output schema (MUST match exactly):\n```json\n")
	b.WriteString(PlanSchema)
	b.WriteString("\n```\n\n")

	b.WriteString(fmt.Sprintf("User query: %s\n", normalizedQuery))

	return Prompt{Kind: KindPlanning, Text: b.String(), Params: Params{Temperature: 0.2, MaxTokens: 1024}}
}

// TaskResult is one task's outcome, fed into the synthesis prompt as a
// labelled JSON-ish block.
type TaskResult struct {
	TaskID     string
	Capability string
	Success    bool
	Result     any
	Error      string
}

// BuildSynthesis assembles the synthesis prompt: system directive, original
// query, collected task results, and format guidance. Temperature is
// moderate.
func BuildSynthesis(originalQuery string, results []TaskResult) Prompt {
	var b strings.Builder

	b.WriteString("You are composing a concise answer for the end user from task results below.\n\n")
	b.WriteString(fmt.Sprintf("Original query: %s\n\n", originalQuery))

	b.WriteString("Task results:\n")
	for _, r := range results {
		if r.Success {
			b.WriteString(fmt.Sprintf("[%s / %s] SUCCESS: %v\n", r.TaskID, r.Capability, r.Result))
		} else {
			b.WriteString(fmt.Sprintf("[%s / %s] FAILED: %s\n", r.TaskID, r.Capability, r.Error))
		}
	}
	b.WriteString("\n")

	b.WriteString("Format guidance:\n")
	b.WriteString("- Plain prose, no JSON, no markdown fences.\n")
	b.WriteString("- If a task FAILED, mention the missing data honestly rather than inventing it.\n")
	b.WriteString("- Be concise.\n")

	return Prompt{Kind: KindSynthesis, Text: b.String(), Params: Params{Temperature: 0.5, MaxTokens: 512}}
}

// BuildRepair assembles the repair prompt: system directive, the malformed
// text verbatim, and the schema restatement. Temperature is pinned to 0.0.
func BuildRepair(malformed string) Prompt {
	var b strings.Builder

	b.WriteString("Your prior output was not valid JSON. Reply ONLY with the corrected JSON, nothing else.\n\n")
	b.WriteString("Prior output:\n```\n")
	b.WriteString(malformed)
	b.WriteString("\n```\n\n")
	b.WriteString("Required schema:\n```json\n")
	b.WriteString(PlanSchema)
	b.WriteString("\n```\n")

	return Prompt{Kind: KindRepair, Text: b.String(), Params: Params{Temperature: 0.0, MaxTokens: 1024}}
}

// ValidationResult is validatePrompt's verdict: a 0..1 quality score plus
// any issues found.
type ValidationResult struct {
	Score  float64
	Issues []string
}

// Validate asserts minimum coverage for a built prompt: capability
// catalogue present, at least one example, schema restatement present.
// Synthesis prompts are exempt from the catalogue/example/schema checks
// since they carry neither.
func Validate(kind Kind, text string) ValidationResult {
	if kind == KindSynthesis {
		issues := []string{}
		score := 1.0
		if !strings.Contains(text, "Original query:") {
			issues = append(issues, "missing original query section")
			score -= 0.5
		}
		return ValidationResult{Score: clampScore(score), Issues: issues}
	}

	checks := []struct {
		name string
		ok   bool
	}{
		{"capability catalogue present", kind != KindPlanning || strings.Contains(text, "Available capabilities:")},
		{"at least one example present", kind != KindPlanning || strings.Contains(text, "Query:")},
		{"schema restatement present", strings.Contains(text, "\"capability\"") && strings.Contains(text, "\"dependencies\"")},
	}

	var issues []string
	passed := 0
	for _, c := range checks {
		if c.ok {
			passed++
		} else {
			issues = append(issues, c.name)
		}
	}

	return ValidationResult{Score: clampScore(float64(passed) / float64(len(checks))), Issues: issues}
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

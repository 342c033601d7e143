package subagent

import (
	"context"
	"errors"
)

// TaskHandler processes the parameters of one task.request event and
// returns its result, or an error describing why the task failed.
type TaskHandler func(ctx context.Context, parameters map[string]any) (result any, err error)

// Skill represents one capability the agent advertises and handles.
type Skill struct {
	Capability  string
	Description string
	Handler     TaskHandler
}

// Common errors
var (
	ErrMissingAgentID      = errors.New("agent ID is required")
	ErrMissingName         = errors.New("agent name is required")
	ErrMissingDescription  = errors.New("agent description is required")
	ErrNoSkills            = errors.New("at least one skill must be registered")
	ErrDuplicateSkill      = errors.New("skill with this capability already registered")
	ErrAgentNotStarted     = errors.New("agent has not been started")
	ErrAgentAlreadyRunning = errors.New("agent is already running")
)

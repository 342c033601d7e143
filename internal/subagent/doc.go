// Package subagent provides a high-level library for building AMCP-mesh
// agents with minimal boilerplate code.
//
// # Overview
//
// The SubAgent library encapsulates common agent functionality:
//   - Self-registration (agent.register) with the orchestrator's capability registry
//   - Heartbeating (agent.heartbeat) on a configurable interval
//   - Task subscription and capability-based routing (task.request.<capability>)
//   - Automatic distributed tracing and structured logging per task
//   - Graceful shutdown and lifecycle management
//
// # Quick Start
//
// Creating an agent requires only three steps:
//
//  1. Configure your agent
//  2. Register skills with handlers
//  3. Run the agent
//
// Example:
//
//	cfg := &subagent.Config{
//	    AgentID:     "agent-weather",
//	    Name:        "Weather Agent",
//	    Description: "Looks up current weather conditions",
//	}
//
//	agent, err := subagent.New(cfg, br, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	agent.MustAddSkill("weather.get", "Current conditions for a location", weatherHandler)
//
//	if err := agent.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Handler Functions
//
// Skills are implemented as handler functions with the signature:
//
//	func(ctx context.Context, parameters map[string]any) (result any, err error)
//
// parameters is the task.request event's data.parameters map. A non-nil
// error produces a task.response with
// success=false and an error.code of "handler_error"; otherwise result is
// marshaled as-is into the response's result field.
//
// Example handler:
//
//	func weatherHandler(ctx context.Context, parameters map[string]any) (any, error) {
//	    location, _ := parameters["location"].(string)
//	    if location == "" {
//	        return nil, errors.New("location is required")
//	    }
//	    return map[string]any{"location": location, "conditions": "sunny", "tempC": 22}, nil
//	}
//
// # Configuration
//
// Required fields: AgentID, Name, Description. Optional fields with
// defaults: AgentType (defaults to AgentID), Version (defaults to
// "1.0.0"), Endpoint (defaults to "amcp://<agentID>"), HeartbeatInterval
// (defaults to 10s).
//
// # Automatic Features
//
// When Run() is called, the library:
//
//  1. Validates configuration and applies defaults
//  2. Publishes agent.register with this agent's descriptor (capabilities
//     derived from registered skills)
//  3. Subscribes to task.request.<capability> for every skill
//  4. Starts a heartbeat loop publishing agent.heartbeat
//  5. Routes incoming tasks to the matching skill handler, wrapped with:
//     - a tracing span ("agent.<agentID>.handle_task"), if WithTraceManager was used
//     - structured logging (receipt, completion, errors)
//  6. Publishes a task.response carrying the original correlationId
//  7. Handles SIGINT/SIGTERM for graceful shutdown: stops heartbeating and
//     unsubscribes before returning
//
// # Error Handling
//
// The library defines common errors: ErrMissingAgentID, ErrMissingName,
// ErrMissingDescription, ErrNoSkills, ErrDuplicateSkill,
// ErrAgentAlreadyRunning. Configuration errors are caught early in New()
// or Run(); runtime errors are logged and reported through task.response.
//
// # Examples
//
// See internal/orchestratoragent's tests for a complete agent running
// against an orchestrator on a shared in-memory broker.
package subagent

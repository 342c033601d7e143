// Package subagent is a reusable harness for building AMCP-mesh agents:
// developers register skill handlers and call Run; registration,
// task.request subscription, heartbeating, observability, and graceful
// shutdown are handled automatically. An agent is just another
// internal/broker.Broker participant exchanging internal/event.Event
// values — no generated client stub or separate transport required.
package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/amcp-mesh/orchestrator/internal/broker"
	"github.com/amcp-mesh/orchestrator/internal/event"
	"github.com/amcp-mesh/orchestrator/internal/observability"
)

// SubAgent encapsulates the common functionality for building AMCP-mesh
// agents.
//
// It handles all infrastructure concerns: self-registration, task
// subscription, heartbeating, observability, and lifecycle management.
// Developers only need to implement business logic in handler functions.
//
// A SubAgent is created with New(), skills are registered with AddSkill()
// or MustAddSkill(), and then Run() is called to start the agent. All
// setup, registration, and cleanup is handled automatically.
//
// SubAgent is not thread-safe during configuration (before Run()) but is
// safe for concurrent task processing after Run() is called.
type SubAgent struct {
	config  *Config
	broker  broker.Broker
	logger  *slog.Logger
	tracer  trace.Tracer
	traceMg *observability.TraceManager
	skills  map[string]*Skill // keyed by capability
	running bool
}

// New creates a new SubAgent bound to br.
//
// The configuration is validated and defaults are applied for optional
// fields. Required configuration fields are: AgentID, Name, and
// Description.
//
// Returns an error if configuration is invalid (missing required fields).
//
// Example:
//
//	cfg := &subagent.Config{AgentID: "weather", Name: "Weather Agent", Description: "Looks up weather"}
//	agent, err := subagent.New(cfg, br, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
func New(config *Config, br broker.Broker, logger *slog.Logger) (*SubAgent, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SubAgent{
		config: config,
		broker: br,
		logger: logger,
		skills: make(map[string]*Skill),
	}, nil
}

// AddSkill registers a new skill with the agent.
//
// Skills define the capabilities this agent advertises and handles. The
// capability is used both for task routing (task.request.<capability>)
// and for the registry's capability index, so it should be unique within
// the agent and match a capability id the Planning Engine is expected to
// emit.
//
// Returns ErrDuplicateSkill if a skill with the same capability is
// already registered. Skills must be registered before calling Run().
func (s *SubAgent) AddSkill(capability, description string, handler TaskHandler) error {
	if _, exists := s.skills[capability]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSkill, capability)
	}

	s.skills[capability] = &Skill{
		Capability:  capability,
		Description: description,
		Handler:     handler,
	}

	return nil
}

// MustAddSkill is like AddSkill but panics on error. Suitable for agent
// main functions where skill registration errors are unrecoverable.
func (s *SubAgent) MustAddSkill(capability, description string, handler TaskHandler) {
	if err := s.AddSkill(capability, description, handler); err != nil {
		panic(err)
	}
}

// Run starts the agent and blocks until shutdown.
//
// This method handles the complete agent lifecycle:
//  1. Registration: publishes agent.register with this agent's descriptor
//  2. Subscription: subscribes to task.request.<capability> for every skill
//  3. Heartbeating: publishes agent.heartbeat on HeartbeatInterval
//  4. Processing: routes tasks to skill handlers with automatic tracing
//  5. Shutdown: handles SIGINT/SIGTERM, unsubscribes, stops heartbeating
//
// Run blocks until the context is cancelled or a SIGINT/SIGTERM is
// received. Returns an error if the agent is already running, has no
// skills registered, or initialization fails.
func (s *SubAgent) Run(ctx context.Context) error {
	if s.running {
		return ErrAgentAlreadyRunning
	}
	if len(s.skills) == 0 {
		return ErrNoSkills
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := s.register(ctx); err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}

	unsubscribe, err := s.subscribeSkills(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to tasks: %w", err)
	}

	s.running = true
	defer func() { s.running = false }()

	var wg sync.WaitGroup
	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeatLoop(heartbeatCtx)
	}()

	s.logger.InfoContext(ctx, "agent started successfully",
		"agent_id", s.config.AgentID, "name", s.config.Name, "skills", len(s.skills))

	<-ctx.Done()

	s.logger.InfoContext(context.Background(), "agent shutting down gracefully", "agent_id", s.config.AgentID)
	stopHeartbeat()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	unsubscribe(shutdownCtx)

	return nil
}

// register publishes this agent's descriptor as an agent.register event,
// matching registry.Descriptor's field names under Event.Data.
func (s *SubAgent) register(ctx context.Context) error {
	capabilities := make([]string, 0, len(s.skills))
	for capability := range s.skills {
		capabilities = append(capabilities, capability)
	}

	data := map[string]any{
		"agentId":      s.config.AgentID,
		"agentType":    s.config.AgentType,
		"capabilities": capabilities,
		"endpoint":     s.config.Endpoint,
		"metadata": map[string]string{
			"name":        s.config.Name,
			"description": s.config.Description,
			"version":     s.config.Version,
		},
	}

	evt, err := event.New("agent.register", s.config.Endpoint, data, event.WithTopic("agent.register"), event.WithSubject(s.config.AgentID))
	if err != nil {
		return err
	}
	future, err := s.broker.Publish(ctx, evt)
	if err != nil {
		return err
	}
	if err := future.Wait(ctx); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "agent card registered",
		"agent_id", s.config.AgentID, "name", s.config.Name, "capabilities", capabilities)
	return nil
}

// heartbeatLoop publishes agent.heartbeat on config.HeartbeatInterval until
// ctx is cancelled.
func (s *SubAgent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishHeartbeat(ctx)
		}
	}
}

func (s *SubAgent) publishHeartbeat(ctx context.Context) {
	data := map[string]any{
		"status":     "healthy",
		"errorCount": 0,
	}
	evt, err := event.New("agent.heartbeat", s.config.Endpoint, data, event.WithTopic("agent.heartbeat"), event.WithSubject(s.config.AgentID))
	if err != nil {
		s.logger.WarnContext(ctx, "failed to construct heartbeat event", "agent_id", s.config.AgentID, "error", err)
		return
	}
	if _, err := s.broker.Publish(ctx, evt); err != nil {
		s.logger.WarnContext(ctx, "failed to publish heartbeat", "agent_id", s.config.AgentID, "error", err)
	}
}

// subscribeSkills subscribes one broker handler per registered skill to
// task.request.<capability>, returning a function that unsubscribes all of
// them.
func (s *SubAgent) subscribeSkills(ctx context.Context) (func(context.Context), error) {
	var topics []string
	for capability, skill := range s.skills {
		topic := fmt.Sprintf("task.request.%s", capability)
		handler := s.wrapHandlerWithObservability(capability, skill.Handler)

		future, err := s.broker.Subscribe(ctx, topic, broker.NewSubscriber(s.config.AgentID, handler))
		if err != nil {
			return nil, err
		}
		if err := future.Wait(ctx); err != nil {
			return nil, err
		}
		topics = append(topics, topic)

		s.logger.DebugContext(ctx, "registered task handler", "capability", capability, "topic", topic)
	}

	return func(shutdownCtx context.Context) {
		for _, topic := range topics {
			if _, err := s.broker.Unsubscribe(shutdownCtx, topic, s.config.AgentID); err != nil {
				s.logger.WarnContext(shutdownCtx, "failed to unsubscribe", "topic", topic, "error", err)
			}
		}
	}, nil
}

// wrapHandlerWithObservability wraps a skill handler into a broker.HandlerFunc
// that parses task.request.data, runs the handler, and publishes a
// task.response event carrying the correlationId it was given.
func (s *SubAgent) wrapHandlerWithObservability(capability string, handler TaskHandler) broker.HandlerFunc {
	return func(ctx context.Context, evt *event.Event) error {
		if s.traceMg != nil {
			var span trace.Span
			ctx, span = s.traceMg.StartSpan(ctx, fmt.Sprintf("agent.%s.handle_task", s.config.AgentID))
			s.traceMg.AddComponentAttribute(span, s.config.AgentID)
			defer span.End()
		}

		data, _ := evt.Data.(map[string]any)
		correlationID, _ := data["correlationId"].(string)
		parameters, _ := data["parameters"].(map[string]any)

		s.logger.InfoContext(ctx, "processing task", "agent_id", s.config.AgentID, "capability", capability, "correlation_id", correlationID)

		result, err := handler(ctx, parameters)

		respData := map[string]any{"correlationId": correlationID}
		if err != nil {
			respData["success"] = false
			respData["error"] = map[string]any{"code": "handler_error", "message": err.Error()}
			s.logger.ErrorContext(ctx, "task failed", "agent_id", s.config.AgentID, "capability", capability, "correlation_id", correlationID, "error", err)
		} else {
			respData["success"] = true
			respData["result"] = result
			s.logger.InfoContext(ctx, "task completed", "agent_id", s.config.AgentID, "capability", capability, "correlation_id", correlationID)
		}

		respTopic := fmt.Sprintf("task.response.%s", capability)
		respEvt, buildErr := event.New(respTopic, s.config.Endpoint, respData, event.WithTopic(respTopic), event.WithSubject(correlationID))
		if buildErr != nil {
			return buildErr
		}
		_, publishErr := s.broker.Publish(ctx, respEvt)
		return publishErr
	}
}

// GetLogger returns the agent's structured logger for custom logging.
func (s *SubAgent) GetLogger() *slog.Logger {
	return s.logger
}

// GetConfig returns the agent's configuration. Modifying the returned
// Config will not affect the running agent.
func (s *SubAgent) GetConfig() *Config {
	configCopy := *s.config
	return &configCopy
}

// WithTraceManager attaches an observability.TraceManager so handled tasks
// get spans. Optional; Run works without it.
func (s *SubAgent) WithTraceManager(tm *observability.TraceManager) *SubAgent {
	s.traceMg = tm
	return s
}

// Package orchestratoragent is the Orchestrator Agent: the composition
// root that wires the Event Broker to the Agent Registry, Correlation
// Manager, Planning Engine, Fallback Manager, and Orchestration Session
// Manager, and bridges agent.register/agent.heartbeat/user.request events
// into their respective managers. It is a reusable package (not just
// cmd/orchestrator's main) so end-to-end tests can run an Orchestrator
// and one or more internal/subagent agents against a single shared
// broker.Broker in one process, without a network hop.
package orchestratoragent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amcp-mesh/orchestrator/internal/broker"
	"github.com/amcp-mesh/orchestrator/internal/config"
	"github.com/amcp-mesh/orchestrator/internal/correlation"
	"github.com/amcp-mesh/orchestrator/internal/event"
	"github.com/amcp-mesh/orchestrator/internal/fallback"
	"github.com/amcp-mesh/orchestrator/internal/llm"
	"github.com/amcp-mesh/orchestrator/internal/planning"
	"github.com/amcp-mesh/orchestrator/internal/registry"
	"github.com/amcp-mesh/orchestrator/internal/session"
	"github.com/amcp-mesh/orchestrator/internal/sweeper"
)

const (
	registerSubscriberID  = "orchestrator-registry-register"
	heartbeatSubscriberID = "orchestrator-registry-heartbeat"
	userRequestSubscriber = "orchestrator-user-request"
)

// Orchestrator owns every long-lived component of the mesh except the
// broker and observability stack, which the caller constructs and shares.
type Orchestrator struct {
	broker      broker.Broker
	registry    *registry.Registry
	correlation *correlation.Manager
	fallback    *fallback.Manager
	planning    *planning.Engine
	session     *session.Manager
	sweeper     *sweeper.Scheduler
	logger      *slog.Logger
}

// New constructs an Orchestrator bound to br. llmClient may be any
// implementation of the narrowed llm.Client seam; logger may be nil.
func New(br broker.Broker, cfg *config.AppConfig, llmClient llm.Client, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	reg := registry.NewRegistry(logger,
		registry.WithHeartbeatTimeout(time.Duration(cfg.Session.HeartbeatTimeoutSeconds)*time.Second),
	)
	corrMgr := correlation.NewManager(logger)
	fallbackMgr := fallback.NewManager(llmClient, logger)
	planningEngine := planning.NewEngine(llmClient, reg, fallbackMgr, logger)
	sessionMgr := session.NewManager(br, corrMgr, reg, planningEngine, fallbackMgr, llmClient, logger,
		session.WithMaxConcurrentSessions(cfg.Session.MaxConcurrentSessions),
		session.WithSessionTimeout(time.Duration(cfg.Session.SessionTimeoutMs)*time.Millisecond),
		session.WithDefaultTaskTimeout(time.Duration(cfg.Session.TaskTimeoutMs)*time.Millisecond),
	)

	return &Orchestrator{
		broker:      br,
		registry:    reg,
		correlation: corrMgr,
		fallback:    fallbackMgr,
		planning:    planningEngine,
		session:     sessionMgr,
		sweeper:     sweeper.New(logger),
		logger:      logger,
	}
}

// Registry exposes the Agent Registry for callers that need to seed it
// (e.g. from a capability catalogue file) or inspect it (health checks).
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Start subscribes to agent.register, agent.heartbeat, and user.request,
// and launches the background sweepers. It does not start the broker
// itself; the caller owns the broker's lifecycle.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.session.Start(ctx); err != nil {
		return fmt.Errorf("orchestratoragent: session manager start: %w", err)
	}
	if err := o.subscribeAgentLifecycle(ctx); err != nil {
		return fmt.Errorf("orchestratoragent: agent lifecycle subscription: %w", err)
	}
	if err := o.subscribeUserRequests(ctx); err != nil {
		return fmt.Errorf("orchestratoragent: user request subscription: %w", err)
	}

	o.registry.Start()
	o.correlation.Start()

	if err := o.sweeper.AddJob("registry-sweep", "@every 10s", o.registry.Sweep); err != nil {
		return err
	}
	if err := o.sweeper.AddJob("correlation-sweep", "@every 10s", o.correlation.Sweep); err != nil {
		return err
	}
	o.sweeper.Start()

	o.logger.InfoContext(ctx, "orchestrator agent started")
	return nil
}

// Stop tears down everything Start set up, best-effort: the sweepers and
// background loops first, then the session manager, then the broker
// subscriptions.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.sweeper.Stop()
	o.registry.Stop()
	o.correlation.Stop()

	var err error
	if unsubErr := o.session.Stop(ctx); unsubErr != nil {
		err = unsubErr
	}
	_, _ = o.broker.Unsubscribe(ctx, "agent.register", registerSubscriberID)
	_, _ = o.broker.Unsubscribe(ctx, "agent.heartbeat", heartbeatSubscriberID)
	_, _ = o.broker.Unsubscribe(ctx, "user.request", userRequestSubscriber)
	return err
}

// subscribeAgentLifecycle feeds internal/subagent's agent.register and
// agent.heartbeat events into the registry, the bridge between agents
// publishing their own descriptor and the registry's Register/Heartbeat
// methods, which have no broker awareness of their own.
func (o *Orchestrator) subscribeAgentLifecycle(ctx context.Context) error {
	registerFuture, err := o.broker.Subscribe(ctx, "agent.register", broker.NewSubscriber(registerSubscriberID, func(ctx context.Context, evt *event.Event) error {
		data, ok := evt.Data.(map[string]any)
		if !ok {
			return fmt.Errorf("agent.register: unexpected data shape %T", evt.Data)
		}
		agentID, _ := data["agentId"].(string)
		agentType, _ := data["agentType"].(string)
		endpoint, _ := data["endpoint"].(string)
		capabilities := toStringSlice(data["capabilities"])
		metadata := toStringMap(data["metadata"])

		if err := o.registry.Register(registry.Descriptor{
			AgentID:      agentID,
			AgentType:    agentType,
			Capabilities: capabilities,
			Endpoint:     endpoint,
			Metadata:     metadata,
		}); err != nil {
			o.logger.WarnContext(ctx, "agent registration failed", "agent_id", agentID, "error", err)
			return err
		}
		o.logger.InfoContext(ctx, "agent registered", "agent_id", agentID, "capabilities", capabilities)
		return nil
	}))
	if err != nil {
		return err
	}
	if err := registerFuture.Wait(ctx); err != nil {
		return err
	}

	heartbeatFuture, err := o.broker.Subscribe(ctx, "agent.heartbeat", broker.NewSubscriber(heartbeatSubscriberID, func(ctx context.Context, evt *event.Event) error {
		data, ok := evt.Data.(map[string]any)
		if !ok {
			return fmt.Errorf("agent.heartbeat: unexpected data shape %T", evt.Data)
		}
		status, _ := data["status"].(string)
		return o.registry.Heartbeat(evt.Subject, registry.HeartbeatData{
			Status:     status,
			ErrorCount: toInt(data["errorCount"]),
		})
	}))
	if err != nil {
		return err
	}
	return heartbeatFuture.Wait(ctx)
}

// subscribeUserRequests is the one bridge between the outside world and
// the Orchestration Session Manager: every user.request becomes one
// Accept call. An overloaded orchestrator still owes the caller a
// response, so Accept's ErrOverloaded is turned into a degraded
// user.response rather than silently dropped.
func (o *Orchestrator) subscribeUserRequests(ctx context.Context) error {
	future, err := o.broker.Subscribe(ctx, "user.request", broker.NewSubscriber(userRequestSubscriber, func(ctx context.Context, evt *event.Event) error {
		data, ok := evt.Data.(map[string]any)
		if !ok {
			return fmt.Errorf("user.request: unexpected data shape %T", evt.Data)
		}
		query, _ := data["query"].(string)
		userID, _ := data["userId"].(string)

		sessionID, err := o.session.Accept(ctx, query, userID)
		if errors.Is(err, session.ErrOverloaded) {
			o.logger.WarnContext(ctx, "orchestrator overloaded, rejecting user.request")
			return o.publishOverloaded(ctx, evt)
		}
		if err != nil {
			return err
		}
		o.logger.InfoContext(ctx, "user.request accepted", "session_id", sessionID)
		return nil
	}))
	if err != nil {
		return err
	}
	return future.Wait(ctx)
}

func (o *Orchestrator) publishOverloaded(ctx context.Context, req *event.Event) error {
	data, _ := req.Data.(map[string]any)
	correlationID, _ := data["correlationId"].(string)

	evt, err := event.New("user.response", "amcp://orchestrator", map[string]any{
		"correlationId": correlationID,
		"answer":        "system busy, please try again shortly",
		"degraded":      true,
	}, event.WithTopic("user.response"), event.WithSubject(correlationID))
	if err != nil {
		return err
	}
	_, err = o.broker.Publish(ctx, evt)
	return err
}

func toStringSlice(v any) []string {
	if raw, ok := v.([]string); ok {
		return raw
	}
	anySlice, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(anySlice))
	for _, item := range anySlice {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toStringMap(v any) map[string]string {
	if raw, ok := v.(map[string]string); ok {
		return raw
	}
	anyMap, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(anyMap))
	for k, val := range anyMap {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// SeedRegistry pre-registers agents described in a capability catalogue
// file so Lookup/Healthy succeed before any real agent has published
// agent.register.
func SeedRegistry(reg *registry.Registry, seeds []config.CapabilitySeed, logger *slog.Logger) {
	for _, seed := range seeds {
		err := reg.Register(registry.Descriptor{
			AgentID:      seed.AgentID,
			AgentType:    seed.AgentType,
			Capabilities: seed.Capabilities,
			Endpoint:     seed.Endpoint,
			Metadata:     seed.Metadata,
		})
		if err != nil {
			logger.Warn("failed to seed registry entry", "agent_id", seed.AgentID, "error", err)
			continue
		}
		logger.Info("registry seeded from capability catalogue", "agent_id", seed.AgentID, "capabilities", seed.Capabilities)
	}
}

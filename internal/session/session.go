// Package session implements the Orchestration Session: the state machine
// that turns one accepted user.request into exactly one user.response,
// wiring together the Event Broker, Correlation Manager, Planning Engine,
// Agent Registry, and Fallback Manager. Each session advances through an
// explicit initializing -> planning -> executing -> synthesizing state
// machine, with per-session locking so concurrent task completions can't
// race each other's state transitions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amcp-mesh/orchestrator/internal/broker"
	"github.com/amcp-mesh/orchestrator/internal/correlation"
	"github.com/amcp-mesh/orchestrator/internal/event"
	"github.com/amcp-mesh/orchestrator/internal/fallback"
	"github.com/amcp-mesh/orchestrator/internal/llm"
	"github.com/amcp-mesh/orchestrator/internal/planning"
	"github.com/amcp-mesh/orchestrator/internal/promptbuilder"
	"github.com/amcp-mesh/orchestrator/internal/registry"
)

// ErrOverloaded is returned by Accept when the configured concurrent
// session bound is already saturated.
var ErrOverloaded = errors.New("session: too many concurrent sessions")

const taskResponseSubscriberID = "orchestration-session-manager"

// errTaskTimedOut distinguishes a task-level deadline from ctx cancellation
// when deciding a task's terminal Status in executeTask.
var errTaskTimedOut = errors.New("session: task timed out waiting for response")

// State is the Orchestration Session's lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StatePlanning     State = "planning"
	StateExecuting    State = "executing"
	StateSynthesizing State = "synthesizing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Session is one in-flight (or just-finished) orchestration of a single
// user query.
type Session struct {
	SessionID       string // == the correlationId the user sees
	UserQuery       string
	NormalizedQuery string
	Plan            *planning.TaskPlan
	ActiveTasks     map[string]*planning.Task
	CompletedTasks  map[string]*planning.Task
	State           State
	StartTime       time.Time
	LastUpdateTime  time.Time
	ErrorMessage    string

	responded bool
	cancel    context.CancelFunc
}

// Snapshot is a read-only copy of a Session, safe to hand to callers
// outside the per-session lock.
type Snapshot struct {
	SessionID      string
	UserQuery      string
	State          State
	StartTime      time.Time
	LastUpdateTime time.Time
	ErrorMessage   string
	ActiveTaskIDs  []string
	CompletedCount int
}

// Manager owns every in-flight Session and the single broker subscription
// that feeds task responses back into them.
type Manager struct {
	broker             broker.Broker
	correlationManager *correlation.Manager
	registry           *registry.Registry
	planningEngine     *planning.Engine
	fallbackManager    *fallback.Manager
	llmClient          llm.Client
	logger             *slog.Logger

	eventSource           string
	maxConcurrentSessions int
	sessionTimeout        time.Duration
	defaultTaskTimeout    time.Duration
	now                   func() time.Time

	sem      chan struct{}
	sessions sync.Map // sessionID -> *Session
	locks    sync.Map // sessionID -> *sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithEventSource overrides the CloudEvents source URI stamped on every
// event this session manager publishes (default "amcp://orchestrator").
func WithEventSource(source string) Option {
	return func(m *Manager) { m.eventSource = source }
}

// WithMaxConcurrentSessions bounds how many sessions may be simultaneously
// accepted (default 100); beyond this Accept returns ErrOverloaded.
func WithMaxConcurrentSessions(n int) Option {
	return func(m *Manager) { m.maxConcurrentSessions = n }
}

// WithSessionTimeout bounds the wall-clock lifetime of a single session
// (default 2m), after which it synthesizes with whatever results arrived.
func WithSessionTimeout(d time.Duration) Option {
	return func(m *Manager) { m.sessionTimeout = d }
}

// WithDefaultTaskTimeout sets the per-task deadline used when a task does
// not carry its own (default 30s).
func WithDefaultTaskTimeout(d time.Duration) Option {
	return func(m *Manager) { m.defaultTaskTimeout = d }
}

// NewManager constructs a Manager. logger may be nil.
func NewManager(
	br broker.Broker,
	correlationManager *correlation.Manager,
	reg *registry.Registry,
	planningEngine *planning.Engine,
	fallbackManager *fallback.Manager,
	llmClient llm.Client,
	logger *slog.Logger,
	opts ...Option,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		broker:                br,
		correlationManager:    correlationManager,
		registry:              reg,
		planningEngine:        planningEngine,
		fallbackManager:       fallbackManager,
		llmClient:             llmClient,
		logger:                logger,
		eventSource:           "amcp://orchestrator",
		maxConcurrentSessions: 100,
		sessionTimeout:        2 * time.Minute,
		defaultTaskTimeout:    30 * time.Second,
		now:                   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sem = make(chan struct{}, m.maxConcurrentSessions)
	return m
}

// Start subscribes to task.response.** so in-flight sessions learn of
// dispatched task outcomes.
func (m *Manager) Start(ctx context.Context) error {
	future, err := m.broker.Subscribe(ctx, "task.response.**", broker.NewSubscriber(taskResponseSubscriberID, m.handleTaskResponse))
	if err != nil {
		return err
	}
	return future.Wait(ctx)
}

// Stop unsubscribes from task responses. In-flight sessions are not
// cancelled; the caller should Cancel them individually during shutdown.
func (m *Manager) Stop(ctx context.Context) error {
	_, err := m.broker.Unsubscribe(ctx, "task.response.**", taskResponseSubscriberID)
	return err
}

// Accept creates a session and begins processing it asynchronously,
// returning its id immediately.
func (m *Manager) Accept(ctx context.Context, userQuery, userID string) (string, error) {
	select {
	case m.sem <- struct{}{}:
	default:
		return "", ErrOverloaded
	}

	sessionID := uuid.NewString()
	now := m.now()
	sess := &Session{
		SessionID:      sessionID,
		UserQuery:      userQuery,
		State:          StateInitializing,
		StartTime:      now,
		LastUpdateTime: now,
		ActiveTasks:    make(map[string]*planning.Task),
		CompletedTasks: make(map[string]*planning.Task),
	}
	m.sessions.Store(sessionID, sess)

	go m.run(context.WithoutCancel(ctx), sess)
	return sessionID, nil
}

// Cancel marks sessionID cancelled and guarantees a user.response is still
// published; idempotent.
func (m *Manager) Cancel(ctx context.Context, sessionID string) {
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return
	}
	sess := v.(*Session)

	m.withLock(sessionID, func(s *Session) {
		switch s.State {
		case StateCompleted, StateFailed, StateCancelled:
			return
		}
		s.State = StateCancelled
		if s.cancel != nil {
			s.cancel()
		}
	})

	m.publishResponseOnce(ctx, sess, "Your request was cancelled.", true, nil, StateCancelled)
}

// Snapshot returns a read-only copy of a session's bookkeeping, or false if
// sessionID is unknown (already completed and evicted, or never existed).
func (m *Manager) Snapshot(sessionID string) (Snapshot, bool) {
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return Snapshot{}, false
	}
	sess := v.(*Session)

	var snap Snapshot
	m.withLock(sessionID, func(s *Session) {
		snap = Snapshot{
			SessionID:      s.SessionID,
			UserQuery:      s.UserQuery,
			State:          s.State,
			StartTime:      s.StartTime,
			LastUpdateTime: s.LastUpdateTime,
			ErrorMessage:   s.ErrorMessage,
			CompletedCount: len(s.CompletedTasks),
		}
		for id := range s.ActiveTasks {
			snap.ActiveTaskIDs = append(snap.ActiveTaskIDs, id)
		}
	})
	return snap, true
}

// ActiveSessionCount reports the number of sessions still tracked: a
// session is removed once run returns. No metric gauge reads it.
func (m *Manager) ActiveSessionCount() int {
	count := 0
	m.sessions.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (m *Manager) withLock(sessionID string, fn func(*Session)) {
	lockIface, _ := m.locks.LoadOrStore(sessionID, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return
	}
	fn(v.(*Session))
}

// run drives one session through planning, execution, and synthesis. It
// always terminates by publishing exactly one user.response.
func (m *Manager) run(parent context.Context, sess *Session) {
	defer func() { <-m.sem }()
	defer m.sessions.Delete(sess.SessionID)

	ctx, cancel := context.WithTimeout(parent, m.sessionTimeout)
	defer cancel()
	m.withLock(sess.SessionID, func(s *Session) { s.cancel = cancel })

	normalized := normalizeQuery(sess.UserQuery)
	m.withLock(sess.SessionID, func(s *Session) {
		s.NormalizedQuery = normalized
		s.State = StatePlanning
		s.LastUpdateTime = m.now()
	})

	plan, err := m.planningEngine.GeneratePlan(ctx, sess.SessionID, normalized, sess.SessionID)
	if err != nil {
		m.logger.WarnContext(ctx, "session: planning failed", "session_id", sess.SessionID, "error", err)
		m.finishFailed(ctx, sess, fmt.Sprintf("planning could not produce a task plan: %v", err))
		return
	}

	if len(plan.Tasks) == 0 {
		answer := plan.DirectAnswer
		if answer == "" {
			answer = "I don't have enough information to answer that."
		}
		m.publishResponseOnce(ctx, sess, answer, plan.Degraded, nil, StateCompleted)
		return
	}

	m.withLock(sess.SessionID, func(s *Session) {
		s.Plan = plan
		s.State = StateExecuting
		s.LastUpdateTime = m.now()
		for _, t := range plan.Tasks {
			s.ActiveTasks[t.TaskID] = t
		}
	})

	results, missing, degraded := m.executePlan(ctx, sess, plan)

	m.withLock(sess.SessionID, func(s *Session) {
		s.State = StateSynthesizing
		s.LastUpdateTime = m.now()
	})

	answer, synthDegraded := m.synthesize(ctx, sess, results)
	m.publishResponseOnce(ctx, sess, answer, plan.Degraded || degraded || synthDegraded, missing, StateCompleted)
}

// executePlan dispatches plan.Tasks in dependency order, a round at a time:
// every task whose dependencies have all completed is dispatched
// concurrently; the round barrier then re-evaluates readiness.
func (m *Manager) executePlan(ctx context.Context, sess *Session, plan *planning.TaskPlan) ([]promptbuilder.TaskResult, []string, bool) {
	byID := make(map[string]*planning.Task, len(plan.Tasks))
	pending := make(map[string]*planning.Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		byID[t.TaskID] = t
		pending[t.TaskID] = t
	}

	var results []promptbuilder.TaskResult
	var missing []string
	degraded := false

	for len(pending) > 0 {
		if ctx.Err() != nil {
			for _, t := range pending {
				t.Status = planning.StatusCancelled
				m.moveToCompleted(sess, t)
				results = append(results, promptbuilder.TaskResult{TaskID: t.TaskID, Capability: t.Capability, Error: "session ended before this task could run"})
				if !t.Optional {
					degraded = true
					missing = append(missing, t.Capability)
				}
			}
			break
		}

		var ready, blocked []*planning.Task
		for _, t := range pending {
			depsOK, depsFailed := true, false
			for _, dep := range t.Dependencies {
				depTask := byID[dep]
				if depTask == nil {
					continue
				}
				switch depTask.Status {
				case planning.StatusCompleted:
				case planning.StatusFailed, planning.StatusCancelled, planning.StatusTimedOut:
					depsFailed = true
				default:
					depsOK = false
				}
			}
			switch {
			case depsFailed:
				blocked = append(blocked, t)
			case depsOK:
				ready = append(ready, t)
			}
		}

		if len(ready) == 0 && len(blocked) == 0 {
			break // every pending task waits on another pending task (a dependency cycle); they get no result
		}

		for _, t := range blocked {
			delete(pending, t.TaskID)
			t.Status = planning.StatusCancelled
			m.moveToCompleted(sess, t)
			if t.Optional {
				results = append(results, promptbuilder.TaskResult{TaskID: t.TaskID, Capability: t.Capability, Error: fallback.OptionalTaskUnavailable(t.Capability)})
			} else {
				degraded = true
				missing = append(missing, t.Capability)
				results = append(results, promptbuilder.TaskResult{TaskID: t.TaskID, Capability: t.Capability, Error: "upstream dependency did not complete"})
			}
		}

		if len(ready) == 0 {
			continue
		}

		for _, t := range ready {
			accumulatePriorMessages(t, byID)
		}

		var wg sync.WaitGroup
		for _, t := range ready {
			wg.Add(1)
			go func(task *planning.Task) {
				defer wg.Done()
				m.executeTask(ctx, sess, task)
			}(t)
		}
		wg.Wait()

		for _, t := range ready {
			delete(pending, t.TaskID)
			m.moveToCompleted(sess, t)
			res := promptbuilder.TaskResult{TaskID: t.TaskID, Capability: t.Capability, Success: t.Status == planning.StatusCompleted, Result: t.Result, Error: t.Error}
			if t.Status != planning.StatusCompleted {
				if t.Optional {
					res.Error = fallback.OptionalTaskUnavailable(t.Capability)
					degraded = true
				} else {
					degraded = true
					missing = append(missing, t.Capability)
				}
			}
			results = append(results, res)
		}
	}

	return results, missing, degraded
}

// accumulatePriorMessages feeds a mesh chat task's completed predecessors'
// results into its "priorMessages" parameter before it is dispatched, the
// runtime half of planning.NewMeshChatPlan. Tasks that were never built
// with a "priorMessages" slot are untouched.
func accumulatePriorMessages(t *planning.Task, byID map[string]*planning.Task) {
	existing, ok := t.Parameters["priorMessages"]
	if !ok {
		return
	}
	prior, _ := existing.([]any)
	for _, dep := range t.Dependencies {
		depTask := byID[dep]
		if depTask == nil || depTask.Status != planning.StatusCompleted {
			continue
		}
		prior = append(prior, map[string]any{
			"capability": depTask.Capability,
			"result":     depTask.Result,
		})
	}
	t.Parameters["priorMessages"] = prior
}

func (m *Manager) moveToCompleted(sess *Session, t *planning.Task) {
	m.withLock(sess.SessionID, func(s *Session) {
		delete(s.ActiveTasks, t.TaskID)
		s.CompletedTasks[t.TaskID] = t
		s.LastUpdateTime = m.now()
	})
}

// executeTask dispatches one task and, on a required-task failure, attempts
// exactly one alternate-agent retry via the Registry before giving up.
func (m *Manager) executeTask(ctx context.Context, sess *Session, task *planning.Task) {
	task.Status = planning.StatusRunning
	task.StartedAt = m.now()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = m.defaultTaskTimeout
	}

	result, taskErr := m.dispatchAndAwait(ctx, task, timeout)
	if taskErr == nil {
		task.Status = planning.StatusCompleted
		task.Result = result
		task.CompletedAt = m.now()
		return
	}

	if !task.Optional && !errors.Is(taskErr, context.Canceled) {
		if altAgent, ok := fallback.RouteAlternateAgent(task.Capability, task.Agent, m.registry.Snapshot()); ok {
			m.logger.InfoContext(ctx, "session: retrying required task on alternate agent",
				"task_id", task.TaskID, "capability", task.Capability, "failed_agent", task.Agent, "alternate_agent", altAgent)
			task.Agent = altAgent
			result, taskErr = m.dispatchAndAwait(ctx, task, timeout)
			if taskErr == nil {
				task.Status = planning.StatusCompleted
				task.Result = result
				task.CompletedAt = m.now()
				return
			}
		}
	}

	task.CompletedAt = m.now()
	task.Error = taskErr.Error()
	if errors.Is(taskErr, errTaskTimedOut) {
		task.Status = planning.StatusTimedOut
	} else {
		task.Status = planning.StatusFailed
	}
}

// dispatchAndAwait publishes a task.request event and blocks on the
// Correlation Manager for its matching task.response.
func (m *Manager) dispatchAndAwait(ctx context.Context, task *planning.Task, timeout time.Duration) (any, error) {
	deadline := m.now().Add(timeout)
	if _, err := m.correlationManager.Create(task.TaskID, "task", task.SessionID, 1, deadline); err != nil {
		return nil, err
	}

	topic := fmt.Sprintf("task.request.%s", task.Capability)
	data := map[string]any{
		"correlationId": task.TaskID,
		"capability":    task.Capability,
		"parameters":    task.Parameters,
		"priority":      task.Priority,
		"timeoutMs":     timeout.Milliseconds(),
		"deadline":      deadline.Format(time.RFC3339),
	}
	evt, err := event.New(topic, m.eventSource, data, event.WithTopic(topic), event.WithExtension("amcp-sender", task.Agent))
	if err != nil {
		m.correlationManager.Cancel(task.TaskID)
		return nil, err
	}

	future, err := m.broker.Publish(ctx, evt)
	if err != nil {
		m.correlationManager.Cancel(task.TaskID)
		return nil, err
	}
	if err := future.Wait(ctx); err != nil {
		m.correlationManager.Cancel(task.TaskID)
		return nil, err
	}

	awaitResult, err := m.correlationManager.Await(ctx, task.TaskID, timeout)
	if err != nil {
		return nil, err
	}
	if awaitResult.TimedOut || len(awaitResult.Responses) == 0 {
		return nil, errTaskTimedOut
	}
	resp := awaitResult.Responses[0]
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Payload, nil
}

// handleTaskResponse is the broker subscriber callback for task.response.**;
// it feeds every delivered response into the Correlation Manager, which
// wakes the dispatchAndAwait call blocked on its correlationId.
func (m *Manager) handleTaskResponse(ctx context.Context, evt *event.Event) error {
	data, ok := evt.Data.(map[string]any)
	if !ok {
		m.logger.WarnContext(ctx, "session: task.response event has non-object data, ignoring", "type", evt.Type)
		return nil
	}
	correlationID, _ := data["correlationId"].(string)
	if correlationID == "" {
		return nil
	}

	if success, _ := data["success"].(bool); success {
		m.correlationManager.Record(correlationID, data["result"], nil)
		return nil
	}

	taskErr := errors.New("task failed")
	if errData, ok := data["error"].(map[string]any); ok {
		code, _ := errData["code"].(string)
		msg, _ := errData["message"].(string)
		taskErr = fmt.Errorf("task error %s: %s", code, msg)
	}
	m.correlationManager.Record(correlationID, nil, taskErr)
	return nil
}

// synthesize builds the final natural-language answer from task results,
// falling back to a direct answer and finally an emergency response if the
// synthesis LLM call itself fails.
func (m *Manager) synthesize(ctx context.Context, sess *Session, results []promptbuilder.TaskResult) (string, bool) {
	prompt := promptbuilder.BuildSynthesis(sess.UserQuery, results)
	answer, err := m.llmClient.Complete(ctx, prompt.Text, prompt.Params.Temperature, prompt.Params.MaxTokens)
	if err == nil {
		return answer, false
	}

	m.logger.WarnContext(ctx, "session: synthesis LLM call failed, attempting direct answer", "session_id", sess.SessionID, "error", err)
	if direct, derr := m.fallbackManager.DirectAnswer(ctx, sess.UserQuery); derr == nil {
		return direct, true
	}
	return fallback.EmergencyResponse(sess.SessionID, "the response synthesis step failed"), true
}

// finishFailed publishes an emergency response and marks the session
// failed; used when planning itself could not produce any plan at all.
func (m *Manager) finishFailed(ctx context.Context, sess *Session, reason string) {
	m.withLock(sess.SessionID, func(s *Session) { s.ErrorMessage = reason })
	answer := fallback.EmergencyResponse(sess.SessionID, "I could not work out how to handle your request")
	m.publishResponseOnce(ctx, sess, answer, true, nil, StateFailed)
}

// publishResponseOnce publishes user.response at most once per session,
// enforcing the exactly-one-response invariant regardless of whether it is
// reached via normal completion, failure, or Cancel.
func (m *Manager) publishResponseOnce(ctx context.Context, sess *Session, answer string, degraded bool, missing []string, finalState State) {
	shouldPublish := false
	m.withLock(sess.SessionID, func(s *Session) {
		if s.responded {
			return
		}
		s.responded = true
		shouldPublish = true
		s.State = finalState
		s.LastUpdateTime = m.now()
	})
	if !shouldPublish {
		return
	}

	data := map[string]any{
		"correlationId": sess.SessionID,
		"answer":        answer,
	}
	if degraded {
		data["degraded"] = true
	}
	if len(missing) > 0 {
		data["missing"] = missing
	}

	evt, err := event.New("user.response", m.eventSource, data, event.WithTopic("user.response"), event.WithSubject(sess.SessionID))
	if err != nil {
		m.logger.ErrorContext(ctx, "session: failed to construct user.response event", "session_id", sess.SessionID, "error", err)
		return
	}
	if _, err := m.broker.Publish(ctx, evt); err != nil {
		m.logger.ErrorContext(ctx, "session: failed to publish user.response", "session_id", sess.SessionID, "error", err)
	}
}

// normalizeQuery collapses incidental whitespace in the raw user query
// before it reaches the Planning Engine. Per-field normalization
// (locations, dates, currencies, ...) happens later, keyed by capability,
// inside internal/planning; this is the only top-level transform applied
// to "normalizedQuery" itself.
func normalizeQuery(raw string) string {
	fields := strings.Fields(raw)
	return strings.Join(fields, " ")
}

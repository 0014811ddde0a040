package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chatflow/api/services/flow"
)

// DefaultMaxSteps bounds the number of nodes executed in one turn.
const DefaultMaxSteps = 100

// FlowSource resolves flow definitions. flow.Repository and *flow.Service satisfy it.
type FlowSource interface {
	// Get returns nil, nil when the flow does not exist.
	Get(ctx context.Context, tenantID, id string) (*flow.Flow, error)
}

// Engine runs flows against conversations. Each turn loads the execution context,
// executes nodes on a copy and persists the copy only when the whole turn succeeds.
type Engine struct {
	flows        FlowSource
	store        Store
	locker       Locker
	actions      *Registry
	integrations *Registry
	maxSteps     int
	metrics      *Metrics
	tracer       trace.Tracer
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithLocker replaces the in-process locker, e.g. with a RedisLocker shared by replicas.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithActions sets the action executors. Defaults to NewActionRegistry.
func WithActions(r *Registry) Option {
	return func(e *Engine) { e.actions = r }
}

// WithIntegrations sets the integration executors. Defaults to an empty registry.
func WithIntegrations(r *Registry) Option {
	return func(e *Engine) { e.integrations = r }
}

func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock overrides the time source used for history and completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine reading flows from flows and persisting contexts in store.
func NewEngine(flows FlowSource, store Store, opts ...Option) *Engine {
	e := &Engine{
		flows:    flows,
		store:    store,
		maxSteps: DefaultMaxSteps,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.locker == nil {
		e.locker = NewLocalLocker()
	}
	if e.actions == nil {
		e.actions = NewActionRegistry(e.logger)
	}
	if e.integrations == nil {
		e.integrations = NewRegistry()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("chatflow/api/services/conversation")
	}
	return e
}

func (e *Engine) lock(ctx context.Context, tenantID, conversationID string) (func(), error) {
	unlock, err := e.locker.Lock(ctx, conversationKey(tenantID, conversationID))
	if err != nil {
		return nil, fmt.Errorf("lock conversation %s: %w", conversationID, err)
	}
	return func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("Failed to release conversation lock",
				"tenant_id", tenantID, "conversation_id", conversationID, "error", err)
		}
	}, nil
}

// StartConversationFlow creates the active context of a conversation, positioned on
// the flow's start node with variables seeded from their declared defaults.
func (e *Engine) StartConversationFlow(ctx context.Context, tenantID, conversationID, channelIdentity, flowID string) (*ExecutionContext, error) {
	const op = "start conversation"

	unlock, err := e.lock(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	f, err := e.loadFlow(ctx, op, tenantID, flowID)
	if err != nil {
		e.metrics.failure(err)
		return nil, err
	}

	starts := f.StartNodes()
	switch {
	case len(starts) == 0:
		err = newError(CodeNoStartNode, op, nil, "flow %s", flowID)
	case len(starts) > 1:
		err = newError(CodeMultipleStartNodes, op, nil, "flow %s has %d start nodes", flowID, len(starts))
	}
	if err != nil {
		e.metrics.failure(err)
		return nil, err
	}

	vars := make(map[string]any, len(f.Variables))
	for _, v := range f.Variables {
		value, ok, err := v.Default()
		if err != nil {
			e.logger.Warn("Ignoring invalid variable default", "flow_id", flowID, "variable", v.Name, "error", err)
			continue
		}
		if ok {
			vars[v.Name] = value
		}
	}

	ec := &ExecutionContext{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		ConversationID:  conversationID,
		ChannelIdentity: channelIdentity,
		FlowID:          f.ID,
		CurrentNodeID:   starts[0].ID,
		Status:          StatusActive,
		Variables:       vars,
		SessionData:     map[string]any{},
		History:         []HistoryEntry{},
	}
	if err := e.store.Create(ctx, ec); err != nil {
		if CodeOf(err) == "" {
			err = fmt.Errorf("%s: %w", op, err)
		}
		e.metrics.failure(err)
		return nil, err
	}

	e.metrics.conversationStarted()
	e.logger.Info("Conversation started",
		"tenant_id", tenantID,
		"conversation_id", conversationID,
		"flow_id", f.ID,
		"execution_id", ec.ID,
	)
	return ec, nil
}

// ProcessUserInput runs one turn for the conversation. Nodes execute in a chain until one
// waits for input, the flow ends, or a node has nowhere to go. On any error the stored
// context is left as it was.
func (e *Engine) ProcessUserInput(ctx context.Context, tenantID, conversationID, input string) (result *TurnResult, err error) {
	const op = "process input"
	started := e.now()

	ctx, span := e.tracer.Start(ctx, "conversation.turn", trace.WithAttributes(
		attribute.String("chatflow.tenant_id", tenantID),
		attribute.String("chatflow.conversation_id", conversationID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if code := RootCode(err); code != "" {
				span.SetAttributes(attribute.String("chatflow.error_code", code))
			}
		}
		span.End()
		e.metrics.observeTurn(err, e.now().Sub(started))
	}()

	unlock, err := e.lock(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	stored, err := e.store.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if stored == nil {
		return nil, newError(CodeExecutionNotFound, op, nil, "conversation %s", conversationID)
	}
	span.SetAttributes(
		attribute.String("chatflow.execution_id", stored.ID),
		attribute.String("chatflow.flow_id", stored.FlowID),
	)

	f, err := e.loadFlow(ctx, op, tenantID, stored.FlowID)
	if err != nil {
		return nil, err
	}

	ec, err := stored.Clone()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	result, err = e.runTurn(ctx, span, f, ec, input)
	if err != nil {
		e.logger.Warn("Turn failed",
			"tenant_id", tenantID,
			"conversation_id", conversationID,
			"node_id", ec.CurrentNodeID,
			"error", err,
		)
		return nil, err
	}

	if err := e.store.Update(ctx, ec); err != nil {
		if CodeOf(err) == "" {
			err = fmt.Errorf("%s: %w", op, err)
		}
		return nil, err
	}

	if result.ShouldEndConversation {
		e.metrics.conversationCompleted()
		e.logger.Info("Conversation completed",
			"tenant_id", tenantID, "conversation_id", conversationID, "execution_id", ec.ID)
	}
	return result, nil
}

func (e *Engine) runTurn(ctx context.Context, span trace.Span, f *flow.Flow, ec *ExecutionContext, input string) (*TurnResult, error) {
	origin := ec.CurrentNodeID
	var messages []Message
	ended := false

	for i := 0; ; i++ {
		if i >= e.maxSteps {
			return nil, newError(CodeStepLimitExceeded, "process input", nil, "more than %d nodes in one turn", e.maxSteps)
		}
		node, ok := f.NodeByID(ec.CurrentNodeID)
		if !ok {
			return nil, newError(CodeNodeNotFound, "process input", nil, "node %s in flow %s", ec.CurrentNodeID, f.ID)
		}

		run := nodeRun{flow: f, ec: ec, node: node, consumes: i == 0}
		if run.consumes {
			run.input = input
		}
		st, err := e.executeNode(ctx, run)
		if err != nil {
			return nil, err
		}
		e.metrics.nodeExecuted(node.Type)
		span.AddEvent("node", trace.WithAttributes(
			attribute.String("chatflow.node_id", node.ID),
			attribute.String("chatflow.node_type", string(node.Type)),
		))

		ec.History = append(ec.History, HistoryEntry{
			NodeID:     node.ID,
			NodeType:   node.Type,
			NextNodeID: st.next,
			Input:      run.input,
			Timestamp:  e.now().UTC(),
		})
		messages = append(messages, st.messages...)

		if st.end {
			completed := e.now().UTC()
			ec.Status = StatusCompleted
			ec.CompletedAt = &completed
			ended = true
			break
		}
		if st.next == "" {
			if node.Type != flow.NodeQuestion {
				e.logger.Warn("Turn stopped on a node without outgoing connection",
					"tenant_id", ec.TenantID, "flow_id", f.ID, "node_id", node.ID)
			}
			break
		}
		ec.CurrentNodeID = st.next
	}

	result := newTurnResult(messages)
	result.CurrentNodeID = ec.CurrentNodeID
	if ec.CurrentNodeID != origin {
		result.NextNodeID = ec.CurrentNodeID
	}
	result.ShouldEndConversation = ended
	return result, nil
}

func (e *Engine) loadFlow(ctx context.Context, op, tenantID, flowID string) (*flow.Flow, error) {
	f, err := e.flows.Get(ctx, tenantID, flowID)
	if errors.Is(err, flow.ErrNotFound) || errors.Is(err, flow.ErrInvalidID) || (err == nil && f == nil) {
		return nil, newError(CodeFlowNotFound, op, nil, "flow %s", flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: load flow %s: %w", op, flowID, err)
	}
	return f, nil
}

// Reset discards the active context so the next message starts the flow over.
func (e *Engine) Reset(ctx context.Context, tenantID, conversationID string) error {
	unlock, err := e.lock(ctx, tenantID, conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.store.Delete(ctx, tenantID, conversationID); err != nil {
		return err
	}
	e.logger.Info("Conversation reset", "tenant_id", tenantID, "conversation_id", conversationID)
	return nil
}

// Execution returns the active context of a conversation.
func (e *Engine) Execution(ctx context.Context, tenantID, conversationID string) (*ExecutionContext, error) {
	ec, err := e.store.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	if ec == nil {
		return nil, newError(CodeExecutionNotFound, "get execution", nil, "conversation %s", conversationID)
	}
	return ec, nil
}

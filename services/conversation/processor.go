package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"chatflow/api/services/flow"
)

// Result sources.
const (
	SourceFlow   = "flow"
	SourceStatic = "static"
)

// ProcessResult is the reply to one inbound message.
type ProcessResult struct {
	Response string    `json:"response"`
	Messages []Message `json:"messages"`
	// ShouldContinue is false once the conversation reached an end node.
	ShouldContinue bool   `json:"shouldContinue"`
	Source         string `json:"source"`
}

// StaticProcessor answers messages for tenants without an active flow.
type StaticProcessor interface {
	Process(ctx context.Context, tenantID, conversationID, channelIdentity, message string) (*ProcessResult, error)
}

// StaticReply is a StaticProcessor answering from a keyword table. Keywords match
// case-insensitively anywhere in the message; the first listed match wins.
type StaticReply struct {
	Keywords []KeywordReply
	Fallback string
}

// KeywordReply maps a keyword to its canned reply.
type KeywordReply struct {
	Keyword string `json:"keyword" yaml:"keyword"`
	Reply   string `json:"reply" yaml:"reply"`
}

// DefaultStaticReply is used when no static processor is configured.
var DefaultStaticReply = StaticReply{
	Fallback: "Thanks for your message! We'll get back to you shortly.",
}

func (s StaticReply) Process(_ context.Context, _, _, _, message string) (*ProcessResult, error) {
	text := s.Fallback
	lower := strings.ToLower(message)
	for _, k := range s.Keywords {
		if k.Keyword != "" && strings.Contains(lower, strings.ToLower(k.Keyword)) {
			text = k.Reply
			break
		}
	}
	return &ProcessResult{
		Response:       text,
		Messages:       []Message{{Type: MessageText, Text: text}},
		ShouldContinue: true,
		Source:         SourceStatic,
	}, nil
}

// FlowCatalog resolves and toggles the tenant's active flow. *flow.Service satisfies it.
type FlowCatalog interface {
	GetActive(ctx context.Context, tenantID string) (*flow.Flow, error)
	Activate(ctx context.Context, tenantID, id string) (flow.ValidationResult, error)
	Deactivate(ctx context.Context, tenantID, id string) error
}

// Processor routes inbound messages either to the tenant's active flow or to the
// static processor.
type Processor struct {
	catalog FlowCatalog
	engine  *Engine
	static  StaticProcessor
	metrics *Metrics
	logger  *slog.Logger
}

// NewProcessor creates a Processor. A nil static processor falls back to DefaultStaticReply.
func NewProcessor(catalog FlowCatalog, engine *Engine, static StaticProcessor, logger *slog.Logger) *Processor {
	if static == nil {
		static = DefaultStaticReply
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{catalog: catalog, engine: engine, static: static, metrics: engine.metrics, logger: logger}
}

// ProcessMessage handles one inbound message. The first message of a conversation
// starts the active flow; later messages continue it.
func (p *Processor) ProcessMessage(ctx context.Context, tenantID, conversationID, channelIdentity, message string) (*ProcessResult, error) {
	const op = "process message"

	active, err := p.catalog.GetActive(ctx, tenantID)
	if err != nil {
		return nil, newError(CodeDynamicMessageFailed, op, err, "resolve active flow for tenant %s", tenantID)
	}
	if active == nil {
		p.metrics.staticReply()
		return p.static.Process(ctx, tenantID, conversationID, channelIdentity, message)
	}

	if err := p.ensureExecution(ctx, tenantID, conversationID, channelIdentity, active.ID); err != nil {
		return nil, newError(CodeDynamicMessageFailed, op, err, "start flow %s", active.ID)
	}

	turn, err := p.engine.ProcessUserInput(ctx, tenantID, conversationID, message)
	if errors.Is(err, ErrFlowNotFound) {
		p.logger.Warn("Conversation flow no longer exists, restarting on the active flow",
			"tenant_id", tenantID,
			"conversation_id", conversationID,
			"flow_id", active.ID,
		)
		if err := p.restartExecution(ctx, tenantID, conversationID, channelIdentity, active.ID); err != nil {
			return nil, newError(CodeDynamicMessageFailed, op, err, "restart flow %s", active.ID)
		}
		turn, err = p.engine.ProcessUserInput(ctx, tenantID, conversationID, message)
	}
	if err != nil {
		p.logger.Error("Flow processing failed",
			"tenant_id", tenantID,
			"conversation_id", conversationID,
			"flow_id", active.ID,
			"error", err,
		)
		return nil, newError(CodeDynamicProcessingFailed, op, err, "conversation %s", conversationID)
	}

	return &ProcessResult{
		Response:       turn.Response,
		Messages:       turn.Messages,
		ShouldContinue: !turn.ShouldEndConversation,
		Source:         SourceFlow,
	}, nil
}

// ensureExecution starts the flow unless the conversation already has an active context.
// Losing a start race to a concurrent message is not an error.
func (p *Processor) ensureExecution(ctx context.Context, tenantID, conversationID, channelIdentity, flowID string) error {
	_, err := p.engine.Execution(ctx, tenantID, conversationID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrExecutionNotFound) {
		return err
	}
	_, err = p.engine.StartConversationFlow(ctx, tenantID, conversationID, channelIdentity, flowID)
	if err != nil && !errors.Is(err, ErrExecutionAlreadyActive) {
		return err
	}
	return nil
}

// restartExecution drops a context whose flow was deleted and starts the active flow.
func (p *Processor) restartExecution(ctx context.Context, tenantID, conversationID, channelIdentity, flowID string) error {
	if err := p.engine.Reset(ctx, tenantID, conversationID); err != nil && !errors.Is(err, ErrExecutionNotFound) {
		return err
	}
	return p.ensureExecution(ctx, tenantID, conversationID, channelIdentity, flowID)
}

// EnableFlow validates and activates a flow, deactivating the tenant's previous one.
func (p *Processor) EnableFlow(ctx context.Context, tenantID, flowID string) (flow.ValidationResult, error) {
	result, err := p.catalog.Activate(ctx, tenantID, flowID)
	if err != nil {
		return result, err
	}
	p.logger.Info("Dynamic flow enabled", "tenant_id", tenantID, "flow_id", flowID)
	return result, nil
}

// DisableFlow deactivates a flow; the tenant falls back to static replies.
func (p *Processor) DisableFlow(ctx context.Context, tenantID, flowID string) error {
	if err := p.catalog.Deactivate(ctx, tenantID, flowID); err != nil {
		return err
	}
	p.logger.Info("Dynamic flow disabled", "tenant_id", tenantID, "flow_id", flowID)
	return nil
}

// ResetConversation discards the conversation's active context.
func (p *Processor) ResetConversation(ctx context.Context, tenantID, conversationID string) error {
	return p.engine.Reset(ctx, tenantID, conversationID)
}

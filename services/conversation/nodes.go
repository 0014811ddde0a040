package conversation

import (
	"context"
	"fmt"
	"strings"

	"chatflow/api/services/flow"
)

// step is the outcome of executing one node.
type step struct {
	messages []Message
	// next is the node to continue with. Empty means the turn stops on the current node.
	next string
	end  bool
}

// nodeRun carries what a node needs to execute within a turn.
type nodeRun struct {
	flow  *flow.Flow
	ec    *ExecutionContext
	node  *flow.Node
	input string
	// consumes is true only for the node the turn started on.
	consumes bool
}

func (e *Engine) executeNode(ctx context.Context, run nodeRun) (step, error) {
	node := run.node
	switch cfg := node.Config.(type) {
	case *flow.StartConfig:
		next, _ := node.Next()
		return step{next: next}, nil
	case *flow.MessageConfig:
		return e.message(run, cfg), nil
	case *flow.QuestionConfig:
		return e.question(run, cfg), nil
	case *flow.ConditionConfig:
		return e.condition(run, cfg)
	case *flow.ActionConfig:
		return e.sideEffect(ctx, run, e.actions, cfg.ActionType, cfg.ActionParameters, cfg.ResultVariable,
			CodeUnknownActionType, CodeActionFailed)
	case *flow.IntegrationConfig:
		return e.sideEffect(ctx, run, e.integrations, cfg.IntegrationType, cfg.IntegrationParameters, cfg.ResultVariable,
			CodeUnknownIntegrationType, CodeIntegrationFailed)
	case *flow.EndConfig:
		var messages []Message
		if text := Render(cfg.EndMessage, run.ec.Variables); text != "" {
			messages = append(messages, Message{Type: MessageText, Text: text, NodeID: node.ID})
		}
		return step{messages: messages, end: true}, nil
	default:
		return step{}, fmt.Errorf("node %s: unsupported node type %q", node.ID, node.Type)
	}
}

func (e *Engine) message(run nodeRun, cfg *flow.MessageConfig) step {
	msg := Message{Type: MessageText, Text: Render(cfg.MessageText, run.ec.Variables), NodeID: run.node.ID}
	if len(cfg.Buttons) > 0 {
		msg.Type = MessageInteractive
		msg.Buttons = make([]flow.Button, len(cfg.Buttons))
		for i, b := range cfg.Buttons {
			msg.Buttons[i] = flow.Button{ID: b.ID, Title: Render(b.Title, run.ec.Variables)}
		}
	}
	next, _ := run.node.Next()
	return step{messages: []Message{msg}, next: next}
}

// question asks on the first visit and checks the answer on the next one. The asked
// flag stays set until a valid answer arrives.
func (e *Engine) question(run nodeRun, cfg *flow.QuestionConfig) step {
	ec, node := run.ec, run.node
	asked := askedKey(node.ID)

	if !ec.flag(asked) || !run.consumes {
		ec.SessionData[asked] = true
		delete(ec.SessionData, answeredKey(node.ID))
		return step{messages: []Message{ask(node.ID, cfg, Render(cfg.QuestionText, ec.Variables))}}
	}

	ans := parseAnswer(cfg, run.input)
	if ans.problem != "" {
		return step{messages: []Message{ask(node.ID, cfg, ans.problem)}}
	}

	if ans.set {
		value := ans.value
		if decl, ok := run.flow.Variable(cfg.VariableName); ok && decl.Type != flow.VarString && decl.Type != "" {
			if coerced, err := flow.Coerce(decl.Type, value); err == nil {
				value = coerced
			}
		}
		ec.Variables[cfg.VariableName] = value
	}
	delete(ec.SessionData, asked)
	ec.SessionData[answeredKey(node.ID)] = true

	next, _ := node.Next()
	return step{next: next}
}

func ask(nodeID string, cfg *flow.QuestionConfig, text string) Message {
	msg := Message{Type: MessageText, Text: text, NodeID: nodeID}
	if cfg.Input() == flow.InputChoice {
		if buttons := choiceButtons(cfg.Choices); buttons != nil {
			msg.Type = MessageInteractive
			msg.Buttons = buttons
		}
	}
	return msg
}

func (e *Engine) condition(run nodeRun, cfg *flow.ConditionConfig) (step, error) {
	result := evaluateConditions(cfg, run.ec.Variables)
	want := "false"
	if result {
		want = "true"
	}

	for _, c := range run.node.Connections {
		if strings.EqualFold(strings.TrimSpace(c.Label), want) {
			return step{next: c.TargetNodeID}, nil
		}
	}
	for _, c := range run.node.Connections {
		if label := strings.TrimSpace(c.Label); label == "" || strings.EqualFold(label, "default") {
			return step{next: c.TargetNodeID}, nil
		}
	}
	return step{}, newError(CodeDeadEnd, "evaluate condition", nil, "node %s has no %q branch", run.node.ID, want)
}

// sideEffect runs an action or integration executor. Failures abort the turn without advancing.
func (e *Engine) sideEffect(ctx context.Context, run nodeRun, registry *Registry, typ string,
	params map[string]any, resultVariable, unknownCode, failedCode string) (step, error) {
	ec, node := run.ec, run.node

	var executor Executor
	if registry != nil {
		executor, _ = registry.Lookup(typ)
	}
	if executor == nil {
		return step{}, newError(unknownCode, "execute "+string(node.Type), nil, "node %s: %q is not registered", node.ID, typ)
	}

	snapshot := make(map[string]any, len(ec.Variables))
	for k, v := range ec.Variables {
		snapshot[k] = v
	}
	inv := Invocation{
		TenantID:       ec.TenantID,
		ConversationID: ec.ConversationID,
		ExecutionID:    ec.ID,
		NodeID:         node.ID,
		Type:           typ,
		Parameters:     RenderParameters(params, snapshot),
		Variables:      snapshot,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", ec.ID, node.ID, len(ec.History)),
	}

	out, err := executor.Execute(ctx, inv)
	if err != nil {
		return step{}, newError(failedCode, "execute "+string(node.Type), err, "node %s (%s)", node.ID, typ)
	}

	if updates, ok := out.(VariableUpdates); ok {
		for k, v := range updates {
			ec.Variables[k] = normalize(v)
		}
		out = map[string]any(updates)
	}
	if resultVariable != "" && out != nil {
		ec.Variables[resultVariable] = normalize(out)
	}

	next, _ := node.Next()
	return step{next: next}, nil
}

package flow

import (
	"fmt"
	"strings"
)

// Issue codes reported by Validate.
const (
	CodeMissingStartNode        = "MISSING_START_NODE"
	CodeMultipleStartNodes      = "MULTIPLE_START_NODES"
	CodeInvalidConnectionTarget = "INVALID_CONNECTION_TARGET"
	CodeUnreachableNode         = "UNREACHABLE_NODE"
	CodeMissingEndNode          = "MISSING_END_NODE"
	CodeNoOutgoingConnection    = "NO_OUTGOING_CONNECTION"
	CodeMissingMessageText      = "MISSING_MESSAGE_TEXT"
	CodeMissingQuestionText     = "MISSING_QUESTION_TEXT"
	CodeMissingVariableName     = "MISSING_VARIABLE_NAME"
	CodeMissingChoices          = "MISSING_CHOICES"
	CodeMissingConditions       = "MISSING_CONDITIONS"
	CodeMissingActionType       = "MISSING_ACTION_TYPE"
	CodeMissingIntegrationType  = "MISSING_INTEGRATION_TYPE"
	CodeDuplicateNodeID         = "DUPLICATE_NODE_ID"
	CodeUnknownNodeType         = "UNKNOWN_NODE_TYPE"
	CodeDuplicateVariable       = "DUPLICATE_VARIABLE"
	CodeInvalidVariableType     = "INVALID_VARIABLE_TYPE"
	CodeInvalidInputType        = "INVALID_INPUT_TYPE"
	CodeInvalidCondition        = "INVALID_CONDITION"
)

// Issue is a single validation finding.
type Issue struct {
	Code    string `json:"code"`
	NodeID  string `json:"nodeId,omitempty"`
	Target  string `json:"target,omitempty"`
	Message string `json:"message"`
}

// ValidationResult holds blocking errors and non-blocking warnings for a flow.
type ValidationResult struct {
	IsValid  bool    `json:"isValid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// HasError reports whether an error with the given code was recorded.
func (r ValidationResult) HasError(code string) bool {
	for _, issue := range r.Errors {
		if issue.Code == code {
			return true
		}
	}
	return false
}

func (r *ValidationResult) addError(code, nodeID, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Code: code, NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) addWarning(code, nodeID, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Code: code, NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
}

// Validate statically checks the flow graph and every node's configuration.
// It accumulates all findings instead of stopping at the first one.
func Validate(f *Flow) ValidationResult {
	result := ValidationResult{Errors: []Issue{}, Warnings: []Issue{}}

	nodes := make(map[string]*Node, len(f.Nodes))
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if _, dup := nodes[n.ID]; dup {
			result.addError(CodeDuplicateNodeID, n.ID, "node id %q is used more than once", n.ID)
			continue
		}
		nodes[n.ID] = n
	}

	// 1. Start-node cardinality
	starts := f.StartNodes()
	switch {
	case len(starts) == 0:
		result.addError(CodeMissingStartNode, "", "flow has no start node")
	case len(starts) > 1:
		ids := make([]string, len(starts))
		for i, s := range starts {
			ids[i] = s.ID
		}
		result.addError(CodeMultipleStartNodes, "", "flow has %d start nodes: %s", len(starts), strings.Join(ids, ", "))
	}

	// 2. Connection integrity
	for i := range f.Nodes {
		n := &f.Nodes[i]
		for _, c := range n.Connections {
			if _, ok := nodes[c.TargetNodeID]; !ok {
				result.Errors = append(result.Errors, Issue{
					Code:    CodeInvalidConnectionTarget,
					NodeID:  n.ID,
					Target:  c.TargetNodeID,
					Message: fmt.Sprintf("node %q connects to unknown node %q", n.ID, c.TargetNodeID),
				})
			}
		}
	}

	// 3. Reachability. A reachable non-end node without connections stalls the
	// conversation on it.
	if len(starts) > 0 {
		visited := reachable(starts[0], nodes)
		for i := range f.Nodes {
			n := &f.Nodes[i]
			switch {
			case !visited[n.ID]:
				result.addWarning(CodeUnreachableNode, n.ID, "node %q is not reachable from the start node", n.ID)
			case n.Type != NodeEnd && len(n.Connections) == 0:
				result.addWarning(CodeNoOutgoingConnection, n.ID,
					"node %q has no outgoing connection; the conversation will stay on it", n.ID)
			}
		}
	}

	// 4. Terminal presence
	hasEnd := false
	for i := range f.Nodes {
		if f.Nodes[i].Type == NodeEnd {
			hasEnd = true
			break
		}
	}
	if !hasEnd {
		result.addWarning(CodeMissingEndNode, "", "flow has no end node; conversations will never complete")
	}

	// 5. Per-type configuration
	for i := range f.Nodes {
		validateNodeConfig(&f.Nodes[i], &result)
	}

	validateVariables(f.Variables, &result)

	result.IsValid = len(result.Errors) == 0
	return result
}

// reachable walks connections breadth-first from start.
func reachable(start *Node, nodes map[string]*Node) map[string]bool {
	visited := map[string]bool{start.ID: true}
	queue := []*Node{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, c := range current.Connections {
			next, ok := nodes[c.TargetNodeID]
			if !ok || visited[next.ID] {
				continue
			}
			visited[next.ID] = true
			queue = append(queue, next)
		}
	}
	return visited
}

func validateNodeConfig(n *Node, result *ValidationResult) {
	if !n.Type.Known() {
		result.addError(CodeUnknownNodeType, n.ID, "node %q has unknown type %q", n.ID, n.Type)
		return
	}

	switch cfg := n.Config.(type) {
	case *MessageConfig:
		if blank(cfg.MessageText) {
			result.addError(CodeMissingMessageText, n.ID, "message node %q has no messageText", n.ID)
		}
	case *QuestionConfig:
		if blank(cfg.QuestionText) {
			result.addError(CodeMissingQuestionText, n.ID, "question node %q has no questionText", n.ID)
		}
		if blank(cfg.VariableName) {
			result.addError(CodeMissingVariableName, n.ID, "question node %q has no variableName", n.ID)
		}
		if !cfg.InputType.Known() {
			result.addError(CodeInvalidInputType, n.ID, "question node %q has unknown inputType %q", n.ID, cfg.InputType)
		}
		if cfg.InputType == InputChoice && len(cfg.Choices) == 0 {
			result.addError(CodeMissingChoices, n.ID, "choice question %q has no choices", n.ID)
		}
	case *ConditionConfig:
		if len(cfg.Conditions) == 0 {
			result.addError(CodeMissingConditions, n.ID, "condition node %q has no conditions", n.ID)
		}
		for idx, c := range cfg.Conditions {
			if blank(c.Variable) {
				result.addError(CodeInvalidCondition, n.ID, "condition %d of node %q has no variable", idx, n.ID)
			}
			if !c.Operator.Known() {
				result.addError(CodeInvalidCondition, n.ID, "condition %d of node %q has unknown operator %q", idx, n.ID, c.Operator)
			}
		}
		if cfg.LogicOperator != "" && cfg.LogicOperator != LogicAnd && cfg.LogicOperator != LogicOr {
			result.addError(CodeInvalidCondition, n.ID, "condition node %q has unknown logicOperator %q", n.ID, cfg.LogicOperator)
		}
	case *ActionConfig:
		if blank(cfg.ActionType) {
			result.addError(CodeMissingActionType, n.ID, "action node %q has no actionType", n.ID)
		}
	case *IntegrationConfig:
		if blank(cfg.IntegrationType) {
			result.addError(CodeMissingIntegrationType, n.ID, "integration node %q has no integrationType", n.ID)
		}
	case nil:
		// A known type with no configuration at all: check it as an empty variant.
		empty := *n
		empty.Config = NewConfig(n.Type)
		validateNodeConfig(&empty, result)
	}
}

func validateVariables(vars []Variable, result *ValidationResult) {
	seen := make(map[string]bool, len(vars))
	for _, v := range vars {
		if seen[v.Name] {
			result.addError(CodeDuplicateVariable, "", "variable %q is declared more than once", v.Name)
		}
		seen[v.Name] = true
		if !v.Type.Known() {
			result.addError(CodeInvalidVariableType, "", "variable %q has unknown type %q", v.Name, v.Type)
			continue
		}
		if _, _, err := v.Default(); err != nil {
			result.addError(CodeInvalidVariableType, "", "%v", err)
		}
	}
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

package flow

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// NodeConfig is the type-specific configuration of a node. Each node type has
// exactly one variant; dispatch on it with a type switch.
type NodeConfig interface {
	NodeType() NodeType
}

// StartConfig configures a start node. It has no fields.
type StartConfig struct{}

// Button is an interactive reply option attached to a message.
type Button struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
}

// MessageConfig configures a message node.
type MessageConfig struct {
	MessageText string   `json:"messageText" yaml:"messageText"`
	Buttons     []Button `json:"buttons,omitempty" yaml:"buttons,omitempty"`
}

// InputType selects how a question validates its answer.
type InputType string

const (
	InputText   InputType = "text"
	InputEmail  InputType = "email"
	InputNumber InputType = "number"
	InputChoice InputType = "choice"
	InputDate   InputType = "date"
)

// Known reports whether t is a supported input type. The empty type means text.
func (t InputType) Known() bool {
	switch t {
	case "", InputText, InputEmail, InputNumber, InputChoice, InputDate:
		return true
	}
	return false
}

// Choice is one valid answer of a choice question.
type Choice struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label" yaml:"label"`
}

// QuestionConfig configures a question node.
type QuestionConfig struct {
	QuestionText string    `json:"questionText" yaml:"questionText"`
	VariableName string    `json:"variableName" yaml:"variableName"`
	InputType    InputType `json:"inputType,omitempty" yaml:"inputType,omitempty"`
	Choices      []Choice  `json:"choices,omitempty" yaml:"choices,omitempty"`
	Required     *bool     `json:"required,omitempty" yaml:"required,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty" yaml:"errorMessage,omitempty"`
}

// IsRequired reports whether an empty answer is rejected. Questions are required unless disabled.
func (c *QuestionConfig) IsRequired() bool {
	return c.Required == nil || *c.Required
}

// Input returns the effective input type.
func (c *QuestionConfig) Input() InputType {
	if c.InputType == "" {
		return InputText
	}
	return c.InputType
}

// Operator compares a variable against a literal.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
)

// Known reports whether op is a supported operator.
func (op Operator) Known() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual, OpContains:
		return true
	}
	return false
}

// Condition is a single `variable operator value` test.
type Condition struct {
	Variable string   `json:"variable" yaml:"variable"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

const (
	LogicAnd = "and"
	LogicOr  = "or"
)

// ConditionConfig configures a condition node. Conditions combine with
// LogicOperator, which defaults to "and".
type ConditionConfig struct {
	Conditions    []Condition `json:"conditions" yaml:"conditions"`
	LogicOperator string      `json:"logicOperator,omitempty" yaml:"logicOperator,omitempty"`
}

// ActionConfig configures an action node.
type ActionConfig struct {
	ActionType       string         `json:"actionType" yaml:"actionType"`
	ActionParameters map[string]any `json:"actionParameters,omitempty" yaml:"actionParameters,omitempty"`
	ResultVariable   string         `json:"resultVariable,omitempty" yaml:"resultVariable,omitempty"`
}

// IntegrationConfig configures an integration node.
type IntegrationConfig struct {
	IntegrationType       string         `json:"integrationType" yaml:"integrationType"`
	IntegrationParameters map[string]any `json:"integrationParameters,omitempty" yaml:"integrationParameters,omitempty"`
	ResultVariable        string         `json:"resultVariable,omitempty" yaml:"resultVariable,omitempty"`
}

// EndConfig configures an end node.
type EndConfig struct {
	EndMessage string `json:"endMessage,omitempty" yaml:"endMessage,omitempty"`
}

// RawConfig keeps the configuration of a node whose type is not recognized,
// so it survives a load/save cycle and the validator can report it.
type RawConfig map[string]any

func (StartConfig) NodeType() NodeType       { return NodeStart }
func (MessageConfig) NodeType() NodeType     { return NodeMessage }
func (QuestionConfig) NodeType() NodeType    { return NodeQuestion }
func (ConditionConfig) NodeType() NodeType   { return NodeCondition }
func (ActionConfig) NodeType() NodeType      { return NodeAction }
func (IntegrationConfig) NodeType() NodeType { return NodeIntegration }
func (EndConfig) NodeType() NodeType         { return NodeEnd }
func (RawConfig) NodeType() NodeType         { return "" }

// NewConfig returns an empty configuration variant for t.
func NewConfig(t NodeType) NodeConfig {
	switch t {
	case NodeStart:
		return &StartConfig{}
	case NodeMessage:
		return &MessageConfig{}
	case NodeQuestion:
		return &QuestionConfig{}
	case NodeCondition:
		return &ConditionConfig{}
	case NodeAction:
		return &ActionConfig{}
	case NodeIntegration:
		return &IntegrationConfig{}
	case NodeEnd:
		return &EndConfig{}
	}
	return RawConfig{}
}

// DecodeConfig decodes a loosely-typed configuration object into the variant for t.
// Choices and buttons may be given as plain strings.
func DecodeConfig(t NodeType, raw map[string]any) (NodeConfig, error) {
	cfg := NewConfig(t)
	if rc, ok := cfg.(RawConfig); ok {
		for k, v := range raw {
			rc[k] = v
		}
		return rc, nil
	}
	if len(raw) == 0 {
		return cfg, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           cfg,
		DecodeHook:       stringOptionHook,
	})
	if err != nil {
		return nil, fmt.Errorf("build config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode %s configuration: %w", t, err)
	}
	return cfg, nil
}

var (
	choiceType = reflect.TypeOf(Choice{})
	buttonType = reflect.TypeOf(Button{})
)

// stringOptionHook expands "Yes" into Choice{ID: "Yes", Label: "Yes"} (and likewise for buttons).
func stringOptionHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	s, _ := data.(string)
	switch to {
	case choiceType:
		return map[string]any{"id": s, "label": s}, nil
	case buttonType:
		return map[string]any{"id": s, "title": s}, nil
	}
	return data, nil
}

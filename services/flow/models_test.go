package flow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const questionNodeJSON = `{
	"id": "ask-size",
	"type": "question",
	"name": "Size",
	"position": {"x": 10, "y": 20},
	"configuration": {
		"questionText": "Which size?",
		"variableName": "size",
		"inputType": "choice",
		"choices": ["Small", {"id": "l", "label": "Large"}],
		"required": false
	},
	"connections": [{"targetNodeId": "end", "label": "next"}]
}`

func TestNode_UnmarshalJSON_Question(t *testing.T) {
	var n Node
	require.NoError(t, json.Unmarshal([]byte(questionNodeJSON), &n))

	assert.Equal(t, NodeQuestion, n.Type)
	assert.Equal(t, Position{X: 10, Y: 20}, n.Position)

	cfg, ok := n.Config.(*QuestionConfig)
	require.True(t, ok, "expected *QuestionConfig, got %T", n.Config)
	assert.Equal(t, "size", cfg.VariableName)
	assert.Equal(t, InputChoice, cfg.Input())
	assert.False(t, cfg.IsRequired())
	assert.Equal(t, []Choice{{ID: "Small", Label: "Small"}, {ID: "l", Label: "Large"}}, cfg.Choices)

	next, ok := n.Next()
	assert.True(t, ok)
	assert.Equal(t, "end", next)
}

func TestNode_UnmarshalJSON_Variants(t *testing.T) {
	tests := []struct {
		json string
		want NodeConfig
	}{
		{`{"id":"s","type":"start"}`, &StartConfig{}},
		{`{"id":"m","type":"message","configuration":{"messageText":"Hi","buttons":["Yes","No"]}}`,
			&MessageConfig{MessageText: "Hi", Buttons: []Button{{ID: "Yes", Title: "Yes"}, {ID: "No", Title: "No"}}}},
		{`{"id":"c","type":"condition","configuration":{"conditions":[{"variable":"age","operator":"greater_than","value":18}],"logicOperator":"or"}}`,
			&ConditionConfig{Conditions: []Condition{{Variable: "age", Operator: OpGreaterThan, Value: float64(18)}}, LogicOperator: LogicOr}},
		{`{"id":"a","type":"action","configuration":{"actionType":"log","actionParameters":{"message":"hi"}}}`,
			&ActionConfig{ActionType: "log", ActionParameters: map[string]any{"message": "hi"}}},
		{`{"id":"i","type":"integration","configuration":{"integrationType":"webhook","resultVariable":"out"}}`,
			&IntegrationConfig{IntegrationType: "webhook", ResultVariable: "out"}},
		{`{"id":"e","type":"end","configuration":{"endMessage":"Bye"}}`, &EndConfig{EndMessage: "Bye"}},
		{`{"id":"x","type":"carousel","configuration":{"slides":3}}`, RawConfig{"slides": float64(3)}},
	}

	for _, tt := range tests {
		var n Node
		require.NoError(t, json.Unmarshal([]byte(tt.json), &n), tt.json)
		assert.Equal(t, tt.want, n.Config, tt.json)
	}
}

func TestNode_UnmarshalJSON_BadConfiguration(t *testing.T) {
	var n Node
	err := json.Unmarshal([]byte(`{"id":"m","type":"message","configuration":"hello"}`), &n)
	assert.ErrorContains(t, err, "configuration must be an object")

	err = json.Unmarshal([]byte(`{"id":"q","type":"question","configuration":{"questionText":{"a":1}}}`), &n)
	assert.Error(t, err)
}

func TestFlow_JSONRoundTrip(t *testing.T) {
	original := SampleFlow()

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Flow
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Len(t, decoded.Nodes, len(original.Nodes))
	for i, n := range original.Nodes {
		assert.Equal(t, n.ID, decoded.Nodes[i].ID)
		assert.Equal(t, n.Config, decoded.Nodes[i].Config, n.ID)
		assert.Equal(t, original.ID, decoded.Nodes[i].FlowID)
	}
	assert.Equal(t, "start", decoded.EntryNodeID)
}

func TestFlow_Clone_IsDeep(t *testing.T) {
	original := SampleFlow()

	clone, err := original.Clone()
	require.NoError(t, err)

	msg, _ := clone.NodeByID("welcome")
	msg.Config.(*MessageConfig).MessageText = "changed"
	clone.Nodes[0].Connections[0].TargetNodeID = "elsewhere"

	orig, _ := original.NodeByID("welcome")
	assert.Equal(t, "Welcome! Let's book your appointment.", orig.Config.(*MessageConfig).MessageText)
	assert.Equal(t, "welcome", original.Nodes[0].Connections[0].TargetNodeID)
}

func TestFlow_YAML(t *testing.T) {
	data, err := yaml.Marshal(SampleFlow())
	require.NoError(t, err)

	f, err := Parse(data, ".yaml")
	require.NoError(t, err)

	assert.Equal(t, "Appointment Booking", f.Name)
	assert.Equal(t, "start", f.EntryNodeID)
	q, ok := f.NodeByID("ask-service")
	require.True(t, ok)
	assert.Len(t, q.Config.(*QuestionConfig).Choices, 3)
	assert.True(t, Validate(f).IsValid)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greeting.yml")
	content := `
name: Greeting
variables:
  - name: name
    type: string
nodes:
  - id: start
    type: start
    connections:
      - targetNodeId: ask
  - id: ask
    type: question
    configuration:
      questionText: What is your name?
      variableName: name
    connections:
      - targetNodeId: bye
  - id: bye
    type: end
    configuration:
      endMessage: Bye {{name}}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	f, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "start", f.EntryNodeID)
	require.Len(t, f.Nodes, 3)
	assert.Equal(t, &EndConfig{EndMessage: "Bye {{name}}"}, f.Nodes[2].Config)
	assert.True(t, Validate(f).IsValid)

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestCoerce(t *testing.T) {
	v, err := Coerce(VarNumber, "25")
	require.NoError(t, err)
	assert.Equal(t, 25.0, v)

	v, err = Coerce(VarBoolean, "true")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Coerce(VarDate, "15/03/2026")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-15", v)

	v, err = Coerce(VarString, 42)
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	_, err = Coerce(VarNumber, "NaN")
	assert.Error(t, err)
	_, err = Coerce(VarNumber, "0x1p4")
	assert.Error(t, err)
	_, err = Coerce(VarDate, "someday")
	assert.Error(t, err)
}

func TestToFloat64_DecimalStringsOnly(t *testing.T) {
	accepted := map[string]float64{
		"25":     25,
		" -3.5 ": -3.5,
		"+.5":    0.5,
		"1e3":    1000,
		"7.":     7,
	}
	for in, want := range accepted {
		got, ok := ToFloat64(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"0x1p4", "0X10", "-0x1", "Inf", "1_000", "1e", "", "."} {
		_, ok := ToFloat64(in)
		assert.False(t, ok, in)
	}
}

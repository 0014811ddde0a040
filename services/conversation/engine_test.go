package conversation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"chatflow/api/pkg/logging"
	"chatflow/api/services/flow"
)

const (
	testTenant       = "acme"
	testConversation = "c1"
)

func testNode(id string, cfg flow.NodeConfig, targets ...string) flow.Node {
	n := flow.Node{ID: id, Type: cfg.NodeType(), Config: cfg}
	for _, target := range targets {
		n.Connections = append(n.Connections, flow.Connection{TargetNodeID: target, Label: "next"})
	}
	return n
}

func branch(n flow.Node, label, target string) flow.Node {
	n.Connections = append(n.Connections, flow.Connection{TargetNodeID: target, Label: label})
	return n
}

func testFlow(nodes ...flow.Node) *flow.Flow {
	f := &flow.Flow{ID: uuid.NewString(), TenantID: testTenant, Name: "Test", Nodes: nodes}
	f.DeriveEntryNode()
	return f
}

// nameFlow is start → ask-name → greet → done.
func nameFlow() *flow.Flow {
	return testFlow(
		testNode("start", &flow.StartConfig{}, "ask-name"),
		testNode("ask-name", &flow.QuestionConfig{QuestionText: "What is your name?", VariableName: "name"}, "greet"),
		testNode("greet", &flow.MessageConfig{MessageText: "Hi {{name}}"}, "done"),
		testNode("done", &flow.EndConfig{EndMessage: "Bye {{name}}"}),
	)
}

// ageFlow branches on age >= 18.
func ageFlow() *flow.Flow {
	check := testNode("check", &flow.ConditionConfig{Conditions: []flow.Condition{
		{Variable: "age", Operator: flow.OpGreaterThanOrEqual, Value: 18.0},
	}})
	check = branch(check, "true", "adult")
	check = branch(check, "false", "minor")
	return testFlow(
		testNode("start", &flow.StartConfig{}, "ask-age"),
		testNode("ask-age", &flow.QuestionConfig{QuestionText: "How old are you?", VariableName: "age", InputType: flow.InputNumber}, "check"),
		check,
		testNode("adult", &flow.MessageConfig{MessageText: "You are {{age}}, welcome."}, "done"),
		testNode("minor", &flow.MessageConfig{MessageText: "Sorry, adults only."}, "done"),
		testNode("done", &flow.EndConfig{}),
	)
}

type fixture struct {
	repo   *flow.MemoryRepository
	store  *MemoryStore
	engine *Engine
	flow   *flow.Flow
}

func newFixture(t *testing.T, f *flow.Flow, opts ...Option) *fixture {
	t.Helper()
	repo := flow.NewMemoryRepository()
	require.NoError(t, repo.Create(context.Background(), f))
	store := NewMemoryStore()
	opts = append([]Option{WithLogger(logging.NewNop())}, opts...)
	return &fixture{repo: repo, store: store, engine: NewEngine(repo, store, opts...), flow: f}
}

func (fx *fixture) start(t *testing.T) *ExecutionContext {
	t.Helper()
	ec, err := fx.engine.StartConversationFlow(context.Background(), testTenant, testConversation, "+15550001", fx.flow.ID)
	require.NoError(t, err)
	return ec
}

func (fx *fixture) say(t *testing.T, input string) *TurnResult {
	t.Helper()
	result, err := fx.engine.ProcessUserInput(context.Background(), testTenant, testConversation, input)
	require.NoError(t, err)
	return result
}

func (fx *fixture) stored(t *testing.T) *ExecutionContext {
	t.Helper()
	ec, err := fx.store.Get(context.Background(), testTenant, testConversation)
	require.NoError(t, err)
	require.NotNil(t, ec)
	return ec
}

func TestStartConversationFlow(t *testing.T) {
	f := nameFlow()
	f.Variables = []flow.Variable{
		{Name: "guests", Type: flow.VarNumber, DefaultValue: "2"},
		{Name: "vip", Type: flow.VarBoolean, DefaultValue: false},
		{Name: "name", Type: flow.VarString},
	}
	fx := newFixture(t, f)

	ec := fx.start(t)

	assert.NotEmpty(t, ec.ID)
	assert.Equal(t, "start", ec.CurrentNodeID, "starting does not follow the start connection")
	assert.Equal(t, StatusActive, ec.Status)
	assert.Equal(t, "+15550001", ec.ChannelIdentity)
	assert.Equal(t, map[string]any{"guests": 2.0, "vip": false}, ec.Variables)
	assert.Empty(t, ec.History)
	assert.Equal(t, 1, ec.Version)

	_, err := fx.engine.StartConversationFlow(context.Background(), testTenant, testConversation, "", f.ID)
	assert.ErrorIs(t, err, ErrExecutionAlreadyActive)
}

func TestStartConversationFlow_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("flow not found", func(t *testing.T) {
		fx := newFixture(t, nameFlow())
		_, err := fx.engine.StartConversationFlow(ctx, testTenant, testConversation, "", uuid.NewString())
		assert.ErrorIs(t, err, ErrFlowNotFound)
	})

	t.Run("other tenant's flow", func(t *testing.T) {
		fx := newFixture(t, nameFlow())
		_, err := fx.engine.StartConversationFlow(ctx, "globex", testConversation, "", fx.flow.ID)
		assert.ErrorIs(t, err, ErrFlowNotFound)
	})

	t.Run("no start node", func(t *testing.T) {
		fx := newFixture(t, testFlow(testNode("done", &flow.EndConfig{})))
		_, err := fx.engine.StartConversationFlow(ctx, testTenant, testConversation, "", fx.flow.ID)
		assert.ErrorIs(t, err, ErrNoStartNode)
	})

	t.Run("multiple start nodes", func(t *testing.T) {
		fx := newFixture(t, testFlow(
			testNode("s1", &flow.StartConfig{}, "done"),
			testNode("s2", &flow.StartConfig{}, "done"),
			testNode("done", &flow.EndConfig{}),
		))
		_, err := fx.engine.StartConversationFlow(ctx, testTenant, testConversation, "", fx.flow.ID)
		assert.ErrorIs(t, err, ErrMultipleStartNodes)
	})
}

func TestProcessUserInput_QuestionScenarioChainsToEnd(t *testing.T) {
	fx := newFixture(t, nameFlow())
	fx.start(t)

	first := fx.say(t, "hello")
	assert.Equal(t, "What is your name?", first.Response)
	assert.Equal(t, "ask-name", first.NextNodeID)
	assert.Equal(t, "ask-name", first.CurrentNodeID)
	assert.False(t, first.ShouldEndConversation)
	ec := fx.stored(t)
	assert.True(t, ec.flag(askedKey("ask-name")))
	assert.NotContains(t, ec.Variables, "name", "the first input is never an answer")

	second := fx.say(t, "Alice")
	assert.Equal(t, "Hi Alice\n\nBye Alice", second.Response)
	require.Len(t, second.Messages, 2)
	assert.Equal(t, "greet", second.Messages[0].NodeID)
	assert.Equal(t, "done", second.Messages[1].NodeID)
	assert.Equal(t, "done", second.NextNodeID)
	assert.True(t, second.ShouldEndConversation)

	archived := fx.store.Archived(testTenant, testConversation)
	require.Len(t, archived, 1)
	done := archived[0]
	assert.Equal(t, StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, "Alice", done.Variables["name"])
	assert.True(t, done.flag(answeredKey("ask-name")))
	assert.False(t, done.flag(askedKey("ask-name")))

	var visited []string
	for _, h := range done.History {
		visited = append(visited, h.NodeID)
	}
	assert.Equal(t, []string{"start", "ask-name", "ask-name", "greet", "done"}, visited)
	assert.Equal(t, "Alice", done.History[2].Input)
	assert.Empty(t, done.History[3].Input, "nodes entered mid-turn do not see the input")

	_, err := fx.engine.ProcessUserInput(context.Background(), testTenant, testConversation, "again")
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	restarted := fx.start(t)
	assert.NotEqual(t, done.ID, restarted.ID, "a finished conversation starts a fresh context")
}

func TestProcessUserInput_IdempotentReentry(t *testing.T) {
	fx := newFixture(t, nameFlow())
	fx.start(t)
	fx.say(t, "hi")

	for i := 0; i < 2; i++ {
		result := fx.say(t, "")
		assert.Equal(t, msgRequired, result.Response)
		assert.Empty(t, result.NextNodeID)
		assert.Equal(t, "ask-name", fx.stored(t).CurrentNodeID)
	}
	ec := fx.stored(t)
	assert.True(t, ec.flag(askedKey("ask-name")))
	assert.NotContains(t, ec.Variables, "name")
}

func TestProcessUserInput_VariableRoundTripAndBranching(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"25", "You are 25, welcome."},
		{"16", "Sorry, adults only."},
		{"18", "You are 18, welcome."},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			fx := newFixture(t, ageFlow())
			fx.start(t)
			fx.say(t, "hi")

			result := fx.say(t, tt.input)
			assert.Equal(t, tt.want, result.Response)
			assert.True(t, result.ShouldEndConversation)

			archived := fx.store.Archived(testTenant, testConversation)
			require.Len(t, archived, 1)
			age, ok := archived[0].Variables["age"].(float64)
			require.True(t, ok, "age is stored as a number")
			assert.Equal(t, tt.input, fmt.Sprint(age))
		})
	}
}

func TestProcessUserInput_InvalidAnswerReprompts(t *testing.T) {
	f := ageFlow()
	q, _ := f.NodeByID("ask-age")
	q.Config.(*flow.QuestionConfig).ErrorMessage = "Digits please."
	fx := newFixture(t, f)
	fx.start(t)
	fx.say(t, "hi")

	result := fx.say(t, "old enough")
	assert.Equal(t, "Digits please.", result.Response)
	assert.False(t, result.ShouldEndConversation)
	assert.Equal(t, "ask-age", fx.stored(t).CurrentNodeID)

	result = fx.say(t, "40")
	assert.Equal(t, "You are 40, welcome.", result.Response)
}

func TestProcessUserInput_OptionalQuestionKeepsDefault(t *testing.T) {
	no := false
	f := testFlow(
		testNode("start", &flow.StartConfig{}, "ask-notes"),
		testNode("ask-notes", &flow.QuestionConfig{QuestionText: "Notes?", VariableName: "notes", Required: &no}, "done"),
		testNode("done", &flow.EndConfig{EndMessage: "Notes: {{notes}}"}),
	)
	f.Variables = []flow.Variable{{Name: "notes", Type: flow.VarString, DefaultValue: "none"}}
	fx := newFixture(t, f)
	fx.start(t)
	fx.say(t, "hi")

	result := fx.say(t, "  ")
	assert.Equal(t, "Notes: none", result.Response)
}

func TestProcessUserInput_ChoiceQuestionAndButtons(t *testing.T) {
	f := testFlow(
		testNode("start", &flow.StartConfig{}, "menu"),
		testNode("menu", &flow.MessageConfig{MessageText: "Welcome!", Buttons: []flow.Button{{ID: "book", Title: "Book"}}}, "ask-service"),
		testNode("ask-service", &flow.QuestionConfig{
			QuestionText: "Which service?",
			VariableName: "service",
			InputType:    flow.InputChoice,
			Choices:      []flow.Choice{{ID: "cut", Label: "Haircut"}, {ID: "color", Label: "Coloring"}},
		}, "done"),
		testNode("done", &flow.EndConfig{EndMessage: "Booked {{service}}"}),
	)
	fx := newFixture(t, f)
	fx.start(t)

	first := fx.say(t, "hi")
	require.Len(t, first.Messages, 2)
	assert.Equal(t, MessageInteractive, first.Messages[0].Type)
	assert.Equal(t, []flow.Button{{ID: "book", Title: "Book"}}, first.Messages[0].Buttons)
	assert.Equal(t, MessageInteractive, first.Messages[1].Type)
	assert.Equal(t, []flow.Button{{ID: "cut", Title: "Haircut"}, {ID: "color", Title: "Coloring"}}, first.Messages[1].Buttons)

	wrong := fx.say(t, "massage")
	assert.Equal(t, "Please choose one of: Haircut, Coloring.", wrong.Response)
	assert.Len(t, wrong.Messages[0].Buttons, 2)

	assert.Equal(t, "Booked color", fx.say(t, "2").Response)
}

func TestProcessUserInput_StopsOnNodeWithoutConnection(t *testing.T) {
	var logs bytes.Buffer
	logger, err := logging.NewWithWriter(&logs, "warn", "json")
	require.NoError(t, err)
	fx := newFixture(t, testFlow(
		testNode("start", &flow.StartConfig{}, "info"),
		testNode("info", &flow.MessageConfig{MessageText: "We open at 9."}),
	), WithLogger(logger))
	fx.start(t)

	result := fx.say(t, "hours?")
	assert.Equal(t, "We open at 9.", result.Response)
	assert.Equal(t, "info", result.NextNodeID)
	assert.False(t, result.ShouldEndConversation)

	again := fx.say(t, "hours?")
	assert.Equal(t, "We open at 9.", again.Response)
	assert.Empty(t, again.NextNodeID)

	assert.Equal(t, 2, strings.Count(logs.String(), "Turn stopped on a node without outgoing connection"))
	assert.Contains(t, logs.String(), `"node_id":"info"`)
}

func TestProcessUserInput_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("no execution", func(t *testing.T) {
		fx := newFixture(t, nameFlow())
		_, err := fx.engine.ProcessUserInput(ctx, testTenant, testConversation, "hi")
		assert.ErrorIs(t, err, ErrExecutionNotFound)
	})

	t.Run("flow deleted", func(t *testing.T) {
		fx := newFixture(t, nameFlow())
		fx.start(t)
		require.NoError(t, fx.repo.Delete(ctx, testTenant, fx.flow.ID))
		_, err := fx.engine.ProcessUserInput(ctx, testTenant, testConversation, "hi")
		assert.ErrorIs(t, err, ErrFlowNotFound)
	})

	t.Run("dangling node", func(t *testing.T) {
		fx := newFixture(t, nameFlow())
		ec := newExecution(testTenant, testConversation)
		ec.FlowID = fx.flow.ID
		ec.CurrentNodeID = "ghost"
		require.NoError(t, fx.store.Create(ctx, ec))

		_, err := fx.engine.ProcessUserInput(ctx, testTenant, testConversation, "hi")
		assert.ErrorIs(t, err, ErrNodeNotFound)
	})

	t.Run("dead end", func(t *testing.T) {
		check := branch(testNode("check", &flow.ConditionConfig{Conditions: []flow.Condition{
			{Variable: "vip", Operator: flow.OpEquals, Value: true},
		}}), "true", "done")
		fx := newFixture(t, testFlow(
			testNode("start", &flow.StartConfig{}, "check"),
			check,
			testNode("done", &flow.EndConfig{}),
		))
		fx.start(t)

		_, err := fx.engine.ProcessUserInput(ctx, testTenant, testConversation, "hi")
		assert.ErrorIs(t, err, ErrDeadEnd)
		ec := fx.stored(t)
		assert.Equal(t, "start", ec.CurrentNodeID, "a failed turn is not persisted")
		assert.Equal(t, 1, ec.Version)
		assert.Empty(t, ec.History)
	})

	t.Run("default branch", func(t *testing.T) {
		check := branch(testNode("check", &flow.ConditionConfig{Conditions: []flow.Condition{
			{Variable: "vip", Operator: flow.OpEquals, Value: true},
		}}), "true", "vip")
		check = branch(check, "default", "regular")
		fx := newFixture(t, testFlow(
			testNode("start", &flow.StartConfig{}, "check"),
			check,
			testNode("vip", &flow.EndConfig{EndMessage: "VIP"}),
			testNode("regular", &flow.EndConfig{EndMessage: "Regular"}),
		))
		fx.start(t)
		assert.Equal(t, "Regular", fx.say(t, "hi").Response)
	})

	t.Run("step limit", func(t *testing.T) {
		fx := newFixture(t, testFlow(
			testNode("start", &flow.StartConfig{}, "ping"),
			testNode("ping", &flow.MessageConfig{MessageText: "ping"}, "pong"),
			testNode("pong", &flow.MessageConfig{MessageText: "pong"}, "ping"),
		), WithMaxSteps(10))
		fx.start(t)

		_, err := fx.engine.ProcessUserInput(ctx, testTenant, testConversation, "hi")
		assert.ErrorIs(t, err, ErrStepLimitExceeded)
		assert.Equal(t, "start", fx.stored(t).CurrentNodeID)
	})

	t.Run("unknown action", func(t *testing.T) {
		fx := newFixture(t, testFlow(
			testNode("start", &flow.StartConfig{}, "act"),
			testNode("act", &flow.ActionConfig{ActionType: "teleport"}, "done"),
			testNode("done", &flow.EndConfig{}),
		))
		fx.start(t)
		_, err := fx.engine.ProcessUserInput(ctx, testTenant, testConversation, "hi")
		assert.ErrorIs(t, err, ErrUnknownActionType)
	})

	t.Run("unknown integration", func(t *testing.T) {
		fx := newFixture(t, testFlow(
			testNode("start", &flow.StartConfig{}, "crm"),
			testNode("crm", &flow.IntegrationConfig{IntegrationType: "salesforce"}, "done"),
			testNode("done", &flow.EndConfig{}),
		))
		fx.start(t)
		_, err := fx.engine.ProcessUserInput(ctx, testTenant, testConversation, "hi")
		assert.ErrorIs(t, err, ErrUnknownIntegrationType)
	})
}

func TestProcessUserInput_ActionFailureIsRetriedWithSameKey(t *testing.T) {
	var (
		keys  []string
		calls int
	)
	actions := NewActionRegistry(logging.NewNop())
	actions.Register("charge", ExecutorFunc(func(_ context.Context, inv Invocation) (any, error) {
		calls++
		keys = append(keys, inv.IdempotencyKey)
		if calls == 1 {
			return nil, errors.New("gateway timeout")
		}
		return map[string]any{"id": "ch_1", "amount": inv.Parameters["amount"], "customer": inv.Parameters["customer"]}, nil
	}))

	f := testFlow(
		testNode("start", &flow.StartConfig{}, "ask-name"),
		testNode("ask-name", &flow.QuestionConfig{QuestionText: "Name?", VariableName: "name"}, "charge"),
		testNode("charge", &flow.ActionConfig{
			ActionType:       "charge",
			ActionParameters: map[string]any{"amount": "{{guests}}", "customer": "Mr {{name}}"},
			ResultVariable:   "payment",
		}, "done"),
		testNode("done", &flow.EndConfig{EndMessage: "Paid {{payment.id}}"}),
	)
	f.Variables = []flow.Variable{{Name: "guests", Type: flow.VarNumber, DefaultValue: 2}}
	fx := newFixture(t, f, WithActions(actions))
	ec := fx.start(t)
	fx.say(t, "hi")

	_, err := fx.engine.ProcessUserInput(context.Background(), testTenant, testConversation, "Alice")
	assert.ErrorIs(t, err, ErrActionFailed)
	assert.ErrorContains(t, err, "gateway timeout")

	stored := fx.stored(t)
	assert.Equal(t, "ask-name", stored.CurrentNodeID)
	assert.True(t, stored.flag(askedKey("ask-name")), "the question is still waiting for its answer")
	assert.NotContains(t, stored.Variables, "name")

	result := fx.say(t, "Alice")
	assert.Equal(t, "Paid ch_1", result.Response)

	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, ec.ID+":charge:3", keys[0])

	archived := fx.store.Archived(testTenant, testConversation)
	require.Len(t, archived, 1)
	assert.Equal(t, map[string]any{"id": "ch_1", "amount": 2.0, "customer": "Mr Alice"}, archived[0].Variables["payment"])
}

func TestProcessUserInput_SetVariableAndIntegration(t *testing.T) {
	integrations := NewRegistry()
	integrations.Register("crm", ExecutorFunc(func(_ context.Context, inv Invocation) (any, error) {
		assert.Equal(t, "Alice", inv.Parameters["name"])
		return VariableUpdates{"tier": "gold", "score": 7}, nil
	}))

	f := testFlow(
		testNode("start", &flow.StartConfig{}, "ask-name"),
		testNode("ask-name", &flow.QuestionConfig{QuestionText: "Name?", VariableName: "name"}, "greeting"),
		testNode("greeting", &flow.ActionConfig{
			ActionType:       "set_variable",
			ActionParameters: map[string]any{"variable": "greeting", "expression": `"Dear " + name`},
		}, "lookup"),
		testNode("lookup", &flow.IntegrationConfig{
			IntegrationType:       "crm",
			IntegrationParameters: map[string]any{"name": "{{name}}"},
		}, "done"),
		testNode("done", &flow.EndConfig{EndMessage: "{{greeting}}, you are {{tier}} ({{score}})"}),
	)
	fx := newFixture(t, f, WithIntegrations(integrations))
	fx.start(t)
	fx.say(t, "hi")

	result := fx.say(t, "Alice")
	assert.Equal(t, "Dear Alice, you are gold (7)", result.Response)
	assert.Equal(t, 7.0, fx.store.Archived(testTenant, testConversation)[0].Variables["score"])
}

func TestProcessUserInput_ConcurrentTurnsAreSerialized(t *testing.T) {
	fx := newFixture(t, testFlow(
		testNode("start", &flow.StartConfig{}, "ask"),
		testNode("ask", &flow.QuestionConfig{QuestionText: "Say something", VariableName: "last"}, "echo"),
		testNode("echo", &flow.MessageConfig{MessageText: "You said {{last}}"}, "ask"),
	))
	fx.start(t)
	fx.say(t, "hi")

	const turns = 10
	var wg sync.WaitGroup
	errs := make(chan error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := fx.engine.ProcessUserInput(context.Background(), testTenant, testConversation, fmt.Sprint(i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	ec := fx.stored(t)
	assert.Equal(t, 1+1+turns, ec.Version)
	assert.Len(t, ec.History, 2+3*turns)
}

func TestReset(t *testing.T) {
	fx := newFixture(t, nameFlow())
	ctx := context.Background()
	fx.start(t)
	fx.say(t, "hi")

	_, err := fx.engine.Execution(ctx, testTenant, testConversation)
	require.NoError(t, err)

	require.NoError(t, fx.engine.Reset(ctx, testTenant, testConversation))
	_, err = fx.engine.Execution(ctx, testTenant, testConversation)
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	assert.ErrorIs(t, fx.engine.Reset(ctx, testTenant, testConversation), ErrExecutionNotFound)
}

func TestEngine_Clock(t *testing.T) {
	fixed := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	fx := newFixture(t, nameFlow(), WithClock(func() time.Time { return fixed }))
	fx.start(t)
	fx.say(t, "hi")
	fx.say(t, "Alice")

	done := fx.store.Archived(testTenant, testConversation)[0]
	require.NotNil(t, done.CompletedAt)
	assert.True(t, done.CompletedAt.Equal(fixed))
	for _, h := range done.History {
		assert.True(t, h.Timestamp.Equal(fixed))
	}
}

func TestEngine_Tracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	fx := newFixture(t, nameFlow(), WithTracer(provider.Tracer("test")))
	fx.start(t)
	fx.say(t, "hi")
	_, err := fx.engine.ProcessUserInput(context.Background(), testTenant, "unknown", "hi")
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	ok := spans[0]
	assert.Equal(t, "conversation.turn", ok.Name())
	assert.Equal(t, codes.Unset, ok.Status().Code)
	require.Len(t, ok.Events(), 2)
	assert.Contains(t, ok.Events()[1].Attributes, attribute.String("chatflow.node_id", "ask-name"))

	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Contains(t, failed.Attributes(), attribute.String("chatflow.error_code", CodeExecutionNotFound))
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	fx := newFixture(t, nameFlow(), WithMetrics(metrics))

	fx.start(t)
	fx.say(t, "hi")
	fx.say(t, "Alice")
	_, err := fx.engine.ProcessUserInput(context.Background(), testTenant, testConversation, "again")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.started))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.completed))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.turns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.turns.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.nodes.WithLabelValues("question")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.nodes.WithLabelValues("end")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.errors.WithLabelValues(CodeExecutionNotFound)))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.turnDuration), "one series per outcome")
}

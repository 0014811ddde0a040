package flow

import (
	"context"
	"fmt"
)

const (
	// SampleTenantID owns the seeded sample flow.
	SampleTenantID = "demo"
	sampleFlowID   = "550e8400-e29b-41d4-a716-446655440000"
)

// Seed inserts and activates the sample appointment-booking flow if it does not already exist.
func Seed(ctx context.Context, repo Repository) error {
	existing, err := repo.Get(ctx, SampleTenantID, sampleFlowID)
	if err != nil {
		return fmt.Errorf("seed flow: %w", err)
	}
	if existing != nil {
		return nil
	}

	f := SampleFlow()
	if err := repo.Create(ctx, f); err != nil {
		return fmt.Errorf("seed flow: %w", err)
	}
	if err := repo.SetActive(ctx, SampleTenantID, f.ID, true); err != nil {
		return fmt.Errorf("activate seed flow: %w", err)
	}
	return nil
}

// SampleFlow builds a small appointment-booking conversation that exercises every node type.
func SampleFlow() *Flow {
	notRequired := false
	f := &Flow{
		ID:           sampleFlowID,
		TenantID:     SampleTenantID,
		Name:         "Appointment Booking",
		Description:  "Collects a name, a service and a date, then books an appointment",
		BusinessType: "salon",
		Variables: []Variable{
			{Name: "name", Type: VarString},
			{Name: "service", Type: VarString},
			{Name: "date", Type: VarDate},
			{Name: "guests", Type: VarNumber, DefaultValue: 1},
			{Name: "notes", Type: VarString, DefaultValue: "none"},
		},
		Nodes: []Node{
			{
				ID: "start", Type: NodeStart, Name: "Start",
				Position:    Position{X: 0, Y: 200},
				Config:      &StartConfig{},
				Connections: []Connection{{TargetNodeID: "welcome", Label: "next"}},
			},
			{
				ID: "welcome", Type: NodeMessage, Name: "Welcome",
				Position:    Position{X: 220, Y: 200},
				Config:      &MessageConfig{MessageText: "Welcome! Let's book your appointment."},
				Connections: []Connection{{TargetNodeID: "ask-name", Label: "next"}},
			},
			{
				ID: "ask-name", Type: NodeQuestion, Name: "Ask name",
				Position:    Position{X: 440, Y: 200},
				Config:      &QuestionConfig{QuestionText: "What is your name?", VariableName: "name", InputType: InputText},
				Connections: []Connection{{TargetNodeID: "ask-service", Label: "next"}},
			},
			{
				ID: "ask-service", Type: NodeQuestion, Name: "Ask service",
				Position: Position{X: 660, Y: 200},
				Config: &QuestionConfig{
					QuestionText: "Thanks {{name}}! Which service would you like?",
					VariableName: "service",
					InputType:    InputChoice,
					Choices: []Choice{
						{ID: "haircut", Label: "Haircut"},
						{ID: "coloring", Label: "Coloring"},
						{ID: "manicure", Label: "Manicure"},
					},
				},
				Connections: []Connection{{TargetNodeID: "ask-guests", Label: "next"}},
			},
			{
				ID: "ask-guests", Type: NodeQuestion, Name: "Ask party size",
				Position: Position{X: 880, Y: 200},
				Config: &QuestionConfig{
					QuestionText: "How many people are coming?",
					VariableName: "guests",
					InputType:    InputNumber,
				},
				Connections: []Connection{{TargetNodeID: "check-group", Label: "next"}},
			},
			{
				ID: "check-group", Type: NodeCondition, Name: "Group booking?",
				Position: Position{X: 1100, Y: 200},
				Config: &ConditionConfig{Conditions: []Condition{
					{Variable: "guests", Operator: OpGreaterThan, Value: 3.0},
				}},
				Connections: []Connection{
					{TargetNodeID: "group-notice", Label: "true"},
					{TargetNodeID: "ask-date", Label: "false"},
				},
			},
			{
				ID: "group-notice", Type: NodeMessage, Name: "Group notice",
				Position:    Position{X: 1320, Y: 60},
				Config:      &MessageConfig{MessageText: "Groups of {{guests}} get a dedicated stylist."},
				Connections: []Connection{{TargetNodeID: "ask-date", Label: "next"}},
			},
			{
				ID: "ask-date", Type: NodeQuestion, Name: "Ask date",
				Position: Position{X: 1540, Y: 200},
				Config: &QuestionConfig{
					QuestionText: "Which day works for you? (YYYY-MM-DD)",
					VariableName: "date",
					InputType:    InputDate,
				},
				Connections: []Connection{{TargetNodeID: "ask-notes", Label: "next"}},
			},
			{
				ID: "ask-notes", Type: NodeQuestion, Name: "Ask notes",
				Position: Position{X: 1760, Y: 200},
				Config: &QuestionConfig{
					QuestionText: "Anything we should know? (optional)",
					VariableName: "notes",
					InputType:    InputText,
					Required:     &notRequired,
				},
				Connections: []Connection{{TargetNodeID: "book", Label: "next"}},
			},
			{
				ID: "book", Type: NodeAction, Name: "Create booking",
				Position: Position{X: 1980, Y: 200},
				Config: &ActionConfig{
					ActionType: "set_variable",
					ActionParameters: map[string]any{
						"variable":   "summary",
						"expression": `service + " for " + string(guests) + " on " + date`,
					},
				},
				Connections: []Connection{{TargetNodeID: "done", Label: "next"}},
			},
			{
				ID: "done", Type: NodeEnd, Name: "Done",
				Position: Position{X: 2200, Y: 200},
				Config:   &EndConfig{EndMessage: "All set, {{name}}! Booked: {{summary}}."},
			},
		},
	}
	f.DeriveEntryNode()
	return f
}

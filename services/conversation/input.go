package conversation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"chatflow/api/services/flow"
)

var inputValidator = validator.New()

const (
	msgRequired = "This field is required."
	msgEmail    = "Please provide a valid email address."
	msgNumber   = "Please provide a valid number."
	msgDate     = "Please provide a valid date, for example 2026-03-15."
)

// answer is the outcome of checking user input against a question.
type answer struct {
	value   any
	set     bool   // false when an optional question was skipped
	problem string // non-empty when the input was rejected
}

func parseAnswer(cfg *flow.QuestionConfig, input string) answer {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		if cfg.IsRequired() {
			return rejected(cfg, msgRequired)
		}
		return answer{}
	}

	switch cfg.Input() {
	case flow.InputEmail:
		if err := inputValidator.Var(trimmed, "email"); err != nil {
			return rejected(cfg, msgEmail)
		}
		return answer{value: trimmed, set: true}
	case flow.InputNumber:
		n, ok := flow.ToFloat64(trimmed)
		if !ok {
			return rejected(cfg, msgNumber)
		}
		return answer{value: n, set: true}
	case flow.InputDate:
		d, err := flow.ParseDate(trimmed)
		if err != nil {
			return rejected(cfg, msgDate)
		}
		return answer{value: d.Format(flow.DateLayout), set: true}
	case flow.InputChoice:
		choice, ok := matchChoice(cfg.Choices, trimmed)
		if !ok {
			return rejected(cfg, choicePrompt(cfg.Choices))
		}
		return answer{value: choice.ID, set: true}
	}
	return answer{value: trimmed, set: true}
}

func rejected(cfg *flow.QuestionConfig, fallback string) answer {
	if cfg.ErrorMessage != "" {
		return answer{problem: cfg.ErrorMessage}
	}
	return answer{problem: fallback}
}

// matchChoice accepts a choice id, a label (case-insensitive) or a 1-based position.
func matchChoice(choices []flow.Choice, input string) (flow.Choice, bool) {
	for _, c := range choices {
		if c.ID == input {
			return c, true
		}
	}
	for _, c := range choices {
		if strings.EqualFold(strings.TrimSpace(c.Label), input) {
			return c, true
		}
	}
	if idx, err := strconv.Atoi(input); err == nil && idx >= 1 && idx <= len(choices) {
		return choices[idx-1], true
	}
	return flow.Choice{}, false
}

func choicePrompt(choices []flow.Choice) string {
	labels := make([]string, len(choices))
	for i, c := range choices {
		labels[i] = c.Label
	}
	return fmt.Sprintf("Please choose one of: %s.", strings.Join(labels, ", "))
}

func choiceButtons(choices []flow.Choice) []flow.Button {
	if len(choices) == 0 {
		return nil
	}
	buttons := make([]flow.Button, len(choices))
	for i, c := range choices {
		buttons[i] = flow.Button{ID: c.ID, Title: c.Label}
	}
	return buttons
}

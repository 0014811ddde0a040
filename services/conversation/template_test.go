package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	vars := map[string]any{
		"name":    "Alice",
		"age":     25.0,
		"price":   12.5,
		"vip":     true,
		"address": map[string]any{"city": "Lisbon"},
		"empty":   nil,
	}

	tests := []struct {
		name string
		text string
		want string
	}{
		{"plain text", "Hello there", "Hello there"},
		{"string", "Hi {{name}}!", "Hi Alice!"},
		{"whole number", "You are {{age}}", "You are 25"},
		{"fraction", "Total {{price}}", "Total 12.5"},
		{"bool", "VIP: {{vip}}", "VIP: true"},
		{"spaces inside braces", "Hi {{ name }}", "Hi Alice"},
		{"dotted path", "From {{address.city}}", "From Lisbon"},
		{"unknown left verbatim", "Hi {{nobody}}", "Hi {{nobody}}"},
		{"nil left verbatim", "[{{empty}}]", "[{{empty}}]"},
		{"repeated", "{{name}} and {{name}}", "Alice and Alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.text, vars))
		})
	}
}

func TestRenderParameters_KeepsTypeOfSingleToken(t *testing.T) {
	vars := map[string]any{"guests": 4.0, "name": "Bob", "tags": []any{"a", "b"}}
	params := map[string]any{
		"count":  "{{guests}}",
		"greet":  "Hello {{name}}",
		"nested": map[string]any{"who": "{{name}}", "list": []any{"{{guests}}", 1}},
		"tags":   "{{tags}}",
		"static": 7,
	}

	out := RenderParameters(params, vars)

	assert.Equal(t, 4.0, out["count"])
	assert.Equal(t, "Hello Bob", out["greet"])
	assert.Equal(t, map[string]any{"who": "Bob", "list": []any{4.0, 1}}, out["nested"])
	assert.Equal(t, []any{"a", "b"}, out["tags"])
	assert.Equal(t, 7, out["static"])
	assert.Equal(t, "{{guests}}", params["count"], "input must not be modified")
}

func TestRenderParameters_Nil(t *testing.T) {
	assert.Equal(t, map[string]any{}, RenderParameters(nil, nil))
}

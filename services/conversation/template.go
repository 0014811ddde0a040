package conversation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}\}`)

// Render replaces {{name}} tokens with the matching variable. Dotted names walk into
// nested objects ({{booking.id}}). Tokens without a value are left as written.
func Render(text string, vars map[string]any) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := tokenPattern.FindStringSubmatch(token)[1]
		v, ok := lookup(vars, name)
		if !ok {
			return token
		}
		return formatValue(v)
	})
}

// RenderParameters renders every string inside params. A string that is exactly one
// token is replaced by the variable's value itself, keeping its type.
func RenderParameters(params map[string]any, vars map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out, _ := renderValue(params, vars).(map[string]any)
	return out
}

func renderValue(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		if m := tokenPattern.FindStringSubmatch(t); m != nil && m[0] == strings.TrimSpace(t) {
			if val, ok := lookup(vars, m[1]); ok {
				return val
			}
			return t
		}
		return Render(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = renderValue(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = renderValue(item, vars)
		}
		return out
	}
	return v
}

// lookup resolves a variable name, falling back to a dotted path into nested values.
func lookup(vars map[string]any, name string) (any, bool) {
	if v, ok := vars[name]; ok {
		return v, v != nil
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}
	container := gabs.Wrap(vars)
	if !container.ExistsP(name) {
		return nil, false
	}
	v := container.Path(name).Data()
	return v, v != nil
}

// formatValue renders a variable for display. Whole numbers print without a decimal point.
func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

package flow

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// VariableType is the declared type of a flow variable.
type VariableType string

const (
	VarString  VariableType = "string"
	VarNumber  VariableType = "number"
	VarBoolean VariableType = "boolean"
	VarDate    VariableType = "date"
)

// DateLayout is the canonical storage format for date values.
const DateLayout = "2006-01-02"

// dateLayouts are the calendar formats accepted from users and flow authors, tried in order.
var dateLayouts = []string{
	DateLayout,
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"2 January 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	time.RFC3339,
}

// Known reports whether t is a supported variable type.
func (t VariableType) Known() bool {
	switch t {
	case VarString, VarNumber, VarBoolean, VarDate:
		return true
	}
	return false
}

// Variable declares a named, typed value a flow collects or computes.
type Variable struct {
	Name         string       `json:"name" yaml:"name"`
	Type         VariableType `json:"type" yaml:"type"`
	DefaultValue any          `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
	Required     bool         `json:"required" yaml:"required"`
}

// Default returns the declaration's default value coerced to its type.
// ok is false when no default is declared.
func (v Variable) Default() (value any, ok bool, err error) {
	if v.DefaultValue == nil {
		return nil, false, nil
	}
	value, err = Coerce(v.Type, v.DefaultValue)
	if err != nil {
		return nil, false, fmt.Errorf("variable %q: %w", v.Name, err)
	}
	return value, true, nil
}

// Coerce converts value to the representation used for variables of type t:
// string, float64, bool, or a DateLayout string.
func Coerce(t VariableType, value any) (any, error) {
	switch t {
	case VarNumber:
		f, ok := ToFloat64(value)
		if !ok {
			return nil, fmt.Errorf("%v is not a number", value)
		}
		return f, nil
	case VarBoolean:
		switch b := value.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("%v is not a boolean", value)
	case VarDate:
		switch d := value.(type) {
		case time.Time:
			return d.Format(DateLayout), nil
		case string:
			parsed, err := ParseDate(d)
			if err != nil {
				return nil, err
			}
			return parsed.Format(DateLayout), nil
		}
		return nil, fmt.Errorf("%v is not a date", value)
	default:
		return fmt.Sprint(value), nil
	}
}

// ParseDate parses s against the accepted calendar layouts.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a date", s)
}

// decimalPattern limits numeric strings to plain decimal notation with an optional exponent.
var decimalPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// ToFloat64 converts numeric values and numeric strings to a finite float64.
func ToFloat64(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint64:
		f = float64(n)
	case string:
		trimmed := strings.TrimSpace(n)
		if !decimalPattern.MatchString(trimmed) {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// InputType is the kind of a strategy parameter.
type InputType string

const (
	InputInt    InputType = "int"
	InputFloat  InputType = "float"
	InputBool   InputType = "bool"
	InputSelect InputType = "select"
)

// Input describes one tunable parameter.
type Input struct {
	Type    InputType `json:"type" yaml:"type"`
	Default any       `json:"default" yaml:"default"`
	Min     *float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64  `json:"max,omitempty" yaml:"max,omitempty"`
	Options []string  `json:"options,omitempty" yaml:"options,omitempty"`
}

// Schema identifies a strategy and declares its parameters.
type Schema struct {
	ID     string           `json:"id" yaml:"id"`
	Name   string           `json:"name" yaml:"name"`
	Inputs map[string]Input `json:"inputs" yaml:"inputs"`
}

// IntInput declares an integer parameter bounded to [lo, hi].
func IntInput(def int, lo, hi float64) Input {
	return Input{Type: InputInt, Default: def, Min: &lo, Max: &hi}
}

// FloatInput declares a float parameter bounded to [lo, hi].
func FloatInput(def, lo, hi float64) Input {
	return Input{Type: InputFloat, Default: def, Min: &lo, Max: &hi}
}

// BoolInput declares a boolean parameter.
func BoolInput(def bool) Input {
	return Input{Type: InputBool, Default: def}
}

// SelectInput declares a parameter restricted to options.
func SelectInput(def string, options ...string) Input {
	return Input{Type: InputSelect, Default: def, Options: options}
}

var schemaIDPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// ErrInvalidSchema is wrapped by every ValidateSchema failure.
var ErrInvalidSchema = errors.New("invalid strategy schema")

// ValidateSchema checks that s is well formed: a lower-case snake ID, a name,
// and inputs that each carry a default, numeric bounds, or select options as
// their type requires.
func ValidateSchema(s Schema) error {
	if s.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSchema)
	}
	if !schemaIDPattern.MatchString(s.ID) {
		return fmt.Errorf("%w: id %q must match [a-z0-9_]+", ErrInvalidSchema, s.ID)
	}
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSchema)
	}
	if s.Inputs == nil {
		return fmt.Errorf("%w: inputs must be set", ErrInvalidSchema)
	}
	for _, key := range sortedKeys(s.Inputs) {
		in := s.Inputs[key]
		switch in.Type {
		case InputInt, InputFloat, InputBool, InputSelect:
		default:
			return fmt.Errorf("%w: input %s has invalid type %q", ErrInvalidSchema, key, in.Type)
		}
		if in.Default == nil {
			return fmt.Errorf("%w: input %s missing default", ErrInvalidSchema, key)
		}
		switch in.Type {
		case InputInt, InputFloat:
			if in.Min == nil || in.Max == nil {
				return fmt.Errorf("%w: input %s missing min/max", ErrInvalidSchema, key)
			}
		case InputSelect:
			if len(in.Options) == 0 {
				return fmt.Errorf("%w: input %s missing options", ErrInvalidSchema, key)
			}
		}
	}
	return nil
}

// Params holds resolved parameter values. Values are int, float64, bool or
// string according to the input type.
type Params map[string]any

// Int returns the named parameter as an int, or 0 if absent.
func (p Params) Int(key string) int {
	if f, err := toFloat(p[key]); err == nil {
		return int(f)
	}
	return 0
}

// Float returns the named parameter as a float64, or 0 if absent.
func (p Params) Float(key string) float64 {
	f, _ := toFloat(p[key])
	return f
}

// Bool returns the named parameter as a bool.
func (p Params) Bool(key string) bool {
	b, _ := toBool(p[key])
	return b
}

// Option returns the named parameter formatted as a string.
func (p Params) Option(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// ResolveParams produces one value per schema input. User values are coerced
// to the input type, numeric values are clamped into [min, max], unknown
// select values fall back to the first option, and anything missing or
// uncoercible takes the default. Keys not declared by the schema are dropped.
func ResolveParams(s Schema, user map[string]any) Params {
	out := make(Params, len(s.Inputs))
	for key, in := range s.Inputs {
		v, ok := user[key]
		if !ok {
			v = in.Default
		}
		switch in.Type {
		case InputInt:
			f, err := toFloat(v)
			if err != nil {
				f, _ = toFloat(in.Default)
			}
			out[key] = int(clamp(math.Trunc(f), in.Min, in.Max))
		case InputFloat:
			f, err := toFloat(v)
			if err != nil {
				f, _ = toFloat(in.Default)
			}
			out[key] = clamp(f, in.Min, in.Max)
		case InputBool:
			b, err := toBool(v)
			if err != nil {
				b, _ = toBool(in.Default)
			}
			out[key] = b
		case InputSelect:
			sv := fmt.Sprint(v)
			out[key] = sv
			if !contains(in.Options, sv) && len(in.Options) > 0 {
				out[key] = in.Options[0]
			}
		default:
			out[key] = v
		}
	}
	return out
}

func clamp(v float64, lo, hi *float64) float64 {
	if lo != nil && v < *lo {
		v = *lo
	}
	if hi != nil && v > *hi {
		v = *hi
	}
	return v
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, fmt.Errorf("non-finite value %v", x)
		}
		return x, nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot use %T as a number", v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	case nil:
		return false, errors.New("nil value")
	}
	f, err := toFloat(v)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}

func contains(opts []string, v string) bool {
	for _, o := range opts {
		if o == v {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]Input) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

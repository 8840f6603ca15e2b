// Package rules implements the structured trigger rules attached to risk
// factors. A rule is evaluated against the structured context of an
// assessment request; evaluation is pure and never touches storage.
package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind discriminates the rule variants in their JSON form.
type Kind string

const (
	KindExact    Kind = "exact"
	KindRange    Kind = "range"
	KindPresence Kind = "presence"
)

// Context is the structured input an assessment is evaluated against,
// e.g. {"distance_to_power_line_m": 2.5, "property_type": "commercial"}.
type Context map[string]any

// MatchRule is one of Exact, Range or Presence.
type MatchRule interface {
	Kind() Kind
	// Field returns the context key the rule inspects.
	Field() string
	// Describe renders the rule for reasoning strings and searchable text.
	Describe() string
	sealed()
}

// Exact matches when the context value equals Value. Strings compare
// case-insensitively after trimming; numbers and booleans compare by value.
type Exact struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Range matches numeric context values in [Min, Max). A nil bound is open.
type Range struct {
	Key string   `json:"key"`
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Presence matches when the key is present with a non-empty value.
type Presence struct {
	Key string `json:"key"`
}

func (Exact) Kind() Kind    { return KindExact }
func (Range) Kind() Kind    { return KindRange }
func (Presence) Kind() Kind { return KindPresence }

func (r Exact) Field() string    { return r.Key }
func (r Range) Field() string    { return r.Key }
func (r Presence) Field() string { return r.Key }

func (Exact) sealed()    {}
func (Range) sealed()    {}
func (Presence) sealed() {}

func (r Exact) Describe() string { return fmt.Sprintf("%s = %v", r.Key, r.Value) }

func (r Range) Describe() string {
	switch {
	case r.Min != nil && r.Max != nil:
		return fmt.Sprintf("%s in [%g, %g)", r.Key, *r.Min, *r.Max)
	case r.Min != nil:
		return fmt.Sprintf("%s >= %g", r.Key, *r.Min)
	case r.Max != nil:
		return fmt.Sprintf("%s < %g", r.Key, *r.Max)
	default:
		return fmt.Sprintf("%s is numeric", r.Key)
	}
}

func (r Presence) Describe() string { return fmt.Sprintf("%s is present", r.Key) }

// Evaluate reports whether rule matches ctx.
func Evaluate(rule MatchRule, ctx Context) bool {
	switch r := rule.(type) {
	case Exact:
		actual, ok := ctx[r.Key]
		if !ok || actual == nil {
			return false
		}
		return equalValues(r.Value, actual)
	case Range:
		actual, ok := toFloat(ctx[r.Key])
		if !ok {
			return false
		}
		if r.Min != nil && actual < *r.Min {
			return false
		}
		if r.Max != nil && actual >= *r.Max {
			return false
		}
		return true
	case Presence:
		actual, ok := ctx[r.Key]
		if !ok || actual == nil {
			return false
		}
		if s, isString := actual.(string); isString {
			return strings.TrimSpace(s) != ""
		}
		return true
	default:
		return false
	}
}

// Set is an ordered list of rules with a JSON representation that carries
// a "kind" discriminator per element.
type Set []MatchRule

// FirstMatch returns the first rule in s that matches ctx.
func (s Set) FirstMatch(ctx Context) (MatchRule, bool) {
	if len(ctx) == 0 {
		return nil, false
	}
	for _, rule := range s {
		if Evaluate(rule, ctx) {
			return rule, true
		}
	}
	return nil, false
}

// Validate checks that every rule is well-formed.
func (s Set) Validate() error {
	for i, rule := range s {
		if strings.TrimSpace(rule.Field()) == "" {
			return fmt.Errorf("rule %d: key is required", i)
		}
		switch r := rule.(type) {
		case Exact:
			switch r.Value.(type) {
			case string, bool, float64, int, int64:
			default:
				return fmt.Errorf("rule %d: exact value must be string, number or boolean", i)
			}
		case Range:
			if r.Min == nil && r.Max == nil {
				return fmt.Errorf("rule %d: range needs min or max", i)
			}
			if r.Min != nil && r.Max != nil && *r.Min >= *r.Max {
				return fmt.Errorf("rule %d: range min must be below max", i)
			}
		}
	}
	return nil
}

// Spec is the flat wire form of a rule, used by JSON and the YAML catalogue.
type Spec struct {
	Kind  Kind     `json:"kind" yaml:"kind"`
	Key   string   `json:"key" yaml:"key"`
	Value any      `json:"value,omitempty" yaml:"value,omitempty"`
	Min   *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max   *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s Set) MarshalJSON() ([]byte, error) {
	out := make([]Spec, 0, len(s))
	for _, rule := range s {
		w := Spec{Kind: rule.Kind(), Key: rule.Field()}
		switch r := rule.(type) {
		case Exact:
			w.Value = r.Value
		case Range:
			w.Min, w.Max = r.Min, r.Max
		}
		out = append(out, w)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Set) UnmarshalJSON(data []byte) error {
	var wire []Spec
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	parsed, err := FromSpecs(wire)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// FromSpecs converts decoded rule records into a Set.
func FromSpecs(wire []Spec) (Set, error) {
	out := make(Set, 0, len(wire))
	for i, w := range wire {
		switch w.Kind {
		case KindExact:
			out = append(out, Exact{Key: w.Key, Value: w.Value})
		case KindRange:
			out = append(out, Range{Key: w.Key, Min: w.Min, Max: w.Max})
		case KindPresence:
			out = append(out, Presence{Key: w.Key})
		default:
			return nil, fmt.Errorf("rule %d: unknown kind %q", i, w.Kind)
		}
	}
	return out, nil
}

func equalValues(expected, actual any) bool {
	switch e := expected.(type) {
	case string:
		a, ok := actual.(string)
		return ok && strings.EqualFold(strings.TrimSpace(e), strings.TrimSpace(a))
	case bool:
		a, ok := actual.(bool)
		return ok && a == e
	default:
		ef, eok := toFloat(expected)
		af, aok := toFloat(actual)
		return eok && aok && math.Abs(ef-af) < 1e-9
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

package rules

import (
	"encoding/json"
	"testing"
)

func ptr(v float64) *float64 { return &v }

func TestEvaluate(t *testing.T) {
	ctx := Context{
		"property_type":            "Commercial ",
		"distance_to_power_line_m": 2.5,
		"near_structure":           true,
		"dbh_inches":               json.Number("36"),
		"notes":                    "  ",
	}

	cases := []struct {
		name string
		rule MatchRule
		want bool
	}{
		{"exact string case-insensitive", Exact{Key: "property_type", Value: "commercial"}, true},
		{"exact bool", Exact{Key: "near_structure", Value: true}, true},
		{"exact number from json.Number", Exact{Key: "dbh_inches", Value: 36}, true},
		{"exact missing key", Exact{Key: "crane_required", Value: true}, false},
		{"range inside", Range{Key: "distance_to_power_line_m", Max: ptr(3)}, true},
		{"range upper bound open", Range{Key: "distance_to_power_line_m", Min: ptr(0), Max: ptr(2.5)}, false},
		{"range lower bound closed", Range{Key: "distance_to_power_line_m", Min: ptr(2.5)}, true},
		{"range non-numeric", Range{Key: "property_type", Min: ptr(0)}, false},
		{"presence", Presence{Key: "near_structure"}, true},
		{"presence blank string", Presence{Key: "notes"}, false},
	}

	for _, tc := range cases {
		if got := Evaluate(tc.rule, ctx); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestSetJSONRoundTripKeepsVariants(t *testing.T) {
	raw := `[{"kind":"range","key":"distance_to_power_line_m","max":3},{"kind":"presence","key":"crane_required"},{"kind":"exact","key":"property_type","value":"commercial"}]`

	var set Set
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(set) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(set))
	}
	if _, ok := set[0].(Range); !ok {
		t.Fatalf("expected first rule to be Range, got %T", set[0])
	}
	if _, ok := set[1].(Presence); !ok {
		t.Fatalf("expected second rule to be Presence, got %T", set[1])
	}

	rule, ok := set.FirstMatch(Context{"crane_required": true})
	if !ok || rule.Kind() != KindPresence {
		t.Fatalf("expected presence rule to match, got %v %v", rule, ok)
	}
}

func TestSetUnmarshalRejectsUnknownKind(t *testing.T) {
	var set Set
	if err := json.Unmarshal([]byte(`[{"kind":"regex","key":"x"}]`), &set); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestSetValidate(t *testing.T) {
	if err := (Set{Range{Key: "x", Min: ptr(5), Max: ptr(1)}}).Validate(); err == nil {
		t.Fatalf("expected inverted range to be rejected")
	}
	if err := (Set{Exact{Key: "", Value: "a"}}).Validate(); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
	if err := (Set{Exact{Key: "x", Value: []string{"a"}}}).Validate(); err == nil {
		t.Fatalf("expected non-scalar exact value to be rejected")
	}
}

func TestFirstMatchEmptyContext(t *testing.T) {
	set := Set{Presence{Key: "x"}}
	if _, ok := set.FirstMatch(nil); ok {
		t.Fatalf("expected no match for empty context")
	}
}

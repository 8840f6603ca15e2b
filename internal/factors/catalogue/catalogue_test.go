package catalogue

import (
	"strings"
	"testing"

	"afiss_backend/internal/factors/repository"
	"afiss_backend/internal/factors/rules"
)

func TestDefault_CoversEveryDomain(t *testing.T) {
	defs, err := Default()
	if err != nil {
		t.Fatalf("default catalogue: %v", err)
	}
	perDomain := map[repository.Domain]int{}
	for _, d := range defs {
		perDomain[d.Domain]++
		if d.Weight < d.MinWeight || d.Weight > d.MaxWeight {
			t.Fatalf("factor %s weight %.2f outside its range", d.Code, d.Weight)
		}
	}
	for _, domain := range repository.AllDomains {
		if perDomain[domain] == 0 {
			t.Fatalf("expected at least one factor in %s", domain)
		}
	}
}

func TestParse_DecodesRules(t *testing.T) {
	raw := `
factors:
  - code: X
    name: x
    domain: access
    weight: 0.2
    minWeight: 0.1
    maxWeight: 0.3
    rules:
      - kind: range
        key: slope
        min: 10
      - kind: exact
        key: access_type
        value: restricted
`
	defs, err := Read(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(defs) != 1 || len(defs[0].TriggerRules) != 2 {
		t.Fatalf("unexpected definitions %+v", defs)
	}
	if !rules.Evaluate(defs[0].TriggerRules[0], rules.Context{"slope": 12}) {
		t.Fatalf("expected range rule to match slope 12")
	}
}

func TestParse_RejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"duplicate": "factors:\n  - {code: A, domain: access}\n  - {code: A, domain: access}\n",
		"domain":    "factors:\n  - {code: A, domain: weather}\n",
		"range":     "factors:\n  - {code: A, domain: access, minWeight: 0.5, maxWeight: 0.1}\n",
	}
	for name, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

package policy

import (
	"os"
	"path/filepath"
	"testing"
)

const custodianPolicy = `
schema: custody.policy.v1
default_effect: deny
rules:
  - id: customs-inspect
    description: customs may always update attributes
    effect: allow
    when:
      all:
        - field: operation
          op: in
          values: [update_container_attributes, update_cargo_attributes]
        - field: actor.role
          op: eq
          value: customs_officer
  - id: no-handoff-to-self
    effect: deny
    when:
      all:
        - field: target.id
          op: eq_field
          value: actor.id
  - id: holder-acts
    effect: allow
    when:
      any:
        - field: actor.id
          op: eq_field
          value: entity.custodian
`

func TestParseSpecAndEvaluate(t *testing.T) {
	spec, err := ParseSpec([]byte(custodianPolicy))
	if err != nil {
		t.Fatalf("ParseSpec() err=%v", err)
	}

	tests := []struct {
		name   string
		ctx    Context
		effect string
		rule   string
	}{
		{
			name:   "custodian hands off",
			ctx:    Context{Operation: "change_cargo_custody", Actor: ActorContext{ID: "P1"}, Entity: EntityContext{Custodian: "p1"}, Target: TargetContext{ID: "P2"}},
			effect: EffectAllow,
			rule:   "holder-acts",
		},
		{
			name:   "stranger denied by default",
			ctx:    Context{Operation: "change_cargo_custody", Actor: ActorContext{ID: "P3"}, Entity: EntityContext{Custodian: "P1"}, Target: TargetContext{ID: "P2"}},
			effect: EffectDeny,
		},
		{
			name:   "customs officer updates attributes",
			ctx:    Context{Operation: "update_cargo_attributes", Actor: ActorContext{ID: "C9", Role: "Customs_Officer"}, Entity: EntityContext{Custodian: "P1"}},
			effect: EffectAllow,
			rule:   "customs-inspect",
		},
		{
			name:   "hand-off to self is denied before holder rule",
			ctx:    Context{Operation: "change_cargo_custody", Actor: ActorContext{ID: "P1"}, Entity: EntityContext{Custodian: "P1"}, Target: TargetContext{ID: "P1"}},
			effect: EffectDeny,
			rule:   "no-handoff-to-self",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Evaluate(spec, tc.ctx)
			if err != nil {
				t.Fatalf("Evaluate() err=%v", err)
			}
			if d.Effect != tc.effect || d.RuleID != tc.rule {
				t.Fatalf("decision=%+v, want effect=%s rule=%q", d, tc.effect, tc.rule)
			}
		})
	}
}

func TestSpecValidate(t *testing.T) {
	valid := Spec{
		Schema: SpecSchemaV1,
		Rules: []Rule{{
			ID:     "admins",
			Effect: EffectAllow,
			When:   ConditionGroup{Any: []Condition{{Field: "actor.roles", Op: "in", Values: []string{"admin"}}}},
		}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	cases := map[string]func(*Spec){
		"schema":         func(s *Spec) { s.Schema = "custody.policy.v0" },
		"effect":         func(s *Spec) { s.Rules[0].Effect = "require_approval" },
		"empty values":   func(s *Spec) { s.Rules[0].When.Any[0].Values = []string{" "} },
		"unknown op":     func(s *Spec) { s.Rules[0].When.Any[0].Op = "like" },
		"empty when":     func(s *Spec) { s.Rules[0].When = ConditionGroup{} },
		"default effect": func(s *Spec) { s.DefaultEffect = "maybe" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			spec := valid
			spec.Rules = []Rule{valid.Rules[0]}
			spec.Rules[0].When.Any = []Condition{valid.Rules[0].When.Any[0]}
			mutate(&spec)
			if err := spec.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestFieldOperators(t *testing.T) {
	ctx := Context{
		Actor:      ActorContext{ID: "P1", Roles: []string{"Admin", "viewer"}},
		Attributes: map[string]string{"Weight": "1200", "hazmat": "class-3"},
	}
	checks := []struct {
		cond Condition
		want bool
	}{
		{Condition{Field: "attributes.weight", Op: "gt", Value: "1000"}, true},
		{Condition{Field: "attributes.weight", Op: "lte", Value: "1000"}, false},
		{Condition{Field: "attributes.hazmat", Op: "matches", Value: "^class-[0-9]$"}, true},
		{Condition{Field: "actor.roles", Op: "contains", Value: "admin"}, true},
		{Condition{Field: "entity.custodian", Op: "missing"}, true},
		{Condition{Field: "entity.custodian", Op: "exists"}, false},
		{Condition{Field: "target.id", Op: "neq_field", Value: "actor.id"}, false},
	}
	for _, c := range checks {
		if got := conditionMatches(c.cond, ctx); got != c.want {
			t.Fatalf("%+v matched=%v, want %v", c.cond, got, c.want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(custodianPolicy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	spec, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() err=%v", err)
	}
	if len(spec.Rules) != 3 {
		t.Fatalf("rules=%d", len(spec.Rules))
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

package policy

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

type Context struct {
	Operation  string            `json:"operation"`
	Actor      ActorContext      `json:"actor"`
	Entity     EntityContext     `json:"entity"`
	Target     TargetContext     `json:"target"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type ActorContext struct {
	ID    string   `json:"id"`
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

type EntityContext struct {
	Kind      string `json:"kind,omitempty"`
	ID        string `json:"id,omitempty"`
	Custodian string `json:"custodian,omitempty"`
	Status    string `json:"status,omitempty"`
	Container string `json:"container,omitempty"`
}

// TargetContext describes the other party of an operation, such as the new
// custodian of a hand-off.
type TargetContext struct {
	ID   string `json:"id,omitempty"`
	Role string `json:"role,omitempty"`
}

type Decision struct {
	Effect      string `json:"effect"`
	RuleID      string `json:"rule_id,omitempty"`
	Description string `json:"description,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// Evaluate returns the effect of the first matching rule, or the default
// effect (deny unless configured) when none matches.
func Evaluate(spec Spec, ctx Context) (Decision, error) {
	if err := spec.Validate(); err != nil {
		return Decision{}, err
	}
	for _, rule := range spec.Rules {
		if ruleMatches(rule, ctx) {
			return Decision{
				Effect:      normalizeString(rule.Effect),
				RuleID:      strings.TrimSpace(rule.ID),
				Description: strings.TrimSpace(rule.Description),
				Reason:      "rule_match",
			}, nil
		}
	}
	effect := normalizeString(spec.DefaultEffect)
	if effect == "" {
		effect = EffectDeny
	}
	return Decision{Effect: effect, Reason: "default"}, nil
}

func ruleMatches(rule Rule, ctx Context) bool {
	for _, cond := range rule.When.All {
		if !conditionMatches(cond, ctx) {
			return false
		}
	}
	if len(rule.When.Any) > 0 {
		return slices.ContainsFunc(rule.When.Any, func(cond Condition) bool {
			return conditionMatches(cond, ctx)
		})
	}
	return true
}

func conditionMatches(cond Condition, ctx Context) bool {
	op := normalizeString(cond.Op)
	value, ok := ctx.Field(cond.Field)
	if op == "missing" {
		return !ok
	}
	if !ok {
		return false
	}
	switch op {
	case "exists":
		return true
	case "eq":
		return compareEqual(value, cond.Value)
	case "neq":
		return !compareEqual(value, cond.Value)
	case "eq_field", "neq_field":
		other, found := ctx.Field(cond.Value)
		equal := found && compareEqual(value, fmt.Sprint(other))
		if op == "eq_field" {
			return equal
		}
		return found && !equal
	case "in":
		return compareIn(value, cond.Values)
	case "not_in":
		return !compareIn(value, cond.Values)
	case "contains":
		return compareContains(value, cond.Value)
	case "matches":
		return compareRegex(value, cond.Value)
	case "gt", "gte", "lt", "lte":
		return compareNumber(value, cond.Value, op)
	default:
		return false
	}
}

// Field resolves a dotted context path. The boolean is false when the field
// is unset.
func (c Context) Field(name string) (any, bool) {
	key := normalizeString(name)
	present := func(v string) (any, bool) { return v, strings.TrimSpace(v) != "" }
	switch key {
	case "operation":
		return present(c.Operation)
	case "actor.id", "actor":
		return present(c.Actor.ID)
	case "actor.role":
		return present(c.Actor.Role)
	case "actor.roles":
		return c.Actor.Roles, len(c.Actor.Roles) > 0
	case "entity.kind":
		return present(c.Entity.Kind)
	case "entity.id":
		return present(c.Entity.ID)
	case "entity.custodian":
		return present(c.Entity.Custodian)
	case "entity.status":
		return present(c.Entity.Status)
	case "entity.container":
		return present(c.Entity.Container)
	case "target.id":
		return present(c.Target.ID)
	case "target.role":
		return present(c.Target.Role)
	}
	if attr, ok := strings.CutPrefix(key, "attributes."); ok {
		for k, v := range c.Attributes {
			if normalizeString(k) == attr {
				return v, true
			}
		}
	}
	return nil, false
}

func compareEqual(value any, target string) bool {
	target = normalizeString(target)
	if list, ok := value.([]string); ok {
		return slices.ContainsFunc(list, func(item string) bool { return normalizeString(item) == target })
	}
	return normalizeString(fmt.Sprint(value)) == target
}

func compareIn(value any, targets []string) bool {
	allowed := trimNonEmpty(targets)
	if len(allowed) == 0 {
		return false
	}
	if list, ok := value.([]string); ok {
		return slices.ContainsFunc(list, func(item string) bool { return slices.Contains(allowed, normalizeString(item)) })
	}
	return slices.Contains(allowed, normalizeString(fmt.Sprint(value)))
}

func compareContains(value any, target string) bool {
	target = normalizeString(target)
	if target == "" {
		return false
	}
	if list, ok := value.([]string); ok {
		return slices.ContainsFunc(list, func(item string) bool { return normalizeString(item) == target })
	}
	return strings.Contains(normalizeString(fmt.Sprint(value)), target)
}

func compareRegex(value any, pattern string) bool {
	re, err := regexp.Compile(strings.TrimSpace(pattern))
	if err != nil {
		return false
	}
	if list, ok := value.([]string); ok {
		return slices.ContainsFunc(list, re.MatchString)
	}
	return re.MatchString(fmt.Sprint(value))
}

func compareNumber(value any, target string, op string) bool {
	left, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(value)), 64)
	if err != nil {
		return false
	}
	right, err := strconv.ParseFloat(strings.TrimSpace(target), 64)
	if err != nil {
		return false
	}
	switch op {
	case "gt":
		return left > right
	case "gte":
		return left >= right
	case "lt":
		return left < right
	case "lte":
		return left <= right
	default:
		return false
	}
}

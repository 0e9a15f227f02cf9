// Package rules implements the Level-1 deterministic engine: the fast,
// zero-cost, fully auditable tier that resolves the majority of incidents
// without ever invoking the L2 planner.
//
// The condition DSL, operator set, priority/cooldown matching, and the
// builtin/custom/synced/promoted rule-source layering follow the shape of
// a classic drift-remediation rules engine — the condition evaluator is
// built on internal/dynval so it shares one field-lookup implementation
// with PHI scrubbing instead of duplicating a getFieldValue helper, and
// promoted-rule loading rejects unsigned bundles outright rather than only
// warning (see DESIGN.md's "Promoted-rule signature verification" entry).
package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/osiriscare/appliance/internal/dynval"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "eq"
	OpNotEquals   Operator = "ne"
	OpContains    Operator = "contains"
	OpRegex       Operator = "regex"
	OpGreaterThan Operator = "gt"
	OpLessThan    Operator = "lt"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

// Condition is one clause of a Rule's condition list; all must match (AND).
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator Operator    `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
}

// Matches evaluates the condition against an incident's fields, addressed
// through dynval so "missing field" semantics are shared with PHI scrubbing.
func (c Condition) Matches(incident dynval.Value) bool {
	actual, ok := incident.Field(c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(actual, c.Value)
	case OpNotEquals:
		return !valuesEqual(actual, c.Value)
	case OpContains:
		return strings.Contains(asString(actual), fmt.Sprintf("%v", c.Value))
	case OpRegex:
		re, err := regexp.Compile(fmt.Sprintf("%v", c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(asString(actual))
	case OpGreaterThan:
		af, aOK := toFloat(actual)
		vf, vOK := toFloat(c.Value)
		return aOK && vOK && af > vf
	case OpLessThan:
		af, aOK := toFloat(actual)
		vf, vOK := toFloat(c.Value)
		return aOK && vOK && af < vf
	case OpIn:
		return valueIn(actual, c.Value)
	case OpNotIn:
		return !valueIn(actual, c.Value)
	}
	return false
}

// Source records where a Rule came from, per the lifecycle invariant:
// builtin rules are immutable, custom rules are operator-authored, and
// promoted rules are written by the learning loop.
type Source string

const (
	SourceBuiltin  Source = "builtin"
	SourceCustom   Source = "custom"
	SourcePromoted Source = "promoted"
)

// PromotionMetadata records how a promoted rule came to exist.
type PromotionMetadata struct {
	Confidence       float64  `json:"confidence" yaml:"confidence"`
	SampleIncidentID []string `json:"sample_incident_ids" yaml:"sample_incident_ids"`
	PromotedAt       string   `json:"promoted_at" yaml:"promoted_at"`
	PromotedBy       string   `json:"promoted_by" yaml:"promoted_by"`
}

// Rule is a declarative L1 entry.
type Rule struct {
	ID              string                 `json:"id" yaml:"id"`
	Name            string                 `json:"name" yaml:"name"`
	Description     string                 `json:"description" yaml:"description"`
	Enabled         bool                   `json:"enabled" yaml:"enabled"`
	Priority        int                    `json:"priority" yaml:"priority"`
	Source          Source                 `json:"source" yaml:"source"`
	Conditions      []Condition            `json:"conditions" yaml:"conditions"`
	Action          string                 `json:"action" yaml:"action"`
	ActionParams    map[string]interface{} `json:"action_params" yaml:"action_params"`
	HIPAAControls   []string               `json:"hipaa_controls" yaml:"hipaa_controls"`
	SeverityFilter  []string               `json:"severity_filter" yaml:"severity_filter"`
	CooldownSeconds int                    `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	MaxRetries      int                    `json:"max_retries" yaml:"max_retries"`
	Promotion       *PromotionMetadata     `json:"promotion,omitempty" yaml:"promotion,omitempty"`
}

// Validate enforces that every rule's action appears in the allowlist;
// a rule with an unknown action is invalid and must not load.
func (r *Rule) Validate(isAllowed func(action string) bool) error {
	if r.ID == "" {
		return fmt.Errorf("rule missing id")
	}
	if !isAllowed(r.Action) {
		return fmt.Errorf("rule %s: action %q is not in the guardrails allowlist", r.ID, r.Action)
	}
	return nil
}

// Matches reports whether this rule applies to an incident of the given
// type (already implied by the caller's field selection) and severity.
func (r *Rule) Matches(severity string, incident dynval.Value) bool {
	if !r.Enabled {
		return false
	}
	if len(r.SeverityFilter) > 0 {
		found := false
		for _, s := range r.SeverityFilter {
			if s == severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, c := range r.Conditions {
		if !c.Matches(incident) {
			return false
		}
	}
	return true
}

// sortRules orders by priority descending (higher priority wins), ties
// broken by lexical ID so evaluation order is deterministic.
func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

func asString(v dynval.Value) string {
	if s, ok := v.String(); ok {
		return s
	}
	if n, ok := v.Number(); ok {
		return strconv.FormatFloat(n, 'g', -1, 64)
	}
	if b, ok := v.Bool(); ok {
		return strconv.FormatBool(b)
	}
	return ""
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case dynval.Value:
		if f, ok := n.Number(); ok {
			return f, true
		}
		if s, ok := n.String(); ok {
			f, err := strconv.ParseFloat(s, 64)
			return f, err == nil
		}
		return 0, false
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func valuesEqual(actual dynval.Value, expected interface{}) bool {
	if eb, ok := expected.(bool); ok {
		ab, aok := actual.Bool()
		return aok && ab == eb
	}
	if af, aok := toFloat(actual); aok {
		if ef, eok := toFloat(expected); eok {
			return af == ef
		}
	}
	return asString(actual) == fmt.Sprintf("%v", expected)
}

func valueIn(actual dynval.Value, list interface{}) bool {
	arr, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range arr {
		if valuesEqual(actual, item) {
			return true
		}
	}
	return false
}

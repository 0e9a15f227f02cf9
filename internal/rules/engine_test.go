package rules

import (
	"testing"
	"time"

	"github.com/osiriscare/appliance/internal/clock"
	"github.com/osiriscare/appliance/internal/crypto"
	"github.com/osiriscare/appliance/internal/dynval"
)

func allowAll(string) bool { return true }

func TestConditionOperators(t *testing.T) {
	incident := dynval.MapOf(map[string]interface{}{
		"incident_type": "firewall",
		"raw_data": map[string]interface{}{
			"drift_detected": true,
			"percent_free":    7.5,
			"host_name":       "SITE1-FW01",
		},
	})

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq match", Condition{Field: "incident_type", Operator: OpEquals, Value: "firewall"}, true},
		{"eq mismatch", Condition{Field: "incident_type", Operator: OpEquals, Value: "disk_space"}, false},
		{"ne", Condition{Field: "incident_type", Operator: OpNotEquals, Value: "disk_space"}, true},
		{"contains", Condition{Field: "raw_data.host_name", Operator: OpContains, Value: "FW01"}, true},
		{"regex", Condition{Field: "raw_data.host_name", Operator: OpRegex, Value: "^SITE1-"}, true},
		{"gt", Condition{Field: "raw_data.percent_free", Operator: OpGreaterThan, Value: 5}, true},
		{"lt", Condition{Field: "raw_data.percent_free", Operator: OpLessThan, Value: 10}, true},
		{"in", Condition{Field: "incident_type", Operator: OpIn, Value: []interface{}{"firewall", "disk_space"}}, true},
		{"not_in", Condition{Field: "incident_type", Operator: OpNotIn, Value: []interface{}{"disk_space"}}, true},
		{"missing field", Condition{Field: "raw_data.nonexistent", Operator: OpEquals, Value: "x"}, false},
		{"bool eq", Condition{Field: "raw_data.drift_detected", Operator: OpEquals, Value: true}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.cond.Matches(incident); got != c.want {
				t.Errorf("Matches() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestEngineMatchesBuiltinFirewallRule(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC))
	e := NewEngine(c, nil, allowAll, nil)
	if err := e.LoadBuiltin(); err != nil {
		t.Fatalf("LoadBuiltin: %v", err)
	}

	incident := dynval.MapOf(map[string]interface{}{
		"incident_type": "firewall",
		"raw_data": map[string]interface{}{
			"drift_detected": true,
		},
	})
	r, ok := e.Match("high", incident)
	if !ok {
		t.Fatal("expected a rule match")
	}
	if r.ID != "L1-FW-001" || r.Action != "restore_firewall_baseline" {
		t.Errorf("unexpected match: %+v", r)
	}
}

func TestEngineNoMatchForUnknownIncidentType(t *testing.T) {
	c := clock.NewFake(time.Now())
	e := NewEngine(c, nil, allowAll, nil)
	e.LoadBuiltin()

	incident := dynval.MapOf(map[string]interface{}{"incident_type": "unknown_thing"})
	if _, ok := e.Match("high", incident); ok {
		t.Error("expected no match for an incident type with no rule")
	}
}

func TestEngineCooldownSuppressesRefire(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC))
	e := NewEngine(c, nil, allowAll, nil)
	e.LoadBuiltin()

	incident := dynval.MapOf(map[string]interface{}{
		"incident_type": "firewall",
		"raw_data":      map[string]interface{}{"drift_detected": true},
	})
	r, ok := e.Match("high", incident)
	if !ok {
		t.Fatal("expected initial match")
	}
	e.MarkFired(r.ID)

	if _, ok := e.Match("high", incident); ok {
		t.Error("expected cooldown to suppress an immediate refire")
	}

	c.Advance(16 * time.Minute)
	if _, ok := e.Match("high", incident); !ok {
		t.Error("expected match to resume once cooldown elapses")
	}
}

func TestEnginePriorityOrdering(t *testing.T) {
	c := clock.NewFake(time.Now())
	e := NewEngine(c, nil, allowAll, nil)
	e.LoadCustom([]*Rule{
		{ID: "b-low", Enabled: true, Priority: 10, Action: "restart_service",
			Conditions: []Condition{{Field: "incident_type", Operator: OpEquals, Value: "x"}}},
		{ID: "a-high", Enabled: true, Priority: 99, Action: "restart_service",
			Conditions: []Condition{{Field: "incident_type", Operator: OpEquals, Value: "x"}}},
	})

	incident := dynval.MapOf(map[string]interface{}{"incident_type": "x"})
	r, ok := e.Match("high", incident)
	if !ok || r.ID != "a-high" {
		t.Errorf("expected higher-priority rule to win, got %+v", r)
	}
}

func TestEngineRejectsRuleWithDisallowedAction(t *testing.T) {
	c := clock.NewFake(time.Now())
	denyAll := func(string) bool { return false }
	e := NewEngine(c, nil, denyAll, nil)
	e.LoadCustom([]*Rule{
		{ID: "bad", Enabled: true, Action: "format_disk",
			Conditions: []Condition{{Field: "incident_type", Operator: OpEquals, Value: "x"}}},
	})

	if _, ok := e.RuleByID("bad"); ok {
		t.Error("expected rule with disallowed action to be rejected at load time")
	}
}

func TestEngineRefusesUnsignedSyncedBundle(t *testing.T) {
	c := clock.NewFake(time.Now())
	e := NewEngine(c, nil, allowAll, crypto.NewOrderVerifier(""))
	if err := e.LoadSyncedBundle(`[]`, "deadbeef"); err == nil {
		t.Error("expected error loading a bundle with no control plane key configured")
	}
}

func TestEngineDisabledRuleNeverMatches(t *testing.T) {
	c := clock.NewFake(time.Now())
	e := NewEngine(c, nil, allowAll, nil)
	e.LoadCustom([]*Rule{
		{ID: "off", Enabled: false, Action: "restart_service",
			Conditions: []Condition{{Field: "incident_type", Operator: OpEquals, Value: "x"}}},
	})
	incident := dynval.MapOf(map[string]interface{}{"incident_type": "x"})
	if _, ok := e.Match("high", incident); ok {
		t.Error("disabled rule should never match")
	}
}

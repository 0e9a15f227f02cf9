package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/osiriscare/appliance/internal/clock"
	"github.com/osiriscare/appliance/internal/escalate"
	"github.com/osiriscare/appliance/internal/executor"
	"github.com/osiriscare/appliance/internal/guardrails"
	"github.com/osiriscare/appliance/internal/planner"
	"github.com/osiriscare/appliance/internal/rules"
	"github.com/osiriscare/appliance/internal/store"
)

type fakeExecutor struct {
	outcome executor.Outcome
}

func (f *fakeExecutor) Run(ctx context.Context, rb executor.Runbook, target executor.HostTarget, actionID string) executor.Outcome {
	return f.outcome
}

type fakePlanClient struct {
	text string
	err  error
}

func (f *fakePlanClient) Plan(ctx context.Context, req planner.PlanRequest) (string, error) {
	return f.text, f.err
}

type fakeNotifier struct{ sent *bool }

func (f *fakeNotifier) Notify(ctx context.Context, ticket escalate.Ticket) error {
	*f.sent = true
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "incidents.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testIncident() store.Incident {
	return store.Incident{
		ID: "inc-1", SiteID: "site-1", HostID: "host-1",
		IncidentType: "firewall_status", Severity: "high",
		RawData:   map[string]interface{}{"drift_detected": true, "check_type": "firewall_status"},
		CreatedAt: time.Now(),
	}
}

func buildOrchestrator(t *testing.T, engine *rules.Engine, plan *planner.Planner, escalator *escalate.Escalator, execOutcome executor.Outcome, st *store.Store, c clock.Clock) *Orchestrator {
	t.Helper()
	allowlist := guardrails.NewAllowlist(nil)
	gr := guardrails.New(allowlist, guardrails.NewRateLimiter(c, 5*time.Minute))

	return New(Config{
		Rules:      engine,
		Planner:    plan,
		Escalator:  escalator,
		Guardrails: gr,
		Store:      st,
		Executor:   &fakeExecutor{outcome: execOutcome},
		Runbooks: func(action string) (executor.Runbook, bool) {
			return executor.Runbook{ID: "rb-" + action, Platform: executor.PlatformLinux}, true
		},
		Targets: func(hostID string) (executor.HostTarget, error) {
			return executor.HostTarget{}, nil
		},
		Clock: c,
	})
}

func TestHealL1MatchSuccessRecordsL1Resolution(t *testing.T) {
	c := clock.NewFake(time.Now())
	st := newTestStore(t)
	engine := rules.NewEngine(c, nil, func(string) bool { return true }, nil)
	if err := engine.LoadCustom([]*rules.Rule{{
		ID: "rule-fw", Enabled: true, Priority: 100, Action: "configure_firewall",
		Conditions: []rules.Condition{{Field: "raw_data.drift_detected", Operator: rules.OpEquals, Value: true}},
	}}); err != nil {
		t.Fatalf("LoadCustom() error = %v", err)
	}

	orch := buildOrchestrator(t, engine, nil, nil, executor.Outcome{Success: true}, st, c)

	res, err := orch.Heal(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Heal() error = %v", err)
	}
	if res.ResolutionLevel != store.LevelL1 || res.Outcome != store.OutcomeSuccess {
		t.Errorf("got %+v, want L1/success", res)
	}
}

func TestHealL1MatchFailureEscalates(t *testing.T) {
	c := clock.NewFake(time.Now())
	st := newTestStore(t)
	engine := rules.NewEngine(c, nil, func(string) bool { return true }, nil)
	if err := engine.LoadCustom([]*rules.Rule{{
		ID: "rule-fw", Enabled: true, Priority: 100, Action: "configure_firewall",
		Conditions: []rules.Condition{{Field: "raw_data.drift_detected", Operator: rules.OpEquals, Value: true}},
	}}); err != nil {
		t.Fatalf("LoadCustom() error = %v", err)
	}

	sent := false
	escalator := escalate.New(map[string]escalate.Notifier{"chat": &fakeNotifier{sent: &sent}, "email": &fakeNotifier{sent: &sent}}, nil)
	orch := buildOrchestrator(t, engine, nil, escalator, executor.Outcome{Success: false, Error: "boom"}, st, c)

	res, err := orch.Heal(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Heal() error = %v", err)
	}
	if res.Outcome != store.OutcomeEscalated || res.ResolutionLevel != store.LevelL3 {
		t.Errorf("got %+v, want escalated/L3", res)
	}
	if !sent {
		t.Error("expected escalation notifier to fire")
	}
}

func TestHealL1MissFallsThroughToL2(t *testing.T) {
	c := clock.NewFake(time.Now())
	st := newTestStore(t)
	engine := rules.NewEngine(c, nil, func(string) bool { return true }, nil)

	client := &fakePlanClient{text: `{
		"recommended_action": "configure_firewall",
		"action_params": {},
		"confidence": 0.9,
		"reasoning": "ok",
		"requires_approval": false,
		"escalate_to_l3": false
	}`}
	budget := guardrails.NewBudgetTracker(c, guardrails.DefaultBudgetConfig())
	p := planner.New(client, budget, planner.Config{}, nil)

	orch := buildOrchestrator(t, engine, p, nil, executor.Outcome{Success: true}, st, c)

	res, err := orch.Heal(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Heal() error = %v", err)
	}
	if res.ResolutionLevel != store.LevelL2 || res.Outcome != store.OutcomeSuccess {
		t.Errorf("got %+v, want L2/success", res)
	}
}

func TestHealL2EscalationEscalatesWithoutExecuting(t *testing.T) {
	c := clock.NewFake(time.Now())
	st := newTestStore(t)
	engine := rules.NewEngine(c, nil, func(string) bool { return true }, nil)

	client := &fakePlanClient{text: `{
		"recommended_action": "escalate",
		"action_params": {},
		"confidence": 0.2,
		"reasoning": "unclear",
		"requires_approval": false,
		"escalate_to_l3": true
	}`}
	budget := guardrails.NewBudgetTracker(c, guardrails.DefaultBudgetConfig())
	p := planner.New(client, budget, planner.Config{}, nil)

	sent := false
	escalator := escalate.New(map[string]escalate.Notifier{"chat": &fakeNotifier{sent: &sent}, "email": &fakeNotifier{sent: &sent}}, nil)
	orch := buildOrchestrator(t, engine, p, escalator, executor.Outcome{Success: true}, st, c)

	res, err := orch.Heal(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Heal() error = %v", err)
	}
	if res.Outcome != store.OutcomeEscalated {
		t.Errorf("got %+v, want escalated", res)
	}
}

func TestHealOnlyWritesOneResolutionPerIncident(t *testing.T) {
	c := clock.NewFake(time.Now())
	st := newTestStore(t)
	engine := rules.NewEngine(c, nil, func(string) bool { return true }, nil)
	if err := engine.LoadCustom([]*rules.Rule{{
		ID: "rule-fw", Enabled: true, Priority: 100, Action: "configure_firewall",
		Conditions: []rules.Condition{{Field: "raw_data.drift_detected", Operator: rules.OpEquals, Value: true}},
	}}); err != nil {
		t.Fatalf("LoadCustom() error = %v", err)
	}
	orch := buildOrchestrator(t, engine, nil, nil, executor.Outcome{Success: true}, st, c)

	incident := testIncident()
	if err := st.RecordIncident(context.Background(), incident); err != nil {
		t.Fatalf("RecordIncident() error = %v", err)
	}

	if _, err := orch.Heal(context.Background(), incident); err != nil {
		t.Fatalf("Heal() error = %v", err)
	}

	err := st.UpdateResolution(context.Background(), store.Resolution{
		IncidentID: incident.ID, ResolutionLevel: store.LevelL1, Action: "configure_firewall",
		Outcome: store.OutcomeSuccess, ResolvedAt: c.Now(),
	})
	if err == nil {
		t.Error("expected second resolution write for the same incident to fail")
	}
}

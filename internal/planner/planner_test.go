package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/osiriscare/appliance/internal/clock"
	"github.com/osiriscare/appliance/internal/guardrails"
	"go.uber.org/zap/zaptest"
)

type fakeClient struct {
	text string
	err  error
	reqs []PlanRequest
}

func (f *fakeClient) Plan(ctx context.Context, req PlanRequest) (string, error) {
	f.reqs = append(f.reqs, req)
	return f.text, f.err
}

func testBudget() *guardrails.BudgetTracker {
	return guardrails.NewBudgetTracker(clock.NewFake(time.Now()), guardrails.DefaultBudgetConfig())
}

func testIncident() Incident {
	return Incident{
		ID: "inc-1", SiteID: "site-1", HostID: "host-1",
		IncidentType: "firewall_status", Severity: "high",
		RawData:   map[string]interface{}{"expected": "enabled", "actual": "disabled"},
		CreatedAt: time.Now(),
	}
}

func TestPlanReturnsExecutableDecisionOnHighConfidence(t *testing.T) {
	client := &fakeClient{text: `{
		"recommended_action": "configure_firewall",
		"action_params": {"script": "ufw enable"},
		"confidence": 0.9,
		"reasoning": "firewall disabled",
		"requires_approval": false,
		"escalate_to_l3": false,
		"runbook_id": "L2-fw"
	}`}

	p := New(client, testBudget(), Config{}, zaptest.NewLogger(t))
	decision, err := p.Plan(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !decision.ShouldExecute() {
		t.Errorf("expected executable decision, got %+v", decision)
	}
	if len(client.reqs) != 1 {
		t.Fatalf("expected 1 control-plane call, got %d", len(client.reqs))
	}
	if client.reqs[0].SystemPrompt == "" || client.reqs[0].UserPrompt == "" {
		t.Error("expected non-empty prompts in request")
	}
}

func TestPlanEscalatesOnDisallowedAction(t *testing.T) {
	client := &fakeClient{text: `{
		"recommended_action": "format_disk",
		"action_params": {},
		"confidence": 0.95,
		"reasoning": "looks risky",
		"requires_approval": false,
		"escalate_to_l3": false
	}`}

	p := New(client, testBudget(), Config{}, nil)
	decision, err := p.Plan(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !decision.EscalateToL3 {
		t.Error("expected escalation for a disallowed action")
	}
	if decision.ShouldExecute() {
		t.Error("should not auto-execute a disallowed action")
	}
}

func TestPlanEscalatesOnDangerousScript(t *testing.T) {
	client := &fakeClient{text: `{
		"recommended_action": "restart_service",
		"action_params": {"script": "rm -rf /"},
		"confidence": 0.9,
		"reasoning": "bad",
		"requires_approval": false,
		"escalate_to_l3": false
	}`}

	p := New(client, testBudget(), Config{}, nil)
	decision, err := p.Plan(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !decision.EscalateToL3 {
		t.Error("expected escalation for a dangerous script")
	}
}

func TestPlanEscalatesOnLowConfidence(t *testing.T) {
	client := &fakeClient{text: `{
		"recommended_action": "restart_service",
		"action_params": {},
		"confidence": 0.4,
		"reasoning": "not sure",
		"requires_approval": false,
		"escalate_to_l3": false
	}`}

	p := New(client, testBudget(), Config{}, nil)
	decision, err := p.Plan(context.Background(), testIncident())
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !decision.EscalateToL3 {
		t.Error("expected escalation below confidence threshold")
	}
}

func TestPlanPropagatesControlPlaneError(t *testing.T) {
	client := &fakeClient{err: errors.New("control plane unreachable")}
	p := New(client, testBudget(), Config{}, nil)
	_, err := p.Plan(context.Background(), testIncident())
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestPlanReleasesConcurrencySlotOnError(t *testing.T) {
	client := &fakeClient{err: errors.New("boom")}
	budget := testBudget()
	p := New(client, budget, Config{}, nil)

	for i := 0; i < 10; i++ {
		_, err := p.Plan(context.Background(), testIncident())
		if err == nil {
			t.Fatal("expected error from fake client")
		}
		if strings.Contains(err.Error(), "concurrency limit") {
			t.Fatalf("call %d: concurrency slot was not released: %v", i, err)
		}
	}

	stats := budget.Stats()
	if stats.DailySpendUSD < 0 {
		t.Errorf("unexpected negative spend: %v", stats)
	}
}

func TestPlanWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	client := &retryClient{
		fn: func() (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("transient")
			}
			return `{"recommended_action":"escalate","action_params":{},"confidence":0.9,"reasoning":"ok","requires_approval":false,"escalate_to_l3":false}`, nil
		},
	}
	p := New(client, testBudget(), Config{}, nil)

	var slept []time.Duration
	decision, err := p.PlanWithRetry(context.Background(), testIncident(), 3, func(d time.Duration) { slept = append(slept, d) })
	if err != nil {
		t.Fatalf("PlanWithRetry() error = %v", err)
	}
	if decision.RecommendedAction != "escalate" {
		t.Errorf("unexpected decision: %+v", decision)
	}
	if len(slept) != 2 {
		t.Errorf("expected 2 backoff sleeps, got %d", len(slept))
	}
}

type retryClient struct {
	fn func() (string, error)
}

func (r *retryClient) Plan(ctx context.Context, req PlanRequest) (string, error) {
	return r.fn()
}

func TestParseDecisionStripsCodeFence(t *testing.T) {
	text := "```json\n{\"recommended_action\": \"escalate\", \"action_params\": {}, \"confidence\": 0.3, \"reasoning\": \"unknown\", \"requires_approval\": false, \"escalate_to_l3\": true}\n```"
	decision, err := parseDecision(text, "test-1")
	if err != nil {
		t.Fatalf("parseDecision() error = %v", err)
	}
	if !decision.EscalateToL3 {
		t.Error("expected escalation")
	}
}

func TestParseDecisionRejectsEmptyText(t *testing.T) {
	if _, err := parseDecision("", "test-1"); err == nil {
		t.Error("expected error on empty text")
	}
}

func TestParseDecisionRejectsInvalidJSON(t *testing.T) {
	if _, err := parseDecision("not json", "test-1"); err == nil {
		t.Error("expected error on invalid JSON")
	}
}

func TestSystemPromptContainsAllowedActions(t *testing.T) {
	for _, action := range guardrails.DefaultAllowedActions {
		if !strings.Contains(systemPrompt, action) {
			t.Errorf("system prompt missing allowed action: %s", action)
		}
	}
}

func TestBuildUserPromptContainsRequiredSections(t *testing.T) {
	prompt := BuildUserPrompt(testIncident())
	for _, want := range []string{"INCIDENT DETAILS", "CONTEXT DATA", "inc-1", "site-1", "host-1", "firewall_status", "high"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

// Package planner is the Level-2 decision pipeline: budget gate,
// concurrency gate, PHI scrub, a proxied request to the control plane
// (the appliance never calls an LLM provider directly), response
// parsing, and a final guardrails pass before a Decision is allowed to
// execute.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/osiriscare/appliance/internal/guardrails"
	"github.com/osiriscare/appliance/internal/phi"
	"github.com/osiriscare/appliance/internal/store"
	"go.uber.org/zap"
)

// Incident is what the planner sends onward once scrubbed; it mirrors
// store.Incident's fields relevant to planning.
type Incident struct {
	ID               string
	SiteID           string
	HostID           string
	IncidentType     string
	Severity         string
	RawData          map[string]interface{}
	PatternSignature string
	CreatedAt        time.Time
}

// Decision is the L2 output: what to do, how confident the planner is,
// and whether it should be auto-executed or escalated.
type Decision struct {
	IncidentID        string
	RecommendedAction string
	ActionParams      map[string]interface{}
	Confidence        float64
	Reasoning         string
	RunbookID         string
	RequiresApproval  bool
	EscalateToL3      bool
	ContextUsed       map[string]interface{}
}

// ShouldExecute reports whether a Decision can be auto-executed without
// human review or L3 escalation.
func (d *Decision) ShouldExecute() bool {
	return !d.EscalateToL3 && !d.RequiresApproval && d.Confidence >= guardrails.ConfidenceThreshold
}

// ControlPlaneClient is the only path to an LLM: the appliance proxies
// every L2 request through it and never holds provider credentials
// itself.
type ControlPlaneClient interface {
	Plan(ctx context.Context, req PlanRequest) (rawResponseText string, err error)
}

// Config configures a Planner.
type Config struct {
	Budget         guardrails.BudgetConfig
	AllowedActions []string
	Model          string
	MaxTokens      int
}

// Planner runs the L2 pipeline.
type Planner struct {
	client    ControlPlaneClient
	scrubber  *phi.Scrubber
	allowlist *guardrails.Allowlist
	budget    *guardrails.BudgetTracker
	model     string
	maxTokens int
	log       *zap.Logger
}

// New builds a Planner around a control-plane client.
func New(client ControlPlaneClient, budget *guardrails.BudgetTracker, cfg Config, log *zap.Logger) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Planner{
		client:    client,
		scrubber:  phi.New(),
		allowlist: guardrails.NewAllowlist(cfg.AllowedActions),
		budget:    budget,
		model:     model,
		maxTokens: maxTokens,
		log:       log,
	}
}

// Plan runs one incident through the full L2 pipeline. The concurrency
// slot is always released before Plan returns, on every exit path.
func (p *Planner) Plan(ctx context.Context, incident Incident) (*Decision, error) {
	if err := p.budget.CheckBudget(); err != nil {
		return nil, fmt.Errorf("planner budget: %w", err)
	}

	release, ok := p.budget.TryAcquire()
	if !ok {
		return nil, fmt.Errorf("planner concurrency limit reached")
	}
	defer release()

	scrubbed := incident
	if incident.RawData != nil {
		scrubbed.RawData = p.scrubber.ScrubMap(incident.RawData)
	}

	req := BuildPlanRequest(p.model, p.maxTokens, scrubbed)

	start := time.Now()
	rawText, err := p.client.Plan(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("planner control-plane call (%v): %w", elapsed.Round(time.Millisecond), err)
	}

	decision, err := parseDecision(rawText, incident.ID)
	if err != nil {
		return nil, fmt.Errorf("planner parse response: %w", err)
	}

	script, _ := decision.ActionParams["script"].(string)
	if !p.allowlist.IsAllowed(decision.RecommendedAction) {
		p.log.Warn("planner guardrail: unknown action", zap.String("action", decision.RecommendedAction))
		decision.EscalateToL3 = true
		decision.Reasoning = fmt.Sprintf("guardrail: action not recognized. original: %s", decision.Reasoning)
	} else if reason := p.allowlist.DangerousMatch(script); reason != "" {
		p.log.Warn("planner guardrail: dangerous pattern", zap.String("reason", reason))
		decision.EscalateToL3 = true
		decision.Reasoning = fmt.Sprintf("guardrail: %s. original: %s", reason, decision.Reasoning)
	} else if decision.Confidence < guardrails.ConfidenceThreshold {
		decision.EscalateToL3 = true
	}

	decision.ContextUsed = map[string]interface{}{
		"latency_ms": elapsed.Milliseconds(),
		"model":      p.model,
	}

	p.budget.RecordCost(0) // token-based cost accrues server-side; see DESIGN.md

	return decision, nil
}

// PlanWithRetry retries Plan up to maxRetries times with linear backoff,
// on transport failures only — never to paper over LLM non-determinism,
// which a retry wouldn't fix anyway.
func (p *Planner) PlanWithRetry(ctx context.Context, incident Incident, maxRetries int, sleep func(time.Duration)) (*Decision, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if sleep != nil {
				sleep(time.Duration(attempt) * time.Second)
			}
		}
		decision, err := p.Plan(ctx, incident)
		if err == nil {
			return decision, nil
		}
		lastErr = err
		// Budget, concurrency and parse errors are returned without a retry;
		// only a failed control-plane call is tried again.
		if !strings.HasPrefix(err.Error(), "planner control-plane call") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("planner: plan failed after %d retries: %w", maxRetries, lastErr)
}

// parseDecision parses the control plane's response text into a
// Decision, stripping a wrapping ```json fence if present.
func parseDecision(text, incidentID string) (*Decision, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}
	text = stripCodeFence(text)

	var parsed struct {
		RecommendedAction string                 `json:"recommended_action"`
		ActionParams      map[string]interface{} `json:"action_params"`
		Confidence        float64                `json:"confidence"`
		Reasoning         string                 `json:"reasoning"`
		RunbookID         string                 `json:"runbook_id"`
		RequiresApproval  bool                   `json:"requires_approval"`
		EscalateToL3      bool                   `json:"escalate_to_l3"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("invalid decision JSON: %w", err)
	}
	if parsed.ActionParams == nil {
		parsed.ActionParams = map[string]interface{}{}
	}

	return &Decision{
		IncidentID:        incidentID,
		RecommendedAction: parsed.RecommendedAction,
		ActionParams:      parsed.ActionParams,
		Confidence:        parsed.Confidence,
		Reasoning:         parsed.Reasoning,
		RunbookID:         parsed.RunbookID,
		RequiresApproval:  parsed.RequiresApproval,
		EscalateToL3:      parsed.EscalateToL3,
	}, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// IncidentFromStore adapts a store.Incident into the planner's Incident.
func IncidentFromStore(inc store.Incident) Incident {
	return Incident{
		ID: inc.ID, SiteID: inc.SiteID, HostID: inc.HostID, IncidentType: inc.IncidentType,
		Severity: inc.Severity, RawData: inc.RawData, PatternSignature: inc.PatternSignature,
		CreatedAt: inc.CreatedAt,
	}
}

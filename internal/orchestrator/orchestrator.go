// Package orchestrator binds the three healing tiers — deterministic
// rules, the LLM planner, and human escalation — into one per-incident
// state machine: received -> l1_eval -> (guard -> execute -> verify ->
// record) or l2_plan -> (guard -> execute -> verify -> record) or
// escalate -> record. Every path through the machine writes exactly
// one Resolution.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/osiriscare/appliance/internal/clock"
	"github.com/osiriscare/appliance/internal/dynval"
	"github.com/osiriscare/appliance/internal/escalate"
	"github.com/osiriscare/appliance/internal/evidence"
	"github.com/osiriscare/appliance/internal/executor"
	"github.com/osiriscare/appliance/internal/guardrails"
	"github.com/osiriscare/appliance/internal/planner"
	"github.com/osiriscare/appliance/internal/rules"
	"github.com/osiriscare/appliance/internal/store"
	"go.uber.org/zap"
)

// RunbookResolver looks up the executable runbook for an allowlisted
// action name. The orchestrator only knows action names; the scripts
// themselves live in runbook definitions supplied at startup.
type RunbookResolver func(action string) (executor.Runbook, bool)

// TargetResolver resolves a host ID into the transport-specific target
// the executor needs to reach it.
type TargetResolver func(hostID string) (executor.HostTarget, error)

// Executor is the subset of *executor.Executor the orchestrator calls;
// an interface so tests can drive the state machine without live
// SSH/WinRM sessions.
type Executor interface {
	Run(ctx context.Context, rb executor.Runbook, target executor.HostTarget, actionID string) executor.Outcome
}

// Config wires every dependency the orchestrator needs. All fields are
// required except Escalator, which may be nil only in tests that never
// exercise the escalate path.
type Config struct {
	Rules      *rules.Engine
	Planner    *planner.Planner
	Escalator  *escalate.Escalator
	Guardrails *guardrails.Guardrails
	Store      *store.Store
	Executor   Executor
	Runbooks   RunbookResolver
	Targets    TargetResolver
	BundleNext func() *evidence.Bundle // returns a fresh bundle with BundleID set
	Chain      *evidence.Chain
	Signer     evidence.Signer
	Clock      clock.Clock
	Log        *zap.Logger
}

// Orchestrator runs heal() for one incident at a time; it holds no
// per-incident state between calls, so concurrent calls on distinct
// incidents are safe.
type Orchestrator struct {
	cfg Config
	log *zap.Logger
}

// New builds an Orchestrator.
func New(cfg Config) *Orchestrator {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, log: log}
}

// Heal runs one incident through the full three-tier pipeline and
// writes exactly one Resolution before returning. A fatal
// infrastructure error (store write failure) is returned to the
// caller, which per spec should propagate to the supervisor; every
// other failure mode is captured inside the returned Resolution
// itself with outcome=failure or outcome=escalated.
func (o *Orchestrator) Heal(ctx context.Context, incident store.Incident) (store.Resolution, error) {
	start := o.cfg.Clock.Now()
	incidentValue := dynval.MapOf(matchableIncident(incident))

	if rule, ok := o.cfg.Rules.Match(incident.Severity, incidentValue); ok {
		return o.runL1(ctx, incident, rule, start)
	}

	return o.runL2(ctx, incident, start)
}

// matchableIncident builds the value rule conditions are evaluated
// against: the whole incident, with raw_data nested under its own key,
// matching every condition field path a rule can name (incident_type,
// severity, site_id, host_id, created_at, raw_data.*).
func matchableIncident(incident store.Incident) map[string]interface{} {
	return map[string]interface{}{
		"id":                incident.ID,
		"site_id":           incident.SiteID,
		"host_id":           incident.HostID,
		"incident_type":     incident.IncidentType,
		"severity":          incident.Severity,
		"created_at":        incident.CreatedAt.UTC().Format(time.RFC3339),
		"pattern_signature": incident.PatternSignature,
		"raw_data":          incident.RawData,
	}
}

func (o *Orchestrator) runL1(ctx context.Context, incident store.Incident, rule *rules.Rule, start time.Time) (store.Resolution, error) {
	script, _ := rule.ActionParams["script"].(string)
	decision := guardrails.Decision{
		Site: incident.SiteID, Host: incident.HostID,
		Action: rule.Action, Script: script, Confidence: 1.0,
	}
	check := o.cfg.Guardrails.Check(decision, o.cfg.Clock.Now())
	if !check.Allowed {
		o.cfg.Rules.MarkFired(rule.ID)
		return o.escalateIncident(ctx, incident, start, nil, fmt.Sprintf("L1 match %s blocked by guardrail: %s", rule.ID, check.Reason))
	}

	o.cfg.Rules.MarkFired(rule.ID)
	res := o.runAction(ctx, incident, store.LevelL1, rule.Action, rule.ActionParams, start)
	if res.Outcome != store.OutcomeSuccess && res.Outcome != store.OutcomePartial {
		return o.escalateIncident(ctx, incident, start, nil, fmt.Sprintf("L1 action %s failed: %s", rule.Action, res.ErrorMessage))
	}
	return o.record(ctx, res)
}

func (o *Orchestrator) runL2(ctx context.Context, incident store.Incident, start time.Time) (store.Resolution, error) {
	decision, err := o.cfg.Planner.Plan(ctx, planner.IncidentFromStore(incident))
	if err != nil {
		return o.escalateIncident(ctx, incident, start, nil, "L2 plan failed: "+err.Error())
	}

	if !decision.ShouldExecute() {
		summary := summarizeL2(decision)
		return o.escalateIncident(ctx, incident, start, summary, decision.Reasoning)
	}

	script, _ := decision.ActionParams["script"].(string)
	gd := guardrails.Decision{
		Site: incident.SiteID, Host: incident.HostID,
		Action: decision.RecommendedAction, Script: script, Confidence: decision.Confidence,
	}
	check := o.cfg.Guardrails.Check(gd, o.cfg.Clock.Now())
	if !check.Allowed {
		summary := summarizeL2(decision)
		summary.RejectedBecause = check.Reason
		return o.escalateIncident(ctx, incident, start, summary, "L2 decision blocked by guardrail: "+check.Reason)
	}

	res := o.runAction(ctx, incident, store.LevelL2, decision.RecommendedAction, decision.ActionParams, start)
	res.Reasoning = decision.Reasoning
	if res.Outcome != store.OutcomeSuccess && res.Outcome != store.OutcomePartial {
		summary := summarizeL2(decision)
		return o.escalateIncident(ctx, incident, start, summary, fmt.Sprintf("L2 action %s failed: %s", decision.RecommendedAction, res.ErrorMessage))
	}
	return o.record(ctx, res)
}

func summarizeL2(d *planner.Decision) *escalate.L2DecisionSummary {
	return &escalate.L2DecisionSummary{
		RecommendedAction: d.RecommendedAction,
		Confidence:        d.Confidence,
		Reasoning:         d.Reasoning,
	}
}

// runAction drives the executor against the resolved runbook and
// target for one allowlisted action, producing a Resolution (not yet
// written to the store).
func (o *Orchestrator) runAction(ctx context.Context, incident store.Incident, level store.ResolutionLevel, action string, params map[string]interface{}, start time.Time) store.Resolution {
	rb, ok := o.cfg.Runbooks(action)
	if !ok {
		return store.Resolution{
			IncidentID: incident.ID, ResolutionLevel: level, Action: action, ActionParams: params,
			Outcome: store.OutcomeFailure, ResolvedAt: o.cfg.Clock.Now(),
			ResolutionTimeMS: o.cfg.Clock.Since(start).Milliseconds(),
			ErrorMessage:     fmt.Sprintf("no runbook registered for action %q", action),
		}
	}

	target, err := o.cfg.Targets(incident.HostID)
	if err != nil {
		return store.Resolution{
			IncidentID: incident.ID, ResolutionLevel: level, Action: action, ActionParams: params,
			Outcome: store.OutcomeFailure, ResolvedAt: o.cfg.Clock.Now(),
			ResolutionTimeMS: o.cfg.Clock.Since(start).Milliseconds(),
			ErrorMessage:     fmt.Sprintf("resolve target: %v", err),
		}
	}

	outcome := o.cfg.Executor.Run(ctx, rb, target, incident.ID)

	resOutcome := store.OutcomeSuccess
	if !outcome.Success {
		resOutcome = store.OutcomeFailure
		if outcome.RolledBack {
			resOutcome = store.OutcomePartial
		}
	}

	o.writeEvidence(incident, rb.ID, resOutcome, outcome)

	return store.Resolution{
		IncidentID: incident.ID, ResolutionLevel: level, Action: action, ActionParams: params,
		Outcome: resOutcome, ResolvedAt: o.cfg.Clock.Now(),
		ResolutionTimeMS: o.cfg.Clock.Since(start).Milliseconds(),
		ErrorMessage:     outcome.Error,
	}
}

func (o *Orchestrator) writeEvidence(incident store.Incident, runbookID string, outcome store.Outcome, execOutcome executor.Outcome) {
	if o.cfg.BundleNext == nil || o.cfg.Chain == nil || o.cfg.Signer == nil {
		return
	}
	b := o.cfg.BundleNext()
	b.SiteID = incident.SiteID
	b.HostID = incident.HostID
	b.CheckOrRunbookID = runbookID
	b.Timestamp = o.cfg.Clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	b.Outcome = string(outcome)
	b.Actions = execOutcome.Actions
	b.PHIScrubbed = true

	if err := b.Seal(o.cfg.Signer); err != nil {
		o.log.Warn("evidence seal failed", zap.String("incident_id", incident.ID), zap.Error(err))
		return
	}
	if _, err := o.cfg.Chain.Append(b); err != nil {
		o.log.Warn("evidence chain append failed", zap.String("incident_id", incident.ID), zap.Error(err))
	}
}

// escalateIncident builds a ticket from everything known about the
// incident so far, sends it through the configured channels, and
// returns a Resolution with outcome=escalated regardless of whether
// any channel actually delivered.
func (o *Orchestrator) escalateIncident(ctx context.Context, incident store.Incident, start time.Time, l2 *escalate.L2DecisionSummary, reason string) (store.Resolution, error) {
	var prior []escalate.PriorOccurrence
	if o.cfg.Store != nil {
		if pc, err := o.cfg.Store.GetPatternContext(ctx, incident.PatternSignature, 5); err == nil {
			for _, r := range pc.RecentResolutions {
				prior = append(prior, escalate.PriorOccurrence{
					ResolvedAt: r.ResolvedAt, Level: string(r.ResolutionLevel), Action: r.Action, Outcome: string(r.Outcome),
				})
			}
		}
	}

	ticket := escalate.Ticket{
		IncidentID:      incident.ID,
		SiteID:          incident.SiteID,
		HostID:          incident.HostID,
		IncidentType:    incident.IncidentType,
		Severity:        incident.Severity,
		CreatedAt:       incident.CreatedAt,
		ScrubbedRawData: incident.RawData,
		PriorOccurrences: prior,
		L2Decision:      l2,
		Reason:          reason,
	}

	if o.cfg.Escalator != nil {
		o.cfg.Escalator.Escalate(ctx, ticket, o.cfg.Clock.Now())
	}

	res := store.Resolution{
		IncidentID:       incident.ID,
		ResolutionLevel:  store.LevelL3,
		Action:           "escalate",
		Outcome:          store.OutcomeEscalated,
		ResolvedAt:       o.cfg.Clock.Now(),
		ResolutionTimeMS: o.cfg.Clock.Since(start).Milliseconds(),
		Reasoning:        reason,
	}
	return o.record(ctx, res)
}

// record writes a Resolution to the incident store, which is the
// terminal step of every path through the state machine.
func (o *Orchestrator) record(ctx context.Context, res store.Resolution) (store.Resolution, error) {
	if err := o.cfg.Store.UpdateResolution(ctx, res); err != nil {
		return res, fmt.Errorf("orchestrator: record resolution: %w", err)
	}
	return res, nil
}

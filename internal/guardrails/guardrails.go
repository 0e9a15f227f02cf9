package guardrails

import (
	"time"
)

// ConfidenceThreshold is the minimum L2 confidence for auto-execution;
// below it, decisions are forced to L3.
const ConfidenceThreshold = 0.6

// Category labels why a Decision was blocked, matching the reasons the
// orchestrator records against Resolution.outcome = escalated.
type Category string

const (
	LowConfidence      Category = "low_confidence"
	UnknownAction      Category = "unknown_action"
	DangerousPattern   Category = "dangerous_pattern"
	OutsideWindow      Category = "outside_maintenance_window"
	Cooldown           Category = "cooldown"
	EntitlementExpired Category = "entitlement_expired"
)

// Decision is the L2 output guardrails validate before execution.
type Decision struct {
	Site       string
	Host       string
	Action     string
	Script     string
	Confidence float64
	Disruptive bool // declared per runbook; gates the maintenance window check
}

// CheckResult reports whether a Decision may proceed.
type CheckResult struct {
	Allowed  bool
	Reason   string
	Category Category
	// DeferUntil is set when a disruptive action is blocked only by the
	// maintenance window and its next opening is within the deferral
	// horizon — the orchestrator should reopen the incident then instead
	// of escalating.
	DeferUntil time.Time
}

// Guardrails composes every safety check into one gate the orchestrator
// calls before any L2 or promoted-L1 action executes.
type Guardrails struct {
	allowlist   *Allowlist
	limiter     *RateLimiter
	window      *MaintenanceWindow
	deferHorizon time.Duration
	entitled    func(site string) bool
}

// Option configures optional guardrail gates.
type Option func(*Guardrails)

// WithMaintenanceWindow gates disruptive actions to the given window;
// actions whose next opening is beyond horizon escalate instead of deferring.
func WithMaintenanceWindow(w MaintenanceWindow, horizon time.Duration) Option {
	return func(g *Guardrails) {
		g.window = &w
		g.deferHorizon = horizon
	}
}

// WithEntitlement gates all healing (not just disruptive actions) on the
// site's subscription/entitlement status as a deny-by-default guardrail.
func WithEntitlement(entitled func(site string) bool) Option {
	return func(g *Guardrails) { g.entitled = entitled }
}

// New builds a Guardrails gate around an Allowlist and RateLimiter.
func New(allowlist *Allowlist, limiter *RateLimiter, opts ...Option) *Guardrails {
	g := &Guardrails{allowlist: allowlist, limiter: limiter}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check runs every applicable gate in order: confidence, allowlist,
// dangerous pattern, entitlement, maintenance window, rate-limit cooldown.
// The first failing gate wins.
func (g *Guardrails) Check(d Decision, now time.Time) CheckResult {
	if d.Confidence < ConfidenceThreshold {
		return CheckResult{Reason: "confidence too low for auto-execution", Category: LowConfidence}
	}
	if !g.allowlist.IsAllowed(d.Action) {
		return CheckResult{Reason: "action not in allowed list: " + d.Action, Category: UnknownAction}
	}
	if reason := g.allowlist.DangerousMatch(d.Script); reason != "" {
		return CheckResult{Reason: reason, Category: DangerousPattern}
	}
	if reason := g.allowlist.DangerousMatch(d.Action); reason != "" {
		return CheckResult{Reason: reason, Category: DangerousPattern}
	}
	if g.entitled != nil && !g.entitled(d.Site) {
		return CheckResult{Reason: "site entitlement is not active", Category: EntitlementExpired}
	}
	if d.Disruptive && g.window != nil && !g.window.Contains(now) {
		if g.window.WithinDeferralHorizon(now, g.deferHorizon) {
			return CheckResult{Reason: "outside maintenance window, deferring", Category: OutsideWindow, DeferUntil: g.window.NextStart(now)}
		}
		return CheckResult{Reason: "outside maintenance window, next opening beyond deferral horizon", Category: OutsideWindow}
	}
	if g.limiter != nil && !g.limiter.Allow(d.Site, d.Host, d.Action) {
		return CheckResult{Reason: "blocked: cooldown", Category: Cooldown}
	}
	return CheckResult{Allowed: true}
}

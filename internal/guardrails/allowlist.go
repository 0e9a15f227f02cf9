// Package guardrails bounds every auto-executed action: the allowlist,
// dangerous-script blocklist, confidence threshold, cost/concurrency
// budget, maintenance-window gate, and rate-limit cooldown that stand
// between an L2 decision and a live remediation.
package guardrails

import (
	"regexp"
	"strings"
)

// DefaultAllowedActions is the canonical action set auto-remediation may
// use. escalate is always allowed regardless of a custom allowlist.
var DefaultAllowedActions = []string{
	"restart_service",
	"enable_service",
	"configure_firewall",
	"apply_gpo",
	"enable_bitlocker",
	"fix_audit_policy",
	"apply_ssh_hardening",
	"fix_ntp",
	"fix_permissions",
	"enable_defender",
	"fix_password_policy",
	"restore_firewall_baseline",
	"escalate",
}

var dangerousPatternDefs = []string{
	`rm\s+(-[a-zA-Z]*)?r[a-zA-Z]*f\s+/`,
	`rm\s+(-[a-zA-Z]*)?f[a-zA-Z]*r\s+/`,
	`\bmkfs\b`,
	`\bfdisk\b`,
	`\bdd\s+if=/dev/zero\b`,
	`\bdd\s+if=/dev/urandom\b`,
	`chmod\s+777\s+/`,
	`chmod\s+(-[a-zA-Z]*)?R\s+777\b`,
	`curl\s+.*\|\s*(?:ba)?sh`,
	`wget\s+.*\|\s*(?:ba)?sh`,
	`curl\s+.*\|\s*python`,
	`wget\s+.*\|\s*python`,
	`(?i)\bDROP\s+(?:TABLE|DATABASE)\b`,
	`(?i)\bDELETE\s+FROM\b`,
	`(?i)\bTRUNCATE\b`,
	`/etc/shadow`,
	`\bid_rsa\b`,
	`(?i)\bapi[_\s]?key\b`,
	`\.env\b`,
	`\bnc\s+.*-[a-zA-Z]*e\s+/bin/`,
	`\bncat\s+.*-[a-zA-Z]*e\s+/bin/`,
	`/dev/tcp/`,
	`\b(?:shutdown|reboot|halt|poweroff)\b.*-[a-zA-Z]*f\b`,
	`>\s*/dev/sda`,
	`(?i)Format-Volume`,
	`(?i)Clear-Disk`,
	`(?i)Remove-Partition`,
	`(?i)Stop-Computer\s+-Force`,
}

// Allowlist validates action names and scans scripts for destructive
// patterns. It holds no mutable state and is safe for concurrent use.
type Allowlist struct {
	allowed  map[string]bool
	patterns []*regexp.Regexp
}

// NewAllowlist builds an Allowlist. A nil or empty actions slice falls
// back to DefaultAllowedActions; escalate is always permitted.
func NewAllowlist(actions []string) *Allowlist {
	if len(actions) == 0 {
		actions = DefaultAllowedActions
	}
	allowed := make(map[string]bool, len(actions)+1)
	for _, a := range actions {
		allowed[strings.ToLower(a)] = true
	}
	allowed["escalate"] = true

	patterns := make([]*regexp.Regexp, 0, len(dangerousPatternDefs))
	for _, p := range dangerousPatternDefs {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	return &Allowlist{allowed: allowed, patterns: patterns}
}

// IsAllowed reports whether action appears in the allowlist (case-insensitive).
func (a *Allowlist) IsAllowed(action string) bool {
	return a.allowed[strings.ToLower(action)]
}

// DangerousMatch scans input for a destructive pattern, returning a
// human-readable reason, or "" if none matched.
func (a *Allowlist) DangerousMatch(input string) string {
	for _, p := range a.patterns {
		if p.MatchString(input) {
			return "dangerous pattern detected: " + p.String()
		}
	}
	return ""
}

// Actions returns the allowlisted action names.
func (a *Allowlist) Actions() []string {
	out := make([]string, 0, len(a.allowed))
	for act := range a.allowed {
		out = append(out, act)
	}
	return out
}

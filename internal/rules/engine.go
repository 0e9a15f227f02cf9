package rules

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/osiriscare/appliance/internal/clock"
	"github.com/osiriscare/appliance/internal/crypto"
	"github.com/osiriscare/appliance/internal/dynval"
	"go.uber.org/zap"
)

// Engine evaluates the layered rule catalog — builtin, custom, promoted —
// against incoming incidents and enforces per-rule cooldowns. Rules synced
// from the control plane are installed in the custom tier.
type Engine struct {
	mu        sync.RWMutex
	clock     clock.Clock
	log       *zap.Logger
	isAllowed func(action string) bool
	verifier  *crypto.OrderVerifier

	rules     []*Rule
	byID      map[string]*Rule
	lastFired map[string]time.Time
}

// NewEngine builds an engine. isAllowed gates rule actions against the
// guardrails allowlist at load time; verifier checks signatures on synced
// and promoted bundles before they are trusted.
func NewEngine(c clock.Clock, log *zap.Logger, isAllowed func(action string) bool, verifier *crypto.OrderVerifier) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		clock:     c,
		log:       log,
		isAllowed: isAllowed,
		verifier:  verifier,
		byID:      map[string]*Rule{},
		lastFired: map[string]time.Time{},
	}
}

// LoadBuiltin installs the immutable starter catalog. Safe to call once at
// startup; calling it again replaces any previously loaded builtin rules.
func (e *Engine) LoadBuiltin() error {
	return e.replaceSource(SourceBuiltin, builtinRules())
}

// LoadCustom validates and installs operator-authored rules, replacing any
// previously loaded custom rules.
func (e *Engine) LoadCustom(rules []*Rule) error {
	for _, r := range rules {
		r.Source = SourceCustom
	}
	return e.replaceSource(SourceCustom, rules)
}

// LoadSyncedBundle verifies the control plane's signature over rulesJSON,
// then installs the decoded rules as the custom tier, replacing any
// previously loaded custom rules. An unsigned or
// badly signed bundle is rejected outright — no rule from it is loaded.
func (e *Engine) LoadSyncedBundle(rulesJSON, signatureHex string) error {
	if e.verifier == nil || !e.verifier.HasKey() {
		return fmt.Errorf("rules: no control plane key configured, refusing unsigned bundle")
	}
	if err := e.verifier.VerifyRuleBundle(rulesJSON, signatureHex); err != nil {
		return fmt.Errorf("rules: synced bundle signature invalid: %w", err)
	}
	var rules []*Rule
	if err := json.Unmarshal([]byte(rulesJSON), &rules); err != nil {
		return fmt.Errorf("rules: decode synced bundle: %w", err)
	}
	for _, r := range rules {
		r.Source = SourceCustom
	}
	return e.replaceSource(SourceCustom, rules)
}

// LoadPromoted verifies a self-signed promoted-rule bundle (written by the
// learning loop and signed with the appliance's own key) and installs it
// as the "promoted" tier.
func (e *Engine) LoadPromoted(rulesJSON, signatureHex string) error {
	if e.verifier == nil || !e.verifier.HasKey() {
		return fmt.Errorf("rules: no signing key configured, refusing unsigned promoted bundle")
	}
	if err := e.verifier.VerifyRuleBundle(rulesJSON, signatureHex); err != nil {
		return fmt.Errorf("rules: promoted bundle signature invalid: %w", err)
	}
	var rules []*Rule
	if err := json.Unmarshal([]byte(rulesJSON), &rules); err != nil {
		return fmt.Errorf("rules: decode promoted bundle: %w", err)
	}
	for _, r := range rules {
		r.Source = SourcePromoted
	}
	return e.replaceSource(SourcePromoted, rules)
}

// replaceSource validates every rule in newRules against the allowlist,
// drops any that fail validation (logging why), then atomically swaps the
// rules belonging to source for the validated set.
func (e *Engine) replaceSource(source Source, newRules []*Rule) error {
	validated := make([]*Rule, 0, len(newRules))
	for _, r := range newRules {
		if err := r.Validate(e.isAllowed); err != nil {
			e.log.Warn("rejecting rule at load time", zap.String("rule_id", r.ID), zap.Error(err))
			continue
		}
		validated = append(validated, r)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	kept := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Source != source {
			kept = append(kept, r)
		}
	}
	kept = append(kept, validated...)
	sortRules(kept)

	e.rules = kept
	e.byID = make(map[string]*Rule, len(kept))
	for _, r := range kept {
		e.byID[r.ID] = r
	}
	return nil
}

// Match returns the highest-priority enabled rule whose conditions match
// the incident and which is not currently in cooldown, or (nil, false).
func (e *Engine) Match(severity string, raw dynval.Value) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.clock.Now()
	for _, r := range e.rules {
		if !r.Matches(severity, raw) {
			continue
		}
		if last, ok := e.lastFired[r.ID]; ok {
			cooldown := time.Duration(r.CooldownSeconds) * time.Second
			if now.Sub(last) < cooldown {
				continue
			}
		}
		return r, true
	}
	return nil, false
}

// MarkFired records that rule id just fired, starting its cooldown.
func (e *Engine) MarkFired(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastFired[id] = e.clock.Now()
}

// Rules returns a snapshot of the currently loaded, priority-sorted rules.
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// RuleByID looks up a single rule, used by the orchestrator when recording
// which rule produced a resolution.
func (e *Engine) RuleByID(id string) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.byID[id]
	return r, ok
}

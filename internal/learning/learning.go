// Package learning is the data flywheel: a background loop that mines the
// incident store for patterns the L2 planner has resolved reliably enough
// to promote into self-signed L1 rules, and watches newly promoted rules
// for regressions so a bad promotion doesn't silently keep firing.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/osiriscare/appliance/internal/clock"
	"github.com/osiriscare/appliance/internal/crypto"
	"github.com/osiriscare/appliance/internal/rules"
	"github.com/osiriscare/appliance/internal/store"
	"go.uber.org/zap"
)

const (
	defaultConfidenceThreshold = 0.75
	defaultRollbackWindow      = 20
	defaultRollbackFailureRate = 0.25
	patternContextWindow       = 200
)

// ReviewCandidate is a pattern that cleared the store's eligibility gate
// (volume, success rate, resolution time) but not the confidence threshold,
// or cleared both but auto-promotion is disabled; it's surfaced for an
// operator to promote by hand instead.
type ReviewCandidate struct {
	PatternSignature string
	Confidence       float64
	Occurrences      int
	SuccessRate      float64
}

// Report summarizes one RunOnce pass.
type Report struct {
	Promoted   []string
	RolledBack []string
	Review     []ReviewCandidate
}

// Config wires a Learner's dependencies.
type Config struct {
	Store  *store.Store
	Rules  *rules.Engine
	Signer *crypto.Signer
	Clock  clock.Clock

	// ConfidenceThreshold is the score a candidate must clear to be
	// auto-promoted; defaults to 0.75.
	ConfidenceThreshold float64
	// AutoPromote gates whether candidates above threshold are promoted
	// automatically or only ever surfaced for operator review.
	AutoPromote bool
	// RollbackWindow is how many L1-handled incidents of a promoted rule
	// are observed before its success rate is judged; defaults to 20.
	RollbackWindow int
	// RollbackFailureRate is the failure rate within that window that
	// triggers disabling the rule; defaults to 0.25.
	RollbackFailureRate float64
	// RunbookHIPAAControls resolves the HIPAA controls a given action
	// touches, copied onto promoted rules for audit completeness. May be
	// nil, in which case promoted rules carry no HIPAA control list.
	RunbookHIPAAControls func(action string) []string

	Log *zap.Logger
}

// Learner runs the promotion and rollback passes.
type Learner struct {
	cfg Config
	log *zap.Logger
}

// New builds a Learner, applying defaults for any unset threshold.
func New(cfg Config) *Learner {
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = defaultConfidenceThreshold
	}
	if cfg.RollbackWindow == 0 {
		cfg.RollbackWindow = defaultRollbackWindow
	}
	if cfg.RollbackFailureRate == 0 {
		cfg.RollbackFailureRate = defaultRollbackFailureRate
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Learner{cfg: cfg, log: log}
}

// Run executes RunOnce immediately, then again every interval until ctx is
// canceled. Intended to be started as its own goroutine with a 24h
// interval in production; tests should call RunOnce directly instead.
func (l *Learner) Run(ctx context.Context, interval time.Duration) {
	l.runAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			l.runAndLog(ctx)
		}
	}
}

func (l *Learner) runAndLog(ctx context.Context) {
	report, err := l.RunOnce(ctx)
	if err != nil {
		l.log.Error("learning pass failed", zap.Error(err))
		return
	}
	l.log.Info("learning pass complete",
		zap.Strings("promoted", report.Promoted),
		zap.Strings("rolled_back", report.RolledBack),
		zap.Int("review_queue", len(report.Review)))
}

// RunOnce evaluates every promotion candidate, promotes the ones that
// qualify, checks already-promoted rules for rollback, and re-signs and
// reloads the promoted rule tier in a single atomic swap.
func (l *Learner) RunOnce(ctx context.Context) (Report, error) {
	now := l.cfg.Clock.Now()
	var report Report

	promoted := make(map[string]*rules.Rule)
	for _, r := range l.cfg.Rules.Rules() {
		if r.Source == rules.SourcePromoted {
			promoted[r.ID] = r
		}
	}

	candidates, err := l.cfg.Store.PromotionCandidates(ctx)
	if err != nil {
		return report, fmt.Errorf("learning: list promotion candidates: %w", err)
	}

	for _, ps := range candidates {
		if !ps.PromotionEligible {
			continue
		}

		pc, err := l.cfg.Store.GetPatternContext(ctx, ps.PatternSignature, patternContextWindow)
		if err != nil {
			l.log.Warn("skipping candidate, pattern context query failed", zap.String("pattern_signature", ps.PatternSignature), zap.Error(err))
			continue
		}

		consistency := ActionConsistency(pc.ActionFrequencies)
		confidence := Confidence(ps, consistency, now)

		if confidence < l.cfg.ConfidenceThreshold || !l.cfg.AutoPromote {
			report.Review = append(report.Review, ReviewCandidate{
				PatternSignature: ps.PatternSignature,
				Confidence:       confidence,
				Occurrences:      ps.Occurrences,
				SuccessRate:      pc.SuccessRate,
			})
			continue
		}

		action, ok := DominantAction(pc.ActionFrequencies)
		if !ok {
			continue
		}
		sample, ok, err := l.cfg.Store.SampleIncident(ctx, ps.PatternSignature)
		if err != nil || !ok {
			l.log.Warn("skipping candidate, no sample incident", zap.String("pattern_signature", ps.PatternSignature))
			continue
		}

		var hipaa []string
		if l.cfg.RunbookHIPAAControls != nil {
			hipaa = l.cfg.RunbookHIPAAControls(action)
		}

		params := actionParamsFor(pc.RecentResolutions, action)
		rule := BuildPromotedRule(ps, sample, action, params, hipaa, confidence, now)
		promoted[rule.ID] = rule
		report.Promoted = append(report.Promoted, rule.ID)
	}

	for id, rule := range promoted {
		if !rule.Enabled || rule.Promotion == nil {
			continue
		}
		shouldRollback, err := l.checkRollback(ctx, rule)
		if err != nil {
			l.log.Warn("rollback check failed", zap.String("rule_id", id), zap.Error(err))
			continue
		}
		if shouldRollback {
			disabled := *rule
			disabled.Enabled = false
			promoted[id] = &disabled
			report.RolledBack = append(report.RolledBack, id)
			l.log.Warn("disabling promoted rule after rollback threshold breach", zap.String("rule_id", id))
		}
	}

	if err := l.reload(promoted); err != nil {
		return report, err
	}
	return report, nil
}

// checkRollback reports whether rule's first RollbackWindow L1 resolutions
// since promotion fall below the acceptable success rate. Returns false
// until that many L1 resolutions have actually accumulated.
func (l *Learner) checkRollback(ctx context.Context, rule *rules.Rule) (bool, error) {
	promotedAt, err := time.Parse(time.RFC3339, rule.Promotion.PromotedAt)
	if err != nil {
		return false, fmt.Errorf("parse promoted_at: %w", err)
	}

	pc, err := l.cfg.Store.GetPatternContext(ctx, signatureFromRuleID(rule.ID), patternContextWindow)
	if err != nil {
		return false, err
	}

	var window []store.Resolution
	for _, r := range pc.RecentResolutions {
		if r.ResolutionLevel == store.LevelL1 && !r.ResolvedAt.Before(promotedAt) {
			window = append(window, r)
		}
	}
	sort.Slice(window, func(i, j int) bool { return window[i].ResolvedAt.Before(window[j].ResolvedAt) })
	if len(window) > l.cfg.RollbackWindow {
		window = window[:l.cfg.RollbackWindow]
	}
	if len(window) < l.cfg.RollbackWindow {
		return false, nil
	}

	var failures int
	for _, r := range window {
		if r.Outcome != store.OutcomeSuccess {
			failures++
		}
	}
	return float64(failures)/float64(len(window)) > l.cfg.RollbackFailureRate, nil
}

// reload canonicalizes the full promoted-rule set, self-signs it with the
// appliance's own key, and installs it as the engine's promoted tier.
func (l *Learner) reload(promoted map[string]*rules.Rule) error {
	list := make([]*rules.Rule, 0, len(promoted))
	for _, r := range promoted {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	rulesJSON, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("learning: marshal promoted rules: %w", err)
	}
	signature := l.cfg.Signer.Sign(rulesJSON)

	if err := l.cfg.Rules.LoadPromoted(string(rulesJSON), signature); err != nil {
		return fmt.Errorf("learning: load promoted rules: %w", err)
	}
	return nil
}

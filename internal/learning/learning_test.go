package learning

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/osiriscare/appliance/internal/clock"
	"github.com/osiriscare/appliance/internal/crypto"
	"github.com/osiriscare/appliance/internal/rules"
	"github.com/osiriscare/appliance/internal/store"
)

func TestActionConsistencyAllSameAction(t *testing.T) {
	if got := ActionConsistency(map[string]int{"restart_service": 10}); got != 1.0 {
		t.Errorf("ActionConsistency() = %v, want 1.0", got)
	}
}

func TestActionConsistencySplitEvenly(t *testing.T) {
	got := ActionConsistency(map[string]int{"a": 5, "b": 5})
	if got != 0.5 {
		t.Errorf("ActionConsistency() = %v, want 0.5", got)
	}
}

func TestConfidenceClampedToUnitRange(t *testing.T) {
	now := time.Now()
	ps := store.PatternStats{Occurrences: 1000, Successes: 1000, Failures: 0, LastSeen: now}
	if got := Confidence(ps, 1.0, now); got != 1.0 {
		t.Errorf("Confidence() = %v, want 1.0 clamp", got)
	}

	stale := store.PatternStats{Occurrences: 1, Successes: 0, Failures: 1, LastSeen: now.Add(-365 * 24 * time.Hour)}
	if got := Confidence(stale, 0, now); got != 0 {
		t.Errorf("Confidence() = %v, want 0 clamp", got)
	}
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

func newTestSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.LoadOrCreateSigner(filepath.Join(t.TempDir(), "signer.key"))
	if err != nil {
		t.Fatalf("LoadOrCreateSigner() error = %v", err)
	}
	return s
}

// seedEligiblePattern writes enough incidents+resolutions under one
// pattern_signature to clear the store's promotion eligibility gate
// (occurrences>=5, l2_resolutions>=3, success_rate>=0.9, avg_ms<=30000).
func seedEligiblePattern(t *testing.T, st *store.Store, sig string, c clock.Clock, n int, action string) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := sig + "-inc-" + string(rune('a'+i))
		inc := store.Incident{
			ID: id, SiteID: "site-1", HostID: "host-1",
			IncidentType: "open_ports", Severity: "high",
			RawData:          map[string]interface{}{"drift_detected": true, "check_name": "open_ports"},
			PatternSignature: sig,
			CreatedAt:        c.Now(),
		}
		if err := st.RecordIncident(context.Background(), inc); err != nil {
			t.Fatalf("RecordIncident() error = %v", err)
		}
		if err := st.UpdateResolution(context.Background(), store.Resolution{
			IncidentID: id, ResolutionLevel: store.LevelL2, Action: action,
			ActionParams: map[string]interface{}{"port": 8080},
			Outcome:      store.OutcomeSuccess, ResolvedAt: c.Now(), ResolutionTimeMS: 500,
		}); err != nil {
			t.Fatalf("UpdateResolution() error = %v", err)
		}
	}
}

func TestRunOncePromotesEligibleCandidate(t *testing.T) {
	c := clock.NewFake(time.Now())
	st := newTestStore(t)
	signer := newTestSigner(t)
	engine := rules.NewEngine(c, nil, func(string) bool { return true }, crypto.NewOrderVerifier(signer.PublicKeyHex()))

	seedEligiblePattern(t, st, "sig-firewall", c, 6, "configure_firewall")

	l := New(Config{
		Store: st, Rules: engine, Signer: signer, Clock: c,
		ConfidenceThreshold: 0.5, AutoPromote: true,
	})

	report, err := l.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(report.Promoted) != 1 || report.Promoted[0] != "promoted:sig-firewall" {
		t.Fatalf("report.Promoted = %v, want [promoted:sig-firewall]", report.Promoted)
	}

	r, ok := engine.RuleByID("promoted:sig-firewall")
	if !ok {
		t.Fatal("promoted rule not found in engine after reload")
	}
	if !r.Enabled || r.Source != rules.SourcePromoted || r.Action != "configure_firewall" {
		t.Errorf("got %+v, want enabled promoted configure_firewall rule", r)
	}
	if r.Priority != 50 {
		t.Errorf("Priority = %d, want 50", r.Priority)
	}
}

func TestRunOnceBelowThresholdGoesToReviewQueue(t *testing.T) {
	c := clock.NewFake(time.Now())
	st := newTestStore(t)
	signer := newTestSigner(t)
	engine := rules.NewEngine(c, nil, func(string) bool { return true }, crypto.NewOrderVerifier(signer.PublicKeyHex()))

	seedEligiblePattern(t, st, "sig-low-confidence", c, 5, "configure_firewall")

	l := New(Config{
		Store: st, Rules: engine, Signer: signer, Clock: c,
		ConfidenceThreshold: 1.1, AutoPromote: true,
	})

	report, err := l.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(report.Promoted) != 0 {
		t.Errorf("expected no promotions, got %v", report.Promoted)
	}
	if len(report.Review) != 1 {
		t.Fatalf("expected 1 review candidate, got %d", len(report.Review))
	}
	if _, ok := engine.RuleByID("promoted:sig-low-confidence"); ok {
		t.Error("candidate below threshold should not be loaded into the engine")
	}
}

func TestRunOnceWithoutAutoPromoteNeverPromotes(t *testing.T) {
	c := clock.NewFake(time.Now())
	st := newTestStore(t)
	signer := newTestSigner(t)
	engine := rules.NewEngine(c, nil, func(string) bool { return true }, crypto.NewOrderVerifier(signer.PublicKeyHex()))

	seedEligiblePattern(t, st, "sig-manual-review", c, 10, "restart_service")

	l := New(Config{
		Store: st, Rules: engine, Signer: signer, Clock: c,
		ConfidenceThreshold: 0.1, AutoPromote: false,
	})

	report, err := l.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(report.Promoted) != 0 {
		t.Errorf("AutoPromote=false must never promote, got %v", report.Promoted)
	}
	if len(report.Review) != 1 {
		t.Errorf("expected candidate surfaced for manual review, got %d", len(report.Review))
	}
}

func TestRunOnceRollsBackAfterFailureRateBreach(t *testing.T) {
	c := clock.NewFake(time.Now())
	st := newTestStore(t)
	signer := newTestSigner(t)
	engine := rules.NewEngine(c, nil, func(string) bool { return true }, crypto.NewOrderVerifier(signer.PublicKeyHex()))

	sig := "sig-regressed"
	promotedAt := c.Now().Add(-48 * time.Hour)
	rule := &rules.Rule{
		ID: promotedRuleID(sig), Name: "learned", Enabled: true, Priority: 50,
		Source: rules.SourcePromoted, Action: "configure_firewall",
		Conditions: []rules.Condition{{Field: "drift_detected", Operator: rules.OpEquals, Value: true}},
		Promotion: &rules.PromotionMetadata{
			Confidence: 0.9, PromotedAt: promotedAt.UTC().Format(time.RFC3339), PromotedBy: "learning-loop",
		},
	}
	rulesJSON, err := json.Marshal([]*rules.Rule{rule})
	if err != nil {
		t.Fatalf("marshal seed rule: %v", err)
	}
	if err := engine.LoadPromoted(string(rulesJSON), signer.Sign(rulesJSON)); err != nil {
		t.Fatalf("LoadPromoted() seed error = %v", err)
	}

	// 20 mostly-failing L1 resolutions since promotion, under the default
	// rollback window and failure-rate threshold.
	for i := 0; i < 20; i++ {
		id := sig + "-l1-" + string(rune('a'+i))
		inc := store.Incident{
			ID: id, SiteID: "site-1", HostID: "host-1", IncidentType: "firewall_status",
			Severity: "high", RawData: map[string]interface{}{"drift_detected": true},
			PatternSignature: sig, CreatedAt: promotedAt.Add(time.Duration(i+1) * time.Hour),
		}
		if err := st.RecordIncident(context.Background(), inc); err != nil {
			t.Fatalf("RecordIncident() error = %v", err)
		}
		outcome := store.OutcomeFailure
		if i%4 == 0 {
			outcome = store.OutcomeSuccess
		}
		if err := st.UpdateResolution(context.Background(), store.Resolution{
			IncidentID: id, ResolutionLevel: store.LevelL1, Action: "configure_firewall",
			Outcome: outcome, ResolvedAt: promotedAt.Add(time.Duration(i+1) * time.Hour), ResolutionTimeMS: 200,
		}); err != nil {
			t.Fatalf("UpdateResolution() error = %v", err)
		}
	}

	l := New(Config{Store: st, Rules: engine, Signer: signer, Clock: c, AutoPromote: true})
	report, err := l.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(report.RolledBack) != 1 || report.RolledBack[0] != promotedRuleID(sig) {
		t.Fatalf("report.RolledBack = %v, want [%s]", report.RolledBack, promotedRuleID(sig))
	}

	r, ok := engine.RuleByID(promotedRuleID(sig))
	if !ok {
		t.Fatal("rolled-back rule should remain loaded, just disabled")
	}
	if r.Enabled {
		t.Error("expected rolled-back rule to be disabled")
	}
}

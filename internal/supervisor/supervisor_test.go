package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/osiriscare/appliance/internal/clock"
	"github.com/osiriscare/appliance/internal/controlplane"
	"github.com/osiriscare/appliance/internal/drift"
	"github.com/osiriscare/appliance/internal/executor"
	"github.com/osiriscare/appliance/internal/guardrails"
	"github.com/osiriscare/appliance/internal/orchestrator"
	"github.com/osiriscare/appliance/internal/phi"
	"github.com/osiriscare/appliance/internal/rules"
	"github.com/osiriscare/appliance/internal/store"
)

type fakeExecutor struct{ outcome executor.Outcome }

func (f *fakeExecutor) Run(ctx context.Context, rb executor.Runbook, target executor.HostTarget, actionID string) executor.Outcome {
	return f.outcome
}

type noopCollector struct{}

func (noopCollector) Collect(ctx context.Context, hostID, platform string) (drift.HostSnapshot, error) {
	return drift.HostSnapshot{HostID: hostID, Platform: platform}, nil
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

// buildOrchestrator wires a minimal orchestrator whose single rule matches
// every incident and always succeeds, so Heal() never reaches the L2
// planner or escalation path.
func buildOrchestrator(t *testing.T, st *store.Store, c clock.Clock) *orchestrator.Orchestrator {
	t.Helper()
	allowlist := guardrails.NewAllowlist([]string{"noop"})
	gr := guardrails.New(allowlist, guardrails.NewRateLimiter(c, time.Minute))

	engine := rules.NewEngine(c, nil, allowlist.IsAllowed, nil)
	if err := engine.LoadCustom([]*rules.Rule{{
		ID: "catch-all", Enabled: true, Priority: 10,
		Action:       "noop",
		ActionParams: map[string]interface{}{},
	}}); err != nil {
		t.Fatalf("LoadCustom() error = %v", err)
	}

	return orchestrator.New(orchestrator.Config{
		Rules:      engine,
		Guardrails: gr,
		Store:      st,
		Executor:   &fakeExecutor{outcome: executor.Outcome{Success: true}},
		Runbooks: func(action string) (executor.Runbook, bool) {
			return executor.Runbook{ID: "rb-" + action, Platform: executor.PlatformLinux}, true
		},
		Targets: func(hostID string) (executor.HostTarget, error) {
			return executor.HostTarget{}, nil
		},
		Clock: c,
	})
}

func testIncident(id, pattern string) store.Incident {
	return store.Incident{
		ID: id, SiteID: "site-1", HostID: "host-1",
		IncidentType: "firewall_status", Severity: "high",
		RawData:          map[string]interface{}{},
		PatternSignature: pattern,
	}
}

func newTestSupervisor(t *testing.T, capacity int) *Supervisor {
	t.Helper()
	c := clock.NewFake(time.Now())
	st := newTestStore(t)
	scanner := drift.New(drift.Config{}, noopCollector{}, st, phi.New(), c, nil)
	orch := buildOrchestrator(t, st, c)

	sup, err := New(Config{
		SiteID:                "site-1",
		HostIDs:               func() []string { return []string{"host-1"} },
		PlatformOf:            func(string) string { return "linux" },
		Scanner:               scanner,
		Orchestrator:          orch,
		IncidentQueueCapacity: capacity,
		CycleBudget:           20 * time.Millisecond,
		Clock:                 c,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return sup
}

func TestNewRequiresScannerAndOrchestrator(t *testing.T) {
	if _, err := New(Config{SiteID: "s1"}); err == nil {
		t.Fatal("New() error = nil, want missing Scanner/Orchestrator error")
	}
}

func TestSubmitIncidentFillsChannel(t *testing.T) {
	sup := newTestSupervisor(t, 2)
	ctx := context.Background()

	sup.submitIncident(ctx, testIncident("a", "sig-a"))
	sup.submitIncident(ctx, testIncident("b", "sig-b"))

	if len(sup.incidents) != 2 {
		t.Fatalf("channel depth = %d, want 2", len(sup.incidents))
	}
}

func TestSubmitIncidentDropsDuplicatePatternFirst(t *testing.T) {
	sup := newTestSupervisor(t, 1)
	ctx := context.Background()

	sup.submitIncident(ctx, testIncident("a", "sig-dup"))
	if len(sup.incidents) != 1 {
		t.Fatalf("channel depth = %d, want 1", len(sup.incidents))
	}

	// Channel is full; a second incident with the same pattern_signature
	// should be dropped immediately rather than blocking for CycleBudget.
	start := time.Now()
	sup.submitIncident(ctx, testIncident("b", "sig-dup"))
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("duplicate submission took %v, want near-instant drop", elapsed)
	}
	if len(sup.incidents) != 1 {
		t.Fatalf("channel depth = %d, want still 1 after dropped duplicate", len(sup.incidents))
	}

	dropped := testutilCounterValue(t, sup, "sig-dup")
	if dropped != 1 {
		t.Errorf("incidents_dropped_total{sig-dup} = %v, want 1", dropped)
	}
}

func TestSubmitIncidentBlocksThenDropsNonDuplicate(t *testing.T) {
	sup := newTestSupervisor(t, 1)
	sup.cfg.CycleBudget = 15 * time.Millisecond
	ctx := context.Background()

	sup.submitIncident(ctx, testIncident("a", "sig-a"))

	start := time.Now()
	sup.submitIncident(ctx, testIncident("b", "sig-b"))
	elapsed := time.Since(start)
	if elapsed < sup.cfg.CycleBudget {
		t.Errorf("non-duplicate submission returned after %v, want to wait out the cycle budget", elapsed)
	}
	if len(sup.incidents) != 1 {
		t.Fatalf("channel depth = %d, want 1 (second incident dropped)", len(sup.incidents))
	}
}

func TestHealerLoopDecrementsPendingCount(t *testing.T) {
	sup := newTestSupervisor(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.submitIncident(ctx, testIncident("a", "sig-a"))
	if sup.pending.get("sig-a") != 1 {
		t.Fatalf("pending count = %d, want 1 before healing", sup.pending.get("sig-a"))
	}

	done := make(chan struct{})
	go func() {
		sup.healerLoop(ctx, 0)
		close(done)
	}()

	deadline := time.After(time.Second)
	for sup.pending.get("sig-a") != 0 {
		select {
		case <-deadline:
			t.Fatal("healer never drained pending count for sig-a")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestEntitledDefaultsToTrueBeforeFirstCheckin(t *testing.T) {
	sup := newTestSupervisor(t, 1)
	if !sup.Entitled("site-1") {
		t.Error("Entitled() = false before any check-in, want true")
	}
	if sup.Entitled("other-site") {
		t.Error("Entitled() = true for a different site, want false")
	}
}

func TestEntitledReflectsSubscriptionStatus(t *testing.T) {
	sup := newTestSupervisor(t, 1)
	sup.setSubscriptionStatus("past_due")
	if sup.Entitled("site-1") {
		t.Error("Entitled() = true with past_due status, want false")
	}
	sup.setSubscriptionStatus("active")
	if !sup.Entitled("site-1") {
		t.Error("Entitled() = false with active status, want true")
	}
}

func TestLatestCredentialsZeroedOnOverwrite(t *testing.T) {
	sup := newTestSupervisor(t, 1)
	sup.setCredentials([]controlplane.Credential{{HostID: "h1", Username: "u", Password: "p1"}})
	first := sup.LatestCredentials()
	if first[0].Password != "p1" {
		t.Fatalf("Password = %q, want p1", first[0].Password)
	}

	sup.setCredentials([]controlplane.Credential{{HostID: "h2", Username: "u2", Password: "p2"}})
	second := sup.LatestCredentials()
	if len(second) != 1 || second[0].HostID != "h2" {
		t.Fatalf("LatestCredentials() = %+v, want only h2's credential", second)
	}
	if first[0].Password != "p1" {
		t.Error("previously returned copy should not be mutated by a later overwrite")
	}
}

func TestPatternCounts(t *testing.T) {
	p := newPatternCounts()
	p.inc("x")
	p.inc("x")
	if got := p.get("x"); got != 2 {
		t.Fatalf("get(x) = %d, want 2", got)
	}
	p.dec("x")
	if got := p.get("x"); got != 1 {
		t.Fatalf("get(x) = %d, want 1", got)
	}
	p.dec("x")
	if got := p.get("x"); got != 0 {
		t.Fatalf("get(x) = %d, want 0", got)
	}
}

func testutilCounterValue(t *testing.T, sup *Supervisor, label string) float64 {
	t.Helper()
	metricFamilies, err := sup.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != "appliance_supervisor_incidents_dropped_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "pattern_signature" && l.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "incidents.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordIncidentAndResolutionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := Incident{
		ID: "inc-1", SiteID: "site-a", HostID: "host-1", IncidentType: "firewall_drift",
		Severity: "high", CreatedAt: time.Now(), RawData: map[string]interface{}{"rule": "default-deny"},
		PatternSignature: "sig-fw-1",
	}
	if err := s.RecordIncident(ctx, inc); err != nil {
		t.Fatalf("RecordIncident() error = %v", err)
	}

	res := Resolution{
		IncidentID: "inc-1", ResolutionLevel: LevelL1, Action: "restore_firewall_baseline",
		ActionParams: map[string]interface{}{}, Outcome: OutcomeSuccess,
		ResolutionTimeMS: 1200, ResolvedAt: time.Now(),
	}
	if err := s.UpdateResolution(ctx, res); err != nil {
		t.Fatalf("UpdateResolution() error = %v", err)
	}

	if err := s.UpdateResolution(ctx, res); err == nil {
		t.Fatal("UpdateResolution() second call should fail, resolutions are write-once")
	}
}

func TestGetPatternContextComputesSuccessRate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := "inc-p" + string(rune('a'+i))
		if err := s.RecordIncident(ctx, Incident{
			ID: id, SiteID: "site-a", HostID: "host-1", IncidentType: "backup_stale",
			Severity: "medium", CreatedAt: time.Now(), RawData: map[string]interface{}{},
			PatternSignature: "sig-backup-1",
		}); err != nil {
			t.Fatalf("RecordIncident() error = %v", err)
		}
		outcome := OutcomeSuccess
		if i == 2 {
			outcome = OutcomeFailure
		}
		if err := s.UpdateResolution(ctx, Resolution{
			IncidentID: id, ResolutionLevel: LevelL2, Action: "rerun_backup",
			Outcome: outcome, ResolutionTimeMS: 500, ResolvedAt: time.Now(),
		}); err != nil {
			t.Fatalf("UpdateResolution() error = %v", err)
		}
	}

	pc, err := s.GetPatternContext(ctx, "sig-backup-1", 10)
	if err != nil {
		t.Fatalf("GetPatternContext() error = %v", err)
	}
	if len(pc.RecentResolutions) != 3 {
		t.Fatalf("RecentResolutions count = %d, want 3", len(pc.RecentResolutions))
	}
	want := 2.0 / 3.0
	if pc.SuccessRate != want {
		t.Errorf("SuccessRate = %v, want %v", pc.SuccessRate, want)
	}
	if pc.ActionFrequencies["rerun_backup"] != 3 {
		t.Errorf("ActionFrequencies[rerun_backup] = %d, want 3", pc.ActionFrequencies["rerun_backup"])
	}
}

func TestPromotionCandidatesRespectsThresholds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		id := "inc-promo-" + string(rune('a'+i))
		if err := s.RecordIncident(ctx, Incident{
			ID: id, SiteID: "site-a", HostID: "host-2", IncidentType: "cert_expiry",
			Severity: "high", CreatedAt: time.Now(), RawData: map[string]interface{}{},
			PatternSignature: "sig-cert-1",
		}); err != nil {
			t.Fatalf("RecordIncident() error = %v", err)
		}
		level := LevelL2
		if i < 2 {
			level = LevelL1
		}
		if err := s.UpdateResolution(ctx, Resolution{
			IncidentID: id, ResolutionLevel: level, Action: "renew_certificate",
			Outcome: OutcomeSuccess, ResolutionTimeMS: 2000, ResolvedAt: time.Now(),
		}); err != nil {
			t.Fatalf("UpdateResolution() error = %v", err)
		}
	}

	candidates, err := s.PromotionCandidates(ctx)
	if err != nil {
		t.Fatalf("PromotionCandidates() error = %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("len(candidates) = %d, want 1", len(candidates))
	}
	if !candidates[0].PromotionEligible {
		t.Error("candidate should be PromotionEligible")
	}
	if candidates[0].L2Resolutions != 4 {
		t.Errorf("L2Resolutions = %d, want 4", candidates[0].L2Resolutions)
	}
}

func TestOpenIncidentForCheckClosesOnResolution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordIncident(ctx, Incident{
		ID: "inc-open-1", SiteID: "site-a", HostID: "host-3", IncidentType: "av_edr",
		Severity: "medium", CreatedAt: time.Now(), RawData: map[string]interface{}{},
		PatternSignature: "sig-av-1",
	}); err != nil {
		t.Fatalf("RecordIncident() error = %v", err)
	}

	open, err := s.OpenIncidentForCheck(ctx, "host-3", "av_edr")
	if err != nil {
		t.Fatalf("OpenIncidentForCheck() error = %v", err)
	}
	if open == nil || open.ID != "inc-open-1" {
		t.Fatalf("OpenIncidentForCheck() = %v, want inc-open-1", open)
	}

	if err := s.UpdateResolution(ctx, Resolution{
		IncidentID: "inc-open-1", ResolutionLevel: LevelL1, Action: "update_av_definitions",
		Outcome: OutcomeSuccess, ResolutionTimeMS: 300, ResolvedAt: time.Now(),
	}); err != nil {
		t.Fatalf("UpdateResolution() error = %v", err)
	}

	open, err = s.OpenIncidentForCheck(ctx, "host-3", "av_edr")
	if err != nil {
		t.Fatalf("OpenIncidentForCheck() error = %v", err)
	}
	if open != nil {
		t.Errorf("OpenIncidentForCheck() = %v, want nil after resolution", open)
	}
}

package collector

import (
	"testing"
	"time"
)

func TestSnapshotFromOutputParsesFields(t *testing.T) {
	out := map[string]interface{}{
		"critical_patch_age_days":  float64(12),
		"pending_patch_count":      float64(3),
		"av_edr_running":           true,
		"av_definitions_age_hours": float64(2),
		"last_backup_success":      "2026-07-28T10:00:00Z",
		"audit_logging_enabled":    true,
		"firewall_enabled":         true,
		"firewall_default_policy":  "deny",
		"disk_encryption_enabled":  false,
	}
	snap := snapshotFromOutput("host-1", "linux", out)

	if snap.HostID != "host-1" || snap.Platform != "linux" {
		t.Fatalf("snapshot identity = %+v", snap)
	}
	if snap.CriticalPatchAgeDays != 12 || snap.PendingPatchCount != 3 {
		t.Errorf("patch fields = %+v", snap)
	}
	if !snap.AVEDRRunning || snap.AVDefinitionsAge != 2*time.Hour {
		t.Errorf("av fields = %+v", snap)
	}
	if snap.LastBackupSuccess.IsZero() {
		t.Error("LastBackupSuccess not parsed")
	}
	if !snap.FirewallEnabled || snap.FirewallDefaultPolicy != "deny" {
		t.Errorf("firewall fields = %+v", snap)
	}
	if snap.DiskEncryptionEnabled {
		t.Error("DiskEncryptionEnabled = true, want false")
	}
}

func TestSnapshotFromOutputToleratesMissingFields(t *testing.T) {
	snap := snapshotFromOutput("host-2", "windows", map[string]interface{}{})
	if snap.HostID != "host-2" || snap.CriticalPatchAgeDays != 0 || snap.AVEDRRunning {
		t.Errorf("snapshot with empty output = %+v, want all zero values", snap)
	}
	if !snap.LastBackupSuccess.IsZero() {
		t.Error("LastBackupSuccess should be zero time when absent")
	}
}

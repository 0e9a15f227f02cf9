// Package collector is drift.Collector's live implementation: it runs one
// detection script per host over SSH or WinRM and turns the script's JSON
// output into a drift.HostSnapshot. The checks themselves never touch the
// network — this is the only place that does.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/osiriscare/appliance/internal/drift"
	"github.com/osiriscare/appliance/internal/executor"
	"github.com/osiriscare/appliance/internal/sshexec"
	"github.com/osiriscare/appliance/internal/winrm"
	"go.uber.org/zap"
)

const (
	scanActionID   = "drift-scan"
	scanTimeoutSec = 30
)

// TargetResolver resolves a host ID into the transport-specific target the
// collector should connect to, the same shape orchestrator.TargetResolver
// uses so both can be backed by the same hostinventory lookup.
type TargetResolver func(hostID string) (executor.HostTarget, error)

// Collector runs the fleet's single combined detection script against
// each host and parses its JSON output into a HostSnapshot.
type Collector struct {
	ssh     *sshexec.Executor
	winrm   *winrm.Executor
	targets TargetResolver
	log     *zap.Logger
}

// New builds a Collector. Either transport may be nil if this appliance
// manages no hosts of that platform.
func New(ssh *sshexec.Executor, winrm *winrm.Executor, targets TargetResolver, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{ssh: ssh, winrm: winrm, targets: targets, log: log}
}

// Collect runs the detection script for hostID and converts its output
// into a HostSnapshot. A transport-level failure is returned as an error;
// the scanner records it as a per-host scan failure rather than drift.
func (c *Collector) Collect(ctx context.Context, hostID, platform string) (drift.HostSnapshot, error) {
	target, err := c.targets(hostID)
	if err != nil {
		return drift.HostSnapshot{}, fmt.Errorf("collector: resolve target for %s: %w", hostID, err)
	}

	switch platform {
	case "linux":
		return c.collectLinux(ctx, hostID, target)
	case "windows":
		return c.collectWindows(hostID, target)
	default:
		return drift.HostSnapshot{}, fmt.Errorf("collector: unknown platform %q for host %s", platform, hostID)
	}
}

func (c *Collector) collectLinux(ctx context.Context, hostID string, target executor.HostTarget) (drift.HostSnapshot, error) {
	if c.ssh == nil || target.SSHTarget == nil {
		return drift.HostSnapshot{}, fmt.Errorf("collector: no SSH target for host %s", hostID)
	}
	res := c.ssh.Execute(ctx, target.SSHTarget, linuxScanScript, scanActionID, "detect", scanTimeoutSec, 0, 0, false)
	if !res.Success {
		return drift.HostSnapshot{}, fmt.Errorf("collector: linux scan failed for %s: %s", hostID, res.Error)
	}
	return snapshotFromOutput(hostID, "linux", res.Output), nil
}

func (c *Collector) collectWindows(hostID string, target executor.HostTarget) (drift.HostSnapshot, error) {
	if c.winrm == nil || target.WinRMTarget == nil {
		return drift.HostSnapshot{}, fmt.Errorf("collector: no WinRM target for host %s", hostID)
	}
	res := c.winrm.Execute(target.WinRMTarget, windowsScanScript, scanActionID, "detect", scanTimeoutSec, 0, 0)
	if !res.Success {
		return drift.HostSnapshot{}, fmt.Errorf("collector: windows scan failed for %s: %s", hostID, res.Error)
	}
	return snapshotFromOutput(hostID, "windows", res.Output), nil
}

// snapshotFromOutput reads the scan script's parsed JSON fields, one key
// per HostSnapshot field, tolerating an absent or wrong-typed key as the
// field's zero value rather than failing the whole scan over one bad field.
func snapshotFromOutput(hostID, platform string, out map[string]interface{}) drift.HostSnapshot {
	return drift.HostSnapshot{
		HostID:   hostID,
		Platform: platform,

		CriticalPatchAgeDays: intField(out, "critical_patch_age_days"),
		PendingPatchCount:    intField(out, "pending_patch_count"),

		AVEDRRunning:     boolField(out, "av_edr_running"),
		AVDefinitionsAge: time.Duration(intField(out, "av_definitions_age_hours")) * time.Hour,

		LastBackupSuccess: timeField(out, "last_backup_success"),
		LastRestoreTest:   timeField(out, "last_restore_test"),

		AuditLoggingEnabled: boolField(out, "audit_logging_enabled"),

		FirewallEnabled:       boolField(out, "firewall_enabled"),
		FirewallDefaultPolicy: stringField(out, "firewall_default_policy"),

		DiskEncryptionEnabled: boolField(out, "disk_encryption_enabled"),
	}
}

func intField(out map[string]interface{}, key string) int {
	switch v := out[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func boolField(out map[string]interface{}, key string) bool {
	v, _ := out[key].(bool)
	return v
}

func stringField(out map[string]interface{}, key string) string {
	v, _ := out[key].(string)
	return v
}

func timeField(out map[string]interface{}, key string) time.Time {
	s, ok := out[key].(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

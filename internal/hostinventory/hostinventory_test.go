package hostinventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/osiriscare/appliance/internal/controlplane"
)

func writeInventory(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsEmptyInventory(t *testing.T) {
	inv, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(inv.HostIDs()) != 0 {
		t.Errorf("HostIDs() = %v, want empty", inv.HostIDs())
	}
}

func TestLoadAndResolveTargets(t *testing.T) {
	path := writeInventory(t, `
- host_id: host-1
  hostname: host-1.example.internal
  platform: linux
- host_id: host-2
  hostname: host-2.example.internal
  platform: windows
`)
	inv, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ids := inv.HostIDs()
	if len(ids) != 2 || ids[0] != "host-1" || ids[1] != "host-2" {
		t.Fatalf("HostIDs() = %v, want [host-1 host-2]", ids)
	}
	if got := inv.PlatformOf("host-1"); got != "linux" {
		t.Errorf("PlatformOf(host-1) = %q, want linux", got)
	}

	target, err := inv.Target("host-1", controlplane.Credential{HostID: "host-1", Username: "svc"})
	if err != nil {
		t.Fatalf("Target() error = %v", err)
	}
	if target.SSHTarget == nil || target.SSHTarget.Hostname != "host-1.example.internal" || target.SSHTarget.Port != 22 {
		t.Errorf("Target(host-1) = %+v, want linux SSH target on port 22", target)
	}

	target2, err := inv.Target("host-2", controlplane.Credential{HostID: "host-2", Username: "admin", Password: "secret"})
	if err != nil {
		t.Fatalf("Target() error = %v", err)
	}
	if target2.WinRMTarget == nil || target2.WinRMTarget.Port != 5986 || target2.WinRMTarget.Password != "secret" {
		t.Errorf("Target(host-2) = %+v, want windows WinRM target on port 5986", target2)
	}
}

func TestTargetUnknownHost(t *testing.T) {
	inv, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := inv.Target("nope", controlplane.Credential{}); err == nil {
		t.Error("Target(nope) error = nil, want error for unknown host")
	}
}

func TestCredentialFor(t *testing.T) {
	creds := []controlplane.Credential{
		{HostID: "host-1", Username: "a"},
		{HostID: "host-2", Username: "b"},
	}
	got, ok := CredentialFor("host-2", creds)
	if !ok || got.Username != "b" {
		t.Errorf("CredentialFor(host-2) = %+v, %v, want host-2's credential", got, ok)
	}
	if _, ok := CredentialFor("host-3", creds); ok {
		t.Error("CredentialFor(host-3) ok = true, want false")
	}
}

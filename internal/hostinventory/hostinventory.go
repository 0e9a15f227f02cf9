// Package hostinventory is the appliance's static record of the hosts it
// manages: which ones exist, how to reach them, and which transport they
// speak. It never holds credentials itself — those arrive fresh on every
// check-in and are merged in at Target resolution time only.
package hostinventory

import (
	"fmt"
	"os"
	"sort"

	"github.com/osiriscare/appliance/internal/controlplane"
	"github.com/osiriscare/appliance/internal/executor"
	"github.com/osiriscare/appliance/internal/sshexec"
	"github.com/osiriscare/appliance/internal/winrm"
	"gopkg.in/yaml.v3"
)

// Host is one managed endpoint as declared in the inventory file.
type Host struct {
	HostID         string `yaml:"host_id"`
	Hostname       string `yaml:"hostname"`
	Platform       string `yaml:"platform"` // "linux" or "windows"
	Port           int    `yaml:"port"`
	Distro         string `yaml:"distro,omitempty"`
	ConnectTimeout int    `yaml:"connect_timeout,omitempty"`
	UseSSL         bool   `yaml:"use_ssl,omitempty"`
	VerifySSL      bool   `yaml:"verify_ssl,omitempty"`
}

// Inventory is the parsed, indexed host list.
type Inventory struct {
	hosts []Host
	byID  map[string]Host
}

// Load reads a YAML host list from path. A missing file is not an error —
// a freshly deployed appliance with no hosts configured yet simply manages
// nothing until an operator populates the file.
func Load(path string) (*Inventory, error) {
	inv := &Inventory{byID: map[string]Host{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return inv, nil
		}
		return nil, fmt.Errorf("hostinventory: read %s: %w", path, err)
	}

	var hosts []Host
	if err := yaml.Unmarshal(data, &hosts); err != nil {
		return nil, fmt.Errorf("hostinventory: parse %s: %w", path, err)
	}
	for _, h := range hosts {
		if h.Port == 0 {
			if h.Platform == "windows" {
				h.Port = 5986
			} else {
				h.Port = 22
			}
		}
		inv.hosts = append(inv.hosts, h)
		inv.byID[h.HostID] = h
	}
	return inv, nil
}

// HostIDs returns every managed host ID in a stable order, suitable for
// supervisor.Config.HostIDs.
func (inv *Inventory) HostIDs() []string {
	ids := make([]string, 0, len(inv.hosts))
	for _, h := range inv.hosts {
		ids = append(ids, h.HostID)
	}
	sort.Strings(ids)
	return ids
}

// PlatformOf returns a host's declared platform, or "" if unknown.
func (inv *Inventory) PlatformOf(hostID string) string {
	return inv.byID[hostID].Platform
}

// Target resolves a host ID plus a freshly check-in'd credential into the
// transport-specific target the executor needs. The credential's HostID is
// not re-checked here — the caller is expected to have already matched it
// against hostID.
func (inv *Inventory) Target(hostID string, cred controlplane.Credential) (executor.HostTarget, error) {
	h, ok := inv.byID[hostID]
	if !ok {
		return executor.HostTarget{}, fmt.Errorf("hostinventory: unknown host %q", hostID)
	}

	switch h.Platform {
	case "windows":
		return executor.HostTarget{WinRMTarget: &winrm.Target{
			Hostname:  h.Hostname,
			Port:      h.Port,
			Username:  cred.Username,
			Password:  cred.Password,
			UseSSL:    h.UseSSL,
			VerifySSL: h.VerifySSL,
		}}, nil
	case "linux":
		target := &sshexec.Target{
			Hostname:       h.Hostname,
			Port:           h.Port,
			Username:       cred.Username,
			Distro:         h.Distro,
			ConnectTimeout: h.ConnectTimeout,
		}
		if cred.Password != "" {
			target.Password = &cred.Password
		}
		if cred.KeyPEM != "" {
			target.PrivateKey = &cred.KeyPEM
		}
		return executor.HostTarget{SSHTarget: target}, nil
	default:
		return executor.HostTarget{}, fmt.Errorf("hostinventory: host %q has unknown platform %q", hostID, h.Platform)
	}
}

// CredentialFor finds the credential matching hostID out of a check-in's
// credential batch, the set supervisor.Supervisor.LatestCredentials
// returns.
func CredentialFor(hostID string, creds []controlplane.Credential) (controlplane.Credential, bool) {
	for _, c := range creds {
		if c.HostID == hostID {
			return c, true
		}
	}
	return controlplane.Credential{}, false
}

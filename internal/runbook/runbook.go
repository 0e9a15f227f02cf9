// Package runbook loads the compiled-in remediation script library and
// resolves an L1/L2 action name to the executor.Runbook that carries out.
package runbook

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/osiriscare/appliance/internal/executor"
)

//go:embed runbooks.json
var catalogJSON []byte

// entry is one runbook as stored in runbooks.json, keyed by the action
// name a rule or L2 decision names in ActionParams.
type entry struct {
	ID              string   `json:"id"`
	Platform        string   `json:"platform"`
	DetectScript    string   `json:"detect_script,omitempty"`
	RemediateScript string   `json:"remediate_script"`
	VerifyScript    string   `json:"verify_script,omitempty"`
	RollbackScript  string   `json:"rollback_script,omitempty"`
	TimeoutSeconds  int      `json:"timeout_seconds"`
	MaxRetries      int      `json:"max_retries"`
	HIPAAControls   []string `json:"hipaa_controls,omitempty"`
}

// Registry is an action -> runbook lookup table, safe for concurrent reads
// since it's built once at startup and never mutated afterward.
type Registry struct {
	byAction map[string]entry
}

// Load parses the embedded catalog. An error here means runbooks.json
// itself is malformed, which is a build-time problem, not a runtime one —
// callers can treat it as fatal.
func Load() (*Registry, error) {
	var raw map[string]entry
	if err := json.Unmarshal(catalogJSON, &raw); err != nil {
		return nil, fmt.Errorf("runbook: parse embedded catalog: %w", err)
	}
	return &Registry{byAction: raw}, nil
}

// Resolve looks up the runbook for action, converting it into the shape
// internal/executor expects. The second return value is false for an
// action with no compiled-in runbook (e.g. escalate, which the
// orchestrator never routes through Runbooks at all).
func (r *Registry) Resolve(action string) (executor.Runbook, bool) {
	e, ok := r.byAction[action]
	if !ok {
		return executor.Runbook{}, false
	}
	platform := executor.PlatformLinux
	if e.Platform == "windows" {
		platform = executor.PlatformWindows
	}
	return executor.Runbook{
		ID:              e.ID,
		Platform:        platform,
		DetectScript:    e.DetectScript,
		RemediateScript: e.RemediateScript,
		VerifyScript:    e.VerifyScript,
		RollbackScript:  e.RollbackScript,
		TimeoutSeconds:  e.TimeoutSeconds,
		MaxRetries:      e.MaxRetries,
		HIPAAControls:   e.HIPAAControls,
	}, true
}

// HIPAAControls returns the controls a promoted action touches, for
// attaching to auto-promoted rules. Returns nil for an unknown action.
func (r *Registry) HIPAAControls(action string) []string {
	return r.byAction[action].HIPAAControls
}

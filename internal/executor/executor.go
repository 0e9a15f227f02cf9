// Package executor unifies the SSH and WinRM transports behind one call:
// given a runbook and a resolved target, run its phases in order, capture
// per-step evidence, and roll back automatically if any phase fails.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/osiriscare/appliance/internal/evidence"
	"github.com/osiriscare/appliance/internal/sshexec"
	"github.com/osiriscare/appliance/internal/winrm"
	"go.uber.org/zap"
)

// Platform identifies which transport a runbook targets.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
)

// Runbook is a named script bundle with an optional rollback step, run in
// detect -> remediate -> verify order. Detect and rollback are optional.
type Runbook struct {
	ID              string
	Platform        Platform
	DetectScript    string
	RemediateScript string
	VerifyScript    string
	RollbackScript  string
	TimeoutSeconds  int
	MaxRetries      int
	HIPAAControls   []string
}

// HostTarget resolves a host ID into the transport-specific target needed
// to reach it.
type HostTarget struct {
	SSHTarget   *sshexec.Target
	WinRMTarget *winrm.Target
}

// Outcome is what the orchestrator needs to build an evidence.Bundle.
type Outcome struct {
	Success     bool
	RolledBack  bool
	Actions     []evidence.ActionRecord
	FailureStep string
	Error       string
}

// Executor dispatches runbooks to the SSH or WinRM transport and assembles
// the resulting per-step evidence.
type Executor struct {
	ssh   *sshexec.Executor
	winrm *winrm.Executor
	log   *zap.Logger
}

// New builds an Executor around the two transports.
func New(ssh *sshexec.Executor, winrm *winrm.Executor, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{ssh: ssh, winrm: winrm, log: log}
}

// Run executes a runbook's phases against target. If any phase (detect,
// remediate or verify) fails and the runbook declares a rollback script,
// Run executes the rollback before returning so the host is never left
// half-remediated.
func (e *Executor) Run(ctx context.Context, rb Runbook, target HostTarget, actionID string) Outcome {
	var actions []evidence.ActionRecord

	phases := []struct {
		name   string
		script string
	}{
		{"detect", rb.DetectScript},
		{"remediate", rb.RemediateScript},
		{"verify", rb.VerifyScript},
	}

	for _, p := range phases {
		if p.script == "" {
			continue
		}
		rec, ok, err := e.runPhase(ctx, rb, target, p.name, p.script, actionID)
		actions = append(actions, rec)
		if !ok || err != nil {
			errMsg := ""
			if err != nil {
				errMsg = err.Error()
			}
			out := Outcome{Success: false, Actions: actions, FailureStep: p.name, Error: errMsg}
			if rb.RollbackScript != "" {
				e.log.Warn("runbook phase failed, rolling back", zap.String("runbook", rb.ID), zap.String("phase", p.name))
				rbRec, rbOK, _ := e.runPhase(ctx, rb, target, "rollback", rb.RollbackScript, actionID)
				out.Actions = append(out.Actions, rbRec)
				out.RolledBack = rbOK
			}
			return out
		}
	}

	return Outcome{Success: true, Actions: actions}
}

func (e *Executor) runPhase(ctx context.Context, rb Runbook, target HostTarget, phase, script, actionID string) (evidence.ActionRecord, bool, error) {
	shaSum := sha256.Sum256([]byte(script))
	commandSHA := hex.EncodeToString(shaSum[:])

	switch rb.Platform {
	case PlatformWindows:
		if target.WinRMTarget == nil {
			return evidence.ActionRecord{}, false, fmt.Errorf("no winrm target resolved for %s", rb.ID)
		}
		res := e.winrm.Execute(target.WinRMTarget, script, actionID, phase, rb.TimeoutSeconds, rb.MaxRetries, 30.0)
		rec := evidence.ActionRecord{
			Step: phase, CommandSHA: commandSHA, ExitCode: exitCodeOf(res.Output),
			Truncated: res.Truncated, DurationMS: int64(res.DurationSecs * 1000),
		}
		if !res.Success {
			return rec, false, fmt.Errorf("%s phase failed: %s", phase, res.Error)
		}
		return rec, true, nil

	case PlatformLinux:
		if target.SSHTarget == nil {
			return evidence.ActionRecord{}, false, fmt.Errorf("no ssh target resolved for %s", rb.ID)
		}
		res := e.ssh.Execute(ctx, target.SSHTarget, script, actionID, phase, rb.TimeoutSeconds, rb.MaxRetries, 5.0, true)
		rec := evidence.ActionRecord{
			Step: phase, CommandSHA: commandSHA, ExitCode: res.ExitCode,
			Truncated: res.Truncated, DurationMS: int64(res.DurationSecs * 1000),
		}
		if !res.Success {
			return rec, false, fmt.Errorf("%s phase failed: %s", phase, res.Error)
		}
		return rec, true, nil

	default:
		return evidence.ActionRecord{}, false, fmt.Errorf("unknown platform %q for runbook %s", rb.Platform, rb.ID)
	}
}

func exitCodeOf(output map[string]interface{}) int {
	if v, ok := output["status_code"].(int); ok {
		return v
	}
	if v, ok := output["exit_code"].(int); ok {
		return v
	}
	return -1
}

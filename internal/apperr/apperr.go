// Package apperr classifies failures into the handful of kinds the rest of
// the appliance needs to branch on: whether to retry locally, report a
// Resolution as failed, re-route an incident to L3, or treat the process
// itself as unable to continue. The kind is the contract; the wrapped error
// is just the detail a human reads in a log line.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the set of failure categories every caller branches on. It is
// deliberately small and closed — new failure modes should map onto one of
// these, not grow the set, since every call site that type-switches on Kind
// needs to know its cases are exhaustive.
type Kind string

const (
	// Configuration means the process cannot start as configured. Fatal,
	// exit code 1.
	Configuration Kind = "configuration"
	// CryptoUnavailable means a required signing or verification key could
	// not be loaded. Fatal, exit code 2.
	CryptoUnavailable Kind = "crypto_unavailable"
	// StoreCorruption means the incident store failed an integrity check
	// it cannot repair itself. Fatal, exit code 3.
	StoreCorruption Kind = "store_corruption"
	// TransportTransient means an RPC failed in a way likely to succeed on
	// retry (timeout, connection refused, 5xx). Retried locally, subject to
	// the circuit breaker.
	TransportTransient Kind = "transport_transient"
	// TransportPermanent means an RPC failed in a way retrying won't fix
	// (any 4xx including auth failures, TLS errors). Recorded as a failed
	// Resolution; not retried.
	TransportPermanent Kind = "transport_permanent"
	// Timeout means a bounded operation (LLM call, upload, check-in)
	// exceeded its deadline. Recorded as a failed Resolution.
	Timeout Kind = "timeout"
	// GuardrailBlocked means the guardrail layer refused to let an action
	// run. Re-routed to L3.
	GuardrailBlocked Kind = "guardrail_blocked"
	// BudgetExhausted means the L2 cost or concurrency budget is used up.
	// Re-routed to L3.
	BudgetExhausted Kind = "budget_exhausted"
	// ValidationFailed means a plan or rule failed schema or allowlist
	// validation. Re-routed to L3 with the validation detail attached.
	ValidationFailed Kind = "validation_failed"
	// HashChainBroken means an evidence chain's integrity check failed.
	// Treated as a high-severity self-incident: the chain is frozen and a
	// new segment is started. Never silently repaired.
	HashChainBroken Kind = "hash_chain_broken"
	// UploadFailed means a sealed evidence bundle could not reach WORM
	// storage. The bundle stays pending and is retried by the upload
	// worker; it is not lost.
	UploadFailed Kind = "upload_failed"
)

// Error pairs a Kind with the underlying cause and an operation label, so
// a caller can log the detail while branching only on Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err under op with kind. If err is nil, New returns nil, so
// call sites can write `return apperr.New(op, Kind, err)` unconditionally
// after a fallible call without an extra nil check.
func New(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err isn't an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ExitCode maps a fatal Kind to the process exit code spec'd for the
// appliance daemon's CLI. Non-fatal kinds and unrecognized errors return 0
// since they don't halt the process on their own.
func ExitCode(err error) int {
	switch KindOf(err) {
	case Configuration:
		return 1
	case CryptoUnavailable:
		return 2
	case StoreCorruption:
		return 3
	default:
		return 0
	}
}

// Retryable reports whether a caller should retry the operation that
// produced err without escalating or failing the resolution outright.
func Retryable(err error) bool {
	return KindOf(err) == TransportTransient
}

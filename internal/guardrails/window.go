package guardrails

import "time"

// MaintenanceWindow declares the recurring daily range (in a site's local
// time zone) during which disruptive actions may execute.
type MaintenanceWindow struct {
	Location *time.Location
	StartHr  int // 0-23
	EndHr    int // 0-23, exclusive; EndHr < StartHr wraps past midnight
}

// Contains reports whether t falls inside the window.
func (w MaintenanceWindow) Contains(t time.Time) bool {
	if w.Location == nil {
		w.Location = time.UTC
	}
	local := t.In(w.Location)
	h := local.Hour()
	if w.StartHr <= w.EndHr {
		return h >= w.StartHr && h < w.EndHr
	}
	// Wraps past midnight, e.g. 22:00-06:00.
	return h >= w.StartHr || h < w.EndHr
}

// NextStart returns the next time at or after `from` that the window opens.
func (w MaintenanceWindow) NextStart(from time.Time) time.Time {
	if w.Location == nil {
		w.Location = time.UTC
	}
	local := from.In(w.Location)
	if w.Contains(local) {
		return local
	}
	candidate := time.Date(local.Year(), local.Month(), local.Day(), w.StartHr, 0, 0, 0, w.Location)
	if candidate.Before(local) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}

// WithinDeferralHorizon reports whether the window's next opening is no
// more than horizon away — beyond that, callers should escalate instead
// of deferring.
func (w MaintenanceWindow) WithinDeferralHorizon(now time.Time, horizon time.Duration) bool {
	return w.NextStart(now).Sub(now) <= horizon
}

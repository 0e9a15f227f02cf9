// Package escalate surfaces unrecoverable or policy-blocked incidents
// to a human operator without losing context. Every channel in the
// priority-keyed routing table is attempted; a channel failure is
// logged but never fails the escalation itself — the EscalationRecord
// it produces is the evidence that the operator was notified, and it
// is written with outcome=escalated even when every channel failed.
package escalate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Priority is the escalation severity, which determines channel fanout.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// routingTable maps priority to the channels that must be attempted.
var routingTable = map[Priority][]string{
	PriorityCritical: {"pager", "chat", "email"},
	PriorityHigh:     {"pager", "chat"},
	PriorityMedium:   {"chat", "email"},
	PriorityLow:      {"email"},
}

// PriorityFromSeverity maps an incident severity string onto an escalation
// priority; unrecognized severities escalate as medium rather than
// silently dropping a channel.
func PriorityFromSeverity(severity string) Priority {
	switch Priority(severity) {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(severity)
	default:
		return PriorityMedium
	}
}

// PriorOccurrence summarizes one past resolution of the same incident
// pattern, for the ticket's pattern-history section.
type PriorOccurrence struct {
	ResolvedAt time.Time
	Level      string
	Action     string
	Outcome    string
}

// Ticket is everything an operator needs to act without re-deriving
// context from the store.
type Ticket struct {
	IncidentID        string
	SiteID            string
	HostID            string
	IncidentType      string
	Severity          string
	CreatedAt         time.Time
	ScrubbedRawData   map[string]interface{}
	PriorOccurrences  []PriorOccurrence
	L2Decision        *L2DecisionSummary
	HIPAAControls     []string
	RecommendedAction string
	Reason            string
}

// L2DecisionSummary is what the ticket shows of an L2 decision that was
// rejected, and why.
type L2DecisionSummary struct {
	RecommendedAction string
	Confidence        float64
	Reasoning         string
	RejectedBecause   string
}

// ChannelResult records one channel attempt's outcome.
type ChannelResult struct {
	Channel string
	Sent    bool
	Error   string
}

// EscalationRecord is the terminal artifact of an escalation: the
// ticket content plus what happened on every channel.
type EscalationRecord struct {
	IncidentID string
	Priority   Priority
	Ticket     Ticket
	Channels   []ChannelResult
	CreatedAt  time.Time
}

// AnySent reports whether at least one channel actually delivered.
func (r EscalationRecord) AnySent() bool {
	for _, c := range r.Channels {
		if c.Sent {
			return true
		}
	}
	return false
}

// Notifier delivers a ticket over one channel. Implementations are
// registered per channel name (pager, chat, email); a missing
// registration for a routed channel is treated as a channel failure,
// not a panic.
type Notifier interface {
	Notify(ctx context.Context, ticket Ticket) error
}

// Escalator fans a ticket out across the channels its priority routes
// to, using whatever Notifiers were configured at startup.
type Escalator struct {
	notifiers map[string]Notifier
	log       *zap.Logger
}

// New builds an Escalator. notifiers is keyed by channel name ("pager",
// "chat", "email"); channels absent from the map are logged as
// unreachable and skipped, never failing the escalation.
func New(notifiers map[string]Notifier, log *zap.Logger) *Escalator {
	if log == nil {
		log = zap.NewNop()
	}
	if notifiers == nil {
		notifiers = map[string]Notifier{}
	}
	return &Escalator{notifiers: notifiers, log: log}
}

// Escalate builds the EscalationRecord and attempts every channel the
// ticket's priority routes to. It never returns an error: an
// escalation with every channel failed is still a valid, complete
// record.
func (e *Escalator) Escalate(ctx context.Context, ticket Ticket, now time.Time) EscalationRecord {
	priority := PriorityFromSeverity(ticket.Severity)
	channels := routingTable[priority]

	record := EscalationRecord{
		IncidentID: ticket.IncidentID,
		Priority:   priority,
		Ticket:     ticket,
		CreatedAt:  now,
	}

	for _, channel := range channels {
		notifier, ok := e.notifiers[channel]
		if !ok {
			e.log.Warn("escalation channel not configured", zap.String("channel", channel), zap.String("incident_id", ticket.IncidentID))
			record.Channels = append(record.Channels, ChannelResult{Channel: channel, Sent: false, Error: "channel not configured"})
			continue
		}
		if err := notifier.Notify(ctx, ticket); err != nil {
			e.log.Warn("escalation channel failed", zap.String("channel", channel), zap.String("incident_id", ticket.IncidentID), zap.Error(err))
			record.Channels = append(record.Channels, ChannelResult{Channel: channel, Sent: false, Error: err.Error()})
			continue
		}
		record.Channels = append(record.Channels, ChannelResult{Channel: channel, Sent: true})
	}

	return record
}

// Summary renders a one-line description of the ticket, used by
// channels that need plain text (pager, email subject lines).
func (t Ticket) Summary() string {
	return fmt.Sprintf("[%s] %s on %s/%s (incident %s)", t.Severity, t.IncidentType, t.SiteID, t.HostID, t.IncidentID)
}

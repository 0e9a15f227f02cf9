package escalate

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// EmailNotifier sends a plain-text escalation ticket over SMTP. No
// mail-sending library is used anywhere in this module's dependency
// stack, so this goes through the standard library directly; see
// DESIGN.md.
type EmailNotifier struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
}

// NewEmailNotifier builds an EmailNotifier. addr is host:port of the
// SMTP relay; auth may be nil for an unauthenticated relay.
func NewEmailNotifier(addr, from string, to []string, auth smtp.Auth) *EmailNotifier {
	return &EmailNotifier{addr: addr, auth: auth, from: from, to: to}
}

// Notify sends the ticket as an email. ctx is accepted for interface
// symmetry with the other notifiers; net/smtp has no context-aware
// send, so a stuck relay is bounded only by the TCP stack's own
// timeouts, which is a known limitation of the stdlib client.
func (e *EmailNotifier) Notify(ctx context.Context, ticket Ticket) error {
	subject := ticket.Summary()
	body := renderEmailBody(ticket)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(body)

	if err := smtp.SendMail(e.addr, e.auth, e.from, e.to, []byte(msg.String())); err != nil {
		return fmt.Errorf("email: send failed: %w", err)
	}
	return nil
}

func renderEmailBody(t Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\n", t.IncidentID)
	fmt.Fprintf(&b, "Site: %s\nHost: %s\n", t.SiteID, t.HostID)
	fmt.Fprintf(&b, "Type: %s\nSeverity: %s\n", t.IncidentType, t.Severity)
	fmt.Fprintf(&b, "Created: %s\n\n", t.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))

	if t.Reason != "" {
		fmt.Fprintf(&b, "Reason:\n%s\n\n", t.Reason)
	}

	if len(t.PriorOccurrences) > 0 {
		b.WriteString("Pattern history:\n")
		for _, p := range t.PriorOccurrences {
			fmt.Fprintf(&b, "  - %s level=%s action=%s outcome=%s\n",
				p.ResolvedAt.Format("2006-01-02T15:04:05Z07:00"), p.Level, p.Action, p.Outcome)
		}
		b.WriteString("\n")
	}

	if t.L2Decision != nil {
		fmt.Fprintf(&b, "L2 decision (rejected): %s confidence=%.2f\n%s\nRejected because: %s\n\n",
			t.L2Decision.RecommendedAction, t.L2Decision.Confidence, t.L2Decision.Reasoning, t.L2Decision.RejectedBecause)
	}

	if len(t.HIPAAControls) > 0 {
		fmt.Fprintf(&b, "HIPAA controls affected: %s\n\n", strings.Join(t.HIPAAControls, ", "))
	}

	if t.RecommendedAction != "" {
		fmt.Fprintf(&b, "Recommended action: %s\n", t.RecommendedAction)
	}

	if len(t.ScrubbedRawData) > 0 {
		b.WriteString("\nRaw data (scrubbed):\n")
		for k, v := range t.ScrubbedRawData {
			fmt.Fprintf(&b, "  %s: %v\n", k, v)
		}
	}

	return b.String()
}

package planner

import (
	"fmt"
	"strings"

	"github.com/osiriscare/appliance/internal/guardrails"
)

// DefaultModel and DefaultMaxTokens are the control-plane proxy's
// defaults when a Config doesn't override them.
const (
	DefaultModel     = "claude-haiku-4-5-20251001"
	DefaultMaxTokens = 1024
)

// systemPrompt is sent with every plan request. It must name every
// action the appliance is willing to auto-execute, since the model has
// no other way to learn the allowlist.
var systemPrompt = buildSystemPrompt()

func buildSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are the Level-2 remediation planner for a fleet compliance appliance.\n")
	b.WriteString("Given a compliance incident, decide the single best remediation action.\n")
	b.WriteString("You may only recommend one of the following actions:\n")
	for _, a := range guardrails.DefaultAllowedActions {
		b.WriteString("- ")
		b.WriteString(a)
		b.WriteString("\n")
	}
	b.WriteString("Respond with a single JSON object containing exactly these fields: ")
	b.WriteString("recommended_action, action_params, confidence, reasoning, requires_approval, escalate_to_l3, runbook_id.\n")
	b.WriteString("If you are unsure, set escalate_to_l3 to true and recommend \"escalate\".\n")
	return b.String()
}

// BuildUserPrompt renders an incident into the plain-text prompt sent to
// the model, via the control plane.
func BuildUserPrompt(incident Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INCIDENT DETAILS\n")
	fmt.Fprintf(&b, "ID: %s\n", incident.ID)
	fmt.Fprintf(&b, "Site: %s\n", incident.SiteID)
	fmt.Fprintf(&b, "Host: %s\n", incident.HostID)
	fmt.Fprintf(&b, "Type: %s\n", incident.IncidentType)
	fmt.Fprintf(&b, "Severity: %s\n", incident.Severity)
	fmt.Fprintf(&b, "Created: %s\n\n", incident.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))

	b.WriteString("CONTEXT DATA\n")
	if len(incident.RawData) == 0 {
		b.WriteString("(none)\n")
	} else {
		for k, v := range incident.RawData {
			fmt.Fprintf(&b, "%s: %v\n", k, v)
		}
	}
	return b.String()
}

// PlanRequest is what the appliance sends to the control plane's plan
// operation; the control plane — not the appliance — holds the LLM
// provider credentials and forwards this to the model.
type PlanRequest struct {
	Model        string
	MaxTokens    int
	SystemPrompt string
	UserPrompt   string
	Incident     Incident
}

// BuildPlanRequest assembles a PlanRequest for one incident.
func BuildPlanRequest(model string, maxTokens int, incident Incident) PlanRequest {
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return PlanRequest{
		Model:        model,
		MaxTokens:    maxTokens,
		SystemPrompt: systemPrompt,
		UserPrompt:   BuildUserPrompt(incident),
		Incident:     incident,
	}
}

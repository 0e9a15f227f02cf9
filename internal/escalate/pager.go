package escalate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PagerNotifier posts an incident trigger event to a webhook-style
// paging endpoint (e.g. a PagerDuty Events v2 integration key URL).
// No pager SDK is vendored in this module's dependency stack, so this
// talks the wire protocol directly over net/http.
type PagerNotifier struct {
	client     *http.Client
	webhookURL string
	routingKey string
}

// NewPagerNotifier builds a PagerNotifier against one webhook endpoint.
func NewPagerNotifier(webhookURL, routingKey string) *PagerNotifier {
	return &PagerNotifier{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
		routingKey: routingKey,
	}
}

type pagerEvent struct {
	RoutingKey  string    `json:"routing_key"`
	EventAction string    `json:"event_action"`
	DedupKey    string    `json:"dedup_key"`
	Payload     pagerBody `json:"payload"`
}

type pagerBody struct {
	Summary  string `json:"summary"`
	Source   string `json:"source"`
	Severity string `json:"severity"`
}

// Notify sends a trigger event for the ticket.
func (p *PagerNotifier) Notify(ctx context.Context, ticket Ticket) error {
	event := pagerEvent{
		RoutingKey:  p.routingKey,
		EventAction: "trigger",
		DedupKey:    ticket.IncidentID,
		Payload: pagerBody{
			Summary:  ticket.Summary(),
			Source:   ticket.HostID,
			Severity: string(PriorityFromSeverity(ticket.Severity)),
		},
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("pager: encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pager: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pager: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("pager: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

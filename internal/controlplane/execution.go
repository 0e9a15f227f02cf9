package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ExecutionOutcome is one resolved incident's telemetry, reported to the
// control plane after the orchestrator finishes with it — whichever tier
// handled it and however it turned out.
type ExecutionOutcome struct {
	ExecutionID      string                 `json:"execution_id"`
	IncidentID       string                 `json:"incident_id"`
	ApplianceID      string                 `json:"appliance_id,omitempty"`
	RunbookID        string                 `json:"runbook_id"`
	Hostname         string                 `json:"hostname"`
	IncidentType     string                 `json:"incident_type"`
	DurationSeconds  float64                `json:"duration_seconds"`
	Success          bool                   `json:"success"`
	Status           string                 `json:"status"`
	Confidence       float64                `json:"confidence"`
	ResolutionLevel  string                 `json:"resolution_level"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	CostUSD          *float64               `json:"cost_usd,omitempty"`
	InputTokens      *int                   `json:"input_tokens,omitempty"`
	OutputTokens     *int                   `json:"output_tokens,omitempty"`
	Reasoning        string                 `json:"reasoning,omitempty"`
	PatternSignature string                 `json:"pattern_signature,omitempty"`
}

type executionReportWire struct {
	SiteID     string            `json:"site_id"`
	Execution  ExecutionOutcome  `json:"execution"`
	ReportedAt string            `json:"reported_at"`
}

// ReportExecution posts one execution's telemetry to the control plane.
// Failures here never block or unwind the resolution that already
// happened — a failed report is returned to the caller, which logs it and
// may queue it; it is not treated as the resolution itself failing.
func (c *Client) ReportExecution(ctx context.Context, outcome ExecutionOutcome) error {
	const op = "controlplane.report_execution"

	body, err := json.Marshal(executionReportWire{
		SiteID:     c.cfg.SiteID,
		Execution:  outcome,
		ReportedAt: c.clock.Now().UTC().Format(timeLayoutRFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CheckinTimeout)
	defer cancel()

	_, err = c.executionBreaker.Execute(func() (interface{}, error) {
		return nil, c.doReportExecution(ctx, body)
	})
	if err != nil {
		return classifyBreakerErr(op, err)
	}
	return nil
}

const timeLayoutRFC3339Nano = "2006-01-02T15:04:05.999999999Z07:00"

func (c *Client) doReportExecution(ctx context.Context, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/agent/executions"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.authHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return classifyTransportError("report_execution", err, 0)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return classifyTransportError("report_execution", nil, resp.StatusCode)
	}
	return nil
}

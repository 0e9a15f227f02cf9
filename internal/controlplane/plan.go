package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/osiriscare/appliance/internal/planner"
)

// planRequestWire is the JSON shape the control plane's L2 proxy expects;
// it forwards SystemPrompt/UserPrompt to the model and returns its raw
// text reply untouched, so parsing stays entirely on the appliance side.
type planRequestWire struct {
	SiteID       string `json:"site_id"`
	Model        string `json:"model"`
	MaxTokens    int    `json:"max_tokens"`
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt"`
}

type planResponseWire struct {
	Text string `json:"text"`
}

// Plan satisfies planner.ControlPlaneClient: it proxies one L2 planning
// request through the control plane, which holds the model credentials the
// appliance itself never sees.
func (c *Client) Plan(ctx context.Context, req planner.PlanRequest) (string, error) {
	const op = "controlplane.plan"

	body, err := json.Marshal(planRequestWire{
		SiteID:       c.cfg.SiteID,
		Model:        req.Model,
		MaxTokens:    req.MaxTokens,
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.UserPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("%s: marshal request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PlanTimeout)
	defer cancel()

	result, err := c.planBreaker.Execute(func() (interface{}, error) {
		return c.doPlan(ctx, body)
	})
	if err != nil {
		return "", classifyBreakerErr(op, err)
	}
	return result.(string), nil
}

func (c *Client) doPlan(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/agent/l2/plan"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.authHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", classifyTransportError("plan", err, 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read plan response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyTransportError("plan", nil, resp.StatusCode)
	}

	var out planResponseWire
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parse plan response: %w", err)
	}
	return out.Text, nil
}

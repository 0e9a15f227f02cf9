package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/osiriscare/appliance/internal/apperr"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// nonceMaxAge bounds how long an order nonce is remembered for replay
// rejection; orders older than this have long since expired on their own.
const nonceMaxAge = 24 * time.Hour

// CheckinState is what the appliance reports about itself on every cycle.
type CheckinState struct {
	SiteID         string   `json:"site_id"`
	HostID         string   `json:"host_id"`
	ApplianceID    string   `json:"appliance_id,omitempty"`
	AgentPublicKey string   `json:"agent_public_key"`
	Version        string   `json:"version"`
	IncidentsOpen  int      `json:"incidents_open"`
	RulesVersion   string   `json:"rules_version,omitempty"`
	ManagedHosts   []string `json:"managed_hosts,omitempty"`
}

// Order is a signed directive from the control plane: a rule sync, a
// credential rotation, or an operator-issued remediation. SignedPayload is
// the exact canonical JSON that was signed; Signature verifies it.
type Order struct {
	OrderID       string `json:"order_id"`
	OrderType     string `json:"order_type"`
	Nonce         string `json:"nonce"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	SignedPayload string `json:"signed_payload"`
	Signature     string `json:"signature"`
}

// Credential is a remote-host credential handed over on check-in. The
// appliance holds these in memory for exactly one cycle and never persists
// them; check-in is the only source of truth for live credentials.
type Credential struct {
	HostID   string `json:"host_id"`
	Platform string `json:"platform"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	KeyPEM   string `json:"key_pem,omitempty"`
}

// CheckinResponse is the control plane's reply to a check-in.
type CheckinResponse struct {
	ApplianceID        string       `json:"appliance_id"`
	ServerPublicKey    string       `json:"server_public_key,omitempty"`
	Orders             []Order      `json:"orders"`
	Credentials        []Credential `json:"credentials"`
	ConfigHash         string       `json:"config_hash"`
	RulesSyncAvailable bool         `json:"rules_sync_available"`
	SubscriptionStatus string       `json:"subscription_status,omitempty"`
}

// CheckinResult is what Checkin hands back to the caller: the verified,
// non-replayed orders and the raw credential set, ready to be consumed for
// exactly this cycle.
type CheckinResult struct {
	ConfigHash         string
	Orders             []Order
	Credentials        []Credential
	SubscriptionStatus string
}

// Checkin pulls orders, credentials, and config state from the control
// plane. It never listens for a push — the appliance calls out once and
// the call either returns or times out.
func (c *Client) Checkin(ctx context.Context, state CheckinState) (CheckinResult, error) {
	const op = "controlplane.checkin"

	body, err := json.Marshal(state)
	if err != nil {
		return CheckinResult{}, fmt.Errorf("%s: marshal request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CheckinTimeout)
	defer cancel()

	result, err := c.checkinBreaker.Execute(func() (interface{}, error) {
		return c.doCheckin(ctx, body)
	})
	if err != nil {
		return CheckinResult{}, classifyBreakerErr(op, err)
	}
	resp := result.(*CheckinResponse)

	if c.applianceID == "" && resp.ApplianceID != "" {
		c.applianceID = resp.ApplianceID
	}
	if resp.ServerPublicKey != "" && !c.verify.HasKey() {
		if err := c.verify.SetPublicKey(resp.ServerPublicKey); err != nil {
			c.log.Warn("rejected malformed server public key from check-in", zap.Error(err))
		}
	}

	valid := c.verifyOrders(resp.Orders)
	return CheckinResult{
		ConfigHash:         resp.ConfigHash,
		Orders:             valid,
		Credentials:        resp.Credentials,
		SubscriptionStatus: resp.SubscriptionStatus,
	}, nil
}

func (c *Client) doCheckin(ctx context.Context, body []byte) (*CheckinResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/agent/checkin"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.authHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError("checkin", err, 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read checkin response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyTransportError("checkin", nil, resp.StatusCode)
	}

	var out CheckinResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse checkin response: %w", err)
	}
	return &out, nil
}

// verifyOrders drops any order that fails signature verification, host
// scoping, TTL, or nonce replay, logging each rejection. Orders are
// processed independently — one bad order never blocks the rest.
func (c *Client) verifyOrders(orders []Order) []Order {
	valid := make([]Order, 0, len(orders))
	now := c.clock.Now()
	for _, o := range orders {
		if err := c.verifyOrder(o, now); err != nil {
			c.log.Warn("rejected order", zap.String("order_id", o.OrderID), zap.String("order_type", o.OrderType), zap.Error(err))
			continue
		}
		valid = append(valid, o)
	}
	return valid
}

func (c *Client) verifyOrder(o Order, now time.Time) error {
	if !c.verify.HasKey() {
		// No control-plane key yet: only the very first check-in can land
		// here, and it never carries orders worth acting on blind.
		if o.Signature != "" {
			return fmt.Errorf("order carries a signature but no control-plane key is known yet")
		}
		return nil
	}

	if o.Signature == "" || o.SignedPayload == "" {
		return fmt.Errorf("unsigned order rejected")
	}
	if err := c.verify.VerifyOrder(o.SignedPayload, o.Signature); err != nil {
		return err
	}

	if err := c.verifyHostScope(o); err != nil {
		return err
	}

	if o.ExpiresAt != "" {
		expiry, err := time.Parse(time.RFC3339, o.ExpiresAt)
		if err != nil {
			return fmt.Errorf("parse expires_at: %w", err)
		}
		if now.After(expiry) {
			return fmt.Errorf("order expired at %s", o.ExpiresAt)
		}
	}

	return c.nonces.checkAndRecord(o.Nonce, now)
}

// verifyHostScope rejects an order whose signed payload names a
// target_host_id other than this appliance's; an order with no
// target_host_id is fleet-wide and always allowed through.
func (c *Client) verifyHostScope(o Order) error {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(o.SignedPayload), &payload); err != nil {
		return fmt.Errorf("parse signed payload: %w", err)
	}
	target, ok := payload["target_host_id"]
	if !ok || target == nil {
		return nil
	}
	targetStr, ok := target.(string)
	if !ok || targetStr == "" {
		return nil
	}
	if targetStr != c.cfg.HostID {
		return fmt.Errorf("order targets host %q, this appliance is %q", targetStr, c.cfg.HostID)
	}
	return nil
}

type nonceTracker struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func (t *nonceTracker) checkAndRecord(nonce string, now time.Time) error {
	if nonce == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen == nil {
		t.seen = make(map[string]time.Time)
	}
	if seenAt, ok := t.seen[nonce]; ok && now.Sub(seenAt) < nonceMaxAge {
		return fmt.Errorf("replayed nonce %q", nonce)
	}
	t.seen[nonce] = now
	for n, seenAt := range t.seen {
		if now.Sub(seenAt) >= nonceMaxAge {
			delete(t.seen, n)
		}
	}
	return nil
}

// classifyBreakerErr flags a tripped or overloaded breaker as transient —
// the control plane may well be fine, it's this appliance giving it room
// to recover — while letting the underlying RPC error (already classified
// by classifyTransportError) pass through unchanged otherwise.
func classifyBreakerErr(op string, err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperr.New(op, apperr.TransportTransient, err)
	}
	return err
}

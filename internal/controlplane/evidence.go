package controlplane

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type uploadEvidenceRequest struct {
	SiteID    string `json:"site_id"`
	BundleID  string `json:"bundle_id"`
	Bundle    json.RawMessage `json:"bundle"`
	Signature string `json:"signature"`
}

type uploadEvidenceResponse struct {
	WORMURI string `json:"worm_uri"`
}

// UploadEvidence ships a sealed bundle's canonical JSON and detached
// signature to the control plane's proxy endpoint, returning the WORM URI
// it was stored at. bundleJSON is expected to already be valid JSON (the
// canonical encoding evidence.Bundle.Seal produced); signature travels
// base64-encoded over the wire regardless of the hex form internal/crypto
// produces locally.
func (c *Client) UploadEvidence(ctx context.Context, siteID, bundleID string, bundleJSON, signature []byte) (string, error) {
	const op = "controlplane.upload_evidence"

	body, err := json.Marshal(uploadEvidenceRequest{
		SiteID:    siteID,
		BundleID:  bundleID,
		Bundle:    json.RawMessage(bundleJSON),
		Signature: base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		return "", fmt.Errorf("%s: marshal request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()

	result, err := c.uploadBreaker.Execute(func() (interface{}, error) {
		return c.doUploadEvidence(ctx, body, bundleID)
	})
	if err != nil {
		return "", classifyBreakerErr(op, err)
	}
	return result.(string), nil
}

func (c *Client) doUploadEvidence(ctx context.Context, body []byte, bundleID string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/evidence/upload"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.authHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", classifyTransportError("upload_evidence", err, 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyTransportError("upload_evidence", nil, resp.StatusCode)
	}

	var out uploadEvidenceResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parse upload response for bundle %s: %w", bundleID, err)
	}
	return out.WORMURI, nil
}

// ProxyUploadFunc adapts UploadEvidence to the signature worm.Config.Mode
// ModeProxy expects, so internal/worm never needs its own HTTP client.
func (c *Client) ProxyUploadFunc(ctx context.Context, siteID, bundleID string, bundleJSON, signature []byte) (string, error) {
	return c.UploadEvidence(ctx, siteID, bundleID, bundleJSON, signature)
}

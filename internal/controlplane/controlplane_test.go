package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/osiriscare/appliance/internal/apperr"
	"github.com/osiriscare/appliance/internal/clock"
	"github.com/osiriscare/appliance/internal/crypto"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, c clock.Clock) (*Client, *crypto.Signer) {
	t.Helper()
	signer, err := crypto.LoadOrCreateSigner(t.TempDir() + "/server.key")
	if err != nil {
		t.Fatalf("LoadOrCreateSigner() error = %v", err)
	}
	verifier := crypto.NewOrderVerifier(signer.PublicKeyHex())
	return &Client{
		cfg:   Config{HostID: "host-1"},
		clock: c,
		log:   zap.NewNop(),
		verify: verifier,
	}, signer
}

func signedOrder(t *testing.T, signer *crypto.Signer, fields map[string]interface{}, nonce string) Order {
	t.Helper()
	payload, err := crypto.CanonicalPayload(fields)
	if err != nil {
		t.Fatalf("CanonicalPayload() error = %v", err)
	}
	return Order{
		OrderID:       "order-1",
		OrderType:     "sync_rules",
		Nonce:         nonce,
		SignedPayload: payload,
		Signature:     signer.Sign([]byte(payload)),
	}
}

func TestVerifyOrderAcceptsValidFleetWideOrder(t *testing.T) {
	c := clock.NewFake(time.Now())
	client, signer := newTestClient(t, c)
	o := signedOrder(t, signer, map[string]interface{}{"order_id": "order-1"}, "nonce-1")

	if err := client.verifyOrder(o, c.Now()); err != nil {
		t.Errorf("verifyOrder() error = %v, want nil", err)
	}
}

func TestVerifyOrderRejectsTamperedSignature(t *testing.T) {
	c := clock.NewFake(time.Now())
	client, signer := newTestClient(t, c)
	o := signedOrder(t, signer, map[string]interface{}{"order_id": "order-1"}, "nonce-2")
	o.SignedPayload = `{"order_id": "order-1-tampered"}`

	if err := client.verifyOrder(o, c.Now()); err == nil {
		t.Error("verifyOrder() = nil, want signature mismatch error")
	}
}

func TestVerifyOrderRejectsWrongHostScope(t *testing.T) {
	c := clock.NewFake(time.Now())
	client, signer := newTestClient(t, c)
	o := signedOrder(t, signer, map[string]interface{}{"order_id": "order-1", "target_host_id": "other-host"}, "nonce-3")

	if err := client.verifyOrder(o, c.Now()); err == nil {
		t.Error("verifyOrder() = nil, want host scope mismatch error")
	}
}

func TestVerifyOrderAcceptsMatchingHostScope(t *testing.T) {
	c := clock.NewFake(time.Now())
	client, signer := newTestClient(t, c)
	o := signedOrder(t, signer, map[string]interface{}{"order_id": "order-1", "target_host_id": "host-1"}, "nonce-4")

	if err := client.verifyOrder(o, c.Now()); err != nil {
		t.Errorf("verifyOrder() error = %v, want nil", err)
	}
}

func TestVerifyOrderRejectsExpiredOrder(t *testing.T) {
	c := clock.NewFake(time.Now())
	client, signer := newTestClient(t, c)
	o := signedOrder(t, signer, map[string]interface{}{"order_id": "order-1"}, "nonce-5")
	o.ExpiresAt = c.Now().Add(-time.Hour).Format(time.RFC3339)

	if err := client.verifyOrder(o, c.Now()); err == nil {
		t.Error("verifyOrder() = nil, want expired order rejected")
	}
}

func TestVerifyOrderRejectsReplayedNonce(t *testing.T) {
	c := clock.NewFake(time.Now())
	client, signer := newTestClient(t, c)
	o := signedOrder(t, signer, map[string]interface{}{"order_id": "order-1"}, "nonce-6")

	if err := client.verifyOrder(o, c.Now()); err != nil {
		t.Fatalf("first verifyOrder() error = %v, want nil", err)
	}
	if err := client.verifyOrder(o, c.Now()); err == nil {
		t.Error("second verifyOrder() with same nonce = nil, want replay rejected")
	}
}

func TestVerifyOrdersFiltersRejectsIndependently(t *testing.T) {
	c := clock.NewFake(time.Now())
	client, signer := newTestClient(t, c)
	good := signedOrder(t, signer, map[string]interface{}{"order_id": "good"}, "nonce-good")
	bad := signedOrder(t, signer, map[string]interface{}{"order_id": "bad"}, "nonce-bad")
	bad.Signature = "deadbeef"

	valid := client.verifyOrders([]Order{good, bad})
	if len(valid) != 1 || valid[0].OrderID != good.OrderID {
		t.Errorf("verifyOrders() = %+v, want only the good order", valid)
	}
}

func TestNonceTrackerEvictsStaleEntries(t *testing.T) {
	var nt nonceTracker
	start := time.Now()

	if err := nt.checkAndRecord("n1", start); err != nil {
		t.Fatalf("checkAndRecord() error = %v", err)
	}
	// After the nonce max age has elapsed, the same nonce is allowed again
	// (and the stale entry is evicted rather than accumulating forever).
	later := start.Add(nonceMaxAge + time.Minute)
	if err := nt.checkAndRecord("n1", later); err != nil {
		t.Errorf("checkAndRecord() after expiry error = %v, want nil", err)
	}
}

func TestClassifyTransportErrorMapsTimeout(t *testing.T) {
	err := classifyTransportError("checkin", context.DeadlineExceeded, 0)
	if !apperr.Is(err, apperr.Timeout) {
		t.Errorf("classifyTransportError() kind = %v, want Timeout", apperr.KindOf(err))
	}
}

func TestClassifyTransportErrorMapsDNSToTransient(t *testing.T) {
	err := classifyTransportError("checkin", &net.DNSError{Err: "no such host", Name: "example.com"}, 0)
	if !apperr.Is(err, apperr.TransportTransient) {
		t.Errorf("classifyTransportError() kind = %v, want TransportTransient", apperr.KindOf(err))
	}
}

func TestClassifyTransportErrorMapsServerErrorToTransient(t *testing.T) {
	err := classifyTransportError("checkin", nil, 503)
	if !apperr.Is(err, apperr.TransportTransient) {
		t.Errorf("classifyTransportError() kind = %v, want TransportTransient", apperr.KindOf(err))
	}
}

func TestClassifyTransportErrorMapsAuthFailureToPermanent(t *testing.T) {
	err := classifyTransportError("checkin", nil, 401)
	if !apperr.Is(err, apperr.TransportPermanent) {
		t.Errorf("classifyTransportError() kind = %v, want TransportPermanent", apperr.KindOf(err))
	}
}

func TestNextCheckinDelayUsesConfiguredInterval(t *testing.T) {
	c := clock.NewFake(time.Now())
	client := &Client{cfg: Config{PollInterval: 60 * time.Second}, clock: c}
	if got := client.NextCheckinDelay(); got != 60*time.Second {
		t.Errorf("NextCheckinDelay() = %v, want 60s (fake clock jitter is a no-op)", got)
	}
}

func TestNewRejectsMissingClientCert(t *testing.T) {
	_, err := New(Config{BaseURL: "https://cp.example.com"}, crypto.NewOrderVerifier(""))
	if err == nil {
		t.Error("New() error = nil, want missing client cert error")
	}
}

func TestNewRejectsMissingBaseURL(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := dir+"/c.pem", dir+"/k.pem"
	os.WriteFile(certPath, []byte("placeholder"), 0600)
	os.WriteFile(keyPath, []byte("placeholder"), 0600)

	_, err := New(Config{ClientCertFile: certPath, ClientKeyFile: keyPath}, crypto.NewOrderVerifier(""))
	if err == nil {
		t.Error("New() error = nil, want missing BaseURL error")
	}
}

func TestUploadEvidenceRequestMarshalsBundleAsRawJSON(t *testing.T) {
	req := uploadEvidenceRequest{
		SiteID: "site-1", BundleID: "bundle-1",
		Bundle:    json.RawMessage(`{"incident_id":"i1"}`),
		Signature: "c2ln", // base64 of "sig"
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var roundtrip map[string]interface{}
	if err := json.Unmarshal(data, &roundtrip); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	bundle, ok := roundtrip["bundle"].(map[string]interface{})
	if !ok || bundle["incident_id"] != "i1" {
		t.Errorf("bundle field not preserved as nested JSON: %v", roundtrip["bundle"])
	}
}

func TestExecutionReportWireNestedShape(t *testing.T) {
	cost := 0.02
	in, out := 120, 340
	outcome := ExecutionOutcome{
		ExecutionID: "exec-1", IncidentID: "inc-1", RunbookID: "rb-1",
		Hostname: "host-1", IncidentType: "open_ports", DurationSeconds: 1.5,
		Success: true, Status: "resolved", Confidence: 0.92, ResolutionLevel: "L1",
		CostUSD: &cost, InputTokens: &in, OutputTokens: &out,
	}
	wire := executionReportWire{SiteID: "site-1", Execution: outcome, ReportedAt: "2026-07-30T00:00:00Z"}
	data, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, ok := decoded["execution"].(map[string]interface{}); !ok {
		t.Fatalf("expected nested execution object, got %v", decoded)
	}
	if decoded["site_id"] != "site-1" || decoded["reported_at"] != "2026-07-30T00:00:00Z" {
		t.Errorf("unexpected top-level fields: %v", decoded)
	}
}

func TestClassifyBreakerErrLeavesUnrelatedErrorsAlone(t *testing.T) {
	err := classifyBreakerErr("checkin", errors.New("circuit breaker is open"))
	// classifyBreakerErr only special-cases the exact gobreaker sentinel
	// values; an unrelated error should pass through unchanged.
	if apperr.Is(err, apperr.TransportTransient) {
		t.Error("classifyBreakerErr() should not reclassify unrelated errors")
	}
}

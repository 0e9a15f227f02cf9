package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestOrderVerifierVerifyOrder(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pubHex := hex.EncodeToString(pub)

	payload := `{"expires_at": "2026-01-01T00:00:00", "issued_at": "2025-12-31T00:00:00", "nonce": "abc123", "order_id": "test-001", "parameters": {}, "runbook_id": "RB-001"}`
	sig := ed25519.Sign(priv, []byte(payload))
	sigHex := hex.EncodeToString(sig)

	v := NewOrderVerifier(pubHex)

	if err := v.VerifyOrder(payload, sigHex); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := v.VerifyOrder(payload+"x", sigHex); err == nil {
		t.Error("tampered payload accepted")
	}
	if err := v.VerifyOrder(payload, hex.EncodeToString(make([]byte, 64))); err == nil {
		t.Error("wrong signature accepted")
	}
}

func TestOrderVerifierNoKey(t *testing.T) {
	v := NewOrderVerifier("")
	if v.HasKey() {
		t.Error("empty verifier should not have key")
	}
	if err := v.VerifyOrder("data", "aabb"); err == nil {
		t.Error("verification should fail without key")
	}
}

func TestOrderVerifierSetPublicKey(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	pubHex := hex.EncodeToString(pub)

	v := NewOrderVerifier("")
	if err := v.SetPublicKey(pubHex); err != nil {
		t.Errorf("SetPublicKey failed: %v", err)
	}
	if !v.HasKey() {
		t.Error("should have key after SetPublicKey")
	}
	if err := v.SetPublicKey("invalid"); err == nil {
		t.Error("should reject invalid hex")
	}
	if err := v.SetPublicKey("aabb"); err == nil {
		t.Error("should reject wrong-size key")
	}
}

func TestCanonicalPayload(t *testing.T) {
	fields := map[string]interface{}{
		"order_id":   "test-001",
		"runbook_id": "RB-001",
		"parameters": map[string]interface{}{},
		"nonce":      "abc123",
	}

	result, err := CanonicalPayload(fields)
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		t.Errorf("result is not valid JSON: %v", err)
	}
	if result[1] != '"' || result[2] != 'n' {
		t.Errorf("keys not sorted: %s", result)
	}
}

func TestSignerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "signing.key")

	s1, err := LoadOrCreateSigner(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if s1.PublicKeyHex() == "" {
		t.Error("expected non-empty public key")
	}

	payload, sigHex, err := s1.SignFields(map[string]interface{}{"b": 1, "a": 2})
	if err != nil {
		t.Fatal(err)
	}

	pub, err := hex.DecodeString(s1.PublicKeyHex())
	if err != nil {
		t.Fatal(err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		t.Fatal(err)
	}
	if !ed25519.Verify(pub, []byte(payload), sig) {
		t.Error("signature does not verify against signer's own public key")
	}

	// Reloading from disk must reconstruct the identical key.
	s2, err := LoadOrCreateSigner(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if s2.PublicKeyHex() != s1.PublicKeyHex() {
		t.Error("reloaded signer produced a different public key")
	}
}

func TestLoadOrCreateSignerPersistsFile(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "nested", "signing.key")

	if _, err := LoadOrCreateSigner(keyPath); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(keyPath); err != nil {
		t.Errorf("expected key file to be persisted: %v", err)
	}
}

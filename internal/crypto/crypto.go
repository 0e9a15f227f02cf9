// Package crypto provides the appliance's Ed25519 primitives: verifying
// orders and rule bundles signed by the control plane, and signing evidence
// bundles and locally-promoted rules with the appliance's own key. Both
// sides share one canonical sorted-key JSON payload convention so what one
// side signs the other can re-derive byte-for-byte.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// OrderVerifier verifies Ed25519 signatures on orders and rule bundles
// issued by the control plane. A compromised or MITM'd control plane cannot
// inject remediation orders or poison the rule catalog without this key.
type OrderVerifier struct {
	mu        sync.RWMutex
	publicKey ed25519.PublicKey
	keyHex    string
}

// NewOrderVerifier creates a verifier. If publicKeyHex is empty, verification
// is deferred until SetPublicKey is called (first check-in provides the key).
func NewOrderVerifier(publicKeyHex string) *OrderVerifier {
	v := &OrderVerifier{}
	if publicKeyHex != "" {
		_ = v.SetPublicKey(publicKeyHex)
	}
	return v
}

// SetPublicKey sets or updates the control plane's Ed25519 public key.
func (v *OrderVerifier) SetPublicKey(hexKey string) error {
	pubBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return fmt.Errorf("decode public key hex: %w", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size: got %d, want %d", len(pubBytes), ed25519.PublicKeySize)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.publicKey = ed25519.PublicKey(pubBytes)
	v.keyHex = hexKey
	return nil
}

// HasKey returns true if a public key has been set.
func (v *OrderVerifier) HasKey() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.publicKey != nil
}

// PublicKeyHex returns the current public key as a hex string.
func (v *OrderVerifier) PublicKeyHex() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keyHex
}

// VerifyOrder verifies the Ed25519 signature on a signed order payload.
// signedPayload is the canonical JSON string that was signed; signatureHex
// is the hex-encoded 64-byte signature. An order whose TTL has already
// elapsed is still cryptographically valid here — TTL enforcement belongs
// to the caller (internal/controlplane), not to signature verification.
func (v *OrderVerifier) VerifyOrder(signedPayload, signatureHex string) error {
	v.mu.RLock()
	pk := v.publicKey
	v.mu.RUnlock()

	if pk == nil {
		return fmt.Errorf("no control plane public key configured")
	}

	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("decode signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature size: got %d, want %d", len(sig), ed25519.SignatureSize)
	}

	if !ed25519.Verify(pk, []byte(signedPayload), sig) {
		return fmt.Errorf("ed25519 signature verification failed")
	}
	return nil
}

// VerifyRuleBundle verifies the signature on a rules-sync response from the
// control plane before any rule in it is loaded into the L1 engine.
func (v *OrderVerifier) VerifyRuleBundle(rulesJSON, signatureHex string) error {
	return v.VerifyOrder(rulesJSON, signatureHex)
}

// CanonicalPayload produces deterministic, sorted-key JSON for a field map,
// matching the control plane's canonicalization so both sides sign/verify
// the identical byte sequence.
func CanonicalPayload(fields map[string]interface{}) (string, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]byte, 0, 256)
	out = append(out, '{')
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',', ' ')
		}
		keyJSON, _ := json.Marshal(k)
		out = append(out, keyJSON...)
		out = append(out, ':', ' ')
		valJSON, err := json.Marshal(fields[k])
		if err != nil {
			return "", fmt.Errorf("marshal field %q: %w", k, err)
		}
		out = append(out, valJSON...)
	}
	out = append(out, '}')
	return string(out), nil
}

// Signer holds the appliance's own Ed25519 key, used to sign evidence
// bundles and rules promoted locally by the learning loop.
type Signer struct {
	priv   ed25519.PrivateKey
	pubHex string
}

// LoadOrCreateSigner loads an Ed25519 private key from path, or generates
// and persists a new one if the file doesn't exist yet.
func LoadOrCreateSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key %s: invalid length %d, want %d", path, len(data), ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(data)
		pub := hex.EncodeToString(priv.Public().(ed25519.PublicKey))
		return &Signer{priv: priv, pubHex: pub}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, priv.Seed(), 0600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return &Signer{priv: priv, pubHex: hex.EncodeToString(pub)}, nil
}

// PublicKeyHex returns this signer's public key, shared with the control
// plane at enrollment so it can verify locally-signed evidence and rules.
func (s *Signer) PublicKeyHex() string {
	return s.pubHex
}

// Sign returns the hex-encoded Ed25519 signature of data.
func (s *Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, data))
}

// SignFields canonicalizes fields and signs the result, returning both the
// canonical payload (needed later to re-verify) and its signature.
func (s *Signer) SignFields(fields map[string]interface{}) (payload, signatureHex string, err error) {
	payload, err = CanonicalPayload(fields)
	if err != nil {
		return "", "", err
	}
	return payload, s.Sign([]byte(payload)), nil
}

package evidence

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"
)

type fakeSigner struct {
	priv ed25519.PrivateKey
}

func (f fakeSigner) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(f.priv, data))
}

func newFakeSigner(t *testing.T) (fakeSigner, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return fakeSigner{priv: priv}, pub
}

func sampleBundle() *Bundle {
	return &Bundle{
		BundleID:         "EB-20260729-0001",
		SiteID:           "site-1",
		HostID:           "host-1",
		CheckOrRunbookID: "firewall_status",
		Timestamp:        "2026-07-29T00:00:00.000Z",
		Outcome:          "success",
		HIPAAControls:    []string{"164.312(a)(1)"},
		PreState:         map[string]interface{}{"enabled": false},
		PostState:        map[string]interface{}{"enabled": true},
		PHIScrubbed:      true,
	}
}

func TestSealThenVerify(t *testing.T) {
	signer, pub := newFakeSigner(t)
	b := sampleBundle()

	if err := b.Seal(signer); err != nil {
		t.Fatal(err)
	}
	if b.ContentHash == "" || b.Signature == "" {
		t.Fatal("seal did not populate hash/signature")
	}

	verify := func(contentHash, signatureHex string) bool {
		sig, err := hex.DecodeString(signatureHex)
		if err != nil {
			return false
		}
		return ed25519.Verify(pub, []byte(contentHash), sig)
	}
	if err := b.Verify(verify); err != nil {
		t.Errorf("verify failed: %v", err)
	}
}

func TestContentHashDeterministic(t *testing.T) {
	b1 := sampleBundle()
	b2 := sampleBundle()

	h1, err := b1.ComputeContentHash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := b2.ComputeContentHash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("identical bundles produced different hashes: %s vs %s", h1, h2)
	}
}

func TestContentHashExcludesSignatureAndWORMURI(t *testing.T) {
	b := sampleBundle()
	h1, _ := b.ComputeContentHash()

	b.Signature = "deadbeef"
	b.WORMURI = "s3://bucket/key"
	h2, _ := b.ComputeContentHash()

	if h1 != h2 {
		t.Error("content hash changed when only signature/worm_uri were set")
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	signer, pub := newFakeSigner(t)
	b := sampleBundle()
	if err := b.Seal(signer); err != nil {
		t.Fatal(err)
	}

	b.PostState["enabled"] = false // tamper after sealing

	verify := func(contentHash, signatureHex string) bool {
		sig, _ := hex.DecodeString(signatureHex)
		return ed25519.Verify(pub, []byte(contentHash), sig)
	}
	if err := b.Verify(verify); err == nil {
		t.Error("expected tamper to be detected")
	}
}

// Package evidence turns checks and remediations into signed, hash-chained,
// shippable artifacts: the forensic record an auditor relies on when a
// human asks "what did the appliance do and can we trust that account."
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/osiriscare/appliance/internal/clock"
)

// ActionRecord is one executed step within a remediation, with a hash of
// the exact script or command that ran so an auditor can tell which
// version of a runbook step produced a given effect.
type ActionRecord struct {
	Step       string `json:"step"`
	Command    string `json:"command,omitempty"`
	CommandSHA string `json:"command_sha256"`
	ExitCode   int    `json:"exit_code"`
	Truncated  bool   `json:"truncated"`
	DurationMS int64  `json:"duration_ms"`
}

// ScrubberStats summarizes which PHI categories a bundle's source text
// matched, without retaining the matched values themselves.
type ScrubberStats struct {
	CategoriesMatched []string `json:"categories_matched"`
}

// Bundle is the immutable forensic record of a single check or
// remediation. Every field that participates in ContentHash is stable
// under re-serialization; Signature and WORMURI are appended afterward and
// are excluded from the hash by construction (see ContentHash).
type Bundle struct {
	BundleID         string                 `json:"bundle_id"`
	SiteID           string                 `json:"site_id"`
	HostID           string                 `json:"host_id"`
	CheckOrRunbookID string                 `json:"check_or_runbook_id"`
	Timestamp        string                 `json:"timestamp"`
	Outcome          string                 `json:"outcome"`
	HIPAAControls    []string               `json:"hipaa_controls,omitempty"`
	PreState         map[string]interface{} `json:"pre_state,omitempty"`
	PostState        map[string]interface{} `json:"post_state,omitempty"`
	Actions          []ActionRecord         `json:"actions,omitempty"`
	PHIScrubbed      bool                   `json:"phi_scrubbed"`
	ScrubberStats    *ScrubberStats         `json:"scrubber_stats,omitempty"`
	PrevHash         string                 `json:"prev_hash"`
	ContentHash      string                 `json:"content_hash,omitempty"`
	Signature        string                 `json:"signature,omitempty"`
	WORMURI          string                 `json:"worm_uri,omitempty"`
}

// GenesisHash is the prev_hash of the first link in any chain segment: 64
// zero nibbles, per the hash-chain invariant.
var GenesisHash = strings.Repeat("0", 64)

// NewBundleID formats a bundle ID as EB-YYYYMMDD-NNNN using the injected
// clock so tests can produce deterministic IDs.
func NewBundleID(c clock.Clock, seq int) string {
	now := c.Now().UTC()
	return fmt.Sprintf("EB-%04d%02d%02d-%04d", now.Year(), now.Month(), now.Day(), seq)
}

// canonicalJSON re-marshals v through a sorted-key map representation so
// serialization is stable regardless of struct field order or map
// iteration order. Bundle fields are JSON-tagged consistently, so the
// standard encoding/json marshal of the struct is already deterministic
// for scalar/slice fields; canonicalJSON exists to also stabilize the
// freeform PreState/PostState maps it carries.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// contentPayload is the subset of Bundle that participates in ContentHash:
// everything except Signature and WORMURI, which are populated after the
// hash is computed and so can never be part of it.
type contentPayload struct {
	BundleID         string                 `json:"bundle_id"`
	SiteID           string                 `json:"site_id"`
	HostID           string                 `json:"host_id"`
	CheckOrRunbookID string                 `json:"check_or_runbook_id"`
	Timestamp        string                 `json:"timestamp"`
	Outcome          string                 `json:"outcome"`
	HIPAAControls    []string               `json:"hipaa_controls,omitempty"`
	PreState         map[string]interface{} `json:"pre_state,omitempty"`
	PostState        map[string]interface{} `json:"post_state,omitempty"`
	Actions          []ActionRecord         `json:"actions,omitempty"`
	PHIScrubbed      bool                   `json:"phi_scrubbed"`
	ScrubberStats    *ScrubberStats         `json:"scrubber_stats,omitempty"`
	PrevHash         string                 `json:"prev_hash"`
}

func (b *Bundle) payload() contentPayload {
	return contentPayload{
		BundleID:         b.BundleID,
		SiteID:           b.SiteID,
		HostID:           b.HostID,
		CheckOrRunbookID: b.CheckOrRunbookID,
		Timestamp:        b.Timestamp,
		Outcome:          b.Outcome,
		HIPAAControls:    b.HIPAAControls,
		PreState:         b.PreState,
		PostState:        b.PostState,
		Actions:          b.Actions,
		PHIScrubbed:      b.PHIScrubbed,
		ScrubberStats:    b.ScrubberStats,
		PrevHash:         b.PrevHash,
	}
}

// ComputeContentHash returns SHA-256(canonical_serialization_without_signature)
// without mutating the bundle, so callers can verify before trusting it.
func (b *Bundle) ComputeContentHash() (string, error) {
	canon, err := canonicalJSON(b.payload())
	if err != nil {
		return "", fmt.Errorf("canonicalize bundle: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Signer is the subset of internal/crypto.Signer that sealing needs.
type Signer interface {
	Sign(data []byte) string
}

// Seal computes ContentHash, signs it, and marks the bundle immutable from
// this point on — callers must not mutate payload fields after Seal.
func (b *Bundle) Seal(signer Signer) error {
	hash, err := b.ComputeContentHash()
	if err != nil {
		return err
	}
	b.ContentHash = hash
	b.Signature = signer.Sign([]byte(hash))
	return nil
}

// Verifier is the subset of internal/crypto.OrderVerifier-shaped API that
// bundle verification needs (a raw Ed25519 public key check).
type Verifier func(contentHash, signatureHex string) bool

// Verify recomputes ContentHash and re-checks it against the stored value
// and signature: a re-serialized bundle must reproduce an identical
// content hash, or tampering (or a non-deterministic encoder) is present.
func (b *Bundle) Verify(verify Verifier) error {
	recomputed, err := b.ComputeContentHash()
	if err != nil {
		return err
	}
	if recomputed != b.ContentHash {
		return fmt.Errorf("content hash mismatch: stored=%s recomputed=%s", b.ContentHash, recomputed)
	}
	if !verify(b.ContentHash, b.Signature) {
		return fmt.Errorf("signature verification failed for bundle %s", b.BundleID)
	}
	return nil
}

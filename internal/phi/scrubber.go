// Package phi implements the stateless PHI/PII redactor used at every
// egress boundary: log shipping, LLM planning calls, evidence generation,
// and telemetry.
//
// It also derives pattern signatures: a separate, non-redacting digest used
// by the learning loop to group incidents by shape without retaining any
// PHI-bearing content.
package phi

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/osiriscare/appliance/internal/dynval"
)

// Category identifies a PHI pattern family.
type Category string

const (
	SSN           Category = "ssn"
	MRN           Category = "mrn"
	PatientID     Category = "patient_id"
	Phone         Category = "phone"
	Email         Category = "email"
	CreditCard    Category = "credit_card"
	DOB           Category = "dob"
	Address       Category = "address"
	ZIPPlus4      Category = "zip"
	AccountNumber Category = "account_number"
	InsuranceID   Category = "insurance_id"
	Medicare      Category = "medicare"
)

type pattern struct {
	category Category
	re       *regexp.Regexp
	tag      string
}

// Scrubber is a stateless redactor: safe for concurrent use, holds no
// per-call state, and instances are interchangeable.
type Scrubber struct {
	patterns []pattern
}

// New creates a Scrubber with all 12 required categories compiled.
func New() *Scrubber {
	return &Scrubber{patterns: compile()}
}

func compile() []pattern {
	defs := []struct {
		category Category
		re       string
		tag      string
	}{
		{SSN, `\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`, "SSN-REDACTED"},
		{MRN, `(?i)\bMRN[:\s#]*\d{4,12}\b`, "MRN-REDACTED"},
		{PatientID, `(?i)\bpatient[_\s]?id[:\s#]*[A-Za-z0-9\-]{3,20}\b`, "PATIENT-ID-REDACTED"},
		{Phone, `(?:\(\d{3}\)\s*\d{3}[-.]?\d{4}|\b\d{3}[-.]?\d{3}[-.]?\d{4}\b)`, "PHONE-REDACTED"},
		{Email, `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, "EMAIL-REDACTED"},
		{CreditCard, `\b(?:\d{4}[-\s]?){3}\d{4}\b`, "CC-REDACTED"},
		{DOB, `(?i)\b(?:DOB|date\s*of\s*birth)[:\s]*\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}\b`, "DOB-REDACTED"},
		{Address, `\b\d{1,6}\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\s+(?:Street|St|Avenue|Ave|Boulevard|Blvd|Drive|Dr|Road|Rd|Lane|Ln|Court|Ct|Way|Place|Pl|Circle|Cir)\b`, "ADDRESS-REDACTED"},
		{ZIPPlus4, `\b\d{5}-\d{4}\b`, "ZIP-REDACTED"},
		{AccountNumber, `(?i)\b(?:account|acct)[:\s#]*\d{4,20}\b`, "ACCOUNT-REDACTED"},
		{InsuranceID, `(?i)\b(?:insurance|policy)\s*(?:id|#|number)[:\s]*[A-Za-z0-9\-]{4,20}\b`, "INSURANCE-REDACTED"},
		{Medicare, `(?i)\bmedicare[:\s#]*[A-Za-z0-9]{4}[-\s]?[A-Za-z0-9]{3}[-\s]?[A-Za-z0-9]{4}\b`, "MEDICARE-REDACTED"},
	}

	out := make([]pattern, 0, len(defs))
	for _, d := range defs {
		out = append(out, pattern{category: d.category, re: regexp.MustCompile(d.re), tag: d.tag})
	}
	return out
}

// hashSuffix returns the first 8 hex chars of SHA-256(value), giving
// identical inputs identical tokens without disclosing the value.
func hashSuffix(value string) string {
	h := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", h[:4])
}

// ScrubString replaces every PHI match in s with a tagged, hash-suffixed
// placeholder. IPv4 addresses are never touched (HIPAA Safe Harbor treats
// network infrastructure metadata as non-PHI).
func (s *Scrubber) ScrubString(input string) string {
	result := input
	for _, p := range s.patterns {
		result = p.re.ReplaceAllStringFunc(result, func(match string) string {
			return fmt.Sprintf("[%s-%s]", p.tag, hashSuffix(match))
		})
	}
	return result
}

// Categories returns which categories matched anywhere in input, without
// modifying it. Used to annotate scrubber_stats on evidence bundles.
func (s *Scrubber) Categories(input string) []Category {
	var found []Category
	for _, p := range s.patterns {
		if p.re.MatchString(input) {
			found = append(found, p.category)
		}
	}
	return found
}

// ScrubMap is a convenience wrapper around ScrubValue for callers working
// with decoded JSON/YAML directly (raw_data payloads, log fields) instead of
// dynval.Value trees. It never mutates data in place.
func (s *Scrubber) ScrubMap(data map[string]interface{}) map[string]interface{} {
	scrubbed := s.ScrubValue(dynval.Of(data))
	out, _ := scrubbed.Map()
	result := make(map[string]interface{}, len(out))
	for k, v := range out {
		result[k] = v.Raw()
	}
	return result
}

// ContainsPHI reports whether any category matches anywhere in input.
func (s *Scrubber) ContainsPHI(input string) bool {
	for _, p := range s.patterns {
		if p.re.MatchString(input) {
			return true
		}
	}
	return false
}

// String summarizes the Scrubber for logging at startup.
func (s *Scrubber) String() string {
	return fmt.Sprintf("phi.Scrubber{%d patterns}", len(s.patterns))
}

// ScrubValue recursively redacts every string leaf of a dynval.Value tree,
// leaving numbers, bools, nulls, list/map shape, and key names untouched.
// Scrubbing a value twice is idempotent: tags are not themselves PHI-shaped,
// so a second pass finds nothing new to replace.
func (s *Scrubber) ScrubValue(v dynval.Value) dynval.Value {
	return v.Walk(func(leaf dynval.Value) dynval.Value {
		str, ok := leaf.String()
		if !ok {
			return leaf
		}
		return dynval.Of(s.ScrubString(str))
	})
}

// signatureKeys is the stable whitelist of raw_data keys that participate in
// a pattern signature. Unlike ScrubValue (which redacts PHI but keeps
// shape), this projection drops everything not on the list, including keys
// that never carry PHI but also never help group incidents by pattern.
var signatureKeys = []string{
	"drift_detected",
	"check_name",
	"check_category",
	"service_name",
	"error_code",
	"exit_code",
	"process_name",
	"port",
	"protocol",
}

// PatternSignature computes the deterministic digest the data flywheel uses
// to group resolutions by incident shape: incidentType + severity + a
// whitelisted projection of raw_data, independent of PHI scrubbing. Two
// incidents with identical type, severity, and whitelisted fields produce
// the same signature even if their unlisted raw_data differs.
func PatternSignature(incidentType, severity string, rawData dynval.Value) string {
	var b strings.Builder
	b.WriteString(incidentType)
	b.WriteByte('|')
	b.WriteString(severity)

	keys := make([]string, len(signatureKeys))
	copy(keys, signatureKeys)
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		if val, ok := rawData.Field(k); ok {
			b.WriteString(projectScalar(val))
		}
	}

	h := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", h[:8])
}

func projectScalar(v dynval.Value) string {
	if s, ok := v.String(); ok {
		return s
	}
	if n, ok := v.Number(); ok {
		return fmt.Sprintf("%g", n)
	}
	if bv, ok := v.Bool(); ok {
		return fmt.Sprintf("%t", bv)
	}
	return ""
}

// ipPattern is used only to verify IP preservation (VerifyIPsPreserved); it
// is not part of the redaction pass.
var ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// VerifyIPsPreserved checks that the multiset of IPv4 addresses in input
// equals that in its scrubbed form, in order.
func (s *Scrubber) VerifyIPsPreserved(input string) bool {
	scrubbed := s.ScrubString(input)
	before := ipPattern.FindAllString(input, -1)
	after := ipPattern.FindAllString(scrubbed, -1)
	if len(before) != len(after) {
		return false
	}
	for i := range before {
		if before[i] != after[i] {
			return false
		}
	}
	return true
}

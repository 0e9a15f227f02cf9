package learning

import (
	"strings"
	"time"

	"github.com/osiriscare/appliance/internal/rules"
	"github.com/osiriscare/appliance/internal/store"
)

const promotedRuleIDPrefix = "promoted:"

func promotedRuleID(patternSignature string) string {
	return promotedRuleIDPrefix + patternSignature
}

func signatureFromRuleID(id string) string {
	return strings.TrimPrefix(id, promotedRuleIDPrefix)
}

// signatureConditionKeys mirrors internal/phi's projection of raw_data keys
// that participate in a pattern signature. Rebuilding a rule's conditions
// from the same key set guarantees the synthesized rule only ever matches
// incidents that would have hashed to this same pattern.
var signatureConditionKeys = []string{
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

// actionParamsFor returns the action_params most recently used for action
// among a pattern's resolutions, or an empty map if none match.
func actionParamsFor(resolutions []store.Resolution, action string) map[string]interface{} {
	for _, r := range resolutions {
		if r.Action == action {
			if r.ActionParams != nil {
				return r.ActionParams
			}
			return map[string]interface{}{}
		}
	}
	return map[string]interface{}{}
}

// BuildPromotedRule synthesizes a priority-50 L1 rule for a pattern that has
// cleared the promotion threshold, reconstructing its match conditions from
// a representative incident so the rule only fires for the same pattern
// that earned the promotion.
func BuildPromotedRule(ps store.PatternStats, sample store.Incident, action string, params map[string]interface{}, hipaaControls []string, confidence float64, now time.Time) *rules.Rule {
	// Conditions are evaluated against the full incident (see
	// orchestrator.matchableIncident), the same convention builtin rules
	// use: incident_type is a top-level field, everything scanner- or
	// detail-specific lives under raw_data.
	conditions := []rules.Condition{
		{Field: "incident_type", Operator: rules.OpEquals, Value: sample.IncidentType},
	}
	for _, key := range signatureConditionKeys {
		if v, ok := sample.RawData[key]; ok {
			conditions = append(conditions, rules.Condition{Field: "raw_data." + key, Operator: rules.OpEquals, Value: v})
		}
	}

	return &rules.Rule{
		ID:              promotedRuleID(ps.PatternSignature),
		Name:            "learned: " + sample.IncidentType,
		Description:     "Promoted from recurring L2 pattern " + ps.PatternSignature,
		Enabled:         true,
		Priority:        50,
		Source:          rules.SourcePromoted,
		Conditions:      conditions,
		Action:          action,
		ActionParams:    params,
		HIPAAControls:   hipaaControls,
		SeverityFilter:  []string{sample.Severity},
		CooldownSeconds: 300,
		MaxRetries:      2,
		Promotion: &rules.PromotionMetadata{
			Confidence:       confidence,
			SampleIncidentID: []string{sample.ID},
			PromotedAt:       now.UTC().Format(time.RFC3339),
			PromotedBy:       "learning-loop",
		},
	}
}

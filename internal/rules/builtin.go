package rules

// builtinRules returns the immutable starter catalog shipped with every
// appliance. It is deliberately small: most remediation knowledge should
// arrive as custom or synced rules, not be baked into the binary.
func builtinRules() []*Rule {
	return []*Rule{
		{
			ID:       "L1-FW-001",
			Name:     "restore firewall baseline on drift",
			Source:   SourceBuiltin,
			Enabled:  true,
			Priority: 90,
			Conditions: []Condition{
				{Field: "incident_type", Operator: OpEquals, Value: "firewall"},
				{Field: "raw_data.drift_detected", Operator: OpEquals, Value: true},
			},
			SeverityFilter:  []string{"high", "critical"},
			Action:          "restore_firewall_baseline",
			HIPAAControls:   []string{"164.312(e)(1)"},
			CooldownSeconds: 900,
			MaxRetries:      2,
		},
		{
			ID:       "L1-SVC-001",
			Name:     "restart a stopped monitored service",
			Source:   SourceBuiltin,
			Enabled:  true,
			Priority: 70,
			Conditions: []Condition{
				{Field: "incident_type", Operator: OpEquals, Value: "service_down"},
			},
			SeverityFilter:  []string{"high", "critical", "medium"},
			Action:          "restart_service",
			HIPAAControls:   []string{"164.312(b)"},
			CooldownSeconds: 300,
			MaxRetries:      3,
		},
		{
			ID:       "L1-DISK-001",
			Name:     "clear recoverable temp space on low disk",
			Source:   SourceBuiltin,
			Enabled:  true,
			Priority: 60,
			Conditions: []Condition{
				{Field: "incident_type", Operator: OpEquals, Value: "disk_space"},
				{Field: "raw_data.percent_free", Operator: OpLessThan, Value: 10},
			},
			SeverityFilter:  []string{"high", "critical"},
			Action:          "clear_temp_files",
			HIPAAControls:   []string{"164.312(c)(1)"},
			CooldownSeconds: 1800,
			MaxRetries:      1,
		},
		{
			ID:       "L1-CERT-001",
			Name:     "renew an expiring TLS certificate",
			Source:   SourceBuiltin,
			Enabled:  true,
			Priority: 80,
			Conditions: []Condition{
				{Field: "incident_type", Operator: OpEquals, Value: "certificate_expiry"},
				{Field: "raw_data.days_remaining", Operator: OpLessThan, Value: 14},
			},
			SeverityFilter:  []string{"high", "critical", "medium"},
			Action:          "renew_certificate",
			HIPAAControls:   []string{"164.312(e)(1)"},
			CooldownSeconds: 3600,
			MaxRetries:      1,
		},
		{
			ID:       "L1-AV-001",
			Name:     "trigger antivirus definition update on staleness",
			Source:   SourceBuiltin,
			Enabled:  true,
			Priority: 50,
			Conditions: []Condition{
				{Field: "incident_type", Operator: OpEquals, Value: "antivirus_stale"},
			},
			SeverityFilter:  []string{"medium", "high"},
			Action:          "update_av_definitions",
			HIPAAControls:   []string{"164.308(a)(5)(ii)(B)"},
			CooldownSeconds: 3600,
			MaxRetries:      2,
		},
	}
}

// Package store is the appliance's single-writer incident ledger: every
// Incident and its eventual Resolution, plus a materialized per-pattern
// rollup used by the learning loop to find promotion candidates. Backed by
// an embedded WAL-mode sqlite database so readers never block the writer.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Incident is one observed compliance or health anomaly, either synthesized
// by the drift detector or reported some other way.
type Incident struct {
	ID                string
	SiteID            string
	HostID            string
	IncidentType      string
	Severity          string
	CreatedAt         time.Time
	RawData           map[string]interface{}
	PatternSignature  string
}

// ResolutionLevel identifies which tier resolved an incident.
type ResolutionLevel string

const (
	LevelL1 ResolutionLevel = "L1"
	LevelL2 ResolutionLevel = "L2"
	LevelL3 ResolutionLevel = "L3"
)

// Outcome is the terminal disposition of a Resolution.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomePartial    Outcome = "partial"
	OutcomeEscalated  Outcome = "escalated"
	OutcomeBlocked    Outcome = "blocked"
)

// Resolution is the single terminal record for an incident. At most one
// Resolution ever exists per incident, and it is immutable once written.
type Resolution struct {
	IncidentID        string
	ResolutionLevel    ResolutionLevel
	Action             string
	ActionParams       map[string]interface{}
	Outcome            Outcome
	ResolutionTimeMS   int64
	ResolvedAt         time.Time
	ErrorMessage       string
	Reasoning          string
	CostUSD            float64
	LLMTokensIn        int
	LLMTokensOut       int
}

// PatternContext is what the L2 planner and learning loop use to reason
// about a recurring pattern_signature.
type PatternContext struct {
	PatternSignature string
	RecentResolutions []Resolution
	ActionFrequencies map[string]int
	SuccessRate       float64
}

// PatternStats is the materialized rollup queried for promotion eligibility.
type PatternStats struct {
	PatternSignature  string
	Occurrences       int
	L1Resolutions     int
	L2Resolutions     int
	L3Resolutions     int
	Successes         int
	Failures          int
	AvgResolutionMS   float64
	LastSeen          time.Time
	PromotionEligible bool
}

// Store wraps the sqlite connection. It is safe for concurrent use; sqlite's
// own locking combined with WAL mode gives one writer and many lock-free
// readers.
type Store struct {
	db *sql.DB
}

// Open creates or migrates the incidents database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open incident store: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; sqlite serializes anyway
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate incident store: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS incidents (
	id TEXT PRIMARY KEY,
	site_id TEXT NOT NULL,
	host_id TEXT NOT NULL,
	incident_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	created_at TEXT NOT NULL,
	raw_data TEXT NOT NULL,
	pattern_signature TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_pattern ON incidents(pattern_signature);
CREATE INDEX IF NOT EXISTS idx_incidents_site_host_type ON incidents(site_id, host_id, incident_type);
CREATE INDEX IF NOT EXISTS idx_incidents_created_at ON incidents(created_at);

CREATE TABLE IF NOT EXISTS resolutions (
	incident_id TEXT PRIMARY KEY REFERENCES incidents(id),
	resolution_level TEXT NOT NULL,
	action TEXT NOT NULL,
	action_params TEXT NOT NULL,
	outcome TEXT NOT NULL,
	resolution_time_ms INTEGER NOT NULL,
	resolved_at TEXT NOT NULL,
	error_message TEXT,
	reasoning TEXT,
	cost_usd REAL,
	llm_tokens_in INTEGER,
	llm_tokens_out INTEGER
);
`)
	return err
}

// RecordIncident inserts a new incident row. Incident IDs are caller-chosen
// (typically a uuid) and must be unique.
func (s *Store) RecordIncident(ctx context.Context, inc Incident) error {
	raw, err := json.Marshal(inc.RawData)
	if err != nil {
		return fmt.Errorf("marshal raw_data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO incidents (id, site_id, host_id, incident_type, severity, created_at, raw_data, pattern_signature)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.SiteID, inc.HostID, inc.IncidentType, inc.Severity,
		inc.CreatedAt.UTC().Format(time.RFC3339Nano), string(raw), inc.PatternSignature)
	if err != nil {
		return fmt.Errorf("record incident %s: %w", inc.ID, err)
	}
	return nil
}

// UpdateResolution writes the terminal Resolution for an incident. A second
// call for the same incident ID returns an error: resolutions are
// write-once by design so the evidence trail can never be quietly revised.
func (s *Store) UpdateResolution(ctx context.Context, res Resolution) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM resolutions WHERE incident_id = ?`, res.IncidentID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("resolution for incident %s already recorded", res.IncidentID)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check existing resolution: %w", err)
	}

	params, err := json.Marshal(res.ActionParams)
	if err != nil {
		return fmt.Errorf("marshal action_params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO resolutions (incident_id, resolution_level, action, action_params, outcome,
	resolution_time_ms, resolved_at, error_message, reasoning, cost_usd, llm_tokens_in, llm_tokens_out)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.IncidentID, string(res.ResolutionLevel), res.Action, string(params), string(res.Outcome),
		res.ResolutionTimeMS, res.ResolvedAt.UTC().Format(time.RFC3339Nano),
		res.ErrorMessage, res.Reasoning, res.CostUSD, res.LLMTokensIn, res.LLMTokensOut)
	if err != nil {
		return fmt.Errorf("record resolution for %s: %w", res.IncidentID, err)
	}
	return nil
}

// GetPatternContext returns recent resolutions, per-action frequency, and
// the overall success rate for a pattern_signature, used by the L2 planner
// to ground its reasoning and by the learning loop to score promotion.
func (s *Store) GetPatternContext(ctx context.Context, signature string, recentLimit int) (PatternContext, error) {
	if recentLimit <= 0 {
		recentLimit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT r.incident_id, r.resolution_level, r.action, r.action_params, r.outcome,
       r.resolution_time_ms, r.resolved_at, r.error_message, r.reasoning,
       r.cost_usd, r.llm_tokens_in, r.llm_tokens_out
FROM resolutions r
JOIN incidents i ON i.id = r.incident_id
WHERE i.pattern_signature = ?
ORDER BY r.resolved_at DESC
LIMIT ?`, signature, recentLimit)
	if err != nil {
		return PatternContext{}, fmt.Errorf("query pattern context: %w", err)
	}
	defer rows.Close()

	ctxResult := PatternContext{
		PatternSignature:  signature,
		ActionFrequencies: make(map[string]int),
	}
	var successes, total int
	for rows.Next() {
		var res Resolution
		var level, outcome, paramsJSON, resolvedAt string
		var errMsg, reasoning sql.NullString
		var costUSD sql.NullFloat64
		if err := rows.Scan(&res.IncidentID, &level, &res.Action, &paramsJSON, &outcome,
			&res.ResolutionTimeMS, &resolvedAt, &errMsg, &reasoning, &costUSD,
			&res.LLMTokensIn, &res.LLMTokensOut); err != nil {
			return PatternContext{}, fmt.Errorf("scan resolution: %w", err)
		}
		res.ResolutionLevel = ResolutionLevel(level)
		res.Outcome = Outcome(outcome)
		res.ErrorMessage = errMsg.String
		res.Reasoning = reasoning.String
		res.CostUSD = costUSD.Float64
		if t, err := time.Parse(time.RFC3339Nano, resolvedAt); err == nil {
			res.ResolvedAt = t
		}
		json.Unmarshal([]byte(paramsJSON), &res.ActionParams)

		ctxResult.RecentResolutions = append(ctxResult.RecentResolutions, res)
		ctxResult.ActionFrequencies[res.Action]++
		total++
		if res.Outcome == OutcomeSuccess {
			successes++
		}
	}
	if err := rows.Err(); err != nil {
		return PatternContext{}, err
	}
	if total > 0 {
		ctxResult.SuccessRate = float64(successes) / float64(total)
	}
	return ctxResult, nil
}

// promotionThresholds mirrors the fixed eligibility gate: enough volume,
// enough L2 experience to trust the pattern, a high success rate, and fast
// enough resolutions that promoting it to L1 is actually worth it.
const (
	minOccurrences      = 5
	minL2Resolutions    = 3
	minSuccessRate      = 0.9
	maxAvgResolutionMS  = 30000
)

// PromotionCandidates returns every pattern currently eligible for
// promotion from L2 handling to a synthesized L1 rule.
func (s *Store) PromotionCandidates(ctx context.Context) ([]PatternStats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
	i.pattern_signature,
	COUNT(*) AS occurrences,
	SUM(CASE WHEN r.resolution_level = 'L1' THEN 1 ELSE 0 END) AS l1_count,
	SUM(CASE WHEN r.resolution_level = 'L2' THEN 1 ELSE 0 END) AS l2_count,
	SUM(CASE WHEN r.resolution_level = 'L3' THEN 1 ELSE 0 END) AS l3_count,
	SUM(CASE WHEN r.outcome = 'success' THEN 1 ELSE 0 END) AS successes,
	SUM(CASE WHEN r.outcome = 'failure' THEN 1 ELSE 0 END) AS failures,
	AVG(r.resolution_time_ms) AS avg_ms,
	MAX(i.created_at) AS last_seen
FROM incidents i
JOIN resolutions r ON r.incident_id = i.id
GROUP BY i.pattern_signature
HAVING occurrences >= ? AND l2_count >= ?
`, minOccurrences, minL2Resolutions)
	if err != nil {
		return nil, fmt.Errorf("query promotion candidates: %w", err)
	}
	defer rows.Close()

	var out []PatternStats
	for rows.Next() {
		var ps PatternStats
		var lastSeen string
		var avgMS sql.NullFloat64
		if err := rows.Scan(&ps.PatternSignature, &ps.Occurrences, &ps.L1Resolutions,
			&ps.L2Resolutions, &ps.L3Resolutions, &ps.Successes, &ps.Failures, &avgMS, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan pattern stats: %w", err)
		}
		ps.AvgResolutionMS = avgMS.Float64
		if t, err := time.Parse(time.RFC3339Nano, lastSeen); err == nil {
			ps.LastSeen = t
		}
		total := ps.Successes + ps.Failures
		successRate := 0.0
		if total > 0 {
			successRate = float64(ps.Successes) / float64(total)
		}
		ps.PromotionEligible = successRate >= minSuccessRate && ps.AvgResolutionMS <= maxAvgResolutionMS
		out = append(out, ps)
	}
	return out, rows.Err()
}

// OpenIncidentForCheck returns the most recent un-resolved incident for a
// given host and check name, if any, so the drift detector can close it on
// the next passing check instead of opening a duplicate.
func (s *Store) OpenIncidentForCheck(ctx context.Context, hostID, incidentType string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT i.id, i.site_id, i.host_id, i.incident_type, i.severity, i.created_at, i.raw_data, i.pattern_signature
FROM incidents i
LEFT JOIN resolutions r ON r.incident_id = i.id
WHERE i.host_id = ? AND i.incident_type = ? AND r.incident_id IS NULL
ORDER BY i.created_at DESC
LIMIT 1`, hostID, incidentType)

	var inc Incident
	var createdAt, raw string
	if err := row.Scan(&inc.ID, &inc.SiteID, &inc.HostID, &inc.IncidentType, &inc.Severity,
		&createdAt, &raw, &inc.PatternSignature); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query open incident: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		inc.CreatedAt = t
	}
	json.Unmarshal([]byte(raw), &inc.RawData)
	return &inc, nil
}

// SampleIncident returns the most recently observed incident for a
// pattern_signature, used by the learning loop to reconstruct the
// incident_type, severity, and raw_data fields a promoted rule's
// conditions should match against.
func (s *Store) SampleIncident(ctx context.Context, signature string) (Incident, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, site_id, host_id, incident_type, severity, created_at, raw_data, pattern_signature
FROM incidents
WHERE pattern_signature = ?
ORDER BY created_at DESC
LIMIT 1`, signature)

	var inc Incident
	var createdAt, raw string
	if err := row.Scan(&inc.ID, &inc.SiteID, &inc.HostID, &inc.IncidentType, &inc.Severity,
		&createdAt, &raw, &inc.PatternSignature); err != nil {
		if err == sql.ErrNoRows {
			return Incident{}, false, nil
		}
		return Incident{}, false, fmt.Errorf("query sample incident: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		inc.CreatedAt = t
	}
	json.Unmarshal([]byte(raw), &inc.RawData)
	return inc, true, nil
}

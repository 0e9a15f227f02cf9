package drift

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osiriscare/appliance/internal/clock"
	"github.com/osiriscare/appliance/internal/dynval"
	"github.com/osiriscare/appliance/internal/phi"
	"github.com/osiriscare/appliance/internal/store"
	"go.uber.org/zap"
)

// DefaultInterval is the fleet-wide scan cadence; individual checks may
// override it via Config.CheckIntervals.
const DefaultInterval = 5 * time.Minute

// defaultFlapThreshold and defaultFlapWindow drive the supplemented
// per-host, per-check flap detection: if a check changes status this many
// times within FlapWindow, its next non-pass incident is raised to "high"
// severity (a "critical" finding stays critical), since a flapping check is
// itself a signal that something is wrong beyond the check's own finding.
const (
	defaultFlapThreshold = 3
	defaultFlapWindow    = 30 * time.Minute
)

// Collector gathers a HostSnapshot for one host. Implementations live
// outside this package (SSH/WinRM-backed); the scanner only needs the
// resulting data.
type Collector interface {
	Collect(ctx context.Context, hostID, platform string) (HostSnapshot, error)
}

// Config configures a Scanner.
type Config struct {
	Interval       time.Duration
	CheckIntervals map[CheckName]time.Duration
	FlapThreshold  int
	FlapWindow     time.Duration
}

// hostState tracks per-host, per-check scheduling and flap history so
// repeated scans don't re-run a check before its interval elapses and so
// a flapping check can be identified.
type hostState struct {
	mu         sync.Mutex
	lastRun    map[CheckName]time.Time
	transition map[CheckName][]time.Time // timestamps of pass<->fail flips
	lastStatus map[CheckName]Status
}

// Scanner runs the check catalog against every managed host on a cadence,
// serialized per host (so one host never has two overlapping remote
// sessions) but parallel across hosts.
type Scanner struct {
	cfg       Config
	collector Collector
	store     *store.Store
	scrubber  *phi.Scrubber
	clock     clock.Clock
	log       *zap.Logger

	mu     sync.Mutex
	hosts  map[string]*hostState
}

// New builds a Scanner.
func New(cfg Config, collector Collector, st *store.Store, scrubber *phi.Scrubber, c clock.Clock, log *zap.Logger) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FlapThreshold <= 0 {
		cfg.FlapThreshold = defaultFlapThreshold
	}
	if cfg.FlapWindow <= 0 {
		cfg.FlapWindow = defaultFlapWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{
		cfg: cfg, collector: collector, store: st, scrubber: scrubber, clock: c, log: log,
		hosts: make(map[string]*hostState),
	}
}

func (s *Scanner) stateFor(hostID string) *hostState {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs, ok := s.hosts[hostID]
	if !ok {
		hs = &hostState{
			lastRun:    make(map[CheckName]time.Time),
			transition: make(map[CheckName][]time.Time),
			lastStatus: make(map[CheckName]Status),
		}
		s.hosts[hostID] = hs
	}
	return hs
}

// ScanHosts scans every host in parallel; each host's checks run
// serially. Returns the materialized incidents, one per non-pass check
// result whose interval has elapsed.
func (s *Scanner) ScanHosts(ctx context.Context, siteID string, hostIDs []string, platformOf func(string) string) []store.Incident {
	var wg sync.WaitGroup
	results := make(chan []store.Incident, len(hostIDs))

	for _, hostID := range hostIDs {
		wg.Add(1)
		go func(hostID string) {
			defer wg.Done()
			results <- s.scanHost(ctx, siteID, hostID, platformOf(hostID))
		}(hostID)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var all []store.Incident
	for r := range results {
		all = append(all, r...)
	}
	return all
}

// scanHost runs every due check against one host, serially.
func (s *Scanner) scanHost(ctx context.Context, siteID, hostID, platform string) []store.Incident {
	hs := s.stateFor(hostID)
	var incidents []store.Incident

	snap, err := s.collector.Collect(ctx, hostID, platform)
	if err != nil {
		s.log.Warn("drift collection failed", zap.String("host_id", hostID), zap.Error(err))
		return nil
	}

	for _, name := range AllChecks {
		interval := s.cfg.Interval
		if override, ok := s.cfg.CheckIntervals[name]; ok {
			interval = override
		}

		hs.mu.Lock()
		due := s.clock.Since(hs.lastRun[name]) >= interval || hs.lastRun[name].IsZero()
		if !due {
			hs.mu.Unlock()
			continue
		}
		hs.lastRun[name] = s.clock.Now()
		prevStatus, hadPrev := hs.lastStatus[name]
		hs.mu.Unlock()

		result := RunCheck(name, snap)

		hs.mu.Lock()
		if hadPrev && prevStatus != result.Status {
			hs.transition[name] = append(hs.transition[name], s.clock.Now())
		}
		hs.lastStatus[name] = result.Status
		hs.mu.Unlock()

		if result.Status == StatusPass {
			s.closeOpenIncident(ctx, hostID, string(name))
			continue
		}

		flapping := s.isFlapping(hs, name)
		inc := s.materializeIncident(siteID, hostID, result, flapping)
		if s.store != nil {
			if err := s.store.RecordIncident(ctx, inc); err != nil {
				s.log.Warn("record drift incident failed", zap.String("host_id", hostID), zap.Error(err))
				continue
			}
		}
		incidents = append(incidents, inc)
	}

	return incidents
}

// isFlapping reports whether a check has flipped status at least
// FlapThreshold times within FlapWindow.
func (s *Scanner) isFlapping(hs *hostState, name CheckName) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	cutoff := s.clock.Now().Add(-s.cfg.FlapWindow)
	count := 0
	kept := hs.transition[name][:0]
	for _, t := range hs.transition[name] {
		if t.After(cutoff) {
			kept = append(kept, t)
			count++
		}
	}
	hs.transition[name] = kept
	return count >= s.cfg.FlapThreshold
}

func (s *Scanner) closeOpenIncident(ctx context.Context, hostID, incidentType string) {
	if s.store == nil {
		return
	}
	open, err := s.store.OpenIncidentForCheck(ctx, hostID, incidentType)
	if err != nil || open == nil {
		return
	}
	_ = s.store.UpdateResolution(ctx, store.Resolution{
		IncidentID:       open.ID,
		ResolutionLevel:  store.LevelL1,
		Action:           "drift_check_passed",
		Outcome:          store.OutcomeSuccess,
		ResolutionTimeMS: 0,
		ResolvedAt:       s.clock.Now(),
		Reasoning:        "subsequent scan found the check passing",
	})
}

func (s *Scanner) materializeIncident(siteID, hostID string, result CheckResult, flapping bool) store.Incident {
	severity := result.Severity
	if severity == "" {
		severity = "medium"
	}
	if flapping && severity != "critical" {
		severity = "high"
	}

	rawData := map[string]interface{}{
		"check":          string(result.Check),
		"status":         string(result.Status),
		"drift_detected": result.Status != StatusPass,
		"details":        result.Details,
		"flapping":       flapping,
	}
	if result.Error != "" {
		rawData["error"] = s.scrubber.ScrubString(result.Error)
	}
	if s.scrubber != nil {
		rawData = s.scrubber.ScrubMap(rawData)
	}

	sig := phi.PatternSignature(string(result.Check), severity, dynval.MapOf(rawData))

	return store.Incident{
		ID:               uuid.NewString(),
		SiteID:           siteID,
		HostID:           hostID,
		IncidentType:     string(result.Check),
		Severity:         severity,
		CreatedAt:        s.clock.Now().UTC(),
		RawData:          rawData,
		PatternSignature: sig,
	}
}

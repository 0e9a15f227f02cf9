// Package supervisor is the appliance's main loop: it owns every
// long-running worker — drift scanning, auto-healing, evidence upload,
// the learning loop, and control-plane check-in — and the channels that
// connect them. Nothing outside this package starts a goroutine that
// outlives a single call.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osiriscare/appliance/internal/apperr"
	"github.com/osiriscare/appliance/internal/clock"
	"github.com/osiriscare/appliance/internal/controlplane"
	"github.com/osiriscare/appliance/internal/drift"
	"github.com/osiriscare/appliance/internal/dynval"
	"github.com/osiriscare/appliance/internal/evidence"
	"github.com/osiriscare/appliance/internal/learning"
	"github.com/osiriscare/appliance/internal/orchestrator"
	"github.com/osiriscare/appliance/internal/phi"
	"github.com/osiriscare/appliance/internal/queue"
	"github.com/osiriscare/appliance/internal/store"
	"github.com/osiriscare/appliance/internal/worm"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultHealers               = 3
	defaultIncidentQueueCapacity = 100
	defaultShutdownTimeout       = 30 * time.Second
	defaultUploadInterval        = 30 * time.Second
	defaultLearningInterval      = 24 * time.Hour
	defaultChainVerifyInterval   = 10 * time.Minute
	defaultVersion               = "0.1.0"
)

// Config wires a Supervisor's dependencies. Scanner and Orchestrator are
// required; ControlPlane, EvidenceStore, Uploader, Learner, and
// TelemetryQueue are each optional — a nil one simply disables the loop
// that depends on it, the way the teacher daemon runs with l2Planner or
// l2Client absent.
type Config struct {
	SiteID     string
	HostIDs    func() []string
	PlatformOf func(hostID string) string

	Scanner       *drift.Scanner
	DriftInterval time.Duration

	Orchestrator          *orchestrator.Orchestrator
	Healers               int
	IncidentQueueCapacity int
	// CycleBudget bounds how long a drift worker blocks trying to submit a
	// non-duplicate incident before giving up and dropping it too.
	CycleBudget time.Duration

	ControlPlane *controlplane.Client
	Version      string

	EvidenceStore  *evidence.Store
	Chain          *evidence.Chain
	Uploader       worm.Uploader
	UploadInterval time.Duration
	// ChainVerifyInterval paces the hash-chain integrity sweep; only runs
	// when both EvidenceStore and Chain are set.
	ChainVerifyInterval time.Duration

	Learner          *learning.Learner
	LearningInterval time.Duration

	// TelemetryQueue durably stores execution reports the control plane
	// didn't accept; nothing in this package resends them. nil disables the
	// queueing (reports are simply best-effort).
	TelemetryQueue *queue.Queue

	// OnFatal is called when healing hits a store-write failure — the one
	// error class the orchestrator contract says must propagate to the
	// supervisor rather than being captured in a Resolution. May be nil.
	OnFatal func(error)

	ShutdownTimeout time.Duration
	Clock           clock.Clock
	Log             *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Healers <= 0 {
		c.Healers = defaultHealers
	}
	if c.IncidentQueueCapacity <= 0 {
		c.IncidentQueueCapacity = defaultIncidentQueueCapacity
	}
	if c.DriftInterval <= 0 {
		c.DriftInterval = drift.DefaultInterval
	}
	if c.CycleBudget <= 0 {
		c.CycleBudget = c.DriftInterval
	}
	if c.UploadInterval <= 0 {
		c.UploadInterval = defaultUploadInterval
	}
	if c.ChainVerifyInterval <= 0 {
		c.ChainVerifyInterval = defaultChainVerifyInterval
	}
	if c.LearningInterval <= 0 {
		c.LearningInterval = defaultLearningInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Version == "" {
		c.Version = defaultVersion
	}
	if c.HostIDs == nil {
		c.HostIDs = func() []string { return nil }
	}
	if c.PlatformOf == nil {
		c.PlatformOf = func(string) string { return "" }
	}
}

// Supervisor runs the worker pools described by Config until its context
// is canceled, then drains them within ShutdownTimeout.
type Supervisor struct {
	cfg Config
	log *zap.Logger
	clk clock.Clock

	wg        sync.WaitGroup
	incidents chan store.Incident
	pending   patternCounts

	subMu              sync.Mutex
	subscriptionStatus string

	credMu      sync.Mutex
	credentials []controlplane.Credential

	metrics metrics
}

type metrics struct {
	registry         *prometheus.Registry
	incidentsDropped *prometheus.CounterVec
	channelDepth     prometheus.Gauge
	healCycles       *prometheus.CounterVec
	uploadFailures   prometheus.Counter
	chainBreaks      prometheus.Counter
}

func newMetrics() metrics {
	reg := prometheus.NewRegistry()
	m := metrics{
		registry: reg,
		incidentsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appliance",
			Subsystem: "supervisor",
			Name:      "incidents_dropped_total",
			Help:      "Incidents dropped under backpressure, by pattern_signature.",
		}, []string{"pattern_signature"}),
		channelDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "appliance",
			Subsystem: "supervisor",
			Name:      "incident_channel_depth",
			Help:      "Current number of incidents queued for healing.",
		}),
		healCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appliance",
			Subsystem: "supervisor",
			Name:      "heal_cycles_total",
			Help:      "Completed healing cycles, by outcome.",
		}, []string{"outcome"}),
		uploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "appliance",
			Subsystem: "supervisor",
			Name:      "evidence_upload_failures_total",
			Help:      "Evidence bundle uploads that failed and were left pending for retry.",
		}),
		chainBreaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "appliance",
			Subsystem: "supervisor",
			Name:      "evidence_chain_breaks_total",
			Help:      "Hash-chain integrity breaks detected between a sealed bundle and its chain link.",
		}),
	}
	reg.MustRegister(m.incidentsDropped, m.channelDepth, m.healCycles, m.uploadFailures, m.chainBreaks)
	return m
}

// Registry exposes the supervisor's local Prometheus registry so the
// control-plane check-in loop can gather a snapshot to push opportunistically;
// the appliance opens no listening socket, so nothing ever scrapes this
// directly.
func (s *Supervisor) Registry() *prometheus.Registry {
	return s.metrics.registry
}

// New builds a Supervisor. SiteID, Scanner, and Orchestrator are required;
// a nil HostIDs or PlatformOf defaults to one that returns nothing.
func New(cfg Config) (*Supervisor, error) {
	if cfg.SiteID == "" {
		return nil, fmt.Errorf("supervisor: SiteID is required")
	}
	if cfg.Scanner == nil {
		return nil, fmt.Errorf("supervisor: Scanner is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("supervisor: Orchestrator is required")
	}
	cfg.applyDefaults()

	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	c := cfg.Clock
	if c == nil {
		c = clock.NewSystem()
	}

	return &Supervisor{
		cfg:       cfg,
		log:       log,
		clk:       c,
		incidents: make(chan store.Incident, cfg.IncidentQueueCapacity),
		pending:   newPatternCounts(),
		metrics:   newMetrics(),
	}, nil
}

// Run starts every configured worker and blocks until ctx is canceled,
// then waits up to ShutdownTimeout for them to finish their current step
// before returning. Workers never observe a second cancellation: once
// ctx.Done() fires they complete in-flight work and exit on their own.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("supervisor starting",
		zap.String("site_id", s.cfg.SiteID),
		zap.Int("healers", s.cfg.Healers),
		zap.Duration("drift_interval", s.cfg.DriftInterval))

	s.startWorker(func() { s.driftLoop(ctx) })
	for i := 0; i < s.cfg.Healers; i++ {
		id := i
		s.startWorker(func() { s.healerLoop(ctx, id) })
	}
	if s.cfg.EvidenceStore != nil && s.cfg.Uploader != nil {
		s.startWorker(func() { s.uploadLoop(ctx) })
	}
	if s.cfg.EvidenceStore != nil && s.cfg.Chain != nil {
		s.startWorker(func() { s.chainVerifyLoop(ctx) })
	}
	if s.cfg.Learner != nil {
		s.startWorker(func() { s.cfg.Learner.Run(ctx, s.cfg.LearningInterval) })
	}
	if s.cfg.ControlPlane != nil {
		s.startWorker(func() { s.checkinLoop(ctx) })
	}

	<-ctx.Done()
	s.log.Info("shutdown signal received, draining workers")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("all workers drained")
	case <-time.After(s.cfg.ShutdownTimeout):
		s.log.Warn("shutdown deadline exceeded, returning with workers still draining",
			zap.Duration("deadline", s.cfg.ShutdownTimeout))
	}
	return nil
}

func (s *Supervisor) startWorker(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Entitled reports whether healing should run for the given site, mirroring
// the teacher daemon's isSubscriptionActive: unknown (empty) status is
// treated as entitled so a fresh appliance isn't locked out before its
// first check-in completes.
func (s *Supervisor) Entitled(siteID string) bool {
	if siteID != s.cfg.SiteID {
		return false
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	switch s.subscriptionStatus {
	case "", "active", "trialing":
		return true
	default:
		return false
	}
}

func (s *Supervisor) setSubscriptionStatus(status string) {
	if status == "" {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subscriptionStatus != status {
		s.log.Info("subscription status changed", zap.String("from", s.subscriptionStatus), zap.String("to", status))
	}
	s.subscriptionStatus = status
}

// LatestCredentials returns a copy of the credential set from the most
// recent check-in. Per-cycle-only: the next check-in overwrites and zeroes
// the previous batch.
func (s *Supervisor) LatestCredentials() []controlplane.Credential {
	s.credMu.Lock()
	defer s.credMu.Unlock()
	out := make([]controlplane.Credential, len(s.credentials))
	copy(out, s.credentials)
	return out
}

func (s *Supervisor) setCredentials(creds []controlplane.Credential) {
	s.credMu.Lock()
	defer s.credMu.Unlock()
	for i := range s.credentials {
		s.credentials[i].Password = ""
		s.credentials[i].KeyPEM = ""
	}
	s.credentials = creds
}

// driftLoop scans every managed host on a timer and feeds the resulting
// incidents into the healer pool. Scanner.ScanHosts already runs one
// goroutine per host internally, serialized per host; this loop only
// needs to call it on a cadence and route its output.
func (s *Supervisor) driftLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DriftInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hostIDs := s.cfg.HostIDs()
			if len(hostIDs) == 0 {
				continue
			}
			incidents := s.cfg.Scanner.ScanHosts(ctx, s.cfg.SiteID, hostIDs, s.cfg.PlatformOf)
			for _, inc := range incidents {
				s.submitIncident(ctx, inc)
			}
		}
	}
}

// submitIncident enforces the incident-channel backpressure policy: a full
// channel blocks submission; if the incident is a duplicate of one already
// queued (same pattern_signature) it is dropped immediately rather than
// waiting, since a resolution already in flight for that signature makes
// this one redundant. A non-duplicate is given up to CycleBudget before it
// too is dropped.
func (s *Supervisor) submitIncident(ctx context.Context, inc store.Incident) {
	select {
	case s.incidents <- inc:
		s.pending.inc(inc.PatternSignature)
		s.metrics.channelDepth.Set(float64(len(s.incidents)))
		return
	default:
	}

	if s.pending.get(inc.PatternSignature) > 0 {
		s.dropIncident(inc, "duplicate pattern_signature already queued")
		return
	}

	timer := time.NewTimer(s.cfg.CycleBudget)
	defer timer.Stop()
	select {
	case s.incidents <- inc:
		s.pending.inc(inc.PatternSignature)
		s.metrics.channelDepth.Set(float64(len(s.incidents)))
	case <-timer.C:
		s.dropIncident(inc, "cycle budget exceeded with no duplicate to drop instead")
	case <-ctx.Done():
	}
}

func (s *Supervisor) dropIncident(inc store.Incident, reason string) {
	s.metrics.incidentsDropped.WithLabelValues(inc.PatternSignature).Inc()
	s.log.Warn("dropped incident under backpressure",
		zap.String("incident_id", inc.ID),
		zap.String("pattern_signature", inc.PatternSignature),
		zap.String("reason", reason))
}

// healerLoop drains the incident channel and runs each incident through the
// orchestrator end-to-end, one at a time, never interrupted mid-remediation.
func (s *Supervisor) healerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case inc, ok := <-s.incidents:
			if !ok {
				return
			}
			s.pending.dec(inc.PatternSignature)
			s.metrics.channelDepth.Set(float64(len(s.incidents)))
			s.handleIncident(ctx, inc, id)
		}
	}
}

func (s *Supervisor) handleIncident(ctx context.Context, inc store.Incident, workerID int) {
	res, err := s.cfg.Orchestrator.Heal(ctx, inc)
	if err != nil {
		s.metrics.healCycles.WithLabelValues("store_error").Inc()
		s.log.Error("healing failed to record resolution", zap.Int("worker", workerID), zap.String("incident_id", inc.ID), zap.Error(err))
		if s.cfg.OnFatal != nil {
			s.cfg.OnFatal(err)
		}
		return
	}
	s.metrics.healCycles.WithLabelValues(string(res.Outcome)).Inc()
	s.reportExecution(ctx, inc, res)
}

func (s *Supervisor) reportExecution(ctx context.Context, inc store.Incident, res store.Resolution) {
	if s.cfg.ControlPlane == nil {
		return
	}
	outcome := controlplane.ExecutionOutcome{
		ExecutionID:      res.IncidentID + "-" + string(res.ResolutionLevel),
		IncidentID:       inc.ID,
		RunbookID:        res.Action,
		IncidentType:     inc.IncidentType,
		DurationSeconds:  float64(res.ResolutionTimeMS) / 1000.0,
		Success:          res.Outcome == store.OutcomeSuccess,
		Status:           string(res.Outcome),
		ResolutionLevel:  string(res.ResolutionLevel),
		ErrorMessage:     res.ErrorMessage,
		Reasoning:        res.Reasoning,
		PatternSignature: inc.PatternSignature,
	}
	if res.CostUSD > 0 {
		cost := res.CostUSD
		outcome.CostUSD = &cost
	}
	if res.LLMTokensIn > 0 {
		in := res.LLMTokensIn
		outcome.InputTokens = &in
	}
	if res.LLMTokensOut > 0 {
		out := res.LLMTokensOut
		outcome.OutputTokens = &out
	}

	if err := s.cfg.ControlPlane.ReportExecution(ctx, outcome); err != nil {
		s.log.Warn("execution report failed, queued for retry", zap.String("incident_id", inc.ID), zap.Error(err))
		s.enqueueTelemetry(ctx, outcome)
	}
}

func (s *Supervisor) enqueueTelemetry(ctx context.Context, outcome controlplane.ExecutionOutcome) {
	if s.cfg.TelemetryQueue == nil {
		return
	}
	body, err := json.Marshal(outcome)
	if err != nil {
		s.log.Warn("marshal execution report for retry queue failed", zap.Error(err))
		return
	}
	if _, err := s.cfg.TelemetryQueue.Enqueue(ctx, queue.KindTelemetry, body); err != nil {
		s.log.Warn("enqueue execution report for retry failed", zap.Error(err))
	}
}

// uploadLoop drains the evidence store's pending registry on a timer,
// shipping each sealed bundle to WORM storage and recording the outcome.
func (s *Supervisor) uploadLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.UploadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainPendingUploads(ctx)
		}
	}
}

func (s *Supervisor) drainPendingUploads(ctx context.Context) {
	for _, id := range s.cfg.EvidenceStore.Pending() {
		b, err := s.cfg.EvidenceStore.ReadBundle(id)
		if err != nil {
			s.log.Warn("read pending bundle failed", zap.String("bundle_id", id), zap.Error(err))
			continue
		}
		body, err := json.Marshal(b)
		if err != nil {
			s.log.Warn("marshal pending bundle failed", zap.String("bundle_id", id), zap.Error(err))
			continue
		}
		res, err := s.cfg.Uploader.Upload(ctx, s.cfg.SiteID, id, body, []byte(b.Signature))
		if err != nil {
			s.metrics.uploadFailures.Inc()
			_ = s.cfg.EvidenceStore.MarkFailed(id, err.Error())
			s.log.Warn("evidence upload failed, left pending for retry", zap.String("bundle_id", id), zap.Error(err))
			continue
		}
		if err := s.cfg.EvidenceStore.MarkUploaded(id, res.WORMURI); err != nil {
			s.log.Warn("mark bundle uploaded failed", zap.String("bundle_id", id), zap.Error(err))
		}
	}
}

// chainVerifyLoop periodically recomputes every sealed bundle's content
// hash from disk and compares it against the hash recorded in its chain
// link, catching tampering that a link-to-link-only check can't see (a
// bundle mutated after sealing leaves its own link record untouched). A
// detected break is a HashChainBroken self-incident: it freezes the chain
// at its current tip and starts a new segment so nothing more is appended
// onto a compromised history.
func (s *Supervisor) chainVerifyLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ChainVerifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.verifyChain(ctx)
		}
	}
}

func (s *Supervisor) verifyChain(ctx context.Context) {
	idx, err := s.cfg.Chain.VerifyAndRecover(s.cfg.EvidenceStore)
	if err != nil {
		s.log.Warn("evidence chain verification failed to read a bundle", zap.Error(err))
		return
	}
	if idx < 0 {
		return
	}
	s.metrics.chainBreaks.Inc()
	chainErr := apperr.New("supervisor.chainVerifyLoop", apperr.HashChainBroken,
		fmt.Errorf("chain link %d no longer matches its bundle's content hash", idx))
	s.log.Error("evidence chain integrity broken, segment frozen and a new one started",
		zap.Int("link_index", idx), zap.Error(chainErr))

	rawData := map[string]interface{}{"link_index": idx}
	s.submitIncident(ctx, store.Incident{
		ID:               uuid.NewString(),
		SiteID:           s.cfg.SiteID,
		IncidentType:     "hash_chain_broken",
		Severity:         "critical",
		CreatedAt:        s.clk.Now().UTC(),
		RawData:          rawData,
		PatternSignature: phi.PatternSignature("hash_chain_broken", "critical", dynval.MapOf(rawData)),
	})
}

// checkinLoop phones home on NextCheckinDelay cadence, applying any
// verified orders' credential and subscription-status side effects.
// Order execution beyond verification (rule sync, rebuilds, and similar
// directives) is out of this package's scope; verified orders are handed
// to OnFatal's sibling hook only when the directive itself requires a
// restart-class response, which this appliance generation doesn't yet have.
func (s *Supervisor) checkinLoop(ctx context.Context) {
	s.runCheckin(ctx)

	for {
		delay := s.cfg.ControlPlane.NextCheckinDelay()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runCheckin(ctx)
		}
	}
}

func (s *Supervisor) runCheckin(ctx context.Context) {
	state := controlplane.CheckinState{
		SiteID:        s.cfg.SiteID,
		Version:       s.cfg.Version,
		IncidentsOpen: len(s.incidents),
		ManagedHosts:  s.cfg.HostIDs(),
	}
	result, err := s.cfg.ControlPlane.Checkin(ctx, state)
	if err != nil {
		s.log.Warn("check-in failed", zap.Error(err))
		return
	}
	s.setCredentials(result.Credentials)
	s.setSubscriptionStatus(result.SubscriptionStatus)
	for _, o := range result.Orders {
		s.log.Info("verified order received", zap.String("order_id", o.OrderID), zap.String("order_type", o.OrderType))
	}
}

// patternCounts tracks how many queued-but-not-yet-healed incidents share
// each pattern_signature, so submitIncident can recognize a duplicate
// without draining the channel to inspect it.
type patternCounts struct {
	mu     sync.Mutex
	counts map[string]int
}

func newPatternCounts() patternCounts {
	return patternCounts{counts: make(map[string]int)}
}

func (p *patternCounts) inc(sig string) {
	if sig == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[sig]++
}

func (p *patternCounts) dec(sig string) {
	if sig == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts[sig] <= 1 {
		delete(p.counts, sig)
		return
	}
	p.counts[sig]--
}

func (p *patternCounts) get(sig string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[sig]
}

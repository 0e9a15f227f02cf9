package guardrails

import (
	"fmt"
	"sync"
	"time"

	"github.com/osiriscare/appliance/internal/clock"
)

// BudgetConfig configures L2 spending and concurrency limits.
type BudgetConfig struct {
	DailyBudgetUSD     float64
	MaxCallsPerHour    int
	MaxConcurrentCalls int
}

// DefaultBudgetConfig returns conservative out-of-the-box limits.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		DailyBudgetUSD:     10.00,
		MaxCallsPerHour:    60,
		MaxConcurrentCalls: 3,
	}
}

// BudgetTracker enforces daily cost, hourly call-rate, and concurrency
// limits for L2 planning calls, against an injected clock so tests control
// the passage of days and hours deterministically.
type BudgetTracker struct {
	mu sync.Mutex

	clock clock.Clock
	cfg   BudgetConfig

	dailySpendUSD float64
	dailyDate     string
	hourlyCalls   int
	hourlyReset   time.Time

	sem chan struct{}
}

// NewBudgetTracker creates a tracker; zero-valued fields in cfg fall back
// to DefaultBudgetConfig's values.
func NewBudgetTracker(c clock.Clock, cfg BudgetConfig) *BudgetTracker {
	def := DefaultBudgetConfig()
	if cfg.DailyBudgetUSD <= 0 {
		cfg.DailyBudgetUSD = def.DailyBudgetUSD
	}
	if cfg.MaxCallsPerHour <= 0 {
		cfg.MaxCallsPerHour = def.MaxCallsPerHour
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = def.MaxConcurrentCalls
	}

	now := c.Now().UTC()
	return &BudgetTracker{
		clock:       c,
		cfg:         cfg,
		dailyDate:   now.Format("2006-01-02"),
		hourlyReset: now.Add(time.Hour),
		sem:         make(chan struct{}, cfg.MaxConcurrentCalls),
	}
}

// CheckBudget returns nil if a call is currently within budget.
func (b *BudgetTracker) CheckBudget() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()

	if b.dailySpendUSD >= b.cfg.DailyBudgetUSD {
		return fmt.Errorf("daily budget exhausted: $%.4f of $%.2f spent", b.dailySpendUSD, b.cfg.DailyBudgetUSD)
	}
	if b.hourlyCalls >= b.cfg.MaxCallsPerHour {
		return fmt.Errorf("hourly rate limit: %d of %d calls used", b.hourlyCalls, b.cfg.MaxCallsPerHour)
	}
	return nil
}

// TryAcquire attempts to take a concurrency slot without blocking.
func (b *BudgetTracker) TryAcquire() (release func(), ok bool) {
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, true
	default:
		return nil, false
	}
}

// RecordCost records a completed call's token usage and cost.
func (b *BudgetTracker) RecordCost(costUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()
	b.dailySpendUSD += costUSD
	b.hourlyCalls++
}

// Stats reports current budget usage for telemetry.
type Stats struct {
	DailySpendUSD   float64
	DailyBudgetUSD  float64
	DailyRemaining  float64
	HourlyCalls     int
	MaxCallsPerHour int
}

func (b *BudgetTracker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()
	return Stats{
		DailySpendUSD:   b.dailySpendUSD,
		DailyBudgetUSD:  b.cfg.DailyBudgetUSD,
		DailyRemaining:  b.cfg.DailyBudgetUSD - b.dailySpendUSD,
		HourlyCalls:     b.hourlyCalls,
		MaxCallsPerHour: b.cfg.MaxCallsPerHour,
	}
}

// resetIfNeeded must be called with mu held.
func (b *BudgetTracker) resetIfNeeded() {
	now := b.clock.Now().UTC()
	today := now.Format("2006-01-02")
	if today != b.dailyDate {
		b.dailySpendUSD = 0
		b.dailyDate = today
	}
	if now.After(b.hourlyReset) {
		b.hourlyCalls = 0
		b.hourlyReset = now.Add(time.Hour)
	}
}

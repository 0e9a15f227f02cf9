package guardrails

import (
	"sync"
	"time"

	"github.com/osiriscare/appliance/internal/clock"
)

// rateLimitKey scopes a cooldown to a single (site, host, action) triple.
type rateLimitKey struct {
	site   string
	host   string
	action string
}

// RateLimiter enforces a per-(site,host,action) cooldown so the same
// action cannot thrash the same host. Cooldown elapsed-time is computed
// from the injected clock, not wall time, so backwards clock jumps never
// shorten a cooldown.
type RateLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	cooldown time.Duration
	lastFire map[rateLimitKey]time.Time
}

// DefaultCooldown is used when a RateLimiter is constructed without an
// explicit cooldown.
const DefaultCooldown = 5 * time.Minute

// NewRateLimiter creates a limiter with the given cooldown (DefaultCooldown
// if d <= 0).
func NewRateLimiter(c clock.Clock, d time.Duration) *RateLimiter {
	if d <= 0 {
		d = DefaultCooldown
	}
	return &RateLimiter{clock: c, cooldown: d, lastFire: map[rateLimitKey]time.Time{}}
}

// Allow reports whether (site, host, action) is outside its cooldown. It
// does not itself record a firing — callers that proceed must call Record.
func (r *RateLimiter) Allow(site, host, action string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rateLimitKey{site, host, action}
	last, ok := r.lastFire[key]
	if !ok {
		return true
	}
	return r.clock.Since(last) >= r.cooldown
}

// Record marks (site, host, action) as having just fired.
func (r *RateLimiter) Record(site, host, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastFire[rateLimitKey{site, host, action}] = r.clock.Now()
}

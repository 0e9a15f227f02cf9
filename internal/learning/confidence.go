package learning

import (
	"math"
	"time"

	"github.com/osiriscare/appliance/internal/store"
)

// ActionConsistency is the Herfindahl concentration (sum of squared shares)
// of an action-frequency distribution: 1.0 when every resolution used the
// same action, lower as the pattern has been handled inconsistently.
func ActionConsistency(freqs map[string]int) float64 {
	total := 0
	for _, n := range freqs {
		total += n
	}
	if total == 0 {
		return 0
	}
	var sumSquares float64
	for _, n := range freqs {
		p := float64(n) / float64(total)
		sumSquares += p * p
	}
	return sumSquares
}

// DominantAction returns the most frequently used action in freqs, and
// whether freqs contained anything at all.
func DominantAction(freqs map[string]int) (string, bool) {
	var best string
	var bestCount int
	for action, n := range freqs {
		if n > bestCount || (n == bestCount && action < best) {
			best, bestCount = action, n
		}
	}
	return best, bestCount > 0
}

// Confidence scores a promotion candidate: its success rate, a small
// volume bonus for patterns seen often, a bonus for resolving consistently
// with the same action, and a staleness penalty for patterns that haven't
// recurred recently. Clamped to [0, 1].
func Confidence(ps store.PatternStats, actionConsistency float64, now time.Time) float64 {
	total := ps.Successes + ps.Failures
	successRate := 0.0
	if total > 0 {
		successRate = float64(ps.Successes) / float64(total)
	}

	volumeBonus := math.Min(float64(ps.Occurrences)/50, 0.10)
	consistencyBonus := actionConsistency * 0.10

	var stalenessPenalty float64
	if !ps.LastSeen.IsZero() {
		daysSinceLastSeen := now.Sub(ps.LastSeen).Hours() / 24
		if daysSinceLastSeen > 0 {
			stalenessPenalty = math.Min(daysSinceLastSeen/30, 0.20)
		}
	}

	score := successRate + volumeBonus + consistencyBonus - stalenessPenalty
	return math.Max(0, math.Min(1, score))
}

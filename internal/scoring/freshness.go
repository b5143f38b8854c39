package scoring

import (
	"math"
	"time"
)

// DefaultHalfLife is the evidence age at which freshness halves.
const DefaultHalfLife = 90 * 24 * time.Hour

// Freshness returns the confidence multiplier for evidence of the given age:
// 2^(-age/halfLife), so 1 for new evidence, 0.5 at one half-life, and never
// increasing with age. Future-dated evidence counts as new.
func Freshness(age, halfLife time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	if halfLife <= 0 {
		return 0
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}

// AgeDays is age in fractional days.
func AgeDays(age time.Duration) float64 {
	return age.Hours() / 24
}

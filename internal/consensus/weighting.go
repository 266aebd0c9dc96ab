package consensus

import (
	"math"
	"time"
)

// TemporalWeighting maps a vote's age to a multiplicative weight factor.
// The hard window cutoff is enforced by the aggregator before the strategy
// is consulted, so implementations only see ages within the window.
type TemporalWeighting interface {
	Factor(age time.Duration) float64
}

// StepWeighting is the default temporal strategy: full weight for recent
// votes, a flat reduced factor for the remainder of the window. A step
// function rather than continuous decay keeps tick output deterministic.
type StepWeighting struct {
	// Recent is the age up to which votes keep full weight.
	Recent time.Duration
	// AgedFactor is applied to votes older than Recent.
	AgedFactor float64
}

// Factor implements TemporalWeighting.
func (s StepWeighting) Factor(age time.Duration) float64 {
	if age <= s.Recent {
		return 1.0
	}
	return s.AgedFactor
}

// ExponentialWeighting is the swappable continuous-decay alternative:
// factor = 0.5^(age/HalfLife). The window cutoff still applies upstream.
type ExponentialWeighting struct {
	HalfLife time.Duration
}

// Factor implements TemporalWeighting.
func (e ExponentialWeighting) Factor(age time.Duration) float64 {
	if e.HalfLife <= 0 {
		return 1.0
	}
	return math.Pow(0.5, age.Seconds()/e.HalfLife.Seconds())
}

// spatialFactor returns the multiplicative spatial component of a vote's
// effective weight: 1+bonus when the vote carries a location within radius
// of the venue origin, 1 otherwise. Votes without a location get no bonus.
func spatialFactor(loc *Location, origin Location, radius, bonus float64) float64 {
	if loc == nil || radius <= 0 {
		return 1.0
	}
	if loc.DistanceTo(origin) <= radius {
		return 1.0 + bonus
	}
	return 1.0
}

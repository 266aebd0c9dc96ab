package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepWeighting(t *testing.T) {
	w := StepWeighting{Recent: 5 * time.Second, AgedFactor: 0.8}

	assert.Equal(t, 1.0, w.Factor(0))
	assert.Equal(t, 1.0, w.Factor(5*time.Second))
	assert.Equal(t, 0.8, w.Factor(5*time.Second+time.Millisecond))
	assert.Equal(t, 0.8, w.Factor(10*time.Second))
}

func TestExponentialWeighting(t *testing.T) {
	w := ExponentialWeighting{HalfLife: 5 * time.Second}

	assert.InDelta(t, 1.0, w.Factor(0), 1e-9)
	assert.InDelta(t, 0.5, w.Factor(5*time.Second), 1e-9)
	assert.InDelta(t, 0.25, w.Factor(10*time.Second), 1e-9)

	// Degenerate half-life disables decay.
	assert.Equal(t, 1.0, ExponentialWeighting{}.Factor(time.Hour))
}

func TestSpatialFactor(t *testing.T) {
	origin := Location{X: 0, Y: 0}
	near := Location{X: 30, Y: 40} // distance 50
	far := Location{X: 300, Y: 400}

	assert.Equal(t, 1.2, spatialFactor(&near, origin, 100, 0.2))
	assert.Equal(t, 1.0, spatialFactor(&far, origin, 100, 0.2))
	assert.Equal(t, 1.0, spatialFactor(nil, origin, 100, 0.2))
	// Radius zero disables spatial weighting entirely.
	assert.Equal(t, 1.0, spatialFactor(&near, origin, 0, 0.2))
}

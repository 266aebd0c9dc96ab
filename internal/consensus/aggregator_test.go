package consensus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(t *testing.T, cfg AggregatorConfig) (*Aggregator, *OverrideManager) {
	t.Helper()
	registry := NewRegistry(Parameter{ID: "energy", Min: 0, Max: 100, Default: 50})
	overrides := NewOverrideManager(registry)
	return NewAggregator(cfg, registry, overrides, Location{}, nil), overrides
}

func vote(client string, value float64, receivedAt time.Time) Vote {
	return Vote{
		ClientID:    client,
		ParameterID: "energy",
		Value:       value,
		Weight:      1.0,
		ReceivedAt:  receivedAt,
	}
}

func TestAggregatorStartsAtDefaults(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultAggregatorConfig())

	state, ok := agg.State("energy")
	require.True(t, ok)
	assert.Equal(t, 50.0, state.Published)
	assert.Equal(t, 0, state.VoteCount)
}

func TestSingleVoteIdentity(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()

	agg.Append([]Vote{vote("a", 60, now)})
	snap := agg.Tick(now)

	assert.Equal(t, 60.0, snap.Values["energy"])
	assert.Equal(t, 1, snap.Participants)

	state, _ := agg.State("energy")
	assert.Equal(t, 60.0, state.Raw)
	assert.Equal(t, 60.0, state.Published)
	assert.Equal(t, 1, state.VoteCount)
	// A lone vote has zero spread.
	assert.Equal(t, 1.0, state.Confidence)
}

func TestEqualWeightMeanAndConfidence(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()

	agg.Append([]Vote{
		vote("a", 80, now),
		vote("b", 20, now),
	})
	snap := agg.Tick(now)

	assert.InDelta(t, 50.0, snap.Values["energy"], 1e-9)
	assert.Equal(t, 2, snap.Participants)

	// Population std of {80,20} is 30; span 100 gives confidence 0.7.
	state, _ := agg.State("energy")
	assert.InDelta(t, 0.7, state.Confidence, 1e-9)
}

func TestWindowExcludesOldVotes(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()

	agg.Append([]Vote{
		vote("a", 80, now.Add(-11*time.Second)),
		vote("b", 20, now),
	})
	snap := agg.Tick(now)

	assert.InDelta(t, 20.0, snap.Values["energy"], 1e-9)
	assert.Equal(t, 1, snap.Participants)
}

func TestTemporalStepWeighting(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()

	// One vote aged past the recent window (factor 0.8), one fresh.
	agg.Append([]Vote{
		vote("a", 80, now.Add(-7*time.Second)),
		vote("b", 20, now),
	})
	snap := agg.Tick(now)

	// (80*0.8 + 20*1.0) / 1.8
	assert.InDelta(t, 46.6667, snap.Values["energy"], 1e-3)
}

func TestSpatialBonus(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()

	near := Location{X: 10, Y: 10}
	far := Location{X: 500, Y: 500}
	v1 := vote("a", 80, now)
	v1.Location = &near
	v2 := vote("b", 20, now)
	v2.Location = &far

	agg.Append([]Vote{v1, v2})
	snap := agg.Tick(now)

	// (80*1.2 + 20*1.0) / 2.2
	assert.InDelta(t, 52.7273, snap.Values["energy"], 1e-3)
}

func TestOutlierRejection(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()

	votes := make([]Vote, 0, 10)
	for i := 0; i < 9; i++ {
		votes = append(votes, vote(fmt.Sprintf("c%d", i), 50, now))
	}
	// Mean 60, std 30: 150 sits 3 sigma out and is discarded. Range
	// checks live in the gateway, so the buffer accepts it directly.
	votes = append(votes, vote("outlier", 150, now))
	agg.Append(votes)
	snap := agg.Tick(now)

	assert.InDelta(t, 50.0, snap.Values["energy"], 1e-9)

	state, _ := agg.State("energy")
	assert.Equal(t, 9, state.VoteCount)
}

func TestOutlierRejectionSkippedForUniformVotes(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()

	agg.Append([]Vote{vote("a", 42, now), vote("b", 42, now)})
	snap := agg.Tick(now)

	assert.Equal(t, 42.0, snap.Values["energy"])
	state, _ := agg.State("energy")
	assert.Equal(t, 2, state.VoteCount)
}

func TestSmoothingBlendsAgainstPrevious(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()

	agg.Append([]Vote{vote("a", 40, now)})
	agg.Tick(now)

	// Second tick sees both votes; raw mean 60, smoothed 0.3*60+0.7*40.
	later := now.Add(50 * time.Millisecond)
	agg.Append([]Vote{vote("b", 80, later)})
	snap := agg.Tick(later)

	assert.InDelta(t, 46.0, snap.Values["energy"], 1e-9)
}

func TestZeroVotesFreezesConsensus(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()

	agg.Append([]Vote{vote("a", 70, now)})
	agg.Tick(now)

	// All votes age out; the published value holds.
	later := now.Add(15 * time.Second)
	snap := agg.Tick(later)

	assert.Equal(t, 70.0, snap.Values["energy"])
	assert.Equal(t, 0, snap.Participants)

	state, _ := agg.State("energy")
	assert.Equal(t, 0, state.VoteCount)
}

func TestAbsoluteOverrideAndClear(t *testing.T) {
	agg, overrides := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()

	agg.Append([]Vote{vote("a", 40, now)})
	agg.Tick(now)

	_, err := overrides.Request("dj", "energy", 75, OverrideAbsolute, 0, 0)
	require.NoError(t, err)

	later := now.Add(50 * time.Millisecond)
	snap := agg.Tick(later)
	assert.Equal(t, 75.0, snap.Values["energy"])

	// Consensus keeps aggregating underneath the override.
	state, _ := agg.State("energy")
	assert.InDelta(t, 40.0, state.Smoothed, 1e-9)
	require.NotNil(t, state.Override)

	overrides.Clear("dj", "energy")
	snap = agg.Tick(later.Add(50 * time.Millisecond))
	assert.InDelta(t, 40.0, snap.Values["energy"], 1e-9)
}

func TestBlendOverride(t *testing.T) {
	agg, overrides := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()

	agg.Append([]Vote{vote("a", 40, now)})
	agg.Tick(now)

	_, err := overrides.Request("dj", "energy", 80, OverrideBlend, 0.5, 0)
	require.NoError(t, err)

	snap := agg.Tick(now.Add(50 * time.Millisecond))
	// 0.5*80 + 0.5*40
	assert.InDelta(t, 60.0, snap.Values["energy"], 1e-9)
}

func TestOverrideOnQuietParameter(t *testing.T) {
	agg, overrides := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()

	_, err := overrides.Request("dj", "energy", 90, OverrideAbsolute, 0, 0)
	require.NoError(t, err)

	// No votes at all: the override still drives the published value.
	snap := agg.Tick(now)
	assert.Equal(t, 90.0, snap.Values["energy"])
}

func TestOverrideExpiresOnTick(t *testing.T) {
	agg, overrides := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()

	agg.Append([]Vote{vote("a", 40, now)})
	agg.Tick(now)

	_, err := overrides.Request("dj", "energy", 90, OverrideAbsolute, 0, 500*time.Millisecond)
	require.NoError(t, err)

	snap := agg.Tick(now.Add(50 * time.Millisecond))
	assert.Equal(t, 90.0, snap.Values["energy"])

	// A tick past the expiry clears it and consensus resumes.
	snap = agg.Tick(time.Now().Add(time.Second))
	assert.InDelta(t, 40.0, snap.Values["energy"], 1e-9)
	assert.Equal(t, 0, overrides.Count())
}

func TestPublishedAlwaysInRange(t *testing.T) {
	agg, overrides := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()

	// Override targets are clamped on request.
	o, err := overrides.Request("dj", "energy", 150, OverrideAbsolute, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 100.0, o.Value)

	agg.Append([]Vote{vote("a", 100, now), vote("b", 100, now)})
	snap := agg.Tick(now)
	assert.LessOrEqual(t, snap.Values["energy"], 100.0)
	assert.GreaterOrEqual(t, snap.Values["energy"], 0.0)
}

func TestBufferedVotesCounter(t *testing.T) {
	agg, _ := newTestAggregator(t, DefaultAggregatorConfig())
	now := time.Now()

	agg.Append([]Vote{vote("a", 40, now), vote("b", 60, now)})
	agg.Tick(now)
	assert.Equal(t, 2, agg.BufferedVotes())

	agg.Tick(now.Add(15 * time.Second))
	assert.Equal(t, 0, agg.BufferedVotes())
}

func BenchmarkTickThousandVotes(b *testing.B) {
	registry := NewRegistry(Parameter{ID: "energy", Min: 0, Max: 100, Default: 50})
	overrides := NewOverrideManager(registry)
	agg := NewAggregator(DefaultAggregatorConfig(), registry, overrides, Location{}, nil)

	now := time.Now()
	votes := make([]Vote, 1000)
	for i := range votes {
		votes[i] = Vote{
			ClientID:    fmt.Sprintf("client-%d", i),
			ParameterID: "energy",
			Value:       float64(i % 100),
			Weight:      1.0,
			ReceivedAt:  now,
		}
	}
	agg.Append(votes)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		agg.Tick(now)
	}
}

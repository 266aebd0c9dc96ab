package consensus

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AggregatorConfig tunes the per-tick consensus computation.
type AggregatorConfig struct {
	// Window is the temporal window; votes older than this never
	// contribute (hard cutoff, not decay to zero).
	Window time.Duration
	// RecentWindow is the age up to which votes keep full temporal weight.
	RecentWindow time.Duration
	// AgedFactor is the temporal step factor for votes older than
	// RecentWindow but still inside the window.
	AgedFactor float64
	// ProximityRadius is the distance from the venue origin within which
	// located votes earn the spatial bonus. Zero disables spatial weighting.
	ProximityRadius float64
	// SpatialBonus is the additive bonus applied to the spatial factor for
	// votes inside the proximity radius.
	SpatialBonus float64
	// OutlierThreshold is the number of standard deviations beyond which a
	// vote's value is discarded. Zero disables outlier rejection.
	OutlierThreshold float64
	// SmoothingFactor is the blend weight alpha for the new raw aggregate
	// against the previously published value.
	SmoothingFactor float64
}

// DefaultAggregatorConfig returns the default tuning.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Window:           10 * time.Second,
		RecentWindow:     5 * time.Second,
		AgedFactor:       0.8,
		ProximityRadius:  100,
		SpatialBonus:     0.2,
		OutlierThreshold: 2.0,
		SmoothingFactor:  0.3,
	}
}

// paramRecord is the aggregator's private per-parameter arena slot: the
// rolling vote buffer plus the live state. Only the tick goroutine touches
// these; readers go through the published snapshot.
type paramRecord struct {
	param  Parameter
	votes  []Vote
	state  ParameterState
	seeded bool
}

// Aggregator recomputes every parameter's published value once per tick.
// Append and Tick must be called from a single goroutine (the engine's
// consumer task); State/States/Values are safe from any goroutine via an
// atomic snapshot swap, so the broadcast read path holds no locks.
type Aggregator struct {
	cfg       AggregatorConfig
	origin    Location
	overrides *OverrideManager
	temporal  TemporalWeighting
	records   []*paramRecord
	index     map[string]int
	published atomic.Pointer[map[string]ParameterState]
	buffered  atomic.Int64
	log       zerolog.Logger
}

// NewAggregator creates an aggregator over the registry's parameters. A nil
// temporal strategy selects the default step function.
func NewAggregator(cfg AggregatorConfig, registry *Registry, overrides *OverrideManager, origin Location, temporal TemporalWeighting) *Aggregator {
	if temporal == nil {
		temporal = StepWeighting{Recent: cfg.RecentWindow, AgedFactor: cfg.AgedFactor}
	}

	a := &Aggregator{
		cfg:       cfg,
		origin:    origin,
		overrides: overrides,
		temporal:  temporal,
		index:     make(map[string]int),
		log:       log.With().Str("component", "aggregator").Logger(),
	}
	for i, p := range registry.All() {
		a.records = append(a.records, &paramRecord{
			param: p,
			state: ParameterState{
				ParameterID: p.ID,
				Published:   p.Default,
				Smoothed:    p.Default,
				Raw:         p.Default,
			},
		})
		a.index[p.ID] = i
	}
	a.swapSnapshot()
	return a
}

// Append adds accepted votes to their parameters' rolling buffers. Votes
// for unregistered parameters were rejected upstream and are ignored here.
func (a *Aggregator) Append(votes []Vote) {
	for _, v := range votes {
		i, ok := a.index[v.ParameterID]
		if !ok {
			continue
		}
		a.records[i].votes = append(a.records[i].votes, v)
	}
}

// Tick runs one aggregation cycle across all parameters: clear expired
// overrides, recompute each parameter independently, swap the reader
// snapshot, and return the tick's Snapshot for fan-out.
func (a *Aggregator) Tick(now time.Time) Snapshot {
	a.overrides.ClearExpired(now)

	participants := make(map[string]struct{})
	values := make(map[string]float64, len(a.records))

	for _, rec := range a.records {
		a.aggregate(rec, now, participants)
		values[rec.param.ID] = rec.state.Published
	}

	a.swapSnapshot()

	var buffered int64
	for _, rec := range a.records {
		buffered += int64(len(rec.votes))
	}
	a.buffered.Store(buffered)

	return Snapshot{
		Timestamp:    now,
		Participants: len(participants),
		Values:       values,
	}
}

// aggregate recomputes one parameter's state for this tick.
func (a *Aggregator) aggregate(rec *paramRecord, now time.Time, participants map[string]struct{}) {
	// Window prune, in place.
	cutoff := now.Add(-a.cfg.Window)
	kept := rec.votes[:0]
	for _, v := range rec.votes {
		if !v.ReceivedAt.Before(cutoff) {
			kept = append(kept, v)
		}
	}
	rec.votes = kept

	override := a.overrides.Active(rec.param.ID)

	if len(rec.votes) == 0 {
		// Absence of input is not a signal: consensus stays frozen. The
		// published value still tracks override install/clear so a
		// performer can drive a quiet parameter.
		rec.state.VoteCount = 0
		rec.state.Override = override
		published := rec.state.Smoothed
		if override != nil {
			published = override.Apply(rec.state.Smoothed)
		}
		rec.state.Published = rec.param.Clamp(published)
		return
	}

	surviving := a.rejectOutliers(rec.votes)

	// Weighted aggregate over the surviving votes.
	var sum, weightSum float64
	for _, v := range surviving {
		w := v.Weight *
			a.temporal.Factor(v.Age(now)) *
			spatialFactor(v.Location, a.origin, a.cfg.ProximityRadius, a.cfg.SpatialBonus)
		sum += v.Value * w
		weightSum += w
		participants[v.ClientID] = struct{}{}
	}
	raw := sum / weightSum

	// Confidence from the spread of the surviving values.
	_, std := meanStd(surviving)
	confidence := 1 - clamp01(std/rec.param.Span())

	// Smoothing; the first contributing tick publishes raw directly.
	smoothed := raw
	if rec.seeded {
		alpha := a.cfg.SmoothingFactor
		smoothed = alpha*raw + (1-alpha)*rec.state.Smoothed
	}
	rec.seeded = true

	published := smoothed
	if override != nil {
		published = override.Apply(smoothed)
	}

	rec.state = ParameterState{
		ParameterID: rec.param.ID,
		Published:   rec.param.Clamp(published),
		Smoothed:    smoothed,
		Raw:         raw,
		Confidence:  confidence,
		VoteCount:   len(surviving),
		UpdatedAt:   now,
		Override:    override,
	}
}

// rejectOutliers drops votes whose value deviates more than the configured
// number of standard deviations from the unweighted mean. If rejection
// would remove every vote it is skipped entirely for this tick.
func (a *Aggregator) rejectOutliers(votes []Vote) []Vote {
	if a.cfg.OutlierThreshold <= 0 || len(votes) < 2 {
		return votes
	}

	mean, std := meanStd(votes)
	if std == 0 {
		return votes
	}

	limit := a.cfg.OutlierThreshold * std
	surviving := make([]Vote, 0, len(votes))
	for _, v := range votes {
		if math.Abs(v.Value-mean) <= limit {
			surviving = append(surviving, v)
		}
	}
	if len(surviving) == 0 {
		return votes
	}
	return surviving
}

// State returns a copy of one parameter's live state from the reader
// snapshot.
func (a *Aggregator) State(parameterID string) (ParameterState, bool) {
	states := *a.published.Load()
	s, ok := states[parameterID]
	return s, ok
}

// States returns a copy of every parameter's live state.
func (a *Aggregator) States() map[string]ParameterState {
	states := *a.published.Load()
	out := make(map[string]ParameterState, len(states))
	for id, s := range states {
		out[id] = s
	}
	return out
}

// Values returns the current published value per parameter.
func (a *Aggregator) Values() map[string]float64 {
	states := *a.published.Load()
	out := make(map[string]float64, len(states))
	for id, s := range states {
		out[id] = s.Published
	}
	return out
}

// BufferedVotes returns the number of votes held in the rolling buffers as
// of the last tick. Safe from any goroutine; used for telemetry.
func (a *Aggregator) BufferedVotes() int {
	return int(a.buffered.Load())
}

// swapSnapshot publishes an immutable copy of all states for readers.
func (a *Aggregator) swapSnapshot() {
	states := make(map[string]ParameterState, len(a.records))
	for _, rec := range a.records {
		states[rec.param.ID] = rec.state
	}
	a.published.Store(&states)
}

// meanStd returns the unweighted mean and population standard deviation of
// the votes' raw values.
func meanStd(votes []Vote) (mean, std float64) {
	if len(votes) == 0 {
		return 0, 0
	}
	for _, v := range votes {
		mean += v.Value
	}
	mean /= float64(len(votes))

	var variance float64
	for _, v := range votes {
		d := v.Value - mean
		variance += d * d
	}
	variance /= float64(len(votes))
	return mean, math.Sqrt(variance)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

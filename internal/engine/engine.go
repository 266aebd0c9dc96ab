// Package engine wires the gateway, event bus, aggregator, override
// manager and session gate together and drives the fixed-cadence
// aggregation/broadcast loop.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/bus"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/consensus"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/gateway"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/metrics"
)

// Config tunes the engine loop.
type Config struct {
	// BroadcastInterval is the tick cadence. A tick that overruns delays
	// the next one; ticks never overlap.
	BroadcastInterval time.Duration
	// AggregatorConfig tunes the consensus computation.
	Aggregator consensus.AggregatorConfig
	// GatewayConfig tunes the input gateway.
	Gateway gateway.Config
	// VoteBusCapacity and LocationBusCapacity size the event bus channels.
	VoteBusCapacity     int
	LocationBusCapacity int
}

// DefaultConfig returns the default engine tuning (20Hz broadcast).
func DefaultConfig() Config {
	return Config{
		BroadcastInterval: 50 * time.Millisecond,
		Aggregator:        consensus.DefaultAggregatorConfig(),
		Gateway:           gateway.DefaultConfig(),
	}
}

// Stats summarizes live engine state for operator-facing surfaces.
type Stats struct {
	Clients         int `json:"clients"`
	ActiveOverrides int `json:"active_overrides"`
	BufferedVotes   int `json:"buffered_votes"`
	Subscribers     int `json:"subscribers"`
}

// Engine is the composition root. Exactly one goroutine (Run) consumes the
// bus and executes ticks; producers and snapshot readers never block on it.
type Engine struct {
	cfg       Config
	session   *consensus.Session
	registry  *consensus.Registry
	overrides *consensus.OverrideManager
	agg       *consensus.Aggregator
	gateway   *gateway.Gateway
	bus       *bus.Bus
	metrics   *metrics.Metrics

	subMu   sync.RWMutex
	subs    map[uint64]chan consensus.Snapshot
	nextSub uint64

	log zerolog.Logger
}

// New assembles an engine for the given parameters and venue origin.
func New(cfg Config, params []consensus.Parameter, origin consensus.Location) *Engine {
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = DefaultConfig().BroadcastInterval
	}

	m := metrics.Get()
	registry := consensus.NewRegistry(params...)
	session := consensus.NewSession(origin)
	overrides := consensus.NewOverrideManager(registry)
	agg := consensus.NewAggregator(cfg.Aggregator, registry, overrides, origin, nil)
	b := bus.New(cfg.VoteBusCapacity, cfg.LocationBusCapacity)
	gw := gateway.New(cfg.Gateway, registry, session, overrides, b, m)

	return &Engine{
		cfg:       cfg,
		session:   session,
		registry:  registry,
		overrides: overrides,
		agg:       agg,
		gateway:   gw,
		bus:       b,
		metrics:   m,
		subs:      make(map[uint64]chan consensus.Snapshot),
		log:       log.With().Str("component", "engine").Logger(),
	}
}

// Session returns the session gate.
func (e *Engine) Session() *consensus.Session { return e.session }

// Registry returns the parameter registry.
func (e *Engine) Registry() *consensus.Registry { return e.registry }

// Overrides returns the override manager.
func (e *Engine) Overrides() *consensus.OverrideManager { return e.overrides }

// Gateway returns the input gateway.
func (e *Engine) Gateway() *gateway.Gateway { return e.gateway }

// Values returns the current published value per parameter.
func (e *Engine) Values() map[string]float64 { return e.agg.Values() }

// States returns a copy of every parameter's live state.
func (e *Engine) States() map[string]consensus.ParameterState { return e.agg.States() }

// Stats returns live counters for operator surfaces.
func (e *Engine) Stats() Stats {
	e.subMu.RLock()
	subscribers := len(e.subs)
	e.subMu.RUnlock()

	return Stats{
		Clients:         e.gateway.ClientCount(),
		ActiveOverrides: e.overrides.Count(),
		BufferedVotes:   e.agg.BufferedVotes(),
		Subscribers:     subscribers,
	}
}

// Subscribe registers a snapshot listener. Delivery is best-effort: a
// subscriber that falls behind misses snapshots rather than stalling the
// tick. The returned cancel func must be called on disconnect.
func (e *Engine) Subscribe(buffer int) (<-chan consensus.Snapshot, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan consensus.Snapshot, buffer)

	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
	return ch, cancel
}

// Run executes the consumer/tick loop until the context is cancelled. Vote
// batches and the broadcast ticker are serviced by this one goroutine, so
// the rolling buffers need no locking.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().
		Dur("broadcast_interval", e.cfg.BroadcastInterval).
		Int("parameters", e.registry.Len()).
		Msg("Engine loop started")

	ticker := time.NewTicker(e.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("Engine loop stopped")
			return ctx.Err()

		case batch := <-e.bus.Votes():
			e.agg.Append(batch.Votes)
			e.gateway.Absorbed(batch.ClientID, len(batch.Votes))

		case u := <-e.bus.Locations():
			// The gateway already stored the location on the client record;
			// the event exists for observers.
			e.log.Debug().
				Str("client", u.ClientID).
				Str("zone", u.Location.Zone).
				Msg("Location updated")

		case <-ticker.C:
			e.tick(time.Now())
		}
	}
}

// tick runs one aggregation/broadcast cycle. While the session is not
// active this is a no-op.
func (e *Engine) tick(now time.Time) {
	if !e.session.Active() {
		return
	}

	start := time.Now()
	snap := e.agg.Tick(now)
	e.metrics.TickDuration.Observe(time.Since(start).Seconds())
	e.metrics.Participants.Set(float64(snap.Participants))
	e.metrics.ActiveOverrides.Set(float64(e.overrides.Count()))
	e.metrics.BufferedVotes.Set(float64(e.agg.BufferedVotes()))

	e.fanOut(snap)
}

// fanOut delivers the snapshot to all subscribers without blocking.
func (e *Engine) fanOut(snap consensus.Snapshot) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()

	for _, ch := range e.subs {
		select {
		case ch <- snap:
		default:
			// Subscriber behind; it will get the next snapshot.
		}
	}
	e.metrics.SnapshotsBroadcast.Inc()
}

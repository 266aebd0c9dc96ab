// Package gateway is the validation and rate-limiting front door for all
// participant input. It owns the per-client records (location, limiters,
// inflight counts) and pushes accepted votes onto the event bus; nothing
// malformed ever reaches the aggregator.
package gateway

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/bus"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/consensus"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/metrics"
)

// LockPolicy decides what happens to votes on a parameter that has a
// lock-mode override active.
type LockPolicy string

const (
	// LockPolicyAccept keeps accepting votes for operator telemetry; they
	// never reach the published value while the lock holds. Default.
	LockPolicyAccept LockPolicy = "accept"
	// LockPolicyReject rejects votes on locked parameters outright.
	LockPolicyReject LockPolicy = "reject"
)

// Config tunes the gateway.
type Config struct {
	// RateLimitInterval is the minimum gap between accepted votes from the
	// same client on the same parameter.
	RateLimitInterval time.Duration
	// MaxInflight is the per-client ceiling on votes queued on the bus but
	// not yet absorbed into the rolling buffers.
	MaxInflight int
	// LockPolicy selects vote handling for locked parameters.
	LockPolicy LockPolicy
}

// DefaultConfig returns the default gateway tuning.
func DefaultConfig() Config {
	return Config{
		RateLimitInterval: 100 * time.Millisecond,
		MaxInflight:       100,
		LockPolicy:        LockPolicyAccept,
	}
}

// clientRecord tracks one connected voter. Destroyed on disconnect; votes
// the client already contributed stay in the rolling buffers until they
// age out.
type clientRecord struct {
	location *consensus.Location
	limiters map[string]*rate.Limiter
	inflight int
}

// Gateway accepts one vote or location update at a time per connection
// goroutine. All methods are safe for concurrent use.
type Gateway struct {
	cfg       Config
	registry  *consensus.Registry
	session   *consensus.Session
	overrides *consensus.OverrideManager
	bus       *bus.Bus
	metrics   *metrics.Metrics

	mu      sync.Mutex
	clients map[string]*clientRecord

	log zerolog.Logger
}

// New creates a gateway wired to the session gate, parameter registry,
// override manager and event bus.
func New(cfg Config, registry *consensus.Registry, session *consensus.Session, overrides *consensus.OverrideManager, b *bus.Bus, m *metrics.Metrics) *Gateway {
	if cfg.RateLimitInterval <= 0 {
		cfg.RateLimitInterval = DefaultConfig().RateLimitInterval
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultConfig().MaxInflight
	}
	if cfg.LockPolicy == "" {
		cfg.LockPolicy = LockPolicyAccept
	}
	return &Gateway{
		cfg:       cfg,
		registry:  registry,
		session:   session,
		overrides: overrides,
		bus:       b,
		metrics:   m,
		clients:   make(map[string]*clientRecord),
		log:       log.With().Str("component", "gateway").Logger(),
	}
}

// Connect creates the client's record. Idempotent.
func (g *Gateway) Connect(clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.clients[clientID]; exists {
		return
	}
	g.clients[clientID] = &clientRecord{
		limiters: make(map[string]*rate.Limiter),
	}
	g.metrics.ConnectedClients.Set(float64(len(g.clients)))
	g.log.Debug().Str("client", clientID).Msg("Client connected")
}

// Disconnect destroys the client's record and its rate-limit state. Votes
// already absorbed remain valid until they age out naturally.
func (g *Gateway) Disconnect(clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.clients[clientID]; !exists {
		return
	}
	delete(g.clients, clientID)
	g.metrics.ConnectedClients.Set(float64(len(g.clients)))
	g.log.Debug().Str("client", clientID).Msg("Client disconnected")
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// SubmitVote validates a single vote and, if accepted, stamps it with the
// arrival time and the client's last known location and enqueues it onto
// the bus. A zero weight means unspecified and maps to 1.0; out-of-range
// weights are clamped, never rejected.
func (g *Gateway) SubmitVote(clientID, parameterID string, value, weight float64) error {
	if !g.session.Active() {
		return g.reject(consensus.Reject(consensus.ReasonSessionNotActive,
			"session is %s", g.session.Status()))
	}

	param, ok := g.registry.Get(parameterID)
	if !ok {
		return g.reject(consensus.Reject(consensus.ReasonUnknownParameter,
			"parameter %s not registered", parameterID))
	}

	if !param.Contains(value) {
		return g.reject(consensus.Reject(consensus.ReasonInvalidValue,
			"value %.3f outside [%.1f,%.1f]", value, param.Min, param.Max))
	}

	if g.cfg.LockPolicy == LockPolicyReject && g.overrides.Locked(parameterID) {
		return g.reject(consensus.Reject(consensus.ReasonParameterLocked,
			"parameter %s is locked", parameterID))
	}

	g.mu.Lock()
	rec, exists := g.clients[clientID]
	if !exists {
		g.mu.Unlock()
		return g.reject(consensus.Reject(consensus.ReasonClientNotFound,
			"client %s not connected", clientID))
	}

	// Ceiling before the limiter so an overloaded client does not burn its
	// rate token on a vote that cannot be queued anyway.
	if rec.inflight >= g.cfg.MaxInflight {
		g.mu.Unlock()
		return g.reject(consensus.Reject(consensus.ReasonClientOverloaded,
			"client %s has %d votes queued", clientID, rec.inflight))
	}

	limiter, ok := rec.limiters[parameterID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(g.cfg.RateLimitInterval), 1)
		rec.limiters[parameterID] = limiter
	}
	if !limiter.Allow() {
		g.mu.Unlock()
		return g.reject(consensus.Reject(consensus.ReasonRateLimited,
			"minimum interval %s between votes", g.cfg.RateLimitInterval))
	}

	vote := consensus.Vote{
		ClientID:    clientID,
		ParameterID: parameterID,
		Value:       value,
		Weight:      consensus.ClampWeight(weight),
		ReceivedAt:  time.Now(),
		Location:    rec.location,
	}
	rec.inflight++
	g.mu.Unlock()

	if !g.bus.PublishVotes(bus.VoteBatch{ClientID: clientID, Votes: []consensus.Vote{vote}}) {
		g.metrics.BusDropped.WithLabelValues("votes").Inc()
		g.Absorbed(clientID, 1) // never enqueued, release the slot
		return nil
	}

	g.metrics.VotesAccepted.Inc()
	return nil
}

// UpdateLocation replaces the client's stored location. Only basic numeric
// bounds are checked; there is no rejection path beyond an unknown client.
func (g *Gateway) UpdateLocation(clientID string, loc consensus.Location) error {
	if !loc.Valid() {
		return consensus.Reject(consensus.ReasonInvalidValue, "non-finite coordinates")
	}

	g.mu.Lock()
	rec, exists := g.clients[clientID]
	if !exists {
		g.mu.Unlock()
		return consensus.Reject(consensus.ReasonClientNotFound,
			"client %s not connected", clientID)
	}
	rec.location = &loc
	g.mu.Unlock()

	g.metrics.LocationUpdates.Inc()
	if !g.bus.PublishLocation(bus.LocationUpdate{ClientID: clientID, Location: loc}) {
		g.metrics.BusDropped.WithLabelValues("locations").Inc()
	}
	return nil
}

// Absorbed releases n inflight slots for a client after the engine's
// consumer has moved its batch into the rolling buffers. A client that
// disconnected in the meantime is ignored.
func (g *Gateway) Absorbed(clientID string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, exists := g.clients[clientID]
	if !exists {
		return
	}
	rec.inflight -= n
	if rec.inflight < 0 {
		rec.inflight = 0
	}
}

// reject counts the rejection and passes the error through.
func (g *Gateway) reject(err *consensus.RejectionError) error {
	g.metrics.RecordRejection(string(err.Reason))
	return err
}

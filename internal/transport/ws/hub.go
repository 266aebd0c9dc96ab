package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/consensus"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/engine"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/metrics"
)

// Config tunes the WebSocket transport.
type Config struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxPayload      int64
	PerformerSecret string
	// AllowedOrigins restricts the upgrade handshake; "*" or empty allows
	// any origin.
	AllowedOrigins []string
}

// DefaultConfig returns the default transport tuning.
func DefaultConfig() Config {
	return Config{
		PingInterval: 25 * time.Second,
		PongTimeout:  60 * time.Second,
		MaxPayload:   4096,
	}
}

// Hub maintains the active voter and performer connections and fans each
// tick's snapshot out to them.
type Hub struct {
	cfg      Config
	engine   *engine.Engine
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	register   chan *client
	deregister chan *client
	stateSync  chan struct{}

	// Connection sets are owned by the Run goroutine.
	voters     map[*client]struct{}
	performers map[*client]struct{}

	log zerolog.Logger
}

// NewHub creates a hub over the engine.
func NewHub(cfg Config, eng *engine.Engine) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultConfig().PongTimeout
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultConfig().MaxPayload
	}

	h := &Hub{
		cfg:        cfg,
		engine:     eng,
		metrics:    metrics.Get(),
		register:   make(chan *client),
		deregister: make(chan *client),
		stateSync:  make(chan struct{}, 1),
		voters:     make(map[*client]struct{}),
		performers: make(map[*client]struct{}),
		log:        log.With().Str("component", "ws_hub").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin implements the upgrade origin policy.
func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Run owns the connection sets and the snapshot fan-out until the context
// is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	snapshots, cancel := h.engine.Subscribe(4)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()

		case c := <-h.register:
			if c.role == rolePerformer {
				h.performers[c] = struct{}{}
				h.metrics.ConnectedPerformers.Set(float64(len(h.performers)))
			} else {
				h.voters[c] = struct{}{}
			}
			h.log.Info().
				Str("client", c.id).
				Str("role", string(c.role)).
				Int("voters", len(h.voters)).
				Int("performers", len(h.performers)).
				Msg("Connection registered")

		case c := <-h.deregister:
			h.drop(c)

		case <-h.stateSync:
			h.broadcastSessionState()

		case snap := <-snapshots:
			h.broadcast(snap)
		}
	}
}

// drop removes a connection and tears down its engine-side state.
func (h *Hub) drop(c *client) {
	if c.role == rolePerformer {
		if _, ok := h.performers[c]; !ok {
			return
		}
		delete(h.performers, c)
		h.metrics.ConnectedPerformers.Set(float64(len(h.performers)))
	} else {
		if _, ok := h.voters[c]; !ok {
			return
		}
		delete(h.voters, c)
		h.engine.Gateway().Disconnect(c.id)
	}
	close(c.send)
	h.log.Info().
		Str("client", c.id).
		Str("role", string(c.role)).
		Msg("Connection dropped")
}

// closeAll closes every send channel during shutdown.
func (h *Hub) closeAll() {
	for c := range h.voters {
		h.engine.Gateway().Disconnect(c.id)
		close(c.send)
	}
	for c := range h.performers {
		close(c.send)
	}
	h.voters = make(map[*client]struct{})
	h.performers = make(map[*client]struct{})
}

// broadcast delivers a tick's snapshot: voters get the slim values
// message, performers the full snapshot.
func (h *Hub) broadcast(snap consensus.Snapshot) {
	if len(h.voters) > 0 {
		data := marshal(valuesMsg{
			Type:      msgValues,
			Timestamp: snap.Timestamp,
			Values:    snap.Values,
		})
		for c := range h.voters {
			c.enqueue(data)
		}
	}
	if len(h.performers) > 0 {
		data := marshal(snapshotMsg{
			Type:         msgSnapshot,
			Timestamp:    snap.Timestamp,
			Participants: snap.Participants,
			Values:       snap.Values,
		})
		for c := range h.performers {
			c.enqueue(data)
		}
	}
}

// unregister hands a closed connection back to the Run goroutine.
func (h *Hub) unregister(c *client) {
	h.deregister <- c
}

// accept upgrades the request and starts the connection's pumps.
func (h *Hub) accept(w http.ResponseWriter, r *http.Request, connRole role) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.New().String(),
		role: connRole,
		hub:  h,
		conn: conn,
		send: make(chan []byte, 16),
	}
	c.log = h.log.With().Str("client", c.id).Str("role", string(connRole)).Logger()

	if connRole == roleVoter {
		h.engine.Gateway().Connect(c.id)
	}

	h.register <- c
	c.enqueue(marshal(h.sessionState(false)))

	go c.writePump()
	go c.readPump()
}

// HandleVoter is the HTTP handler for the voter endpoint.
func (h *Hub) HandleVoter(w http.ResponseWriter, r *http.Request) {
	h.accept(w, r, roleVoter)
}

// HandlePerformer is the HTTP handler for the performer endpoint.
func (h *Hub) HandlePerformer(w http.ResponseWriter, r *http.Request) {
	h.accept(w, r, rolePerformer)
}

// sessionState assembles the session:state message. Performer recipients
// additionally get the active overrides and engine stats.
func (h *Hub) sessionState(forPerformer bool) sessionStateMsg {
	msg := sessionStateMsg{
		Type:       msgSessionState,
		SessionID:  h.engine.Session().ID().String(),
		Status:     h.engine.Session().Status(),
		Parameters: h.engine.Registry().All(),
		Values:     h.engine.Values(),
	}
	if forPerformer {
		msg.Overrides = h.engine.Overrides().Snapshot()
		stats := h.engine.Stats()
		msg.Stats = &stats
	}
	return msg
}

// broadcastSessionState pushes the current session state to every
// connection after a lifecycle transition. Run-goroutine only.
func (h *Hub) broadcastSessionState() {
	voterData := marshal(h.sessionState(false))
	performerData := marshal(h.sessionState(true))
	for c := range h.voters {
		c.enqueue(voterData)
	}
	for c := range h.performers {
		c.enqueue(performerData)
	}
}

// handleMessage dispatches one inbound message. Called from the
// connection's read goroutine.
func (h *Hub) handleMessage(c *client, data []byte) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug().Err(err).Msg("Unparseable message")
		return
	}

	if c.role == roleVoter {
		h.handleVoterMessage(c, msg)
		return
	}
	h.handlePerformerMessage(c, msg)
}

func (h *Hub) handleVoterMessage(c *client, msg envelope) {
	switch msg.Type {
	case msgInput:
		if msg.Value == nil {
			c.enqueue(marshal(rejectedMsg{Type: msgInputRejected, Reason: string(consensus.ReasonInvalidValue), Detail: "missing value"}))
			return
		}
		weight := 0.0
		if msg.Weight != nil {
			weight = *msg.Weight
		}
		if err := h.engine.Gateway().SubmitVote(c.id, msg.Parameter, *msg.Value, weight); err != nil {
			reason, detail := rejectionPayload(err)
			c.enqueue(marshal(rejectedMsg{Type: msgInputRejected, Reason: reason, Detail: detail}))
		}

	case msgLocation:
		if msg.X == nil || msg.Y == nil {
			return
		}
		loc := consensus.Location{X: *msg.X, Y: *msg.Y, Zone: msg.Zone}
		if err := h.engine.Gateway().UpdateLocation(c.id, loc); err != nil {
			c.log.Debug().Err(err).Msg("Location update failed")
		}

	default:
		c.log.Debug().Str("type", msg.Type).Msg("Unknown voter message")
	}
}

func (h *Hub) handlePerformerMessage(c *client, msg envelope) {
	if msg.Type == msgAuth {
		h.authenticate(c, msg.Secret)
		return
	}

	if c.performer == nil {
		reason := string(consensus.ReasonUnauthorized)
		c.enqueue(marshal(overrideResultMsg{Type: msgOverrideFailed, Reason: reason}))
		return
	}

	switch msg.Type {
	case msgOverride:
		h.handleOverride(c, msg)

	case msgOverrideClear:
		h.engine.Overrides().Clear(c.performer.ID, msg.Parameter)
		c.enqueue(marshal(overrideResultMsg{Type: msgOverrideCleared, Parameter: msg.Parameter}))

	case msgSessionStart:
		h.sessionTransition(c, h.engine.Session().Start())
	case msgSessionPause:
		h.sessionTransition(c, h.engine.Session().Pause(*c.performer))
	case msgSessionResume:
		h.sessionTransition(c, h.engine.Session().Resume())
	case msgSessionEnd:
		h.sessionTransition(c, h.engine.Session().End(*c.performer))

	default:
		c.log.Debug().Str("type", msg.Type).Msg("Unknown performer message")
	}
}

// authenticate checks the shared performer secret.
func (h *Hub) authenticate(c *client, secret string) {
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.cfg.PerformerSecret)) != 1 || h.cfg.PerformerSecret == "" {
		c.enqueue(marshal(authResultMsg{Type: msgAuthFailed}))
		c.log.Warn().Msg("Performer auth failed")
		return
	}

	c.performer = &consensus.Performer{ID: c.id, CanPause: true, CanEnd: true}
	c.enqueue(marshal(authResultMsg{Type: msgAuthSuccess, PerformerID: c.id}))
	c.enqueue(marshal(h.sessionState(true)))
	c.log.Info().Msg("Performer authenticated")
}

func (h *Hub) handleOverride(c *client, msg envelope) {
	if msg.Value == nil {
		c.enqueue(marshal(overrideResultMsg{
			Type:   msgOverrideFailed,
			Reason: string(consensus.ReasonInvalidOverride),
			Detail: "missing value",
		}))
		return
	}

	blend := 0.0
	if msg.BlendFactor != nil {
		blend = *msg.BlendFactor
	}
	var duration time.Duration
	if msg.DurationMs != nil {
		duration = time.Duration(*msg.DurationMs) * time.Millisecond
	}

	o, err := h.engine.Overrides().Request(
		c.performer.ID, msg.Parameter, *msg.Value,
		consensus.OverrideMode(msg.Mode), blend, duration,
	)
	if err != nil {
		reason, detail := rejectionPayload(err)
		c.enqueue(marshal(overrideResultMsg{Type: msgOverrideFailed, Reason: reason, Detail: detail}))
		return
	}
	c.enqueue(marshal(overrideResultMsg{Type: msgOverrideSuccess, Override: o}))
}

// sessionTransition reports the outcome of a lifecycle request and, on
// success, asks the Run goroutine to push the new state to everyone.
func (h *Hub) sessionTransition(c *client, err error) {
	if err != nil {
		reason, detail := rejectionPayload(err)
		c.enqueue(marshal(rejectedMsg{Type: msgSessionFailed, Reason: reason, Detail: detail}))
		return
	}
	select {
	case h.stateSync <- struct{}{}:
	default:
	}
}

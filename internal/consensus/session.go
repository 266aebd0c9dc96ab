package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionPaused  SessionStatus = "paused"
	SessionEnded   SessionStatus = "ended"
)

// Session is the single gate for the running engine: while it is not
// active, the gateway rejects votes and broadcast ticks are no-ops. Ended
// is terminal; further transitions are discarded with ErrSessionEnded.
type Session struct {
	mu        sync.RWMutex
	id        uuid.UUID
	status    SessionStatus
	origin    Location
	createdAt time.Time
	startedAt time.Time
	log       zerolog.Logger
}

// NewSession creates a pending session anchored at the given venue
// reference point.
func NewSession(origin Location) *Session {
	id := uuid.New()
	return &Session{
		id:        id,
		status:    SessionPending,
		origin:    origin,
		createdAt: time.Now(),
		log:       log.With().Str("component", "session").Str("session_id", id.String()).Logger(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Origin returns the venue reference point used for spatial weighting.
func (s *Session) Origin() Location {
	return s.origin
}

// Status returns the current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Active reports whether ingestion and broadcast are currently permitted.
func (s *Session) Active() bool {
	return s.Status() == SessionActive
}

// Uptime returns how long the session has been running, zero before the
// first start.
func (s *Session) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Start transitions pending or paused to active.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case SessionEnded:
		return ErrSessionEnded
	case SessionActive:
		return fmt.Errorf("%w: already active", ErrInvalidTransition)
	}

	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	s.status = SessionActive
	s.log.Info().Msg("Session active")
	return nil
}

// Pause transitions active to paused. The pausing performer must hold
// pause permission.
func (s *Session) Pause(p Performer) error {
	if !p.CanPause {
		return Reject(ReasonPermissionDenied, "performer %s may not pause", p.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case SessionEnded:
		return ErrSessionEnded
	case SessionActive:
		s.status = SessionPaused
		s.log.Info().Str("performer", p.ID).Msg("Session paused")
		return nil
	default:
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, s.status)
	}
}

// Resume transitions paused back to active.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case SessionEnded:
		return ErrSessionEnded
	case SessionPaused:
		s.status = SessionActive
		s.log.Info().Msg("Session resumed")
		return nil
	default:
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, s.status)
	}
}

// End transitions any non-terminal state to ended. The ending performer
// must hold end permission.
func (s *Session) End(p Performer) error {
	if !p.CanEnd {
		return Reject(ReasonPermissionDenied, "performer %s may not end", p.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == SessionEnded {
		return ErrSessionEnded
	}
	s.status = SessionEnded
	s.log.Info().Str("performer", p.ID).Msg("Session ended")
	return nil
}

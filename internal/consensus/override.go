package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// OverrideMode selects how a performer override combines with the audience
// consensus value.
type OverrideMode string

const (
	// OverrideAbsolute replaces the published value outright.
	OverrideAbsolute OverrideMode = "absolute"
	// OverrideBlend interpolates between the override value and the
	// smoothed consensus value using the blend factor.
	OverrideBlend OverrideMode = "blend"
	// OverrideLock behaves like absolute and additionally guarantees that
	// incoming votes never reach the published value until cleared.
	OverrideLock OverrideMode = "lock"
)

// Override is a performer-issued directive that supersedes or blends with
// the audience consensus for one parameter. Overrides are immutable once
// accepted; replacement installs a fresh value.
type Override struct {
	PerformerID string       `json:"performer_id"`
	ParameterID string       `json:"parameter_id"`
	Value       float64      `json:"value"`
	Mode        OverrideMode `json:"mode"`
	BlendFactor float64      `json:"blend_factor,omitempty"`
	IssuedAt    time.Time    `json:"issued_at"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
}

// Expired reports whether the override's stored expiry has passed.
func (o *Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// Apply computes the published value given the smoothed consensus value.
// The mode switch is exhaustive; an unknown mode is a programming error.
func (o *Override) Apply(smoothed float64) float64 {
	switch o.Mode {
	case OverrideAbsolute, OverrideLock:
		return o.Value
	case OverrideBlend:
		return o.BlendFactor*o.Value + (1-o.BlendFactor)*smoothed
	default:
		panic(fmt.Sprintf("unknown override mode %q", o.Mode))
	}
}

// OverrideManager tracks the at-most-one active override per parameter.
// Replacement is last-write-wins by arrival order at the manager.
type OverrideManager struct {
	mu       sync.RWMutex
	registry *Registry
	active   map[string]*Override
	log      zerolog.Logger
}

// NewOverrideManager creates a manager over the given parameter registry.
func NewOverrideManager(registry *Registry) *OverrideManager {
	return &OverrideManager{
		registry: registry,
		active:   make(map[string]*Override),
		log:      log.With().Str("component", "overrides").Logger(),
	}
}

// Request validates and installs an override, replacing any prior override
// for the parameter. The target value is clamped into the parameter's
// range. A positive duration stores an absolute expiry; zero means no
// expiry. Authentication of the performer happens upstream.
func (m *OverrideManager) Request(performerID, parameterID string, value float64, mode OverrideMode, blendFactor float64, duration time.Duration) (*Override, error) {
	param, ok := m.registry.Get(parameterID)
	if !ok {
		return nil, Reject(ReasonUnknownParameter, "parameter %s not registered", parameterID)
	}

	switch mode {
	case OverrideAbsolute, OverrideLock:
		blendFactor = 0
	case OverrideBlend:
		if blendFactor < 0 || blendFactor > 1 {
			return nil, Reject(ReasonInvalidOverride, "blend factor %.3f outside [0,1]", blendFactor)
		}
	default:
		return nil, Reject(ReasonInvalidOverride, "unknown mode %q", mode)
	}

	o := &Override{
		PerformerID: performerID,
		ParameterID: parameterID,
		Value:       param.Clamp(value),
		Mode:        mode,
		BlendFactor: blendFactor,
		IssuedAt:    time.Now(),
	}
	if duration > 0 {
		expires := o.IssuedAt.Add(duration)
		o.ExpiresAt = &expires
	}

	m.mu.Lock()
	prior := m.active[parameterID]
	m.active[parameterID] = o
	m.mu.Unlock()

	evt := m.log.Info().
		Str("performer", performerID).
		Str("parameter", parameterID).
		Float64("value", o.Value).
		Str("mode", string(mode))
	if prior != nil {
		evt = evt.Str("replaced", prior.PerformerID)
	}
	evt.Msg("Override installed")

	return o, nil
}

// Clear removes the active override for a parameter unconditionally. It
// returns false when no override was active.
func (m *OverrideManager) Clear(performerID, parameterID string) bool {
	m.mu.Lock()
	_, existed := m.active[parameterID]
	delete(m.active, parameterID)
	m.mu.Unlock()

	if existed {
		m.log.Info().
			Str("performer", performerID).
			Str("parameter", parameterID).
			Msg("Override cleared")
	}
	return existed
}

// Active returns the active override for a parameter, nil if none.
func (m *OverrideManager) Active(parameterID string) *Override {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[parameterID]
}

// Locked reports whether the parameter currently has a lock-mode override.
func (m *OverrideManager) Locked(parameterID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o := m.active[parameterID]
	return o != nil && o.Mode == OverrideLock
}

// ClearExpired removes every override whose expiry has passed and returns
// the affected parameter ids. Called by the aggregator at the top of each
// tick; no dedicated timers are involved.
func (m *OverrideManager) ClearExpired(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cleared []string
	for id, o := range m.active {
		if o.Expired(now) {
			delete(m.active, id)
			cleared = append(cleared, id)
		}
	}
	if len(cleared) > 0 {
		m.log.Debug().Strs("parameters", cleared).Msg("Expired overrides cleared")
	}
	return cleared
}

// Snapshot returns a copy of the active override set, keyed by parameter.
func (m *OverrideManager) Snapshot() map[string]*Override {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*Override, len(m.active))
	for id, o := range m.active {
		out[id] = o
	}
	return out
}

// Count returns the number of active overrides.
func (m *OverrideManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Package consensus implements the weighted parameter-consensus core: votes,
// rolling aggregation windows, performer overrides and the session state
// machine that gates them.
package consensus

import (
	"math"
	"time"
)

// Parameter is a named, bounded numeric show control. Parameters are
// registered before a session starts and are immutable for its lifetime.
type Parameter struct {
	ID      string  `json:"id"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
}

// NewParameter creates a parameter with the default [0,100] display range.
func NewParameter(id string, defaultValue float64) Parameter {
	return Parameter{ID: id, Min: 0, Max: 100, Default: defaultValue}
}

// Contains reports whether v lies within the parameter's display range.
func (p Parameter) Contains(v float64) bool {
	return v >= p.Min && v <= p.Max
}

// Clamp forces v into the parameter's display range.
func (p Parameter) Clamp(v float64) float64 {
	return math.Max(p.Min, math.Min(p.Max, v))
}

// Span returns the width of the display range.
func (p Parameter) Span() float64 {
	return p.Max - p.Min
}

// Location is a venue-local position, used for spatial vote weighting.
type Location struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zone string  `json:"zone,omitempty"`
}

// DistanceTo returns the Euclidean distance to another location.
func (l Location) DistanceTo(other Location) float64 {
	dx := l.X - other.X
	dy := l.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Valid reports whether the coordinates are finite numbers.
func (l Location) Valid() bool {
	return !math.IsNaN(l.X) && !math.IsInf(l.X, 0) &&
		!math.IsNaN(l.Y) && !math.IsInf(l.Y, 0)
}

// Vote weight bounds. Base weights outside this range are clamped on
// acceptance, never rejected.
const (
	MinWeight = 0.5
	MaxWeight = 1.5
)

// ClampWeight forces a base weight into [MinWeight, MaxWeight]. A zero
// weight means the caller did not supply one and maps to 1.0.
func ClampWeight(w float64) float64 {
	if w == 0 {
		return 1.0
	}
	return math.Max(MinWeight, math.Min(MaxWeight, w))
}

// Vote is one participant's timestamped, weighted opinion on a parameter.
// Votes are immutable once accepted by the gateway.
type Vote struct {
	ClientID    string    `json:"client_id"`
	ParameterID string    `json:"parameter_id"`
	Value       float64   `json:"value"`
	Weight      float64   `json:"weight"`
	ReceivedAt  time.Time `json:"received_at"`
	Location    *Location `json:"location,omitempty"`
}

// Age returns how old the vote is relative to now.
func (v Vote) Age(now time.Time) time.Duration {
	return now.Sub(v.ReceivedAt)
}

// ParameterState is the aggregator's live record for one parameter. It is
// written exactly once per tick by the aggregator; readers always receive a
// copy taken from an immutable per-tick snapshot.
type ParameterState struct {
	ParameterID string    `json:"parameter_id"`
	Published   float64   `json:"published"`
	Smoothed    float64   `json:"smoothed"`
	Raw         float64   `json:"raw"`
	Confidence  float64   `json:"confidence"`
	VoteCount   int       `json:"vote_count"`
	UpdatedAt   time.Time `json:"updated_at"`
	Override    *Override `json:"override,omitempty"`
}

// Snapshot is an immutable copy of all published values, produced once per
// broadcast tick.
type Snapshot struct {
	Timestamp    time.Time          `json:"timestamp"`
	Participants int                `json:"participants"`
	Values       map[string]float64 `json:"values"`
}

// Registry holds the session's parameter definitions. It is populated at
// construction and never mutated afterwards, so reads need no locking.
type Registry struct {
	params map[string]Parameter
	order  []string
}

// NewRegistry creates a registry from the given parameter definitions.
// Duplicate ids keep the last definition.
func NewRegistry(params ...Parameter) *Registry {
	r := &Registry{params: make(map[string]Parameter, len(params))}
	for _, p := range params {
		if _, seen := r.params[p.ID]; !seen {
			r.order = append(r.order, p.ID)
		}
		r.params[p.ID] = p
	}
	return r
}

// Get returns the parameter definition for id.
func (r *Registry) Get(id string) (Parameter, bool) {
	p, ok := r.params[id]
	return p, ok
}

// All returns the parameters in registration order.
func (r *Registry) All() []Parameter {
	out := make([]Parameter, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.params[id])
	}
	return out
}

// Len returns the number of registered parameters.
func (r *Registry) Len() int {
	return len(r.order)
}

// Performer identifies an authenticated operator and the session-control
// permissions they hold.
type Performer struct {
	ID       string `json:"id"`
	CanPause bool   `json:"can_pause"`
	CanEnd   bool   `json:"can_end"`
}

// Package ws adapts WebSocket connections to the engine: one voter
// endpoint and one performer endpoint, each speaking a small JSON message
// vocabulary over a per-connection duplex channel.
package ws

import (
	"encoding/json"
	"time"

	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/consensus"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/engine"
)

// Inbound message types.
const (
	msgInput         = "input"
	msgLocation      = "location"
	msgAuth          = "auth"
	msgOverride      = "override"
	msgOverrideClear = "override:clear"
	msgSessionStart  = "session:start"
	msgSessionPause  = "session:pause"
	msgSessionResume = "session:resume"
	msgSessionEnd    = "session:end"
)

// Outbound message types.
const (
	msgSessionState    = "session:state"
	msgSessionFailed   = "session:failed"
	msgValues          = "values"
	msgInputRejected   = "input:rejected"
	msgAuthSuccess     = "auth:success"
	msgAuthFailed      = "auth:failed"
	msgOverrideSuccess = "override:success"
	msgOverrideFailed  = "override:failed"
	msgOverrideCleared = "override:cleared"
	msgSnapshot        = "snapshot"
)

// envelope is the inbound message shape shared by both roles. Fields are
// flat; which ones are meaningful depends on Type.
type envelope struct {
	Type        string   `json:"type"`
	Parameter   string   `json:"parameter,omitempty"`
	Value       *float64 `json:"value,omitempty"`
	Weight      *float64 `json:"weight,omitempty"`
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	Zone        string   `json:"zone,omitempty"`
	Secret      string   `json:"secret,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	BlendFactor *float64 `json:"blendFactor,omitempty"`
	DurationMs  *int64   `json:"durationMs,omitempty"`
}

type sessionStateMsg struct {
	Type       string                         `json:"type"`
	SessionID  string                         `json:"sessionId"`
	Status     consensus.SessionStatus        `json:"status"`
	Parameters []consensus.Parameter          `json:"parameters"`
	Values     map[string]float64             `json:"values"`
	Overrides  map[string]*consensus.Override `json:"overrides,omitempty"`
	Stats      *engine.Stats                  `json:"stats,omitempty"`
}

type valuesMsg struct {
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

type snapshotMsg struct {
	Type         string             `json:"type"`
	Timestamp    time.Time          `json:"timestamp"`
	Participants int                `json:"participants"`
	Values       map[string]float64 `json:"values"`
}

type rejectedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

type authResultMsg struct {
	Type        string `json:"type"`
	PerformerID string `json:"performerId,omitempty"`
}

type overrideResultMsg struct {
	Type      string              `json:"type"`
	Override  *consensus.Override `json:"override,omitempty"`
	Parameter string              `json:"parameter,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Detail    string              `json:"detail,omitempty"`
}

// marshal serializes an outbound message, which by construction cannot
// fail; a marshal error here is a programming error.
func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// rejectionPayload maps an error from the gateway or override manager to a
// wire reason and detail.
func rejectionPayload(err error) (reason, detail string) {
	if r, ok := consensus.ReasonOf(err); ok {
		return string(r), ""
	}
	return "error", err.Error()
}

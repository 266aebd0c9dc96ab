package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOverrides() *OverrideManager {
	registry := NewRegistry(Parameter{ID: "mood", Min: 0, Max: 100, Default: 50})
	return NewOverrideManager(registry)
}

func TestOverrideRequestAndClear(t *testing.T) {
	m := newTestOverrides()

	o, err := m.Request("dj", "mood", 75, OverrideAbsolute, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 75.0, o.Value)
	assert.Nil(t, o.ExpiresAt)
	assert.Equal(t, 1, m.Count())

	assert.True(t, m.Clear("dj", "mood"))
	assert.False(t, m.Clear("dj", "mood"))
	assert.Nil(t, m.Active("mood"))
}

func TestOverrideLastWriteWins(t *testing.T) {
	m := newTestOverrides()

	_, err := m.Request("dj-a", "mood", 30, OverrideAbsolute, 0, 0)
	require.NoError(t, err)
	_, err = m.Request("dj-b", "mood", 70, OverrideBlend, 0.4, 0)
	require.NoError(t, err)

	active := m.Active("mood")
	require.NotNil(t, active)
	assert.Equal(t, "dj-b", active.PerformerID)
	assert.Equal(t, OverrideBlend, active.Mode)
	assert.Equal(t, 1, m.Count())
}

func TestOverrideValueClamped(t *testing.T) {
	m := newTestOverrides()

	o, err := m.Request("dj", "mood", 250, OverrideAbsolute, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 100.0, o.Value)

	o, err = m.Request("dj", "mood", -10, OverrideAbsolute, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, o.Value)
}

func TestOverrideValidation(t *testing.T) {
	m := newTestOverrides()

	_, err := m.Request("dj", "nope", 50, OverrideAbsolute, 0, 0)
	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ReasonUnknownParameter, reason)

	_, err = m.Request("dj", "mood", 50, OverrideBlend, 1.5, 0)
	reason, ok = ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ReasonInvalidOverride, reason)

	_, err = m.Request("dj", "mood", 50, OverrideMode("wild"), 0, 0)
	reason, ok = ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ReasonInvalidOverride, reason)
}

func TestOverrideApply(t *testing.T) {
	abs := &Override{Mode: OverrideAbsolute, Value: 80}
	assert.Equal(t, 80.0, abs.Apply(30))

	lock := &Override{Mode: OverrideLock, Value: 80}
	assert.Equal(t, 80.0, lock.Apply(30))

	blend := &Override{Mode: OverrideBlend, Value: 80, BlendFactor: 0.25}
	assert.InDelta(t, 42.5, blend.Apply(30), 1e-9)
}

func TestOverrideLocked(t *testing.T) {
	m := newTestOverrides()
	assert.False(t, m.Locked("mood"))

	_, err := m.Request("dj", "mood", 60, OverrideLock, 0, 0)
	require.NoError(t, err)
	assert.True(t, m.Locked("mood"))

	_, err = m.Request("dj", "mood", 60, OverrideAbsolute, 0, 0)
	require.NoError(t, err)
	assert.False(t, m.Locked("mood"))
}

func TestClearExpired(t *testing.T) {
	m := newTestOverrides()

	_, err := m.Request("dj", "mood", 60, OverrideAbsolute, 0, 100*time.Millisecond)
	require.NoError(t, err)

	assert.Empty(t, m.ClearExpired(time.Now()))
	assert.Equal(t, 1, m.Count())

	cleared := m.ClearExpired(time.Now().Add(time.Second))
	assert.Equal(t, []string{"mood"}, cleared)
	assert.Equal(t, 0, m.Count())
}

func TestOverrideSnapshotIsCopy(t *testing.T) {
	m := newTestOverrides()
	_, err := m.Request("dj", "mood", 60, OverrideAbsolute, 0, 0)
	require.NoError(t, err)

	snap := m.Snapshot()
	delete(snap, "mood")
	assert.Equal(t, 1, m.Count())
}

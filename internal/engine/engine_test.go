package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/consensus"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/gateway"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BroadcastInterval = 5 * time.Millisecond
	cfg.Gateway = gateway.Config{RateLimitInterval: time.Nanosecond, MaxInflight: 100}
	params := []consensus.Parameter{
		{ID: "energy", Min: 0, Max: 100, Default: 50},
	}
	return New(cfg, params, consensus.Location{})
}

func TestEngineEndToEnd(t *testing.T) {
	eng := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	snapshots, unsubscribe := eng.Subscribe(4)
	defer unsubscribe()

	require.NoError(t, eng.Session().Start())
	eng.Gateway().Connect("c1")
	require.NoError(t, eng.Gateway().SubmitVote("c1", "energy", 80, 0))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-snapshots:
			if snap.Values["energy"] == 80 {
				assert.Equal(t, 1, snap.Participants)
				assert.Equal(t, 80.0, eng.Values()["energy"])

				state := eng.States()["energy"]
				assert.Equal(t, 1, state.VoteCount)

				cancel()
				assert.ErrorIs(t, <-done, context.Canceled)
				return
			}
		case <-deadline:
			cancel()
			t.Fatal("vote never reached a broadcast snapshot")
		}
	}
}

func TestEngineIdleWhileSessionPending(t *testing.T) {
	eng := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = eng.Run(ctx) }()

	snapshots, unsubscribe := eng.Subscribe(1)
	defer unsubscribe()

	// Session never started: no snapshots are produced.
	select {
	case <-snapshots:
		t.Fatal("received a snapshot while session was pending")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineStats(t *testing.T) {
	eng := newTestEngine(t)
	eng.Gateway().Connect("c1")

	_, unsubscribe := eng.Subscribe(1)
	defer unsubscribe()

	stats := eng.Stats()
	assert.Equal(t, 1, stats.Clients)
	assert.Equal(t, 1, stats.Subscribers)
	assert.Equal(t, 0, stats.ActiveOverrides)
}

func TestEngineSubscribeCancel(t *testing.T) {
	eng := newTestEngine(t)

	_, cancelA := eng.Subscribe(1)
	_, cancelB := eng.Subscribe(1)
	assert.Equal(t, 2, eng.Stats().Subscribers)

	cancelA()
	cancelB()
	assert.Equal(t, 0, eng.Stats().Subscribers)
}

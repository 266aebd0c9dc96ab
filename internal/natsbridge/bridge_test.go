package natsbridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/consensus"
)

// stubSource feeds canned snapshots to the bridge.
type stubSource struct {
	ch chan consensus.Snapshot
}

func (s *stubSource) Subscribe(buffer int) (<-chan consensus.Snapshot, func()) {
	return s.ch, func() {}
}

func startNATS(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1, // Random port
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestBridgePublishesSnapshots(t *testing.T) {
	ns := startNATS(t)

	source := &stubSource{ch: make(chan consensus.Snapshot, 4)}
	bridge, err := New(Config{URL: ns.ClientURL(), Subject: "show.snapshots"}, source)
	require.NoError(t, err)
	defer bridge.Close()

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	received := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("show.snapshots", received)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()

	want := consensus.Snapshot{
		Timestamp:    time.Now().UTC(),
		Participants: 12,
		Values:       map[string]float64{"energy": 61.5},
	}
	source.ch <- want

	select {
	case msg := <-received:
		var got consensus.Snapshot
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, want.Participants, got.Participants)
		assert.Equal(t, want.Values, got.Values)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot never arrived on NATS")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestBridgeDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, "metasystem.snapshots", cfg.Subject)
	assert.Equal(t, 8, cfg.SubscribeBuffer)
}

func TestBridgeConnectFailure(t *testing.T) {
	source := &stubSource{ch: make(chan consensus.Snapshot)}
	_, err := New(Config{URL: "nats://127.0.0.1:1"}, source)
	require.Error(t, err)
}

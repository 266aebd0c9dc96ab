// Package natsbridge relays consensus snapshots onto a NATS subject so
// external systems (lighting rigs, media servers, recorders) can consume
// them without holding a WebSocket connection.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/consensus"
)

// Config configures the bridge.
type Config struct {
	URL     string
	Subject string
	// SubscribeBuffer is the capacity of the engine subscription; when
	// NATS publishing falls behind, older snapshots are dropped rather
	// than stalling the broadcast loop.
	SubscribeBuffer int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		Subject:         "metasystem.snapshots",
		SubscribeBuffer: 8,
	}
}

// SnapshotSource is the part of the engine the bridge needs.
type SnapshotSource interface {
	Subscribe(buffer int) (<-chan consensus.Snapshot, func())
}

// Bridge publishes every consensus snapshot to NATS.
type Bridge struct {
	nc     *nats.Conn
	cfg    Config
	source SnapshotSource
	logger zerolog.Logger
}

// New connects to NATS and creates the bridge.
func New(cfg Config, source SnapshotSource) (*Bridge, error) {
	if cfg.Subject == "" {
		cfg.Subject = "metasystem.snapshots"
	}
	if cfg.SubscribeBuffer <= 0 {
		cfg.SubscribeBuffer = 8
	}

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("metasystem-bridge"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger := log.With().Str("component", "natsbridge").Logger()
	logger.Info().Str("nats_url", cfg.URL).Str("subject", cfg.Subject).Msg("Bridge connected")

	return &Bridge{
		nc:     nc,
		cfg:    cfg,
		source: source,
		logger: logger,
	}, nil
}

// Run consumes snapshots until the context is cancelled. Publish
// failures are logged and the loop keeps going; NATS reconnects in the
// background.
func (b *Bridge) Run(ctx context.Context) error {
	snapshots, cancel := b.source.Subscribe(b.cfg.SubscribeBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			if err := b.publish(snap); err != nil {
				b.logger.Warn().Err(err).Msg("Failed to publish snapshot")
			}
		}
	}
}

func (b *Bridge) publish(snap consensus.Snapshot) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("bridge not connected")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := b.nc.Publish(b.cfg.Subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.cfg.Subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (b *Bridge) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

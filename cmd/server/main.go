package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/api"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/config"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/consensus"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/engine"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/gateway"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/metrics"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/natsbridge"
	"github.com/organvm-ii-poiesis/metasystem-master-sub000/internal/transport/ws"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	autoStart := flag.Bool("auto-start", false, "activate the session immediately on boot")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().
		Str("app", cfg.App.Name).
		Str("environment", cfg.App.Environment).
		Msg("Starting consensus engine")

	if err := run(cfg, *autoStart); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("Shutdown complete")
}

func run(cfg *config.Config, autoStart bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	origin := consensus.Location{X: cfg.Venue.OriginX, Y: cfg.Venue.OriginY}
	eng := engine.New(engineConfig(cfg), parameters(cfg), origin)

	if autoStart {
		if err := eng.Session().Start(); err != nil {
			return fmt.Errorf("failed to auto-start session: %w", err)
		}
	}

	hub := ws.NewHub(ws.Config{
		PingInterval:    cfg.WebSocket.PingInterval,
		PongTimeout:     cfg.WebSocket.PongTimeout,
		MaxPayload:      cfg.WebSocket.MaxPayload,
		PerformerSecret: cfg.Auth.PerformerSecret,
		AllowedOrigins:  cfg.Server.CORSOrigins,
	}, eng)

	apiServer := api.NewServer(api.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
		AdminSecret: cfg.Auth.AdminSecret,
	}, eng, hub)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(ctx)
	})

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		return apiServer.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Stop(shutdownCtx)
	})

	if cfg.Monitoring.EnableMetrics {
		metricsServer := metrics.NewServer(cfg.Monitoring.MetricsPort, log.With().Str("component", "metrics").Logger())
		g.Go(func() error {
			return metricsServer.Start()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	if cfg.NATS.Enabled {
		bridge, err := natsbridge.New(natsbridge.Config{
			URL:             cfg.NATS.URL,
			Subject:         cfg.NATS.Subject,
			SubscribeBuffer: 8,
		}, eng)
		if err != nil {
			return fmt.Errorf("failed to start NATS bridge: %w", err)
		}
		defer bridge.Close()
		g.Go(func() error {
			return bridge.Run(ctx)
		})
	}

	log.Info().
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Bool("nats", cfg.NATS.Enabled).
		Bool("metrics", cfg.Monitoring.EnableMetrics).
		Msg("All components started")

	return g.Wait()
}

// engineConfig maps the loaded configuration onto the engine tuning.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		BroadcastInterval: cfg.Engine.BroadcastInterval,
		Aggregator: consensus.AggregatorConfig{
			Window:           cfg.Engine.TemporalWindow,
			RecentWindow:     cfg.Engine.RecentWindow,
			AgedFactor:       cfg.Engine.AgedFactor,
			ProximityRadius:  cfg.Engine.ProximityRadius,
			SpatialBonus:     cfg.Engine.SpatialBonus,
			OutlierThreshold: cfg.Engine.OutlierThreshold,
			SmoothingFactor:  cfg.Engine.SmoothingFactor,
		},
		Gateway: gateway.Config{
			RateLimitInterval: cfg.Engine.RateLimitInterval,
			MaxInflight:       cfg.Engine.MaxInflight,
			LockPolicy:        gateway.LockPolicy(cfg.Engine.LockPolicy),
		},
		VoteBusCapacity:     cfg.Engine.VoteBusCapacity,
		LocationBusCapacity: cfg.Engine.LocationBusCapacity,
	}
}

// parameters converts the config declarations into registry parameters.
func parameters(cfg *config.Config) []consensus.Parameter {
	params := make([]consensus.Parameter, 0, len(cfg.Parameters))
	for _, p := range cfg.Parameters {
		params = append(params, consensus.Parameter{
			ID:      p.ID,
			Min:     p.Min,
			Max:     p.Max,
			Default: p.Default,
		})
	}
	return params
}

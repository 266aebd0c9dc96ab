// Package config loads and validates the engine configuration and
// initializes the global logger.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig         `mapstructure:"app"`
	Server     ServerConfig      `mapstructure:"server"`
	WebSocket  WebSocketConfig   `mapstructure:"websocket"`
	Engine     EngineConfig      `mapstructure:"engine"`
	Auth       AuthConfig        `mapstructure:"auth"`
	Venue      VenueConfig       `mapstructure:"venue"`
	Parameters []ParameterConfig `mapstructure:"parameters"`
	NATS       NATSConfig        `mapstructure:"nats"`
	Monitoring MonitoringConfig  `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// ServerConfig contains the public HTTP/WebSocket server settings.
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WebSocketConfig contains connection keepalive settings.
type WebSocketConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	MaxPayload   int64         `mapstructure:"max_payload"`
}

// EngineConfig contains the consensus tuning knobs.
type EngineConfig struct {
	BroadcastInterval   time.Duration `mapstructure:"broadcast_interval"`
	RateLimitInterval   time.Duration `mapstructure:"rate_limit_interval"`
	TemporalWindow      time.Duration `mapstructure:"temporal_window"`
	RecentWindow        time.Duration `mapstructure:"recent_window"`
	AgedFactor          float64       `mapstructure:"aged_factor"`
	ProximityRadius     float64       `mapstructure:"proximity_radius"`
	SpatialBonus        float64       `mapstructure:"spatial_bonus"`
	OutlierThreshold    float64       `mapstructure:"outlier_threshold"`
	SmoothingFactor     float64       `mapstructure:"smoothing_factor"`
	MaxInflight         int           `mapstructure:"max_inflight"`
	LockPolicy          string        `mapstructure:"lock_policy"` // "accept" or "reject"
	VoteBusCapacity     int           `mapstructure:"vote_bus_capacity"`
	LocationBusCapacity int           `mapstructure:"location_bus_capacity"`
}

// AuthConfig contains the shared secrets.
type AuthConfig struct {
	PerformerSecret string `mapstructure:"performer_secret"`
	AdminSecret     string `mapstructure:"admin_secret"`
}

// VenueConfig anchors the spatial weighting reference point.
type VenueConfig struct {
	OriginX float64 `mapstructure:"origin_x"`
	OriginY float64 `mapstructure:"origin_y"`
}

// ParameterConfig declares one show parameter.
type ParameterConfig struct {
	ID      string  `mapstructure:"id"`
	Min     float64 `mapstructure:"min"`
	Max     float64 `mapstructure:"max"`
	Default float64 `mapstructure:"default"`
}

// NATSConfig contains the optional snapshot bridge settings.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	EnableMetrics bool `mapstructure:"enable_metrics"`
	MetricsPort   int  `mapstructure:"metrics_port"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("METASYSTEM")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults and environment variables apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Parameters) == 0 {
		cfg.Parameters = DefaultParameters()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultParameters returns the stock parameter set used when the config
// file declares none.
func DefaultParameters() []ParameterConfig {
	return []ParameterConfig{
		{ID: "mood", Min: 0, Max: 100, Default: 50},
		{ID: "energy", Min: 0, Max: 100, Default: 50},
		{ID: "tempo", Min: 0, Max: 100, Default: 50},
	}
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "metasystem")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	// WebSocket defaults
	v.SetDefault("websocket.ping_interval", "25s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.max_payload", 4096)

	// Engine defaults
	v.SetDefault("engine.broadcast_interval", "50ms")
	v.SetDefault("engine.rate_limit_interval", "100ms")
	v.SetDefault("engine.temporal_window", "10s")
	v.SetDefault("engine.recent_window", "5s")
	v.SetDefault("engine.aged_factor", 0.8)
	v.SetDefault("engine.proximity_radius", 100.0)
	v.SetDefault("engine.spatial_bonus", 0.2)
	v.SetDefault("engine.outlier_threshold", 2.0)
	v.SetDefault("engine.smoothing_factor", 0.3)
	v.SetDefault("engine.max_inflight", 100)
	v.SetDefault("engine.lock_policy", "accept")
	v.SetDefault("engine.vote_bus_capacity", 1024)
	v.SetDefault("engine.location_bus_capacity", 256)

	// Venue defaults
	v.SetDefault("venue.origin_x", 0.0)
	v.SetDefault("venue.origin_y", 0.0)

	// NATS defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "metasystem.snapshots")

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.metrics_port", 9100)
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.BroadcastInterval <= 0 {
		return fmt.Errorf("engine.broadcast_interval must be positive, got %s", c.Engine.BroadcastInterval)
	}
	if c.Engine.RateLimitInterval <= 0 {
		return fmt.Errorf("engine.rate_limit_interval must be positive, got %s", c.Engine.RateLimitInterval)
	}
	if c.Engine.TemporalWindow <= 0 {
		return fmt.Errorf("engine.temporal_window must be positive, got %s", c.Engine.TemporalWindow)
	}
	if c.Engine.RecentWindow <= 0 || c.Engine.RecentWindow > c.Engine.TemporalWindow {
		return fmt.Errorf("engine.recent_window must be in (0, temporal_window], got %s", c.Engine.RecentWindow)
	}
	if c.Engine.AgedFactor < 0 || c.Engine.AgedFactor > 1 {
		return fmt.Errorf("engine.aged_factor must be in [0,1], got %f", c.Engine.AgedFactor)
	}
	if c.Engine.SmoothingFactor <= 0 || c.Engine.SmoothingFactor > 1 {
		return fmt.Errorf("engine.smoothing_factor must be in (0,1], got %f", c.Engine.SmoothingFactor)
	}
	if c.Engine.OutlierThreshold < 0 {
		return fmt.Errorf("engine.outlier_threshold must be non-negative, got %f", c.Engine.OutlierThreshold)
	}
	if c.Engine.MaxInflight <= 0 {
		return fmt.Errorf("engine.max_inflight must be positive, got %d", c.Engine.MaxInflight)
	}
	if p := c.Engine.LockPolicy; p != "accept" && p != "reject" {
		return fmt.Errorf("engine.lock_policy must be accept or reject, got %q", p)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0,65535], got %d", c.Server.Port)
	}
	for _, p := range c.Parameters {
		if p.ID == "" {
			return fmt.Errorf("parameter with empty id")
		}
		if p.Max <= p.Min {
			return fmt.Errorf("parameter %s: max %f must exceed min %f", p.ID, p.Max, p.Min)
		}
		if p.Default < p.Min || p.Default > p.Max {
			return fmt.Errorf("parameter %s: default %f outside [%f,%f]", p.ID, p.Default, p.Min, p.Max)
		}
	}
	return nil
}

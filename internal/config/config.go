// Package config loads livesession settings from defaults, an optional YAML
// file and LIVESESSION_ environment variables, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"livesession/internal/codec"
	"livesession/internal/reconnect"
	"livesession/internal/session"
	"livesession/internal/store"
	"livesession/internal/telemetry"
	"livesession/internal/transport"
)

// EnvPrefix prefixes every environment override:
// LIVESESSION_SESSION_GRACE_PERIOD sets session.grace_period.
const EnvPrefix = "LIVESESSION_"

// ARCHITECTURAL DISCOVERY: one struct covers the broker and both client
// roles so a single file can configure a whole classroom deployment.
type Config struct {
	Log       LogConfig       `koanf:"log"`
	Broker    BrokerConfig    `koanf:"broker"`
	Transport TransportConfig `koanf:"transport"`
	Session   SessionConfig   `koanf:"session"`
	Reconnect ReconnectConfig `koanf:"reconnect"`
	Store     StoreConfig     `koanf:"store"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	App       AppConfig       `koanf:"app"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text, json
}

// BrokerConfig is the signaling server.
type BrokerConfig struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	Path         string        `koanf:"path"`
	Key          string        `koanf:"key"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	// RateLimit is frames per second per peer, with RateBurst headroom.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// TransportConfig is how clients reach the broker.
type TransportConfig struct {
	Host       string   `koanf:"host"`
	Port       int      `koanf:"port"`
	Key        string   `koanf:"key"`
	Path       string   `koanf:"path"`
	Secure     bool     `koanf:"secure"`
	Kind       string   `koanf:"kind"`  // relay, webrtc
	Codec      string   `koanf:"codec"` // json, cbor
	ICEServers []string `koanf:"ice_servers"`
}

type SessionConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	StaleThreshold    time.Duration `koanf:"stale_threshold"`
	GracePeriod       time.Duration `koanf:"grace_period"`
	OpenTimeout       time.Duration `koanf:"open_timeout"`
	LeaveDelay        time.Duration `koanf:"leave_delay"`
}

type ReconnectConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	BaseDelay    time.Duration `koanf:"base_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	JitterFactor float64       `koanf:"jitter_factor"`
}

type StoreConfig struct {
	Path            string        `koanf:"path"`
	MaxConnections  int           `koanf:"max_connections"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	RetryDelay      time.Duration `koanf:"retry_delay"`
}

type TelemetryConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// AppConfig shapes the join URLs handed to attendees.
type AppConfig struct {
	BaseURL string `koanf:"base_url"`
	AppSlug string `koanf:"app_slug"`
}

// DefaultConfig returns the local development settings.
func DefaultConfig() *Config {
	tc := transport.DefaultConfig()
	timings := session.DefaultTimings()
	rc := reconnect.DefaultConfig()
	sc := store.DefaultConfig()

	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Broker: BrokerConfig{
			Host:         "0.0.0.0",
			Port:         tc.Port,
			Path:         tc.Path,
			Key:          tc.Key,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			RateLimit:    50,
			RateBurst:    100,
		},
		Transport: TransportConfig{
			Host:  tc.Host,
			Port:  tc.Port,
			Key:   tc.Key,
			Path:  tc.Path,
			Kind:  tc.Kind,
			Codec: tc.Codec,
		},
		Session: SessionConfig{
			HeartbeatInterval: timings.HeartbeatInterval,
			StaleThreshold:    timings.StaleThreshold,
			GracePeriod:       timings.GracePeriod,
			OpenTimeout:       timings.OpenTimeout,
			LeaveDelay:        timings.LeaveDelay,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:  rc.MaxAttempts,
			BaseDelay:    rc.BaseDelay,
			MaxDelay:     rc.MaxDelay,
			JitterFactor: rc.JitterFactor,
		},
		Store: StoreConfig{
			Path:            sc.Path,
			MaxConnections:  sc.MaxConnections,
			ConnMaxLifetime: sc.ConnMaxLifetime,
			ConnMaxIdleTime: sc.ConnMaxIdleTime,
			WriteTimeout:    sc.WriteTimeout,
			RetryDelay:      sc.RetryDelay,
		},
		Telemetry: TelemetryConfig{Enabled: false, Interval: 30 * time.Second},
		App: AppConfig{
			BaseURL: "http://localhost:3000",
			AppSlug: "grafana-grafanadocsplugin-app",
		},
	}
}

// Validate rejects settings that would fail at runtime.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}

	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker port must be between 1 and 65535")
	}
	if c.Broker.Host == "" {
		return fmt.Errorf("broker host cannot be empty")
	}
	if !strings.HasPrefix(c.Broker.Path, "/") {
		return fmt.Errorf("broker path must start with /")
	}
	if c.Broker.Key == "" {
		return fmt.Errorf("broker key cannot be empty")
	}
	if c.Broker.ReadTimeout <= 0 || c.Broker.WriteTimeout <= 0 {
		return fmt.Errorf("broker timeouts must be positive")
	}
	if c.Broker.RateLimit <= 0 || c.Broker.RateBurst <= 0 {
		return fmt.Errorf("broker rate limit and burst must be positive")
	}

	if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
		return fmt.Errorf("transport port must be between 1 and 65535")
	}
	switch c.Transport.Kind {
	case transport.KindRelay, transport.KindWebRTC:
	default:
		return fmt.Errorf("transport kind must be %s or %s, got %q", transport.KindRelay, transport.KindWebRTC, c.Transport.Kind)
	}
	if _, err := codec.ByName(c.Transport.Codec); err != nil {
		return fmt.Errorf("transport codec: %w", err)
	}

	s := c.Session
	if s.HeartbeatInterval <= 0 || s.StaleThreshold <= 0 || s.GracePeriod <= 0 || s.OpenTimeout <= 0 || s.LeaveDelay <= 0 {
		return fmt.Errorf("session durations must be positive")
	}
	if s.StaleThreshold <= s.HeartbeatInterval {
		return fmt.Errorf("session stale threshold must exceed the heartbeat interval")
	}

	if err := c.ReconnectConfig().Validate(); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	if err := c.StoreConfig().Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if c.Telemetry.Enabled && c.Telemetry.Interval <= 0 {
		return fmt.Errorf("telemetry interval must be positive")
	}
	return nil
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k, DefaultConfig())

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// envKey maps LIVESESSION_SESSION_GRACE_PERIOD to session.grace_period: the
// first underscore separates the section, the rest belong to the key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + key
}

func setDefaults(k *koanf.Koanf, d *Config) {
	defaults := map[string]any{
		"log.level":  d.Log.Level,
		"log.format": d.Log.Format,

		"broker.host":          d.Broker.Host,
		"broker.port":          d.Broker.Port,
		"broker.path":          d.Broker.Path,
		"broker.key":           d.Broker.Key,
		"broker.read_timeout":  d.Broker.ReadTimeout,
		"broker.write_timeout": d.Broker.WriteTimeout,
		"broker.rate_limit":    d.Broker.RateLimit,
		"broker.rate_burst":    d.Broker.RateBurst,

		"transport.host":        d.Transport.Host,
		"transport.port":        d.Transport.Port,
		"transport.key":         d.Transport.Key,
		"transport.path":        d.Transport.Path,
		"transport.secure":      d.Transport.Secure,
		"transport.kind":        d.Transport.Kind,
		"transport.codec":       d.Transport.Codec,
		"transport.ice_servers": d.Transport.ICEServers,

		"session.heartbeat_interval": d.Session.HeartbeatInterval,
		"session.stale_threshold":    d.Session.StaleThreshold,
		"session.grace_period":       d.Session.GracePeriod,
		"session.open_timeout":       d.Session.OpenTimeout,
		"session.leave_delay":        d.Session.LeaveDelay,

		"reconnect.max_attempts":  d.Reconnect.MaxAttempts,
		"reconnect.base_delay":    d.Reconnect.BaseDelay,
		"reconnect.max_delay":     d.Reconnect.MaxDelay,
		"reconnect.jitter_factor": d.Reconnect.JitterFactor,

		"store.path":               d.Store.Path,
		"store.max_connections":    d.Store.MaxConnections,
		"store.conn_max_lifetime":  d.Store.ConnMaxLifetime,
		"store.conn_max_idle_time": d.Store.ConnMaxIdleTime,
		"store.write_timeout":      d.Store.WriteTimeout,
		"store.retry_delay":        d.Store.RetryDelay,

		"telemetry.enabled":  d.Telemetry.Enabled,
		"telemetry.interval": d.Telemetry.Interval,

		"app.base_url": d.App.BaseURL,
		"app.app_slug": d.App.AppSlug,
	}
	for key, value := range defaults {
		// Set only fails on a nil koanf
		_ = k.Set(key, value)
	}
}

// Conversions to the component configs.

func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		Host:       c.Transport.Host,
		Port:       c.Transport.Port,
		Key:        c.Transport.Key,
		Path:       c.Transport.Path,
		Secure:     c.Transport.Secure,
		Kind:       c.Transport.Kind,
		Codec:      c.Transport.Codec,
		ICEServers: c.Transport.ICEServers,
	}
}

func (c *Config) SessionTimings() session.Timings {
	return session.Timings{
		HeartbeatInterval: c.Session.HeartbeatInterval,
		StaleThreshold:    c.Session.StaleThreshold,
		GracePeriod:       c.Session.GracePeriod,
		OpenTimeout:       c.Session.OpenTimeout,
		LeaveDelay:        c.Session.LeaveDelay,
	}
}

func (c *Config) ReconnectConfig() reconnect.Config {
	return reconnect.Config{
		MaxAttempts:  c.Reconnect.MaxAttempts,
		BaseDelay:    c.Reconnect.BaseDelay,
		MaxDelay:     c.Reconnect.MaxDelay,
		JitterFactor: c.Reconnect.JitterFactor,
	}
}

func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Path:            c.Store.Path,
		MaxConnections:  c.Store.MaxConnections,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
		ConnMaxIdleTime: c.Store.ConnMaxIdleTime,
		WriteTimeout:    c.Store.WriteTimeout,
		RetryDelay:      c.Store.RetryDelay,
	}
}

func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{Enabled: c.Telemetry.Enabled, Interval: c.Telemetry.Interval}
}

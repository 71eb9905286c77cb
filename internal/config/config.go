// Package config holds the runtime configuration for the call core, the CLI
// and the relay server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Role represents how the CLI was started.
type Role string

const (
	RoleCaller Role = "caller" // place a call to -peer on start
	RoleCallee Role = "callee" // wait for an incoming offer
)

// Config stores every tunable of the call core. Fields are filled from an
// optional YAML file, then DUOCALL_* environment variables; CLI flags are
// applied on top by cmd/.
type Config struct {
	UserID string `yaml:"user_id" env:"DUOCALL_USER_ID"`
	PeerID string `yaml:"peer_id" env:"DUOCALL_PEER_ID"`
	Role   Role   `yaml:"role" env:"DUOCALL_ROLE" env-default:"callee"`
	Debug  bool   `yaml:"debug" env:"DUOCALL_DEBUG"`

	// MetricsAddr, when set, serves Prometheus metrics of the call core.
	MetricsAddr   string        `yaml:"metrics_addr" env:"DUOCALL_METRICS_ADDR"`
	StatsInterval time.Duration `yaml:"stats_interval" env:"DUOCALL_STATS_INTERVAL" env-default:"30s"`

	Relay      Relay      `yaml:"relay"`
	ICE        ICE        `yaml:"ice"`
	Resilience Resilience `yaml:"resilience"`
	Lifecycle  Lifecycle  `yaml:"lifecycle"`
	Outbound   Outbound   `yaml:"outbound"`
}

// Relay describes how to reach the publish/subscribe relay.
type Relay struct {
	URL         string        `yaml:"url" env:"DUOCALL_RELAY_URL" env-default:"ws://127.0.0.1:8787/ws"`
	FallbackURL string        `yaml:"fallback_url" env:"DUOCALL_RELAY_FALLBACK_URL" env-default:"http://127.0.0.1:8787/api/signal"`
	Namespace   string        `yaml:"namespace" env:"DUOCALL_RELAY_NAMESPACE" env-default:"duocall"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DUOCALL_RELAY_DIAL_TIMEOUT" env-default:"10s"`
	PongWait    time.Duration `yaml:"pong_wait" env:"DUOCALL_RELAY_PONG_WAIT" env-default:"60s"`
	SendTimeout time.Duration `yaml:"send_timeout" env:"DUOCALL_RELAY_SEND_TIMEOUT" env-default:"5s"`
}

// ICE lists STUN servers used for candidate gathering and diagnostics.
type ICE struct {
	STUNServers []string `yaml:"stun_servers" env:"DUOCALL_STUN_SERVERS" env-separator:"," env-default:"stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"`
	Diagnostics bool     `yaml:"diagnostics" env:"DUOCALL_DIAGNOSTICS" env-default:"true"`
}

// Resilience holds keep-alive, health polling and reconnection tunables.
type Resilience struct {
	KeepAliveInterval      time.Duration `yaml:"keep_alive_interval" env:"DUOCALL_KEEPALIVE_INTERVAL" env-default:"2m"`
	HealthPollInterval     time.Duration `yaml:"health_poll_interval" env:"DUOCALL_HEALTH_POLL_INTERVAL" env-default:"5s"`
	InactivityThreshold    time.Duration `yaml:"inactivity_threshold" env:"DUOCALL_INACTIVITY_THRESHOLD" env-default:"30s"`
	ReconnectBaseDelay     time.Duration `yaml:"reconnect_base_delay" env:"DUOCALL_RECONNECT_BASE_DELAY" env-default:"1s"`
	ReconnectFactor        float64       `yaml:"reconnect_factor" env:"DUOCALL_RECONNECT_FACTOR" env-default:"2"`
	ReconnectMaxDelay      time.Duration `yaml:"reconnect_max_delay" env:"DUOCALL_RECONNECT_MAX_DELAY" env-default:"8s"`
	ReconnectMaxAttempts   int           `yaml:"reconnect_max_attempts" env:"DUOCALL_RECONNECT_MAX_ATTEMPTS" env-default:"5"`
	ChannelFaultThreshold  int           `yaml:"channel_fault_threshold" env:"DUOCALL_CHANNEL_FAULT_THRESHOLD" env-default:"3"`
	ChannelRecreateBackoff time.Duration `yaml:"channel_recreate_backoff" env:"DUOCALL_CHANNEL_RECREATE_BACKOFF" env-default:"500ms"`
}

// Lifecycle holds host lifecycle tunables.
type Lifecycle struct {
	OfflineGrace      time.Duration `yaml:"offline_grace" env:"DUOCALL_OFFLINE_GRACE" env-default:"10s"`
	ConnectivityProbe time.Duration `yaml:"connectivity_probe" env:"DUOCALL_CONNECTIVITY_PROBE" env-default:"3s"`
}

// Outbound bounds the buffer of local signals emitted before a target is known.
type Outbound struct {
	BufferMax int           `yaml:"buffer_max" env:"DUOCALL_OUTBOUND_BUFFER_MAX" env-default:"64"`
	BufferTTL time.Duration `yaml:"buffer_ttl" env:"DUOCALL_OUTBOUND_BUFFER_TTL" env-default:"30s"`
}

// Load reads path (when non-empty) and then the environment.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		return cfg, nil
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration with only default values applied.
func Default() Config {
	var cfg Config
	// Only env-default tags are consulted when no variables are set; an error
	// here means a malformed default, which is a programming error.
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Validate rejects configurations the call core cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	if c.Role != RoleCaller && c.Role != RoleCallee {
		errs = append(errs, fmt.Errorf("invalid role %q: must be caller or callee", c.Role))
	}
	if c.Role == RoleCaller && c.PeerID == "" {
		errs = append(errs, errors.New("peer_id is required for the caller role"))
	}
	if c.PeerID != "" && c.PeerID == c.UserID {
		errs = append(errs, errors.New("peer_id must differ from user_id"))
	}
	if err := checkURL(c.Relay.URL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("relay.url: %w", err))
	}
	if c.Relay.FallbackURL != "" {
		if err := checkURL(c.Relay.FallbackURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("relay.fallback_url: %w", err))
		}
	}
	if c.Relay.Namespace == "" {
		errs = append(errs, errors.New("relay.namespace is required"))
	}

	if c.StatsInterval <= 0 {
		errs = append(errs, errors.New("stats_interval must be positive"))
	}

	r := c.Resilience
	if r.KeepAliveInterval <= 0 || r.HealthPollInterval <= 0 || r.InactivityThreshold <= 0 {
		errs = append(errs, errors.New("resilience intervals must be positive"))
	}
	if r.ReconnectBaseDelay <= 0 || r.ReconnectMaxDelay < r.ReconnectBaseDelay {
		errs = append(errs, errors.New("reconnect delays must satisfy 0 < base <= max"))
	}
	if r.ReconnectFactor < 1 {
		errs = append(errs, errors.New("reconnect_factor must be >= 1"))
	}
	if r.ReconnectMaxAttempts < 1 {
		errs = append(errs, errors.New("reconnect_max_attempts must be >= 1"))
	}
	if r.ChannelFaultThreshold < 1 {
		errs = append(errs, errors.New("channel_fault_threshold must be >= 1"))
	}
	if c.Lifecycle.OfflineGrace <= 0 {
		errs = append(errs, errors.New("lifecycle.offline_grace must be positive"))
	}
	if c.Outbound.BufferMax < 1 || c.Outbound.BufferTTL <= 0 {
		errs = append(errs, errors.New("outbound buffer bound and ttl must be positive"))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid URL %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}

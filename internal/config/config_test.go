package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func valid() Config {
	cfg := Default()
	cfg.UserID = "alice"
	return cfg
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.Role != RoleCallee {
		t.Errorf("Role = %q, want callee", cfg.Role)
	}
	if cfg.Relay.Namespace != "duocall" {
		t.Errorf("Namespace = %q", cfg.Relay.Namespace)
	}
	if cfg.Resilience.KeepAliveInterval != 2*time.Minute {
		t.Errorf("KeepAliveInterval = %s", cfg.Resilience.KeepAliveInterval)
	}
	if cfg.Resilience.ReconnectMaxAttempts != 5 {
		t.Errorf("ReconnectMaxAttempts = %d", cfg.Resilience.ReconnectMaxAttempts)
	}
	if len(cfg.ICE.STUNServers) != 2 {
		t.Errorf("STUNServers = %v", cfg.ICE.STUNServers)
	}
	if cfg.Outbound.BufferMax != 64 || cfg.Outbound.BufferTTL != 30*time.Second {
		t.Errorf("Outbound = %+v", cfg.Outbound)
	}
	if err := valid().Validate(); err != nil {
		t.Errorf("defaults with a user should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing user", func(c *Config) { c.UserID = "" }, "user_id is required"},
		{"bad role", func(c *Config) { c.Role = "host" }, "invalid role"},
		{"caller without peer", func(c *Config) { c.Role = RoleCaller }, "peer_id is required"},
		{"self call", func(c *Config) { c.PeerID = "alice" }, "must differ"},
		{"http relay", func(c *Config) { c.Relay.URL = "http://relay/ws" }, "relay.url"},
		{"ws fallback", func(c *Config) { c.Relay.FallbackURL = "ws://relay/api" }, "relay.fallback_url"},
		{"no namespace", func(c *Config) { c.Relay.Namespace = "" }, "namespace"},
		{"zero poll", func(c *Config) { c.Resilience.HealthPollInterval = 0 }, "intervals"},
		{"max below base", func(c *Config) { c.Resilience.ReconnectMaxDelay = time.Millisecond }, "base <= max"},
		{"shrinking factor", func(c *Config) { c.Resilience.ReconnectFactor = 0.5 }, "reconnect_factor"},
		{"no attempts", func(c *Config) { c.Resilience.ReconnectMaxAttempts = 0 }, "reconnect_max_attempts"},
		{"zero grace", func(c *Config) { c.Lifecycle.OfflineGrace = 0 }, "offline_grace"},
		{"empty buffer", func(c *Config) { c.Outbound.BufferMax = 0 }, "outbound"},
		{"zero stats", func(c *Config) { c.StatsInterval = 0 }, "stats_interval"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateAllowsNoFallback(t *testing.T) {
	cfg := valid()
	cfg.Relay.FallbackURL = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DUOCALL_USER_ID", "bob")
	t.Setenv("DUOCALL_ROLE", "caller")
	t.Setenv("DUOCALL_PEER_ID", "alice")
	t.Setenv("DUOCALL_STUN_SERVERS", "stun:a.example:3478,stun:b.example:3478")
	t.Setenv("DUOCALL_OFFLINE_GRACE", "4s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UserID != "bob" || cfg.Role != RoleCaller || cfg.PeerID != "alice" {
		t.Errorf("identity = %s/%s/%s", cfg.UserID, cfg.Role, cfg.PeerID)
	}
	if len(cfg.ICE.STUNServers) != 2 || cfg.ICE.STUNServers[1] != "stun:b.example:3478" {
		t.Errorf("STUNServers = %v", cfg.ICE.STUNServers)
	}
	if cfg.Lifecycle.OfflineGrace != 4*time.Second {
		t.Errorf("OfflineGrace = %s", cfg.Lifecycle.OfflineGrace)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duocall.yaml")
	data := `user_id: carol
role: callee
relay:
  url: wss://relay.example/ws
  namespace: team
resilience:
  reconnect_max_attempts: 2
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UserID != "carol" || cfg.Relay.URL != "wss://relay.example/ws" || cfg.Relay.Namespace != "team" {
		t.Errorf("unexpected values: %+v", cfg)
	}
	if cfg.Resilience.ReconnectMaxAttempts != 2 {
		t.Errorf("ReconnectMaxAttempts = %d", cfg.Resilience.ReconnectMaxAttempts)
	}
	if cfg.Resilience.HealthPollInterval != 5*time.Second {
		t.Errorf("defaults not applied: HealthPollInterval = %s", cfg.Resilience.HealthPollInterval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

// Package config loads and validates the relay's process configuration
// (spec.md §4.1, §6). It produces an immutable record; every component
// reads configuration through the returned value, never ambiently.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ICEServer is passed through verbatim to clients via GET /config.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		Production      bool          `yaml:"production"`
	} `yaml:"server"`

	Signaling struct {
		Path           string   `yaml:"path"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"signaling"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	IPLimit struct {
		MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`
	} `yaml:"ip_limit"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Token   string `yaml:"token"`
	} `yaml:"metrics"`

	RateLimiting struct {
		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`

		HTTP struct {
			Window     time.Duration `yaml:"window"`
			StaticMax  int           `yaml:"static_max"`
			ConfigMax  int           `yaml:"config_max"`
		} `yaml:"http"`
	} `yaml:"rate_limiting"`

	CrossInstance struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Prefix  string `yaml:"prefix"`
		NodeID  string `yaml:"node_id"`
	} `yaml:"cross_instance"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	HSTS struct {
		Enabled bool          `yaml:"enabled"`
		MaxAge  time.Duration `yaml:"max_age"`
	} `yaml:"hsts"`

	StaticDir string `yaml:"static_dir"`
}

// Validate checks that configuration values are within acceptable ranges
// and fails startup (per spec.md §4.1) when production mode is indicated
// without an origin allowlist, or when a numeric limit that must be
// positive is not.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signaling.Path == "" {
		return fmt.Errorf("signaling.path must not be empty")
	}
	if c.Server.Production && len(c.Signaling.AllowedOrigins) == 0 {
		return fmt.Errorf("signaling.allowed_origins is required when server.production=true")
	}

	if c.IPLimit.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("ip_limit.max_connections_per_ip must be > 0")
	}

	if c.Metrics.Enabled && c.Metrics.Token == "" {
		// Gating is optional, but warn-by-rejecting a malformed opt-in is
		// not required; an unset token simply means the endpoint is open
		// once enabled. Nothing to validate here beyond Enabled itself.
	}

	if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
		return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0")
	}
	if c.RateLimiting.WebSocket.Burst <= 0 {
		return fmt.Errorf("rate_limiting.websocket.burst must be > 0")
	}
	if c.RateLimiting.HTTP.Window <= 0 {
		return fmt.Errorf("rate_limiting.http.window must be > 0")
	}
	if c.RateLimiting.HTTP.StaticMax <= 0 {
		return fmt.Errorf("rate_limiting.http.static_max must be > 0")
	}
	if c.RateLimiting.HTTP.ConfigMax <= 0 {
		return fmt.Errorf("rate_limiting.http.config_max must be > 0")
	}

	if c.CrossInstance.Enabled {
		if c.CrossInstance.URL == "" {
			return fmt.Errorf("cross_instance.url must not be empty when cross_instance.enabled=true")
		}
		if c.CrossInstance.NodeID == "" {
			return fmt.Errorf("cross_instance.node_id must not be empty when cross_instance.enabled=true")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.HSTS.Enabled && c.HSTS.MaxAge <= 0 {
		return fmt.Errorf("hsts.max_age must be > 0 when hsts.enabled=true")
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults first and
// environment overrides last. If the file does not exist, defaults plus
// environment overrides are used directly.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults, matching the
// values named throughout spec.md (60s idle window's HTTP-side counterparts,
// 30s heartbeat, 256KiB frame cap are constants in the relay package, not
// configuration).
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Server.Production = false

	cfg.Signaling.Path = "/ws"
	cfg.Signaling.AllowedOrigins = nil

	cfg.IPLimit.MaxConnectionsPerIP = 8

	cfg.Metrics.Enabled = false
	cfg.Metrics.Token = ""

	cfg.RateLimiting.WebSocket.MessagesPerSecond = 10
	cfg.RateLimiting.WebSocket.Burst = 20
	cfg.RateLimiting.HTTP.Window = time.Minute
	cfg.RateLimiting.HTTP.StaticMax = 300
	cfg.RateLimiting.HTTP.ConfigMax = 60

	cfg.CrossInstance.Enabled = false
	cfg.CrossInstance.Prefix = "relay:"

	cfg.Logging.Level = "info"

	cfg.HSTS.Enabled = false
	cfg.HSTS.MaxAge = 180 * 24 * time.Hour

	cfg.StaticDir = "./static"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("RELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if path := os.Getenv("RELAY_SIGNALING_PATH"); path != "" {
		c.Signaling.Path = path
	}
	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if token := os.Getenv("RELAY_METRICS_TOKEN"); token != "" {
		c.Metrics.Token = token
	}
	if url := os.Getenv("RELAY_CROSS_INSTANCE_URL"); url != "" {
		c.CrossInstance.URL = url
		c.CrossInstance.Enabled = true
	}
	if nodeID := os.Getenv("RELAY_NODE_ID"); nodeID != "" {
		c.CrossInstance.NodeID = nodeID
	}
	if prod := os.Getenv("RELAY_PRODUCTION"); prod == "true" {
		c.Server.Production = true
	}
}

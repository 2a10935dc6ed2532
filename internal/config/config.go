package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override, e.g.
// OPENCODE_BRIDGE_BACKEND_URL or OPENCODE_BRIDGE_SERVER_PORT.
const EnvPrefix = "OPENCODE_BRIDGE_"

type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Backend  BackendConfig  `yaml:"backend" envPrefix:"BACKEND_"`
	Stream   StreamConfig   `yaml:"stream" envPrefix:"STREAM_"`
	Activity ActivityConfig `yaml:"activity" envPrefix:"ACTIVITY_"`
	Relay    RelayConfig    `yaml:"relay" envPrefix:"RELAY_"`
}

// ServerConfig is the relay's own listen address.
type ServerConfig struct {
	Port int    `yaml:"port" env:"PORT"`
	Host string `yaml:"host" env:"HOST"`
}

// BackendConfig controls how the opencode server is found or launched.
type BackendConfig struct {
	// URL switches the supervisor to bring-your-own-server mode.
	URL string `yaml:"url" env:"URL"`
	// Binary is an explicit path to the opencode executable or the
	// directory containing it.
	Binary string `yaml:"binary" env:"BINARY"`
	// SettingsFile is a JSON (comments allowed) file shared with other
	// tools; its opencodeBinary key is consulted during discovery.
	SettingsFile string `yaml:"settings_file" env:"SETTINGS_FILE"`
	// Workdir is the workspace root used when Start gets no directory.
	Workdir        string        `yaml:"workdir" env:"WORKDIR"`
	StartupTimeout time.Duration `yaml:"startup_timeout" env:"STARTUP_TIMEOUT"`
	HealthTimeout  time.Duration `yaml:"health_timeout" env:"HEALTH_TIMEOUT"`
	RestartDelay   time.Duration `yaml:"restart_delay" env:"RESTART_DELAY"`
}

type StreamConfig struct {
	BaseDelay      time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay       time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	MaxExponent    int           `yaml:"max_exponent" env:"MAX_EXPONENT"`
	ResetOnConnect bool          `yaml:"reset_backoff_on_connect" env:"RESET_BACKOFF_ON_CONNECT"`
	URLWaitTimeout time.Duration `yaml:"url_wait_timeout" env:"URL_WAIT_TIMEOUT"`
}

type ActivityConfig struct {
	Cooldown time.Duration `yaml:"cooldown" env:"COOLDOWN"`
}

type RelayConfig struct {
	AuthToken         string        `yaml:"auth_token" env:"AUTH_TOKEN"`
	AllowedOrigins    []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	WrapEnvelope      bool          `yaml:"wrap_envelope" env:"WRAP_ENVELOPE"`
	SyntheticActivity bool          `yaml:"synthetic_activity" env:"SYNTHETIC_ACTIVITY"`
	// MaskDirectory reduces the envelope directory to its last element.
	MaskDirectory bool `yaml:"mask_directory" env:"MASK_DIRECTORY"`
	// MaxClients caps concurrent websocket clients; 0 means unlimited.
	MaxClients int `yaml:"max_clients" env:"MAX_CLIENTS"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8787,
			Host: "127.0.0.1",
		},
		Backend: BackendConfig{
			StartupTimeout: 15 * time.Second,
			HealthTimeout:  10 * time.Second,
			RestartDelay:   250 * time.Millisecond,
		},
		Stream: StreamConfig{
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			MaxExponent:    5,
			URLWaitTimeout: 30 * time.Second,
		},
		Activity: ActivityConfig{
			Cooldown: 2 * time.Second,
		},
		Relay: RelayConfig{
			HeartbeatInterval: 15 * time.Second,
			SyntheticActivity: true,
			MaxClients:        32,
		},
	}
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() (*Config, error) {
	cfg := defaultConfig()
	if err := applyEnv(cfg, nil); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Load reads a YAML config file over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(data, nil)
}

// LoadOrDefault behaves like Load but falls back to Default when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default()
	}
	return cfg, err
}

// parse is Load without the file read. environ replaces the process
// environment when non-nil.
func parse(data []byte, environ map[string]string) (*Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := applyEnv(cfg, environ); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("reading environment overrides: %w", err)
	}
	return nil
}

// Validate rejects values the supervisor and watcher cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Backend.StartupTimeout <= 0 {
		return errors.New("backend.startup_timeout must be positive")
	}
	if c.Backend.HealthTimeout <= 0 {
		return errors.New("backend.health_timeout must be positive")
	}
	if c.Backend.RestartDelay < 0 {
		return errors.New("backend.restart_delay must not be negative")
	}
	if c.Stream.BaseDelay <= 0 || c.Stream.MaxDelay < c.Stream.BaseDelay {
		return fmt.Errorf("stream delays invalid: base %v, max %v", c.Stream.BaseDelay, c.Stream.MaxDelay)
	}
	if c.Stream.MaxExponent < 0 {
		return errors.New("stream.max_exponent must not be negative")
	}
	if c.Stream.URLWaitTimeout <= 0 {
		return errors.New("stream.url_wait_timeout must be positive")
	}
	if c.Activity.Cooldown <= 0 {
		return errors.New("activity.cooldown must be positive")
	}
	if c.Relay.HeartbeatInterval < 0 {
		return errors.New("relay.heartbeat_interval must not be negative")
	}
	if c.Relay.MaxClients < 0 {
		return errors.New("relay.max_clients must not be negative")
	}
	return nil
}

// ManagedMode reports whether the supervisor launches its own server.
func (c *Config) ManagedMode() bool {
	return c.Backend.URL == ""
}

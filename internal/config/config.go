package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models gateline.yml.
type Config struct {
	Gate struct {
		SigningSecret     string `yaml:"signing_secret"`
		DefaultTTLMinutes int    `yaml:"default_ttl_minutes"`
		OfflineDefault    bool   `yaml:"offline_default"`
	} `yaml:"gate"`
	Idempotency struct {
		RetentionHours int `yaml:"retention_hours"`
	} `yaml:"idempotency"`
	RateLimit struct {
		Capacity     int     `yaml:"capacity"`
		RefillPerSec float64 `yaml:"refill_per_sec"`
	} `yaml:"rate_limit"`
	API struct {
		AdminSecret string `yaml:"admin_secret"`
	} `yaml:"api"`
}

// Load reads and validates config from workspace. Missing file is fine;
// defaults apply and the secret can come from the environment.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Gate.DefaultTTLMinutes <= 0 {
		return fmt.Errorf("config.gate.default_ttl_minutes must be positive")
	}
	if c.Idempotency.RetentionHours <= 0 {
		return fmt.Errorf("config.idempotency.retention_hours must be positive")
	}
	if c.RateLimit.Capacity < 0 {
		return fmt.Errorf("config.rate_limit.capacity must not be negative")
	}
	if c.RateLimit.Capacity > 0 && c.RateLimit.RefillPerSec <= 0 {
		return fmt.Errorf("config.rate_limit.refill_per_sec must be positive when rate limiting is enabled")
	}
	return nil
}

// DefaultTTL returns the mint TTL used when the caller does not supply one.
func (c *Config) DefaultTTL() time.Duration {
	return time.Duration(c.Gate.DefaultTTLMinutes) * time.Minute
}

// IdempotencyRetention is how long finalized idempotency records outlive
// the client retry window before eviction.
func (c *Config) IdempotencyRetention() time.Duration {
	return time.Duration(c.Idempotency.RetentionHours) * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields
// fall back to defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `gate:
  signing_secret: ""
  default_ttl_minutes: 60
  offline_default: false

idempotency:
  retention_hours: 24

rate_limit:
  capacity: 0
  refill_per_sec: 0.17
`

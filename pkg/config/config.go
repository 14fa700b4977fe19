// Package config loads boundary configuration from a YAML file with
// environment overrides. Environment wins over file, file wins over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trustlane/core/pkg/laneguard"
)

// Config holds the full boundary configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LaneGuard LaneGuardConfig `yaml:"laneguard"`
	Integrity IntegrityConfig `yaml:"integrity"`
	Audit     AuditConfig     `yaml:"audit"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port           string `yaml:"port"`
	LogLevel       string `yaml:"log_level"`
	RateLimitRPS   int    `yaml:"rate_limit_rps"`
	RateLimitBurst int    `yaml:"rate_limit_burst"`
}

// LaneGuardConfig configures lane enforcement. Empty slices keep the built-in
// defaults.
type LaneGuardConfig struct {
	RuntimeIdentifiers []string             `yaml:"runtime_identifiers"`
	InternalServices   []string             `yaml:"internal_services"`
	DenyRules          []laneguard.DenyRule `yaml:"deny_rules"`
}

// IntegrityConfig configures decision record verification.
type IntegrityConfig struct {
	NonceCapacity      int    `yaml:"nonce_capacity"`
	RedisAddr          string `yaml:"redis_addr"`
	RedisDB            int    `yaml:"redis_db"`
	PolicyVersionFloor string `yaml:"policy_version_floor"`
	// MasterSecretEnv names the environment variable holding the authority
	// master secret. The secret itself never lives in the file.
	MasterSecretEnv string `yaml:"master_secret_env"`
}

// AuditConfig configures the audit trail and its archives.
type AuditConfig struct {
	Dir          string   `yaml:"dir"`
	MaxInMemory  int      `yaml:"max_in_memory"`
	ArchivePath  string   `yaml:"archive_path"`  // sqlite file, empty disables
	ArchiveDSN   string   `yaml:"archive_dsn"`   // postgres DSN, overrides sqlite
	ShipInterval Duration `yaml:"ship_interval"` // object store shipping cadence
}

// Duration is a time.Duration that unmarshals from YAML strings like "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the configuration used when no file or overrides exist.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			LogLevel:       "INFO",
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Integrity: IntegrityConfig{
			NonceCapacity:   100_000,
			MasterSecretEnv: "TRUSTLANE_MASTER_SECRET",
		},
		Audit: AuditConfig{
			Dir:          "data/audit",
			MaxInMemory:  10_000,
			ShipInterval: Duration(time.Hour),
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path when it
// exists, then environment overrides. A missing file is not an error; an
// unreadable or malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// defaults + env only
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.RateLimitRPS = n
		}
	}
	if v := os.Getenv("NONCE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Integrity.NonceCapacity = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Integrity.RedisAddr = v
	}
	if v := os.Getenv("POLICY_VERSION_FLOOR"); v != "" {
		cfg.Integrity.PolicyVersionFloor = v
	}
	if v := os.Getenv("AUDIT_DIR"); v != "" {
		cfg.Audit.Dir = v
	}
	if v := os.Getenv("AUDIT_ARCHIVE_PATH"); v != "" {
		cfg.Audit.ArchivePath = v
	}
	if v := os.Getenv("AUDIT_ARCHIVE_DSN"); v != "" {
		cfg.Audit.ArchiveDSN = v
	}
	if v := os.Getenv("AUDIT_SHIP_INTERVAL"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.Audit.ShipInterval = Duration(parsed)
		}
	}
}

func (c *Config) validate() error {
	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("rate_limit_rps must not be negative")
	}
	if c.Integrity.NonceCapacity < 0 {
		return fmt.Errorf("nonce_capacity must not be negative")
	}
	if c.Audit.Dir == "" {
		return fmt.Errorf("audit dir must not be empty")
	}
	return nil
}

// MasterSecret resolves the authority master secret from the environment.
func (c *Config) MasterSecret() ([]byte, error) {
	name := c.Integrity.MasterSecretEnv
	if name == "" {
		name = "TRUSTLANE_MASTER_SECRET"
	}
	secret := os.Getenv(name)
	if secret == "" {
		return nil, fmt.Errorf("%s is not set", name)
	}
	return []byte(secret), nil
}

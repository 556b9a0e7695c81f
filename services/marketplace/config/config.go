package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the marketplace service.
type Config struct {
	Listen      string    `yaml:"listen"`
	DatabaseURL string    `yaml:"database_url"`
	NodeURL     string    `yaml:"node_url"`
	Environment string    `yaml:"environment"`
	LogLevel    string    `yaml:"log_level"`
	JWT         JWTConfig `yaml:"jwt"`
}

// JWTConfig controls session verification. The secret itself never lives in
// the file; SecretEnv names the environment variable holding it.
type JWTConfig struct {
	Issuer     string        `yaml:"issuer"`
	SecretEnv  string        `yaml:"secret_env"`
	Leeway     time.Duration `yaml:"leeway"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

const (
	defaultListen    = ":8090"
	defaultNodeURL   = "http://127.0.0.1:8545"
	defaultSecretEnv = "MARKETPLACE_JWT_SECRET"
)

// Load reads the YAML file at path (optional) and applies MARKET_*
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	cfg.Listen = getEnvDefault("MARKET_LISTEN", cfg.Listen)
	cfg.DatabaseURL = getEnvDefault("MARKET_DB_URL", cfg.DatabaseURL)
	cfg.NodeURL = getEnvDefault("MARKET_NODE_URL", cfg.NodeURL)
	cfg.Environment = getEnvDefault("MARKET_ENV", cfg.Environment)
	cfg.LogLevel = getEnvDefault("MARKET_LOG_LEVEL", cfg.LogLevel)
	cfg.JWT.Issuer = getEnvDefault("MARKET_JWT_ISSUER", cfg.JWT.Issuer)
	if raw := os.Getenv("MARKET_JWT_LEEWAY"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid MARKET_JWT_LEEWAY %q", raw)
		}
		cfg.JWT.Leeway = d
	}

	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	if cfg.NodeURL == "" {
		cfg.NodeURL = defaultNodeURL
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.JWT.SecretEnv == "" {
		cfg.JWT.SecretEnv = defaultSecretEnv
	}
	if cfg.JWT.SessionTTL == 0 {
		cfg.JWT.SessionTTL = 12 * time.Hour
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url (or MARKET_DB_URL) is required")
	}
	if cfg.JWT.Issuer == "" {
		return nil, fmt.Errorf("jwt.issuer (or MARKET_JWT_ISSUER) is required")
	}
	if cfg.JWT.Leeway < 0 {
		return nil, fmt.Errorf("jwt.leeway must not be negative")
	}
	return cfg, nil
}

// Secret returns the session signing secret from the configured environment
// variable.
func (c *Config) Secret() ([]byte, error) {
	value := strings.TrimSpace(os.Getenv(c.JWT.SecretEnv))
	if value == "" {
		return nil, fmt.Errorf("%s is required", c.JWT.SecretEnv)
	}
	return []byte(value), nil
}

func getEnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

package ledgerindex

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the ledgerindexd configuration file.
type Config struct {
	NodeURL      string        `yaml:"node_url"`
	DatabasePath string        `yaml:"database_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	LogLevel     string        `yaml:"log_level"`
	Environment  string        `yaml:"environment"`
	Export       ExportConfig  `yaml:"export"`
}

// ExportConfig controls the daily Parquet payout report. An empty OutputDir
// disables it.
type ExportConfig struct {
	OutputDir string `yaml:"output_dir"`
	RunHour   int    `yaml:"run_hour"`
	RunMinute int    `yaml:"run_minute"`
	Timezone  string `yaml:"timezone"`
}

// LoadConfig reads path (optional) and applies LEDGERINDEX_* overrides.
func LoadConfig(path string) (*Config, error) {
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
	if v := strings.TrimSpace(os.Getenv("LEDGERINDEX_NODE_URL")); v != "" {
		cfg.NodeURL = v
	}
	if v := strings.TrimSpace(os.Getenv("LEDGERINDEX_DB_PATH")); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("LEDGERINDEX_EXPORT_DIR")); v != "" {
		cfg.Export.OutputDir = v
	}
	if cfg.NodeURL == "" {
		cfg.NodeURL = "http://127.0.0.1:8545"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "ledgerindex.db"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Export.Timezone == "" {
		cfg.Export.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(cfg.Export.Timezone); err != nil {
		return nil, fmt.Errorf("invalid export timezone %q: %w", cfg.Export.Timezone, err)
	}
	return cfg, nil
}

// Location returns the export timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Export.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

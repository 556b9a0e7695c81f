package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"workchain/native/escrow"
)

// Config is the ledger node configuration.
type Config struct {
	RPCAddress    string `toml:"RPCAddress"`
	DataDir       string `toml:"DataDir"`
	ChainID       uint64 `toml:"ChainID"`
	BlockInterval string `toml:"BlockInterval"`
	// GenesisFile, when set, replaces the inline Genesis section.
	GenesisFile string `toml:"GenesisFile"`

	Mempool   Mempool   `toml:"Mempool"`
	RPC       RPC       `toml:"RPC"`
	Escrow    Escrow    `toml:"Escrow"`
	Genesis   Genesis   `toml:"Genesis"`
	Log       Log       `toml:"Log"`
	Telemetry Telemetry `toml:"Telemetry"`
}

const (
	DefaultChainID       = 7707
	defaultBlockInterval = time.Second
	defaultFutureNonce   = 30 * time.Second
)

// Default returns the configuration written on first start.
func Default() *Config {
	return &Config{
		RPCAddress:    "127.0.0.1:8545",
		DataDir:       "./workchain-data",
		ChainID:       DefaultChainID,
		BlockInterval: defaultBlockInterval.String(),
		Mempool: Mempool{
			MaxTxs:            10_000,
			MaxPerBlock:       500,
			FutureNonceMaxAge: defaultFutureNonce.String(),
		},
		RPC: RPC{
			RequestsPerMinute: 600,
			Burst:             50,
			MaxBodyBytes:      1 << 20,
		},
		Escrow:  escrow.DefaultParams(),
		Genesis: Genesis{Alloc: map[string]string{}},
		Log:     Log{Level: "info"},
		Telemetry: Telemetry{
			Endpoint: "localhost:4318",
			Insecure: true,
		},
	}
}

// Load loads the configuration from the given path. A missing file is
// created with defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = def.RPCAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	if c.ChainID == 0 {
		c.ChainID = def.ChainID
	}
	if strings.TrimSpace(c.BlockInterval) == "" {
		c.BlockInterval = def.BlockInterval
	}
	if c.Mempool.MaxTxs <= 0 {
		c.Mempool.MaxTxs = def.Mempool.MaxTxs
	}
	if c.Mempool.MaxPerBlock <= 0 {
		c.Mempool.MaxPerBlock = def.Mempool.MaxPerBlock
	}
	if strings.TrimSpace(c.Mempool.FutureNonceMaxAge) == "" {
		c.Mempool.FutureNonceMaxAge = def.Mempool.FutureNonceMaxAge
	}
	if c.RPC.MaxBodyBytes <= 0 {
		c.RPC.MaxBodyBytes = def.RPC.MaxBodyBytes
	}
	c.Escrow = c.Escrow.WithDefaults()
	if c.Genesis.Alloc == nil {
		c.Genesis.Alloc = map[string]string{}
	}
}

// BlockIntervalDuration returns the parsed block interval.
func (c *Config) BlockIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.BlockInterval)
	if err != nil || d <= 0 {
		return defaultBlockInterval
	}
	return d
}

// FutureNonceMaxAgeDuration returns the parsed nonce-gap budget.
func (c *Config) FutureNonceMaxAgeDuration() time.Duration {
	d, err := time.ParseDuration(c.Mempool.FutureNonceMaxAge)
	if err != nil || d <= 0 {
		return defaultFutureNonce
	}
	return d
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

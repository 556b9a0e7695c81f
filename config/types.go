package config

import "workchain/native/escrow"

// Mempool bounds the pending transaction pool.
type Mempool struct {
	MaxTxs int `toml:"MaxTxs"`
	// MaxPerBlock caps the transactions applied at one height.
	MaxPerBlock int `toml:"MaxPerBlock"`
	// FutureNonceMaxAge is how long a transaction with a nonce gap may wait
	// for its predecessors before it is dropped.
	FutureNonceMaxAge string `toml:"FutureNonceMaxAge"`
}

// RPC configures the JSON-RPC endpoint.
type RPC struct {
	// AuthToken, when set, is required as a bearer token on write methods.
	AuthToken         string  `toml:"AuthToken"`
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
	MaxBodyBytes      int64   `toml:"MaxBodyBytes"`
	TrustProxyHeaders bool    `toml:"TrustProxyHeaders"`
}

// Genesis seeds the ledger on first start.
type Genesis struct {
	Time  string            `toml:"Time"`
	Alloc map[string]string `toml:"Alloc"`
}

// Log configures structured logging.
type Log struct {
	Level      string `toml:"Level"`
	Env        string `toml:"Env"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry configures OTLP export.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`

	// SampleRatio below 1 samples that fraction of root spans.
	SampleRatio float64 `toml:"SampleRatio"`
}

// Escrow re-exports the module parameters so they live in the node config.
type Escrow = escrow.Params

package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"workchain/crypto"
)

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	if d, err := time.ParseDuration(c.BlockInterval); err != nil || d <= 0 {
		return fmt.Errorf("BlockInterval %q must be a positive duration", c.BlockInterval)
	}
	if d, err := time.ParseDuration(c.Mempool.FutureNonceMaxAge); err != nil || d <= 0 {
		return fmt.Errorf("Mempool.FutureNonceMaxAge %q must be a positive duration", c.Mempool.FutureNonceMaxAge)
	}
	if c.Mempool.MaxPerBlock > c.Mempool.MaxTxs {
		return fmt.Errorf("Mempool.MaxPerBlock %d exceeds MaxTxs %d", c.Mempool.MaxPerBlock, c.Mempool.MaxTxs)
	}
	if c.RPC.RequestsPerMinute < 0 || c.RPC.Burst < 0 {
		return fmt.Errorf("RPC rate limits must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("Telemetry.SampleRatio %v must be within [0,1]", c.Telemetry.SampleRatio)
	}
	if err := c.Escrow.Validate(); err != nil {
		return err
	}
	for addr, amount := range c.Genesis.Alloc {
		if _, err := crypto.ParseAddress(addr); err != nil {
			return fmt.Errorf("Genesis.Alloc[%q]: %w", addr, err)
		}
		value, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
		if !ok || value.Sign() < 0 {
			return fmt.Errorf("Genesis.Alloc[%q]: invalid amount %q", addr, amount)
		}
	}
	if c.Genesis.Time != "" {
		if _, err := time.Parse(time.RFC3339, c.Genesis.Time); err != nil {
			return fmt.Errorf("Genesis.Time: %w", err)
		}
	}
	return nil
}

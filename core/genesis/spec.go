package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"workchain/config"
	"workchain/crypto"
)

// GenesisSpec describes the initial ledger: the genesis timestamp and the
// balances credited before the first block.
type GenesisSpec struct {
	GenesisTime string            `json:"genesisTime"`
	ChainID     *uint64           `json:"chainId,omitempty"`
	Alloc       map[string]string `json:"alloc"` // addr -> amount

	genesisTimestamp time.Time
	allocations      []Allocation
}

// Allocation is one validated genesis balance.
type Allocation struct {
	Address [20]byte
	Amount  *big.Int
}

// LoadGenesisSpec reads a JSON genesis file.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec %q: %w", path, err)
	}
	return &spec, nil
}

// FromConfig builds a genesis spec from the node's inline Genesis section.
// An empty time means the Unix epoch so every node derives the same block.
func FromConfig(section config.Genesis, chainID uint64) (*GenesisSpec, error) {
	spec := &GenesisSpec{
		GenesisTime: section.Time,
		ChainID:     &chainID,
		Alloc:       section.Alloc,
	}
	if strings.TrimSpace(spec.GenesisTime) == "" {
		spec.GenesisTime = time.Unix(0, 0).UTC().Format(time.RFC3339)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

// Allocations returns the balances in address order.
func (s *GenesisSpec) Allocations() []Allocation {
	out := make([]Allocation, len(s.allocations))
	for i, alloc := range s.allocations {
		out[i] = Allocation{Address: alloc.Address, Amount: new(big.Int).Set(alloc.Amount)}
	}
	return out
}

func (s *GenesisSpec) validate() error {
	parsedTime, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = parsedTime

	s.allocations = s.allocations[:0]
	for addr, amount := range s.Alloc {
		parsed, err := crypto.ParseAddress(strings.TrimSpace(addr))
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", addr, err)
		}
		value, err := parseAmountString(amount)
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", addr, err)
		}
		s.allocations = append(s.allocations, Allocation{Address: parsed, Amount: value})
	}
	sort.Slice(s.allocations, func(i, j int) bool {
		return bytes.Compare(s.allocations[i].Address[:], s.allocations[j].Address[:]) < 0
	})
	return nil
}

func parseAmountString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseGenesisTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesisTime %q", value)
}

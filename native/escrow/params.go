package escrow

import (
	"fmt"
	"strings"
)

const (
	// BasisPoints is the denominator of every fee rate.
	BasisPoints = 10_000
	// DisplayDecimals is the number of decimals between the smallest ledger
	// unit and the display unit.
	DisplayDecimals = 8
)

// Params are the deployment parameters of the escrow module. None of them
// are protocol constants.
type Params struct {
	NormalFeeBps          uint32 `toml:"NormalFeeBps" json:"normalFeeBps"`
	DisputePlatformFeeBps uint32 `toml:"DisputePlatformFeeBps" json:"disputePlatformFeeBps"`
	ReviewerRewardBps     uint32 `toml:"ReviewerRewardBps" json:"reviewerRewardBps"`
	ReviewerCount         uint32 `toml:"ReviewerCount" json:"reviewerCount"`
	DefaultMinVotes       uint32 `toml:"DefaultMinVotes" json:"defaultMinVotes"`
	MaxEvidenceBytes      uint32 `toml:"MaxEvidenceBytes" json:"maxEvidenceBytes"`
	MaxMilestones         uint32 `toml:"MaxMilestones" json:"maxMilestones"`
	Currency              string `toml:"Currency" json:"currency"`
}

// DefaultParams mirrors the rates the marketplace launched with: 10% on the
// normal path, 7% platform plus 3% reviewers on a disputed approval, five
// reviewers and three votes to decide.
func DefaultParams() Params {
	return Params{
		NormalFeeBps:          1_000,
		DisputePlatformFeeBps: 700,
		ReviewerRewardBps:     300,
		ReviewerCount:         5,
		DefaultMinVotes:       3,
		MaxEvidenceBytes:      4_096,
		MaxMilestones:         64,
		Currency:              "WORK",
	}
}

// Validate checks the parameter set for internal consistency.
func (p Params) Validate() error {
	if p.NormalFeeBps > BasisPoints {
		return fmt.Errorf("escrow: normal fee %d bps exceeds %d", p.NormalFeeBps, BasisPoints)
	}
	if uint64(p.DisputePlatformFeeBps)+uint64(p.ReviewerRewardBps) > BasisPoints {
		return fmt.Errorf("escrow: dispute fees %d+%d bps exceed %d", p.DisputePlatformFeeBps, p.ReviewerRewardBps, BasisPoints)
	}
	if p.ReviewerCount == 0 {
		return fmt.Errorf("escrow: reviewer count must be positive")
	}
	if p.DefaultMinVotes == 0 || p.DefaultMinVotes > p.ReviewerCount {
		return fmt.Errorf("escrow: default min votes %d must be within 1..%d", p.DefaultMinVotes, p.ReviewerCount)
	}
	if p.MaxEvidenceBytes == 0 {
		return fmt.Errorf("escrow: max evidence bytes must be positive")
	}
	if p.MaxMilestones == 0 {
		return fmt.Errorf("escrow: max milestones must be positive")
	}
	if strings.TrimSpace(p.Currency) == "" {
		return fmt.Errorf("escrow: currency required")
	}
	return nil
}

// WithDefaults fills zero fields from DefaultParams. Fee rates are left as
// given since zero is a valid rate.
func (p Params) WithDefaults() Params {
	def := DefaultParams()
	if p.ReviewerCount == 0 {
		p.ReviewerCount = def.ReviewerCount
	}
	if p.DefaultMinVotes == 0 {
		p.DefaultMinVotes = def.DefaultMinVotes
	}
	if p.MaxEvidenceBytes == 0 {
		p.MaxEvidenceBytes = def.MaxEvidenceBytes
	}
	if p.MaxMilestones == 0 {
		p.MaxMilestones = def.MaxMilestones
	}
	if strings.TrimSpace(p.Currency) == "" {
		p.Currency = def.Currency
	}
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	return p
}

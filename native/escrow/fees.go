package escrow

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// Split describes how a milestone's gross amount is distributed on release.
// Freelancer + Platform + PerReviewer*Reviewers == Gross always holds; the
// reviewer pool's indivisible remainder is folded into Platform.
type Split struct {
	Gross       *big.Int
	Freelancer  *big.Int
	Platform    *big.Int
	PerReviewer *big.Int
	Reviewers   int
}

// ReviewerTotal is the amount paid to all reviewers together.
func (s Split) ReviewerTotal() *big.Int {
	if s.PerReviewer == nil || s.Reviewers == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(s.PerReviewer, big.NewInt(int64(s.Reviewers)))
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil || v.Sign() < 0 {
		return nil, fmt.Errorf("escrow: amount must be non-negative")
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("escrow: amount overflows 256 bits")
	}
	return out, nil
}

func bpsOf(amount *uint256.Int, bps uint32) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(uint64(bps)), uint256.NewInt(BasisPoints))
	if overflow {
		return nil, fmt.Errorf("escrow: fee computation overflow")
	}
	return out, nil
}

// NormalSplit computes the approval-path split: the platform takes
// NormalFeeBps and the freelancer receives the rest.
func NormalSplit(gross *big.Int, params Params) (Split, error) {
	amount, err := toUint256(gross)
	if err != nil {
		return Split{}, err
	}
	fee, err := bpsOf(amount, params.NormalFeeBps)
	if err != nil {
		return Split{}, err
	}
	payout := new(uint256.Int).Sub(amount, fee)
	return Split{
		Gross:       amount.ToBig(),
		Freelancer:  payout.ToBig(),
		Platform:    fee.ToBig(),
		PerReviewer: big.NewInt(0),
	}, nil
}

// DisputeSplit computes the split of a milestone approved by reviewer vote.
// The platform takes DisputePlatformFeeBps, the reviewer pool of
// ReviewerRewardBps is shared equally by the reviewers who voted, and the
// freelancer receives the rest.
func DisputeSplit(gross *big.Int, params Params, voters int) (Split, error) {
	if voters < 0 {
		return Split{}, fmt.Errorf("escrow: negative voter count")
	}
	amount, err := toUint256(gross)
	if err != nil {
		return Split{}, err
	}
	platform, err := bpsOf(amount, params.DisputePlatformFeeBps)
	if err != nil {
		return Split{}, err
	}
	pool, err := bpsOf(amount, params.ReviewerRewardBps)
	if err != nil {
		return Split{}, err
	}
	payout := new(uint256.Int).Sub(amount, platform)
	payout.Sub(payout, pool)

	per := uint256.NewInt(0)
	if voters > 0 {
		per.Div(pool, uint256.NewInt(uint64(voters)))
		distributed := new(uint256.Int).Mul(per, uint256.NewInt(uint64(voters)))
		platform.Add(platform, new(uint256.Int).Sub(pool, distributed))
	} else {
		platform.Add(platform, pool)
	}
	return Split{
		Gross:       amount.ToBig(),
		Freelancer:  payout.ToBig(),
		Platform:    platform.ToBig(),
		PerReviewer: per.ToBig(),
		Reviewers:   voters,
	}, nil
}

// ReservedFee is the platform fee a milestone would pay on the normal path.
func ReservedFee(gross *big.Int, params Params) (*big.Int, error) {
	split, err := NormalSplit(gross, params)
	if err != nil {
		return nil, err
	}
	return split.Platform, nil
}

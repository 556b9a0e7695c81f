package escrow

import (
	"math/big"
	"testing"
)

func TestNormalSplit(t *testing.T) {
	split, err := NormalSplit(big.NewInt(200), DefaultParams())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if split.Freelancer.Int64() != 180 || split.Platform.Int64() != 20 || split.ReviewerTotal().Sign() != 0 {
		t.Fatalf("unexpected split %+v", split)
	}
}

func TestDisputeSplitConservesGross(t *testing.T) {
	params := DefaultParams()
	cases := []struct {
		gross      int64
		voters     int
		freelancer int64
		platform   int64
		per        int64
	}{
		{gross: 200, voters: 3, freelancer: 180, platform: 14, per: 2},
		{gross: 1_000, voters: 4, freelancer: 900, platform: 72, per: 7},
		{gross: 7, voters: 3, freelancer: 7, platform: 0, per: 0},
		{gross: 100, voters: 0, freelancer: 90, platform: 10, per: 0},
	}
	for _, tc := range cases {
		split, err := DisputeSplit(big.NewInt(tc.gross), params, tc.voters)
		if err != nil {
			t.Fatalf("gross %d: %v", tc.gross, err)
		}
		if split.Freelancer.Int64() != tc.freelancer || split.Platform.Int64() != tc.platform || split.PerReviewer.Int64() != tc.per {
			t.Fatalf("gross %d voters %d: got %s/%s/%s", tc.gross, tc.voters, split.Freelancer, split.Platform, split.PerReviewer)
		}
		sum := new(big.Int).Add(split.Freelancer, split.Platform)
		sum.Add(sum, split.ReviewerTotal())
		if sum.Int64() != tc.gross {
			t.Fatalf("gross %d not conserved: %s", tc.gross, sum)
		}
	}
}

func TestSplitRejectsNegative(t *testing.T) {
	if _, err := NormalSplit(big.NewInt(-1), DefaultParams()); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	if _, err := DisputeSplit(big.NewInt(10), DefaultParams(), -1); err == nil {
		t.Fatalf("expected error for negative voters")
	}
}

func TestParamsValidate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
	params := DefaultParams()
	params.DefaultMinVotes = params.ReviewerCount + 1
	if err := params.Validate(); err == nil {
		t.Fatalf("expected min votes above reviewer count to fail")
	}
	params = DefaultParams()
	params.DisputePlatformFeeBps = 9_800
	if err := params.Validate(); err == nil {
		t.Fatalf("expected dispute fees above 100%% to fail")
	}
	if got := (Params{ReviewerCount: 7}).WithDefaults(); got.ReviewerCount != 7 || got.MaxMilestones != 64 || got.NormalFeeBps != 0 {
		t.Fatalf("unexpected defaults merge: %+v", got)
	}
}

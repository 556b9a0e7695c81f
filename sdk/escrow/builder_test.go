package escrow

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	nativeescrow "workchain/native/escrow"
)

var (
	freelancerAddr = [20]byte{0xF1}
	platformAddr   = [20]byte{0xB1}
)

func TestBuilderCreateJobValidation(t *testing.T) {
	b := NewBuilder(nativeescrow.DefaultParams())
	base := func() nativeescrow.CreateJobRequest {
		return nativeescrow.CreateJobRequest{
			Freelancer: freelancerAddr,
			Platform:   platformAddr,
			Amounts:    Amounts(200, 200, 200),
			MinVotes:   3,
		}
	}
	cases := []struct {
		name   string
		mutate func(*nativeescrow.CreateJobRequest)
		want   error
	}{
		{"empty milestones", func(r *nativeescrow.CreateJobRequest) { r.Amounts = nil }, nativeescrow.ErrEmptyMilestoneList},
		{"zero amount", func(r *nativeescrow.CreateJobRequest) { r.Amounts[1] = big.NewInt(0) }, nativeescrow.ErrInvalidAmount},
		{"negative amount", func(r *nativeescrow.CreateJobRequest) { r.Amounts[0] = big.NewInt(-5) }, nativeescrow.ErrInvalidAmount},
		{"same parties", func(r *nativeescrow.CreateJobRequest) { r.Platform = r.Freelancer }, nativeescrow.ErrInvalidParticipants},
		{"zero freelancer", func(r *nativeescrow.CreateJobRequest) { r.Freelancer = [20]byte{} }, nativeescrow.ErrInvalidParticipants},
		{"too many votes", func(r *nativeescrow.CreateJobRequest) { r.MinVotes = 6 }, nativeescrow.ErrInvalidMinVotes},
		{"foreign currency", func(r *nativeescrow.CreateJobRequest) { r.Currency = "USD" }, nativeescrow.ErrUnsupportedCurrency},
		{"description count", func(r *nativeescrow.CreateJobRequest) { r.Descriptions = []string{"only one"} }, nativeescrow.ErrInvalidArguments},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base()
			tc.mutate(&req)
			_, err := b.CreateJob(req)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
			require.True(t, errors.Is(err, ErrValidation))
		})
	}

	req, err := b.CreateJob(base())
	require.NoError(t, err)
	require.Equal(t, nativeescrow.FnCreateJob, req.Function)
}

func TestBuilderMilestoneLimit(t *testing.T) {
	params := nativeescrow.DefaultParams()
	params.MaxMilestones = 2
	b := NewBuilder(params)
	_, err := b.CreateJob(nativeescrow.CreateJobRequest{
		Freelancer: freelancerAddr,
		Platform:   platformAddr,
		Amounts:    Amounts(1, 2, 3),
	})
	require.True(t, errors.Is(err, nativeescrow.ErrTooManyMilestones))
}

func TestBuilderEvidenceLimit(t *testing.T) {
	params := nativeescrow.DefaultParams()
	params.MaxEvidenceBytes = 8
	b := NewBuilder(params)

	_, err := b.SubmitWork(1, bytes.Repeat([]byte("x"), 9))
	require.True(t, errors.Is(err, nativeescrow.ErrEvidenceTooLarge))

	req, err := b.SubmitWork(1, []byte("pr/1"))
	require.NoError(t, err)
	require.Equal(t, nativeescrow.FnSubmitWork, req.Function)
}

func TestBuilderReviewerSet(t *testing.T) {
	b := NewBuilder(nativeescrow.DefaultParams())
	five := [][20]byte{{1}, {2}, {3}, {4}, {5}}

	_, err := b.AssignReviewers(1, five[:4])
	require.True(t, errors.Is(err, nativeescrow.ErrInvalidReviewers))

	dup := append([][20]byte(nil), five...)
	dup[4] = dup[0]
	_, err = b.AssignReviewers(1, dup)
	require.True(t, errors.Is(err, nativeescrow.ErrInvalidReviewers))

	zero := append([][20]byte(nil), five...)
	zero[2] = [20]byte{}
	_, err = b.AssignReviewers(1, zero)
	require.True(t, errors.Is(err, nativeescrow.ErrInvalidReviewers))

	req, err := b.AssignReviewers(1, five)
	require.NoError(t, err)
	require.Equal(t, nativeescrow.FnAssignReviewers, req.Function)
}

func TestBuilderReviewerCountIsConfigurable(t *testing.T) {
	params := nativeescrow.DefaultParams()
	params.ReviewerCount = 3
	params.DefaultMinVotes = 2
	b := NewBuilder(params)

	_, err := b.AssignReviewers(1, [][20]byte{{1}, {2}, {3}})
	require.NoError(t, err)
	_, err = b.CreateJob(nativeescrow.CreateJobRequest{
		Freelancer: freelancerAddr,
		Platform:   platformAddr,
		Amounts:    Amounts(10),
		MinVotes:   4,
	})
	require.True(t, errors.Is(err, nativeescrow.ErrInvalidMinVotes))
}

func TestBuilderJobScopedRequests(t *testing.T) {
	b := NewBuilder(nativeescrow.DefaultParams())
	cases := map[string]func() (string, error){
		nativeescrow.FnApproveMilestone: func() (string, error) { r, err := b.ApproveMilestone(7); return r.Function, err },
		nativeescrow.FnStartDispute:     func() (string, error) { r, err := b.StartDispute(7); return r.Function, err },
		nativeescrow.FnCastVote:         func() (string, error) { r, err := b.CastVote(7, false); return r.Function, err },
		nativeescrow.FnCancelProject:    func() (string, error) { r, err := b.CancelProject(7); return r.Function, err },
		nativeescrow.FnRefundProject:    func() (string, error) { r, err := b.RefundProject(7); return r.Function, err },
	}
	for want, build := range cases {
		got, err := build()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

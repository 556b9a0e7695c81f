package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	nativeescrow "workchain/native/escrow"
)

func TestMilestoneLifecycleThroughLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A fresh job opens on its first milestone.
	id := h.createJob(t, 200, 200, 200)
	require.Equal(t, uint64(1), id)
	job := h.job(t, id)
	require.Len(t, job.Milestones, 3)
	for _, ms := range job.Milestones {
		require.Equal(t, nativeescrow.MilestonePending, ms.Status)
	}
	require.Equal(t, uint64(0), job.CurrentStep)
	require.True(t, job.Active)
	require.Equal(t, h.buyer.addr, job.Client)
	require.True(t, PermittedActions(h.freelancer.addr, job, job.Current()).Has(ActionSubmitWork))

	// Submission and direct approval pay out milestone 0.
	h.confirm(t, h.freelancer, mustBuild(t)(h.builder.SubmitWork(id, []byte("https://github.com/x/pull/1"))))
	status, err := h.reader.GetMilestoneStatus(ctx, id, 0)
	require.NoError(t, err)
	require.Equal(t, nativeescrow.MilestoneSubmitted, status)

	h.confirm(t, h.buyer, mustBuild(t)(h.builder.ApproveMilestone(id)))
	job = h.job(t, id)
	require.Equal(t, nativeescrow.MilestoneApproved, job.Milestones[0].Status)
	require.True(t, job.Milestones[0].Paid)
	require.Equal(t, uint64(1), job.CurrentStep)

	bal, err := h.client.Balance(ctx, h.freelancer.addr)
	require.NoError(t, err)
	require.Equal(t, "180", bal.Balance)

	// A disputed milestone resolves at the vote threshold.
	h.dispute(t, id)
	reviewers, err := h.reader.GetMilestoneReviewers(ctx, id, 1)
	require.NoError(t, err)
	require.Equal(t, h.reviewerAddrs(), reviewers)

	h.confirm(t, h.reviewers[0], mustBuild(t)(h.builder.CastVote(id, true)))
	h.confirm(t, h.reviewers[1], mustBuild(t)(h.builder.CastVote(id, true)))
	status, err = h.reader.GetMilestoneStatus(ctx, id, 1)
	require.NoError(t, err)
	require.Equal(t, nativeescrow.MilestoneInDispute, status)
	h.confirm(t, h.reviewers[2], mustBuild(t)(h.builder.CastVote(id, false)))

	job = h.job(t, id)
	require.Equal(t, nativeescrow.MilestoneApproved, job.Milestones[1].Status)
	require.True(t, job.Milestones[1].WasDisputed)
	require.Equal(t, uint64(2), job.CurrentStep)

	voters, votes, err := h.reader.GetMilestoneVotes(ctx, id, 1)
	require.NoError(t, err)
	require.Equal(t, [][20]byte{h.reviewers[0].addr, h.reviewers[1].addr, h.reviewers[2].addr}, voters)
	require.Equal(t, []bool{true, true, false}, votes)

	late := h.run(t, h.reviewers[3], mustBuild(t)(h.builder.CastVote(id, true)))
	require.Equal(t, PhaseFailed, late.Phase)
	require.True(t, errors.Is(late.Err, ErrStateConflict))
	require.True(t, errors.Is(late.Err, nativeescrow.ErrWrongStatus))

	ok, err := h.reader.IsReviewer(ctx, h.reviewers[3].addr)
	require.NoError(t, err)
	require.True(t, ok)

	// An outsider's vote is refused and leaves the tally alone.
	h.dispute(t, id)
	job = h.job(t, id)
	require.False(t, PermittedActions(h.outsider.addr, job, job.Current()).Has(ActionCastVote))

	res := h.run(t, h.outsider, mustBuild(t)(h.builder.CastVote(id, true)))
	require.Equal(t, PhaseFailed, res.Phase)
	require.True(t, errors.Is(res.Err, ErrNotAuthorized))
	require.True(t, errors.Is(res.Err, nativeescrow.ErrNotReviewer))

	voters, _, err = h.reader.GetMilestoneVotes(ctx, id, 2)
	require.NoError(t, err)
	require.Empty(t, voters)
}

func TestRejectedMilestoneWaitsForRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createJob(t, 100, 100)

	h.dispute(t, id)
	h.confirm(t, h.reviewers[0], mustBuild(t)(h.builder.CastVote(id, false)))
	h.confirm(t, h.reviewers[1], mustBuild(t)(h.builder.CastVote(id, true)))
	h.confirm(t, h.reviewers[2], mustBuild(t)(h.builder.CastVote(id, false)))

	job := h.job(t, id)
	require.Equal(t, nativeescrow.MilestoneRejected, job.Milestones[0].Status)
	require.False(t, job.Milestones[0].Paid)
	require.True(t, job.Active)
	require.Equal(t, uint64(0), job.CurrentStep)

	// Nothing but the administrative refund moves a rejected milestone.
	require.Empty(t, PermittedActions(h.freelancer.addr, job, job.Current()))
	require.Empty(t, PermittedActions(h.buyer.addr, job, job.Current()))
	platform := PermittedActions(h.platform.addr, job, job.Current())
	require.True(t, platform.Has(ActionRefundProject))

	resubmit := h.run(t, h.freelancer, mustBuild(t)(h.builder.SubmitWork(id, []byte("again"))))
	require.Equal(t, PhaseFailed, resubmit.Phase)
	require.True(t, errors.Is(resubmit.Err, ErrStateConflict))

	before, err := h.client.Balance(ctx, h.buyer.addr)
	require.NoError(t, err)
	require.Equal(t, "800", before.Balance)

	h.confirm(t, h.platform, mustBuild(t)(h.builder.RefundProject(id)))
	status, err := h.reader.GetProjectStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, nativeescrow.ProjectRefunded, status)

	after, err := h.client.Balance(ctx, h.buyer.addr)
	require.NoError(t, err)
	require.Equal(t, "1000", after.Balance)
}

func TestCancelBeforeDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createJob(t, 300)

	denied := h.run(t, h.buyer, mustBuild(t)(h.builder.CancelProject(id)))
	require.Equal(t, PhaseFailed, denied.Phase)
	require.True(t, errors.Is(denied.Err, ErrNotAuthorized))

	h.confirm(t, h.platform, mustBuild(t)(h.builder.CancelProject(id)))
	status, err := h.reader.GetProjectStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, nativeescrow.ProjectCancelled, status)

	job := h.job(t, id)
	require.False(t, job.Active)
	require.Empty(t, PermittedActions(h.platform.addr, job, job.Current()))
}

func TestReaderUnknownJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.reader.GetProjectStatus(context.Background(), 42)
	require.Error(t, err)
	require.True(t, errors.Is(err, nativeescrow.ErrJobNotFound))
	require.True(t, errors.Is(err, ErrValidation))
}

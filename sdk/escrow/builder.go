package escrow

import (
	"math/big"
	"strings"

	nativeescrow "workchain/native/escrow"
	"workchain/sdk/wallet"
)

// Builder produces well-formed transition requests. It runs the stateless
// checks the ledger would run so malformed requests fail before signing.
type Builder struct {
	params nativeescrow.Params
}

// NewBuilder returns a builder checking against params, normally read from
// the node with Reader.Params.
func NewBuilder(params nativeescrow.Params) *Builder {
	return &Builder{params: params.WithDefaults()}
}

func (b *Builder) finish(function string, req wallet.Request) (wallet.Request, error) {
	req.Function = function
	if err := nativeescrow.ValidateRequest(function, req.Args); err != nil {
		return wallet.Request{}, err
	}
	return req, nil
}

// CreateJob builds escrow::create_job. A zero MinVotes selects the ledger
// default.
func (b *Builder) CreateJob(req nativeescrow.CreateJobRequest) (wallet.Request, error) {
	if len(req.Amounts) == 0 {
		return wallet.Request{}, nativeescrow.ErrEmptyMilestoneList
	}
	if uint32(len(req.Amounts)) > b.params.MaxMilestones {
		return wallet.Request{}, nativeescrow.ErrTooManyMilestones.With("%d milestones, limit %d", len(req.Amounts), b.params.MaxMilestones)
	}
	for i, amount := range req.Amounts {
		if amount == nil || amount.Sign() <= 0 {
			return wallet.Request{}, nativeescrow.ErrInvalidAmount.With("milestone %d", i)
		}
	}
	if len(req.Descriptions) > 0 && len(req.Descriptions) != len(req.Amounts) {
		return wallet.Request{}, nativeescrow.ErrInvalidArguments.With("%d descriptions for %d milestones", len(req.Descriptions), len(req.Amounts))
	}
	zero := [20]byte{}
	if req.Freelancer == zero || req.Platform == zero || req.Freelancer == req.Platform {
		return wallet.Request{}, nativeescrow.ErrInvalidParticipants
	}
	if req.MinVotes > uint64(b.params.ReviewerCount) {
		return wallet.Request{}, nativeescrow.ErrInvalidMinVotes.With("min votes %d exceeds reviewer count %d", req.MinVotes, b.params.ReviewerCount)
	}
	if tag := strings.TrimSpace(req.Currency); tag != "" && !strings.EqualFold(tag, b.params.Currency) {
		return wallet.Request{}, nativeescrow.ErrUnsupportedCurrency.With("%q", tag)
	}
	return b.finish(nativeescrow.FnCreateJob, wallet.Request{Args: nativeescrow.EncodeCreateJob(req)})
}

// SubmitWork builds escrow::submit_work.
func (b *Builder) SubmitWork(jobID uint64, evidence []byte) (wallet.Request, error) {
	if uint32(len(evidence)) > b.params.MaxEvidenceBytes {
		return wallet.Request{}, nativeescrow.ErrEvidenceTooLarge.With("%d bytes, limit %d", len(evidence), b.params.MaxEvidenceBytes)
	}
	return b.finish(nativeescrow.FnSubmitWork, wallet.Request{Args: nativeescrow.EncodeSubmitWork(jobID, evidence)})
}

// ApproveMilestone builds escrow::approve_milestone.
func (b *Builder) ApproveMilestone(jobID uint64) (wallet.Request, error) {
	return b.finish(nativeescrow.FnApproveMilestone, wallet.Request{Args: nativeescrow.EncodeJobID(jobID)})
}

// StartDispute builds escrow::start_dispute.
func (b *Builder) StartDispute(jobID uint64) (wallet.Request, error) {
	return b.finish(nativeescrow.FnStartDispute, wallet.Request{Args: nativeescrow.EncodeJobID(jobID)})
}

// AssignReviewers builds escrow::assign_reviewers. Independence from the job
// parties is checked by the ledger.
func (b *Builder) AssignReviewers(jobID uint64, reviewers [][20]byte) (wallet.Request, error) {
	if uint32(len(reviewers)) != b.params.ReviewerCount {
		return wallet.Request{}, nativeescrow.ErrInvalidReviewers.With("expected %d reviewers, got %d", b.params.ReviewerCount, len(reviewers))
	}
	seen := make(map[[20]byte]struct{}, len(reviewers))
	for _, reviewer := range reviewers {
		if reviewer == ([20]byte{}) {
			return wallet.Request{}, nativeescrow.ErrInvalidReviewers.With("zero reviewer identity")
		}
		if _, dup := seen[reviewer]; dup {
			return wallet.Request{}, nativeescrow.ErrInvalidReviewers.With("duplicate reviewer")
		}
		seen[reviewer] = struct{}{}
	}
	return b.finish(nativeescrow.FnAssignReviewers, wallet.Request{Args: nativeescrow.EncodeAssignReviewers(jobID, reviewers)})
}

// CastVote builds escrow::cast_vote.
func (b *Builder) CastVote(jobID uint64, approve bool) (wallet.Request, error) {
	return b.finish(nativeescrow.FnCastVote, wallet.Request{Args: nativeescrow.EncodeCastVote(jobID, approve)})
}

// CancelProject builds escrow::cancel_project.
func (b *Builder) CancelProject(jobID uint64) (wallet.Request, error) {
	return b.finish(nativeescrow.FnCancelProject, wallet.Request{Args: nativeescrow.EncodeJobID(jobID)})
}

// RefundProject builds escrow::refund_project.
func (b *Builder) RefundProject(jobID uint64) (wallet.Request, error) {
	return b.finish(nativeescrow.FnRefundProject, wallet.Request{Args: nativeescrow.EncodeJobID(jobID)})
}

// Amounts is a convenience for building milestone amount lists.
func Amounts(values ...int64) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return out
}

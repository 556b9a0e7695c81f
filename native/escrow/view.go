package escrow

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"

	"workchain/crypto"
)

// ViewState is the read-only state needed by the view queries.
type ViewState interface {
	JobGet(id uint64) (*Job, bool, error)
	ReviewerAssignments(addr [20]byte) (uint64, error)
}

func viewJob(st ViewState, jobID uint64) (*Job, error) {
	job, ok, err := st.JobGet(jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobNotFound.With("job %d", jobID)
	}
	return job, nil
}

func viewMilestone(st ViewState, jobID, index uint64) (*Milestone, error) {
	job, err := viewJob(st, jobID)
	if err != nil {
		return nil, err
	}
	ms, ok := job.Milestone(index)
	if !ok {
		return nil, ErrMilestoneNotFound.With("job %d milestone %d", jobID, index)
	}
	return ms, nil
}

// GetJob returns a copy of the job.
func GetJob(st ViewState, jobID uint64) (*Job, error) {
	return viewJob(st, jobID)
}

// GetProjectStatus returns the job's status code.
func GetProjectStatus(st ViewState, jobID uint64) (ProjectStatus, error) {
	job, err := viewJob(st, jobID)
	if err != nil {
		return 0, err
	}
	return job.Status, nil
}

// GetMilestoneStatus returns the milestone's status code.
func GetMilestoneStatus(st ViewState, jobID, index uint64) (MilestoneStatus, error) {
	ms, err := viewMilestone(st, jobID, index)
	if err != nil {
		return 0, err
	}
	return ms.Status, nil
}

// GetMilestoneReviewers returns the assigned reviewers in assignment order.
func GetMilestoneReviewers(st ViewState, jobID, index uint64) ([][20]byte, error) {
	ms, err := viewMilestone(st, jobID, index)
	if err != nil {
		return nil, err
	}
	return append([][20]byte{}, ms.Reviewers...), nil
}

// GetMilestoneVotes returns voters and their votes as parallel lists in
// cast order.
func GetMilestoneVotes(st ViewState, jobID, index uint64) ([][20]byte, []bool, error) {
	ms, err := viewMilestone(st, jobID, index)
	if err != nil {
		return nil, nil, err
	}
	voters := make([][20]byte, len(ms.Votes))
	values := make([]bool, len(ms.Votes))
	for i, vote := range ms.Votes {
		voters[i] = vote.Reviewer
		values[i] = vote.Approve
	}
	return voters, values, nil
}

// IsReviewer reports whether addr was ever assigned to a dispute panel.
func IsReviewer(st ViewState, addr [20]byte) (bool, error) {
	count, err := st.ReviewerAssignments(addr)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// VoteView is the wire form of a vote.
type VoteView struct {
	Reviewer string `json:"reviewer"`
	Vote     uint8  `json:"vote"`
	CastAt   uint64 `json:"castAt"`
}

// MilestoneView is the wire form of a milestone.
type MilestoneView struct {
	Index          uint64     `json:"index"`
	Description    string     `json:"description,omitempty"`
	Amount         string     `json:"amount"`
	Status         string     `json:"status"`
	StatusCode     uint8      `json:"statusCode"`
	Evidence       string     `json:"evidence,omitempty"`
	EvidenceDigest string     `json:"evidenceDigest,omitempty"`
	Reviewers      []string   `json:"reviewers"`
	Votes          []VoteView `json:"votes"`
	Paid           bool       `json:"paid"`
	WasDisputed    bool       `json:"wasDisputed"`
	FeePaid        string     `json:"feePaid"`
	PayoutPaid     string     `json:"payoutPaid"`
	SubmittedAt    uint64     `json:"submittedAt,omitempty"`
	ResolvedAt     uint64     `json:"resolvedAt,omitempty"`
}

// JobView is the wire form of a job.
type JobView struct {
	ID               string          `json:"id"`
	Client           string          `json:"client"`
	Freelancer       string          `json:"freelancer"`
	Platform         string          `json:"platform"`
	Custody          string          `json:"custody"`
	Milestones       []MilestoneView `json:"milestones"`
	CurrentStep      uint64          `json:"currentStep"`
	Active           bool            `json:"active"`
	MinVotes         uint64          `json:"minVotes"`
	HadDispute       bool            `json:"hadDispute"`
	TotalFeeReserved string          `json:"totalFeeReserved"`
	Status           string          `json:"status"`
	StatusCode       uint8           `json:"statusCode"`
	Currency         string          `json:"currency"`
	CreatedAt        uint64          `json:"createdAt"`
	ClosedAt         uint64          `json:"closedAt,omitempty"`
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// NewJobView renders a job for the wire.
func NewJobView(job *Job) JobView {
	view := JobView{
		ID:               strconv.FormatUint(job.ID, 10),
		Client:           crypto.FormatAddress(job.Client),
		Freelancer:       crypto.FormatAddress(job.Freelancer),
		Platform:         crypto.FormatAddress(job.Platform),
		Custody:          crypto.FormatAddress(job.Custody),
		Milestones:       make([]MilestoneView, len(job.Milestones)),
		CurrentStep:      job.CurrentStep,
		Active:           job.Active,
		MinVotes:         job.MinVotes,
		HadDispute:       job.HadDispute,
		TotalFeeReserved: bigString(job.TotalFeeReserved),
		Status:           job.Status.String(),
		StatusCode:       uint8(job.Status),
		Currency:         job.Currency,
		CreatedAt:        job.CreatedAt,
		ClosedAt:         job.ClosedAt,
	}
	for i := range job.Milestones {
		ms := &job.Milestones[i]
		mv := MilestoneView{
			Index:       ms.Index,
			Description: ms.Description,
			Amount:      bigString(ms.Amount),
			Status:      ms.Status.String(),
			StatusCode:  uint8(ms.Status),
			Reviewers:   make([]string, len(ms.Reviewers)),
			Votes:       make([]VoteView, len(ms.Votes)),
			Paid:        ms.Paid,
			WasDisputed: ms.WasDisputed,
			FeePaid:     bigString(ms.FeePaid),
			PayoutPaid:  bigString(ms.PayoutPaid),
			SubmittedAt: ms.SubmittedAt,
			ResolvedAt:  ms.ResolvedAt,
		}
		if len(ms.Evidence) > 0 {
			mv.Evidence = hex.EncodeToString(ms.Evidence)
		}
		if ms.EvidenceDigest != ([32]byte{}) {
			mv.EvidenceDigest = hex.EncodeToString(ms.EvidenceDigest[:])
		}
		for j, reviewer := range ms.Reviewers {
			mv.Reviewers[j] = crypto.FormatAddress(reviewer)
		}
		for j, vote := range ms.Votes {
			mv.Votes[j] = VoteView{Reviewer: crypto.FormatAddress(vote.Reviewer), Vote: voteCode(vote.Approve), CastAt: vote.CastAt}
		}
		view.Milestones[i] = mv
	}
	return view
}

func voteCode(approve bool) uint8 {
	if approve {
		return 1
	}
	return 0
}

// Decode converts a wire view back into a job. Clients use it to run the
// same guards the ledger runs.
func (v JobView) Decode() (*Job, error) {
	id, err := strconv.ParseUint(v.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("escrow: job id: %w", err)
	}
	job := &Job{
		ID:          id,
		CurrentStep: v.CurrentStep,
		Active:      v.Active,
		MinVotes:    v.MinVotes,
		HadDispute:  v.HadDispute,
		Status:      ProjectStatus(v.StatusCode),
		Currency:    v.Currency,
		CreatedAt:   v.CreatedAt,
		ClosedAt:    v.ClosedAt,
		Milestones:  make([]Milestone, len(v.Milestones)),
	}
	if job.Client, err = crypto.ParseAddress(v.Client); err != nil {
		return nil, fmt.Errorf("escrow: client: %w", err)
	}
	if job.Freelancer, err = crypto.ParseAddress(v.Freelancer); err != nil {
		return nil, fmt.Errorf("escrow: freelancer: %w", err)
	}
	if job.Platform, err = crypto.ParseAddress(v.Platform); err != nil {
		return nil, fmt.Errorf("escrow: platform: %w", err)
	}
	if job.Custody, err = crypto.ParseAddress(v.Custody); err != nil {
		return nil, fmt.Errorf("escrow: custody: %w", err)
	}
	if job.TotalFeeReserved, err = ParseAmount(v.TotalFeeReserved); err != nil {
		return nil, err
	}
	for i, mv := range v.Milestones {
		ms := Milestone{
			Index:       mv.Index,
			Description: mv.Description,
			Status:      MilestoneStatus(mv.StatusCode),
			Paid:        mv.Paid,
			WasDisputed: mv.WasDisputed,
			SubmittedAt: mv.SubmittedAt,
			ResolvedAt:  mv.ResolvedAt,
		}
		if ms.Amount, err = ParseAmount(mv.Amount); err != nil {
			return nil, err
		}
		if ms.FeePaid, err = ParseAmount(mv.FeePaid); err != nil {
			return nil, err
		}
		if ms.PayoutPaid, err = ParseAmount(mv.PayoutPaid); err != nil {
			return nil, err
		}
		if mv.Evidence != "" {
			if ms.Evidence, err = hex.DecodeString(mv.Evidence); err != nil {
				return nil, fmt.Errorf("escrow: evidence: %w", err)
			}
		}
		if mv.EvidenceDigest != "" {
			digest, err := hex.DecodeString(mv.EvidenceDigest)
			if err != nil || len(digest) != len(ms.EvidenceDigest) {
				return nil, fmt.Errorf("escrow: invalid evidence digest")
			}
			copy(ms.EvidenceDigest[:], digest)
		}
		for _, reviewer := range mv.Reviewers {
			addr, err := crypto.ParseAddress(reviewer)
			if err != nil {
				return nil, fmt.Errorf("escrow: reviewer: %w", err)
			}
			ms.Reviewers = append(ms.Reviewers, addr)
		}
		for _, vote := range mv.Votes {
			addr, err := crypto.ParseAddress(vote.Reviewer)
			if err != nil {
				return nil, fmt.Errorf("escrow: voter: %w", err)
			}
			ms.Votes = append(ms.Votes, Vote{Reviewer: addr, Approve: vote.Vote == 1, CastAt: vote.CastAt})
		}
		job.Milestones[i] = ms
	}
	return job, nil
}

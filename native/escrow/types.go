package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// ProjectStatus is the coarse lifecycle of a job.
type ProjectStatus uint8

const (
	// ProjectActive marks jobs with milestones still to resolve.
	ProjectActive ProjectStatus = iota
	// ProjectCompleted marks jobs whose final milestone was approved.
	ProjectCompleted
	// ProjectCancelled marks jobs aborted by the platform before a dispute.
	ProjectCancelled
	// ProjectRefunded marks jobs closed by an administrative refund.
	ProjectRefunded
)

func (s ProjectStatus) String() string {
	switch s {
	case ProjectActive:
		return "active"
	case ProjectCompleted:
		return "completed"
	case ProjectCancelled:
		return "cancelled"
	case ProjectRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// MilestoneStatus represents the lifecycle of a single milestone.
type MilestoneStatus uint8

const (
	// MilestonePending awaits a work submission from the freelancer.
	MilestonePending MilestoneStatus = iota
	// MilestoneSubmitted awaits client approval or dispute.
	MilestoneSubmitted
	// MilestoneApproved has been paid out. Terminal.
	MilestoneApproved
	// MilestoneRejected lost a reviewer vote. Terminal; funds stay in custody
	// until the platform refunds the job.
	MilestoneRejected
	// MilestoneInDispute awaits reviewer assignment and votes.
	MilestoneInDispute
)

func (s MilestoneStatus) String() string {
	switch s {
	case MilestonePending:
		return "pending"
	case MilestoneSubmitted:
		return "submitted"
	case MilestoneApproved:
		return "approved"
	case MilestoneRejected:
		return "rejected"
	case MilestoneInDispute:
		return "in_dispute"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseMilestoneStatus converts the textual status back to its code.
func ParseMilestoneStatus(value string) (MilestoneStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pending":
		return MilestonePending, nil
	case "submitted":
		return MilestoneSubmitted, nil
	case "approved":
		return MilestoneApproved, nil
	case "rejected":
		return MilestoneRejected, nil
	case "in_dispute":
		return MilestoneInDispute, nil
	default:
		return 0, fmt.Errorf("unknown milestone status %q", value)
	}
}

// ParseProjectStatus converts the textual status back to its code.
func ParseProjectStatus(value string) (ProjectStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "active":
		return ProjectActive, nil
	case "completed":
		return ProjectCompleted, nil
	case "cancelled":
		return ProjectCancelled, nil
	case "refunded":
		return ProjectRefunded, nil
	default:
		return 0, fmt.Errorf("unknown project status %q", value)
	}
}

// Vote is a reviewer's immutable decision on a disputed milestone.
type Vote struct {
	Reviewer [20]byte
	Approve  bool
	CastAt   uint64
}

// Milestone is one payable unit of work within a job. Amount is gross and
// includes every fee taken on release.
type Milestone struct {
	Index          uint64
	Description    string
	Amount         *big.Int
	Status         MilestoneStatus
	Evidence       []byte
	EvidenceDigest [32]byte
	Reviewers      [][20]byte
	Votes          []Vote
	Paid           bool
	WasDisputed    bool
	FeePaid        *big.Int
	PayoutPaid     *big.Int
	SubmittedAt    uint64
	ResolvedAt     uint64
}

// Job is one escrow engagement. Milestones are stored inline so a job and
// its milestones always persist together.
type Job struct {
	ID               uint64
	Client           [20]byte
	Freelancer       [20]byte
	Platform         [20]byte
	Custody          [20]byte
	Milestones       []Milestone
	CurrentStep      uint64
	Active           bool
	MinVotes         uint64
	HadDispute       bool
	TotalFeeReserved *big.Int
	Status           ProjectStatus
	Currency         string
	CreatedAt        uint64
	ClosedAt         uint64
}

// Current returns the milestone at the current step, or nil once every
// milestone has resolved.
func (j *Job) Current() *Milestone {
	if j == nil || j.CurrentStep >= uint64(len(j.Milestones)) {
		return nil
	}
	return &j.Milestones[j.CurrentStep]
}

// Milestone returns the milestone at index.
func (j *Job) Milestone(index uint64) (*Milestone, bool) {
	if j == nil || index >= uint64(len(j.Milestones)) {
		return nil, false
	}
	return &j.Milestones[index], true
}

// TotalAmount sums the gross milestone amounts.
func (j *Job) TotalAmount() *big.Int {
	total := big.NewInt(0)
	if j == nil {
		return total
	}
	for i := range j.Milestones {
		if j.Milestones[i].Amount != nil {
			total.Add(total, j.Milestones[i].Amount)
		}
	}
	return total
}

// UnpaidAmount sums the gross amounts of milestones that were never paid.
func (j *Job) UnpaidAmount() *big.Int {
	total := big.NewInt(0)
	if j == nil {
		return total
	}
	for i := range j.Milestones {
		if !j.Milestones[i].Paid && j.Milestones[i].Amount != nil {
			total.Add(total, j.Milestones[i].Amount)
		}
	}
	return total
}

// IsReviewer reports whether addr is assigned to the milestone.
func (m *Milestone) IsReviewer(addr [20]byte) bool {
	if m == nil {
		return false
	}
	for _, reviewer := range m.Reviewers {
		if reviewer == addr {
			return true
		}
	}
	return false
}

// HasVoted reports whether addr already cast a vote.
func (m *Milestone) HasVoted(addr [20]byte) bool {
	if m == nil {
		return false
	}
	for _, vote := range m.Votes {
		if vote.Reviewer == addr {
			return true
		}
	}
	return false
}

// Tally counts approve and reject votes.
func (m *Milestone) Tally() (approve, reject int) {
	if m == nil {
		return 0, 0
	}
	for _, vote := range m.Votes {
		if vote.Approve {
			approve++
		} else {
			reject++
		}
	}
	return approve, reject
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.TotalFeeReserved = cloneBigInt(j.TotalFeeReserved)
	out.Milestones = make([]Milestone, len(j.Milestones))
	for i := range j.Milestones {
		out.Milestones[i] = *j.Milestones[i].Clone()
	}
	return &out
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	out := *m
	out.Amount = cloneBigInt(m.Amount)
	out.FeePaid = cloneBigInt(m.FeePaid)
	out.PayoutPaid = cloneBigInt(m.PayoutPaid)
	if m.Evidence != nil {
		out.Evidence = append([]byte(nil), m.Evidence...)
	}
	if m.Reviewers != nil {
		out.Reviewers = append([][20]byte(nil), m.Reviewers...)
	}
	if m.Votes != nil {
		out.Votes = append([]Vote(nil), m.Votes...)
	}
	return &out
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

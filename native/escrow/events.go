package escrow

import (
	"encoding/hex"
	"strconv"
	"strings"

	"workchain/core/types"
	"workchain/crypto"
)

const (
	EventTypeJobCreated         = "escrow.job.created"
	EventTypeWorkSubmitted      = "escrow.work.submitted"
	EventTypeMilestoneApproved  = "escrow.milestone.approved"
	EventTypeDisputeStarted     = "escrow.dispute.started"
	EventTypeReviewersAssigned  = "escrow.reviewers.assigned"
	EventTypeVoteCast           = "escrow.vote.cast"
	EventTypeMilestoneRejected  = "escrow.milestone.rejected"
	EventTypeJobCompleted       = "escrow.job.completed"
	EventTypeJobCancelled       = "escrow.job.cancelled"
	EventTypeJobRefunded        = "escrow.job.refunded"
	EventTypePayout             = "escrow.payout"
	AttributeJobID              = "jobId"
	AttributeMilestone          = "milestone"
	attributeCustody            = "custody"
	AttributeAmount             = "amount"
	AttributeRecipient          = "recipient"
	AttributeRole               = "role"
	attributeEvidenceDigest     = "evidenceDigest"
	attributeReviewer           = "reviewer"
	attributeVote               = "vote"
	attributeResolvedByDispute  = "disputed"
	attributeReviewersAssigned  = "reviewers"
	attributeApproveVotes       = "approveVotes"
	attributeRejectVotes        = "rejectVotes"
	attributeStatus             = "status"
	attributeMilestoneCount     = "milestones"
	attributeMinVotes           = "minVotes"
	attributeParticipantClient  = "client"
	attributeParticipantWorker  = "freelancer"
	attributeParticipantService = "platform"
)

// JobEvent wraps a wire event so it satisfies events.Event and
// events.Payload.
type JobEvent struct {
	evt *types.Event
}

// EventType implements events.Event.
func (e JobEvent) EventType() string { return e.evt.Type }

// Event returns the wire payload.
func (e JobEvent) Event() *types.Event { return e.evt }

func newJobEvent(eventType string, job *Job) JobEvent {
	attrs := map[string]string{
		AttributeJobID:   strconv.FormatUint(job.ID, 10),
		attributeStatus:  job.Status.String(),
		attributeCustody: crypto.FormatAddress(job.Custody),
	}
	return JobEvent{evt: &types.Event{Type: eventType, Attributes: attrs}}
}

func newMilestoneEvent(eventType string, job *Job, ms *Milestone) JobEvent {
	evt := newJobEvent(eventType, job)
	evt.evt.Attributes[AttributeMilestone] = strconv.FormatUint(ms.Index, 10)
	evt.evt.Attributes[AttributeAmount] = ms.Amount.String()
	return evt
}

// NewJobCreatedEvent describes a freshly funded job.
func NewJobCreatedEvent(job *Job) JobEvent {
	evt := newJobEvent(EventTypeJobCreated, job)
	attrs := evt.evt.Attributes
	attrs[attributeParticipantClient] = crypto.FormatAddress(job.Client)
	attrs[attributeParticipantWorker] = crypto.FormatAddress(job.Freelancer)
	attrs[attributeParticipantService] = crypto.FormatAddress(job.Platform)
	attrs[AttributeAmount] = job.TotalAmount().String()
	attrs[attributeMilestoneCount] = strconv.Itoa(len(job.Milestones))
	attrs[attributeMinVotes] = strconv.FormatUint(job.MinVotes, 10)
	return evt
}

// NewWorkSubmittedEvent carries the evidence digest rather than the evidence.
func NewWorkSubmittedEvent(job *Job, ms *Milestone) JobEvent {
	evt := newMilestoneEvent(EventTypeWorkSubmitted, job, ms)
	evt.evt.Attributes[attributeEvidenceDigest] = hex.EncodeToString(ms.EvidenceDigest[:])
	return evt
}

// NewMilestoneApprovedEvent records a paid milestone.
func NewMilestoneApprovedEvent(job *Job, ms *Milestone) JobEvent {
	evt := newMilestoneEvent(EventTypeMilestoneApproved, job, ms)
	evt.evt.Attributes[attributeResolvedByDispute] = strconv.FormatBool(ms.WasDisputed)
	return evt
}

// NewDisputeStartedEvent records a milestone entering dispute.
func NewDisputeStartedEvent(job *Job, ms *Milestone) JobEvent {
	return newMilestoneEvent(EventTypeDisputeStarted, job, ms)
}

// NewReviewersAssignedEvent lists the assigned reviewers.
func NewReviewersAssignedEvent(job *Job, ms *Milestone) JobEvent {
	evt := newMilestoneEvent(EventTypeReviewersAssigned, job, ms)
	reviewers := make([]string, len(ms.Reviewers))
	for i, reviewer := range ms.Reviewers {
		reviewers[i] = crypto.FormatAddress(reviewer)
	}
	evt.evt.Attributes[attributeReviewersAssigned] = strings.Join(reviewers, ",")
	return evt
}

// NewVoteCastEvent records a single vote and the running tally.
func NewVoteCastEvent(job *Job, ms *Milestone, vote Vote) JobEvent {
	evt := newMilestoneEvent(EventTypeVoteCast, job, ms)
	approve, reject := ms.Tally()
	attrs := evt.evt.Attributes
	attrs[attributeReviewer] = crypto.FormatAddress(vote.Reviewer)
	attrs[attributeVote] = voteString(vote.Approve)
	attrs[attributeApproveVotes] = strconv.Itoa(approve)
	attrs[attributeRejectVotes] = strconv.Itoa(reject)
	return evt
}

// NewMilestoneRejectedEvent records a dispute lost by the freelancer.
func NewMilestoneRejectedEvent(job *Job, ms *Milestone) JobEvent {
	evt := newMilestoneEvent(EventTypeMilestoneRejected, job, ms)
	approve, reject := ms.Tally()
	evt.evt.Attributes[attributeApproveVotes] = strconv.Itoa(approve)
	evt.evt.Attributes[attributeRejectVotes] = strconv.Itoa(reject)
	return evt
}

// NewJobClosedEvent records completion, cancellation or refund.
func NewJobClosedEvent(eventType string, job *Job, refunded string) JobEvent {
	evt := newJobEvent(eventType, job)
	if refunded != "" {
		evt.evt.Attributes[AttributeAmount] = refunded
	}
	return evt
}

// NewPayoutEvent records one custody disbursement.
func NewPayoutEvent(job *Job, ms *Milestone, role string, recipient [20]byte, amount string) JobEvent {
	evt := newJobEvent(EventTypePayout, job)
	attrs := evt.evt.Attributes
	if ms != nil {
		attrs[AttributeMilestone] = strconv.FormatUint(ms.Index, 10)
	}
	attrs[AttributeRole] = role
	attrs[AttributeRecipient] = crypto.FormatAddress(recipient)
	attrs[AttributeAmount] = amount
	return evt
}

func voteString(approve bool) string {
	if approve {
		return "approve"
	}
	return "reject"
}

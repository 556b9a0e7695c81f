package escrow

import (
	"sort"

	nativeescrow "workchain/native/escrow"
)

// Action names a user-facing escrow action.
type Action string

const (
	ActionSubmitWork      Action = "submit_work"
	ActionApprove         Action = "approve_milestone"
	ActionStartDispute    Action = "start_dispute"
	ActionAssignReviewers Action = "assign_reviewers"
	ActionCastVote        Action = "cast_vote"
	ActionCancelProject   Action = "cancel_project"
	ActionRefundProject   Action = "refund_project"
)

// ActionSet is the set of actions an identity may attempt.
type ActionSet map[Action]struct{}

// Has reports whether a is permitted.
func (s ActionSet) Has(a Action) bool {
	_, ok := s[a]
	return ok
}

// Sorted lists the permitted actions in name order.
func (s ActionSet) Sorted() []Action {
	out := make([]Action, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PermittedActions derives what identity may do on job given the milestone
// ms it is looking at. It runs the same precondition guards the ledger runs,
// so it is exact for the snapshot it is given; the ledger still re-checks
// every transition against current state. Actions only ever target the
// current milestone, so a ms other than the current one permits nothing
// milestone-scoped.
func PermittedActions(identity [20]byte, job *nativeescrow.Job, ms *nativeescrow.Milestone) ActionSet {
	out := make(ActionSet)
	if job == nil {
		return out
	}
	current := job.Current()
	onCurrent := ms != nil && current != nil && ms.Index == current.Index

	allow := func(a Action, err error) {
		if err == nil {
			out[a] = struct{}{}
		}
	}
	if onCurrent {
		allow(ActionSubmitWork, nativeescrow.CheckSubmitWork(job, identity))
		allow(ActionApprove, nativeescrow.CheckApprove(job, identity))
		allow(ActionStartDispute, nativeescrow.CheckStartDispute(job, identity))
		allow(ActionAssignReviewers, nativeescrow.CheckAssignReviewers(job, identity, nil, nativeescrow.Params{}))
		allow(ActionCastVote, nativeescrow.CheckCastVote(job, identity))
	}
	allow(ActionCancelProject, nativeescrow.CheckCancel(job, identity))
	allow(ActionRefundProject, nativeescrow.CheckRefund(job, identity))
	return out
}

// Role is the relation of an identity to a job.
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RolePlatform   Role = "platform"
	RoleReviewer   Role = "reviewer"
	RoleNone       Role = "none"
)

// RoleOf returns the role identity holds on job. Reviewer is reported for
// identities on the current milestone's panel.
func RoleOf(identity [20]byte, job *nativeescrow.Job) Role {
	switch {
	case job == nil:
		return RoleNone
	case identity == job.Client:
		return RoleClient
	case identity == job.Freelancer:
		return RoleFreelancer
	case identity == job.Platform:
		return RolePlatform
	}
	if ms := job.Current(); ms != nil && ms.IsReviewer(identity) {
		return RoleReviewer
	}
	return RoleNone
}

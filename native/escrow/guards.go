package escrow

// The guards below are pure precondition checks shared by the engine and by
// client-side role gating. Check order matters: job activity and milestone
// status come before role checks only where a stale caller must see a state
// conflict rather than an authorization failure (votes on a closed dispute).

func requireActive(job *Job) (*Milestone, error) {
	if job == nil {
		return nil, ErrJobNotFound
	}
	if !job.Active {
		return nil, ErrJobInactive.With("job %d is %s", job.ID, job.Status)
	}
	current := job.Current()
	if current == nil {
		return nil, ErrJobInactive.With("job %d has no open milestone", job.ID)
	}
	return current, nil
}

func requireStatus(job *Job, ms *Milestone, want MilestoneStatus) error {
	if ms.Status != want {
		return ErrWrongStatus.With("job %d milestone %d is %s, want %s", job.ID, ms.Index, ms.Status, want)
	}
	return nil
}

// CheckSubmitWork reports whether caller may submit work on the current
// milestone.
func CheckSubmitWork(job *Job, caller [20]byte) error {
	ms, err := requireActive(job)
	if err != nil {
		return err
	}
	if caller != job.Freelancer {
		return ErrUnauthorizedCaller.With("only the freelancer may submit work")
	}
	return requireStatus(job, ms, MilestonePending)
}

// CheckApprove reports whether caller may approve the current milestone.
func CheckApprove(job *Job, caller [20]byte) error {
	ms, err := requireActive(job)
	if err != nil {
		return err
	}
	if caller != job.Client {
		return ErrUnauthorizedCaller.With("only the client may approve")
	}
	return requireStatus(job, ms, MilestoneSubmitted)
}

// CheckStartDispute reports whether caller may dispute the current milestone.
func CheckStartDispute(job *Job, caller [20]byte) error {
	ms, err := requireActive(job)
	if err != nil {
		return err
	}
	if caller != job.Client {
		return ErrUnauthorizedCaller.With("only the client may dispute")
	}
	return requireStatus(job, ms, MilestoneSubmitted)
}

// CheckAssignReviewers reports whether caller may assign the given reviewer
// set. A nil reviewer list skips the set validation, which lets role gating
// ask "may this identity assign reviewers at all".
func CheckAssignReviewers(job *Job, caller [20]byte, reviewers [][20]byte, params Params) error {
	ms, err := requireActive(job)
	if err != nil {
		return err
	}
	if caller != job.Platform {
		return ErrUnauthorizedCaller.With("only the platform may assign reviewers")
	}
	if err := requireStatus(job, ms, MilestoneInDispute); err != nil {
		return err
	}
	if len(ms.Reviewers) > 0 {
		return ErrReviewersAssigned.With("job %d milestone %d", job.ID, ms.Index)
	}
	if reviewers == nil {
		return nil
	}
	return validateReviewerSet(job, reviewers, params)
}

func validateReviewerSet(job *Job, reviewers [][20]byte, params Params) error {
	if uint32(len(reviewers)) != params.ReviewerCount {
		return ErrInvalidReviewers.With("expected %d reviewers, got %d", params.ReviewerCount, len(reviewers))
	}
	seen := make(map[[20]byte]struct{}, len(reviewers))
	for _, reviewer := range reviewers {
		if reviewer == ([20]byte{}) {
			return ErrInvalidReviewers.With("zero reviewer identity")
		}
		if reviewer == job.Client || reviewer == job.Freelancer || reviewer == job.Platform {
			return ErrInvalidReviewers.With("reviewers must be independent of the job parties")
		}
		if _, dup := seen[reviewer]; dup {
			return ErrInvalidReviewers.With("duplicate reviewer")
		}
		seen[reviewer] = struct{}{}
	}
	return nil
}

// CheckCastVote reports whether caller may vote on the current milestone.
func CheckCastVote(job *Job, caller [20]byte) error {
	ms, err := requireActive(job)
	if err != nil {
		return err
	}
	if err := requireStatus(job, ms, MilestoneInDispute); err != nil {
		return err
	}
	if len(ms.Reviewers) == 0 {
		return ErrReviewersMissing.With("job %d milestone %d", job.ID, ms.Index)
	}
	if !ms.IsReviewer(caller) {
		return ErrNotReviewer
	}
	if ms.HasVoted(caller) {
		return ErrAlreadyVoted
	}
	return nil
}

// CheckCancel reports whether caller may cancel the job. Cancellation is the
// abort-before-dispute path: an open dispute blocks it.
func CheckCancel(job *Job, caller [20]byte) error {
	if job == nil {
		return ErrJobNotFound
	}
	if !job.Active {
		return ErrJobInactive.With("job %d is %s", job.ID, job.Status)
	}
	if caller != job.Platform {
		return ErrUnauthorizedCaller.With("only the platform may cancel")
	}
	if ms := job.Current(); ms != nil && ms.Status == MilestoneInDispute {
		return ErrWrongStatus.With("job %d milestone %d is in dispute", job.ID, ms.Index)
	}
	return nil
}

// CheckRefund reports whether caller may refund the job. Refunds are the
// administrative path and accept any open milestone status.
func CheckRefund(job *Job, caller [20]byte) error {
	if job == nil {
		return ErrJobNotFound
	}
	if !job.Active {
		return ErrJobInactive.With("job %d is %s", job.ID, job.Status)
	}
	if caller != job.Platform {
		return ErrUnauthorizedCaller.With("only the platform may refund")
	}
	return nil
}

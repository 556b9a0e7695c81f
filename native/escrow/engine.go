package escrow

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"

	"workchain/core/events"
	"workchain/core/types"
	"workchain/crypto"
)

// custodyDomain separates custody account derivation from other derived
// identities.
const custodyDomain = "workchain/escrow/custody"

// Payout roles carried in the role attribute of escrow.payout events.
const (
	PayoutRoleFreelancer = "freelancer"
	PayoutRolePlatform   = "platform"
	PayoutRoleReviewer   = "reviewer"
	PayoutRoleClient     = "client"
)

type engineState interface {
	NextJobID() (uint64, error)
	JobPut(job *Job) error
	JobGet(id uint64) (*Job, bool, error)
	ReviewerMark(addr [20]byte) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

// Engine applies escrow transitions. Preconditions are checked before the
// first write. The node runs the engine over buffered state and discards the
// buffer when an operation fails, so a failed transition leaves no effects.
type Engine struct {
	state   engineState
	emitter events.Emitter
	params  Params
	nowFn   func() int64
}

// NewEngine creates an escrow engine with the given parameters. Zero fields
// fall back to DefaultParams.
func NewEngine(params Params) *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		params:  params.WithDefaults(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock used for timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Params returns the active parameters.
func (e *Engine) Params() Params { return e.params }

func (e *Engine) emit(evt events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

func (e *Engine) now() uint64 {
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// CustodyAddress derives the custody account of a job.
func CustodyAddress(jobID uint64) [20]byte {
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], jobID)
	return crypto.DeriveAddress(custodyDomain, seed[:])
}

func (e *Engine) ensureState() error {
	if e.state == nil {
		return fmt.Errorf("escrow: state not configured")
	}
	return nil
}

func (e *Engine) loadJob(id uint64) (*Job, error) {
	if err := e.ensureState(); err != nil {
		return nil, err
	}
	job, ok, err := e.state.JobGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobNotFound.With("job %d", id)
	}
	return job, nil
}

func (e *Engine) ensureAccount(addr [20]byte) (*types.Account, error) {
	account, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = &types.Account{}
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	return account, nil
}

// transfer moves amount between two accounts and emits a transfer event.
func (e *Engine) transfer(from, to [20]byte, amount *big.Int, reason string) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer")
	}
	src, err := e.ensureAccount(from)
	if err != nil {
		return err
	}
	if src.Balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds.With("need %s, have %s", amount, src.Balance)
	}
	dst, err := e.ensureAccount(to)
	if err != nil {
		return err
	}
	src.Balance = new(big.Int).Sub(src.Balance, amount)
	if from == to {
		dst = src
	}
	dst.Balance = new(big.Int).Add(dst.Balance, amount)
	if err := e.state.PutAccount(from, src); err != nil {
		return err
	}
	if err := e.state.PutAccount(to, dst); err != nil {
		return err
	}
	e.emit(events.Transfer{Asset: e.params.Currency, From: from, To: to, Amount: new(big.Int).Set(amount), Reason: reason})
	return nil
}

// CreateJobRequest carries the arguments of CreateJob.
type CreateJobRequest struct {
	Freelancer   [20]byte
	Platform     [20]byte
	Amounts      []*big.Int
	Descriptions []string
	MinVotes     uint64
	Currency     string
}

// CreateJob opens a job for client, moving the sum of all milestone amounts
// into the job's custody account.
func (e *Engine) CreateJob(client [20]byte, req CreateJobRequest) (*Job, error) {
	if err := e.ensureState(); err != nil {
		return nil, err
	}
	if len(req.Amounts) == 0 {
		return nil, ErrEmptyMilestoneList
	}
	if uint32(len(req.Amounts)) > e.params.MaxMilestones {
		return nil, ErrTooManyMilestones.With("%d exceeds %d", len(req.Amounts), e.params.MaxMilestones)
	}
	if len(req.Descriptions) != 0 && len(req.Descriptions) != len(req.Amounts) {
		return nil, ErrInvalidArguments.With("%d descriptions for %d milestones", len(req.Descriptions), len(req.Amounts))
	}
	zero := [20]byte{}
	if client == zero || req.Freelancer == zero || req.Platform == zero ||
		client == req.Freelancer || client == req.Platform || req.Freelancer == req.Platform {
		return nil, ErrInvalidParticipants
	}
	minVotes := req.MinVotes
	if minVotes == 0 {
		minVotes = uint64(e.params.DefaultMinVotes)
	}
	if minVotes > uint64(e.params.ReviewerCount) {
		return nil, ErrInvalidMinVotes.With("%d not within 1..%d", minVotes, e.params.ReviewerCount)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency != "" && currency != e.params.Currency {
		return nil, ErrUnsupportedCurrency.With("%q", req.Currency)
	}

	now := e.now()
	milestones := make([]Milestone, len(req.Amounts))
	total := big.NewInt(0)
	reserved := big.NewInt(0)
	for i, amount := range req.Amounts {
		if amount == nil || amount.Sign() <= 0 {
			return nil, ErrInvalidAmount.With("milestone %d", i)
		}
		fee, err := ReservedFee(amount, e.params)
		if err != nil {
			return nil, ErrInvalidAmount.With("milestone %d: %v", i, err)
		}
		reserved.Add(reserved, fee)
		total.Add(total, amount)
		ms := Milestone{
			Index:      uint64(i),
			Amount:     new(big.Int).Set(amount),
			Status:     MilestonePending,
			FeePaid:    big.NewInt(0),
			PayoutPaid: big.NewInt(0),
		}
		if len(req.Descriptions) > 0 {
			ms.Description = norm.NFC.String(strings.TrimSpace(req.Descriptions[i]))
		}
		milestones[i] = ms
	}

	clientAccount, err := e.ensureAccount(client)
	if err != nil {
		return nil, err
	}
	if clientAccount.Balance.Cmp(total) < 0 {
		return nil, ErrInsufficientFunds.With("need %s, have %s", total, clientAccount.Balance)
	}

	id, err := e.state.NextJobID()
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:               id,
		Client:           client,
		Freelancer:       req.Freelancer,
		Platform:         req.Platform,
		Custody:          CustodyAddress(id),
		Milestones:       milestones,
		Active:           true,
		MinVotes:         minVotes,
		TotalFeeReserved: reserved,
		Status:           ProjectActive,
		Currency:         e.params.Currency,
		CreatedAt:        now,
	}
	if err := e.transfer(client, job.Custody, total, "escrow.fund"); err != nil {
		return nil, err
	}
	if err := e.state.JobPut(job); err != nil {
		return nil, err
	}
	e.emit(NewJobCreatedEvent(job))
	return job.Clone(), nil
}

// SubmitWork marks the current milestone as submitted with the given
// evidence.
func (e *Engine) SubmitWork(caller [20]byte, jobID uint64, evidence []byte) error {
	job, err := e.loadJob(jobID)
	if err != nil {
		return err
	}
	if err := CheckSubmitWork(job, caller); err != nil {
		return err
	}
	if uint64(len(evidence)) > uint64(e.params.MaxEvidenceBytes) {
		return ErrEvidenceTooLarge.With("%d bytes exceeds %d", len(evidence), e.params.MaxEvidenceBytes)
	}
	ms := job.Current()
	ms.Status = MilestoneSubmitted
	ms.Evidence = append([]byte(nil), evidence...)
	ms.EvidenceDigest = blake3.Sum256(evidence)
	ms.SubmittedAt = e.now()
	if err := e.state.JobPut(job); err != nil {
		return err
	}
	e.emit(NewWorkSubmittedEvent(job, ms))
	return nil
}

// ApproveMilestone releases the current milestone on the normal fee path.
func (e *Engine) ApproveMilestone(caller [20]byte, jobID uint64) error {
	job, err := e.loadJob(jobID)
	if err != nil {
		return err
	}
	if err := CheckApprove(job, caller); err != nil {
		return err
	}
	ms := job.Current()
	split, err := NormalSplit(ms.Amount, e.params)
	if err != nil {
		return err
	}
	if err := e.release(job, ms, split, nil); err != nil {
		return err
	}
	return e.state.JobPut(job)
}

// StartDispute moves the current milestone into dispute.
func (e *Engine) StartDispute(caller [20]byte, jobID uint64) error {
	job, err := e.loadJob(jobID)
	if err != nil {
		return err
	}
	if err := CheckStartDispute(job, caller); err != nil {
		return err
	}
	ms := job.Current()
	ms.Status = MilestoneInDispute
	ms.WasDisputed = true
	job.HadDispute = true
	if err := e.state.JobPut(job); err != nil {
		return err
	}
	e.emit(NewDisputeStartedEvent(job, ms))
	return nil
}

// AssignReviewers fixes the reviewer panel of the disputed milestone.
func (e *Engine) AssignReviewers(caller [20]byte, jobID uint64, reviewers [][20]byte) error {
	job, err := e.loadJob(jobID)
	if err != nil {
		return err
	}
	if reviewers == nil {
		reviewers = [][20]byte{}
	}
	if err := CheckAssignReviewers(job, caller, reviewers, e.params); err != nil {
		return err
	}
	ms := job.Current()
	ms.Reviewers = append([][20]byte(nil), reviewers...)
	for _, reviewer := range reviewers {
		if err := e.state.ReviewerMark(reviewer); err != nil {
			return err
		}
	}
	if err := e.state.JobPut(job); err != nil {
		return err
	}
	e.emit(NewReviewersAssignedEvent(job, ms))
	return nil
}

// CastVote records caller's vote and resolves the dispute once the job's
// vote threshold is reached. Approval needs a strict majority of the votes
// cast; a tie resolves as rejected.
func (e *Engine) CastVote(caller [20]byte, jobID uint64, approve bool) error {
	job, err := e.loadJob(jobID)
	if err != nil {
		return err
	}
	if err := CheckCastVote(job, caller); err != nil {
		return err
	}
	ms := job.Current()
	vote := Vote{Reviewer: caller, Approve: approve, CastAt: e.now()}
	ms.Votes = append(ms.Votes, vote)
	e.emit(NewVoteCastEvent(job, ms, vote))

	if uint64(len(ms.Votes)) >= job.MinVotes {
		approvals, rejections := ms.Tally()
		if approvals > rejections {
			split, err := DisputeSplit(ms.Amount, e.params, len(ms.Votes))
			if err != nil {
				return err
			}
			voters := make([][20]byte, len(ms.Votes))
			for i, v := range ms.Votes {
				voters[i] = v.Reviewer
			}
			if err := e.release(job, ms, split, voters); err != nil {
				return err
			}
		} else {
			ms.Status = MilestoneRejected
			ms.ResolvedAt = e.now()
			e.emit(NewMilestoneRejectedEvent(job, ms))
		}
	}
	return e.state.JobPut(job)
}

// release pays out the current milestone according to split and advances
// the job. The caller persists the job.
func (e *Engine) release(job *Job, ms *Milestone, split Split, reviewers [][20]byte) error {
	if ms.Paid {
		return ErrWrongStatus.With("job %d milestone %d already paid", job.ID, ms.Index)
	}
	if err := e.transfer(job.Custody, job.Freelancer, split.Freelancer, "escrow.payout"); err != nil {
		return err
	}
	e.emit(NewPayoutEvent(job, ms, PayoutRoleFreelancer, job.Freelancer, split.Freelancer.String()))
	if err := e.transfer(job.Custody, job.Platform, split.Platform, "escrow.fee"); err != nil {
		return err
	}
	e.emit(NewPayoutEvent(job, ms, PayoutRolePlatform, job.Platform, split.Platform.String()))
	if split.Reviewers > 0 && split.PerReviewer.Sign() > 0 {
		for _, reviewer := range reviewers {
			if err := e.transfer(job.Custody, reviewer, split.PerReviewer, "escrow.reviewer_reward"); err != nil {
				return err
			}
			e.emit(NewPayoutEvent(job, ms, PayoutRoleReviewer, reviewer, split.PerReviewer.String()))
		}
	}

	ms.Status = MilestoneApproved
	ms.Paid = true
	ms.FeePaid = new(big.Int).Sub(split.Gross, split.Freelancer)
	ms.PayoutPaid = new(big.Int).Set(split.Freelancer)
	ms.ResolvedAt = e.now()
	e.emit(NewMilestoneApprovedEvent(job, ms))

	job.CurrentStep++
	if job.CurrentStep == uint64(len(job.Milestones)) {
		job.Active = false
		job.Status = ProjectCompleted
		job.ClosedAt = e.now()
		e.emit(NewJobClosedEvent(EventTypeJobCompleted, job, ""))
	}
	return nil
}

// CancelProject aborts a job before any dispute and returns every unpaid
// milestone amount to the client.
func (e *Engine) CancelProject(caller [20]byte, jobID uint64) error {
	job, err := e.loadJob(jobID)
	if err != nil {
		return err
	}
	if err := CheckCancel(job, caller); err != nil {
		return err
	}
	return e.close(job, ProjectCancelled, EventTypeJobCancelled)
}

// RefundProject is the administrative refund: it accepts any open milestone
// status, including rejected milestones and open disputes.
func (e *Engine) RefundProject(caller [20]byte, jobID uint64) error {
	job, err := e.loadJob(jobID)
	if err != nil {
		return err
	}
	if err := CheckRefund(job, caller); err != nil {
		return err
	}
	return e.close(job, ProjectRefunded, EventTypeJobRefunded)
}

func (e *Engine) close(job *Job, status ProjectStatus, eventType string) error {
	custody, err := e.ensureAccount(job.Custody)
	if err != nil {
		return err
	}
	refund := job.UnpaidAmount()
	if custody.Balance.Cmp(refund) < 0 {
		refund = new(big.Int).Set(custody.Balance)
	}
	if err := e.transfer(job.Custody, job.Client, refund, "escrow.refund"); err != nil {
		return err
	}
	if refund.Sign() > 0 {
		e.emit(NewPayoutEvent(job, nil, PayoutRoleClient, job.Client, refund.String()))
	}
	job.Active = false
	job.Status = status
	job.ClosedAt = e.now()
	if err := e.state.JobPut(job); err != nil {
		return err
	}
	e.emit(NewJobClosedEvent(eventType, job, refund.String()))
	return nil
}

package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"workchain/core/types"
	"workchain/crypto"
)

// ModuleName qualifies every escrow action identifier.
const ModuleName = "escrow"

// Action identifiers accepted by Apply.
const (
	FnCreateJob        = ModuleName + "::create_job"
	FnSubmitWork       = ModuleName + "::submit_work"
	FnApproveMilestone = ModuleName + "::approve_milestone"
	FnStartDispute     = ModuleName + "::start_dispute"
	FnAssignReviewers  = ModuleName + "::assign_reviewers"
	FnCastVote         = ModuleName + "::cast_vote"
	FnCancelProject    = ModuleName + "::cancel_project"
	FnRefundProject    = ModuleName + "::refund_project"
)

// Actions lists every action identifier in lifecycle order.
var Actions = []string{
	FnCreateJob,
	FnSubmitWork,
	FnApproveMilestone,
	FnStartDispute,
	FnAssignReviewers,
	FnCastVote,
	FnCancelProject,
	FnRefundProject,
}

// EncodeCreateJob renders CreateJob arguments: freelancer, platform,
// amounts, min votes, then the optional descriptions and currency tag.
func EncodeCreateJob(req CreateJobRequest) []types.Arg {
	amounts := make([]string, len(req.Amounts))
	for i, amount := range req.Amounts {
		if amount == nil {
			amounts[i] = ""
			continue
		}
		amounts[i] = amount.String()
	}
	args := []types.Arg{
		{Type: types.ArgAddress, Value: crypto.FormatAddress(req.Freelancer)},
		{Type: types.ArgAddress, Value: crypto.FormatAddress(req.Platform)},
		{Type: types.ArgAmountList, Items: amounts},
		{Type: types.ArgUint, Value: strconv.FormatUint(req.MinVotes, 10)},
	}
	if len(req.Descriptions) > 0 {
		args = append(args, types.Arg{Type: types.ArgStringList, Items: append([]string(nil), req.Descriptions...)})
	}
	if tag := strings.TrimSpace(req.Currency); tag != "" {
		args = append(args, types.Arg{Type: types.ArgTag, Value: tag})
	}
	return args
}

// EncodeJobID renders the single job id argument shared by approve,
// dispute, cancel and refund.
func EncodeJobID(jobID uint64) []types.Arg {
	return []types.Arg{{Type: types.ArgUint, Value: strconv.FormatUint(jobID, 10)}}
}

// EncodeSubmitWork renders SubmitWork arguments.
func EncodeSubmitWork(jobID uint64, evidence []byte) []types.Arg {
	return append(EncodeJobID(jobID), types.Arg{Type: types.ArgBytes, Value: hex.EncodeToString(evidence)})
}

// EncodeAssignReviewers renders AssignReviewers arguments.
func EncodeAssignReviewers(jobID uint64, reviewers [][20]byte) []types.Arg {
	items := make([]string, len(reviewers))
	for i, reviewer := range reviewers {
		items[i] = crypto.FormatAddress(reviewer)
	}
	return append(EncodeJobID(jobID), types.Arg{Type: types.ArgAddressList, Items: items})
}

// EncodeCastVote renders CastVote arguments; the vote is 1 for approve and 0
// for reject.
func EncodeCastVote(jobID uint64, approve bool) []types.Arg {
	value := "0"
	if approve {
		value = "1"
	}
	return append(EncodeJobID(jobID), types.Arg{Type: types.ArgVote, Value: value})
}

func argAt(args []types.Arg, i int, want types.ArgType) (types.Arg, error) {
	if i >= len(args) {
		return types.Arg{}, ErrInvalidArguments.With("missing argument %d (%s)", i, want)
	}
	if args[i].Type != want {
		return types.Arg{}, ErrInvalidArguments.With("argument %d: expected %s, got %s", i, want, args[i].Type)
	}
	return args[i], nil
}

func decodeUint(args []types.Arg, i int) (uint64, error) {
	arg, err := argAt(args, i, types.ArgUint)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(arg.Value), 10, 64)
	if err != nil {
		return 0, ErrInvalidArguments.With("argument %d: %v", i, err)
	}
	return v, nil
}

func decodeAddress(args []types.Arg, i int) ([20]byte, error) {
	arg, err := argAt(args, i, types.ArgAddress)
	if err != nil {
		return [20]byte{}, err
	}
	addr, err := crypto.ParseAddress(arg.Value)
	if err != nil {
		return [20]byte{}, ErrInvalidArguments.With("argument %d: %v", i, err)
	}
	return addr, nil
}

func decodeAddressList(args []types.Arg, i int) ([][20]byte, error) {
	arg, err := argAt(args, i, types.ArgAddressList)
	if err != nil {
		return nil, err
	}
	out := make([][20]byte, len(arg.Items))
	for j, item := range arg.Items {
		addr, err := crypto.ParseAddress(item)
		if err != nil {
			return nil, ErrInvalidArguments.With("argument %d item %d: %v", i, j, err)
		}
		out[j] = addr
	}
	return out, nil
}

// ParseAmount parses a decimal amount in the smallest unit. Zero and
// negative amounts parse; callers enforce positivity.
func ParseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, ErrInvalidAmount.With("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, ErrInvalidAmount.With("invalid amount %q", value)
	}
	return amount, nil
}

func decodeAmountList(args []types.Arg, i int) ([]*big.Int, error) {
	arg, err := argAt(args, i, types.ArgAmountList)
	if err != nil {
		return nil, err
	}
	out := make([]*big.Int, len(arg.Items))
	for j, item := range arg.Items {
		amount, err := ParseAmount(item)
		if err != nil {
			return nil, err
		}
		out[j] = amount
	}
	return out, nil
}

func decodeBytes(args []types.Arg, i int) ([]byte, error) {
	arg, err := argAt(args, i, types.ArgBytes)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(arg.Value), "0x"))
	if err != nil {
		return nil, ErrInvalidArguments.With("argument %d: %v", i, err)
	}
	return raw, nil
}

func decodeVote(args []types.Arg, i int) (bool, error) {
	arg, err := argAt(args, i, types.ArgVote)
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(arg.Value) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, ErrInvalidArguments.With("argument %d: vote must be 0 or 1", i)
	}
}

func expectArgCount(args []types.Arg, min, max int) error {
	if len(args) < min || len(args) > max {
		if min == max {
			return ErrInvalidArguments.With("expected %d arguments, got %d", min, len(args))
		}
		return ErrInvalidArguments.With("expected %d to %d arguments, got %d", min, max, len(args))
	}
	return nil
}

// DecodeCreateJob is the inverse of EncodeCreateJob.
func DecodeCreateJob(args []types.Arg) (CreateJobRequest, error) {
	var req CreateJobRequest
	if err := expectArgCount(args, 4, 6); err != nil {
		return req, err
	}
	var err error
	if req.Freelancer, err = decodeAddress(args, 0); err != nil {
		return req, err
	}
	if req.Platform, err = decodeAddress(args, 1); err != nil {
		return req, err
	}
	if req.Amounts, err = decodeAmountList(args, 2); err != nil {
		return req, err
	}
	if req.MinVotes, err = decodeUint(args, 3); err != nil {
		return req, err
	}
	for i := 4; i < len(args); i++ {
		switch args[i].Type {
		case types.ArgStringList:
			if req.Descriptions != nil || req.Currency != "" {
				return req, ErrInvalidArguments.With("argument %d out of order", i)
			}
			req.Descriptions = append([]string{}, args[i].Items...)
		case types.ArgTag:
			if req.Currency != "" {
				return req, ErrInvalidArguments.With("duplicate currency tag")
			}
			req.Currency = strings.TrimSpace(args[i].Value)
		default:
			return req, ErrInvalidArguments.With("argument %d: unexpected %s", i, args[i].Type)
		}
	}
	return req, nil
}

// Apply decodes a transition request and runs it for caller.
func (e *Engine) Apply(caller [20]byte, function string, args []types.Arg) error {
	switch function {
	case FnCreateJob:
		req, err := DecodeCreateJob(args)
		if err != nil {
			return err
		}
		_, err = e.CreateJob(caller, req)
		return err
	case FnSubmitWork:
		if err := expectArgCount(args, 2, 2); err != nil {
			return err
		}
		jobID, err := decodeUint(args, 0)
		if err != nil {
			return err
		}
		evidence, err := decodeBytes(args, 1)
		if err != nil {
			return err
		}
		return e.SubmitWork(caller, jobID, evidence)
	case FnAssignReviewers:
		if err := expectArgCount(args, 2, 2); err != nil {
			return err
		}
		jobID, err := decodeUint(args, 0)
		if err != nil {
			return err
		}
		reviewers, err := decodeAddressList(args, 1)
		if err != nil {
			return err
		}
		return e.AssignReviewers(caller, jobID, reviewers)
	case FnCastVote:
		if err := expectArgCount(args, 2, 2); err != nil {
			return err
		}
		jobID, err := decodeUint(args, 0)
		if err != nil {
			return err
		}
		approve, err := decodeVote(args, 1)
		if err != nil {
			return err
		}
		return e.CastVote(caller, jobID, approve)
	case FnApproveMilestone, FnStartDispute, FnCancelProject, FnRefundProject:
		if err := expectArgCount(args, 1, 1); err != nil {
			return err
		}
		jobID, err := decodeUint(args, 0)
		if err != nil {
			return err
		}
		switch function {
		case FnApproveMilestone:
			return e.ApproveMilestone(caller, jobID)
		case FnStartDispute:
			return e.StartDispute(caller, jobID)
		case FnCancelProject:
			return e.CancelProject(caller, jobID)
		default:
			return e.RefundProject(caller, jobID)
		}
	default:
		return ErrUnknownAction.With("%q", function)
	}
}

// ValidateRequest performs the stateless checks of a transition request:
// the action is known and its arguments decode. Builders call it before a
// request is signed.
func ValidateRequest(function string, args []types.Arg) error {
	switch function {
	case FnCreateJob:
		req, err := DecodeCreateJob(args)
		if err != nil {
			return err
		}
		if len(req.Amounts) == 0 {
			return ErrEmptyMilestoneList
		}
		for i, amount := range req.Amounts {
			if amount.Sign() <= 0 {
				return ErrInvalidAmount.With("milestone %d", i)
			}
		}
		return nil
	case FnSubmitWork:
		if err := expectArgCount(args, 2, 2); err != nil {
			return err
		}
		if _, err := decodeUint(args, 0); err != nil {
			return err
		}
		_, err := decodeBytes(args, 1)
		return err
	case FnAssignReviewers:
		if err := expectArgCount(args, 2, 2); err != nil {
			return err
		}
		if _, err := decodeUint(args, 0); err != nil {
			return err
		}
		_, err := decodeAddressList(args, 1)
		return err
	case FnCastVote:
		if err := expectArgCount(args, 2, 2); err != nil {
			return err
		}
		if _, err := decodeUint(args, 0); err != nil {
			return err
		}
		_, err := decodeVote(args, 1)
		return err
	case FnApproveMilestone, FnStartDispute, FnCancelProject, FnRefundProject:
		if err := expectArgCount(args, 1, 1); err != nil {
			return err
		}
		_, err := decodeUint(args, 0)
		return err
	default:
		return ErrUnknownAction.With("%q", function)
	}
}

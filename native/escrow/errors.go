package escrow

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies escrow failures. The kind decides how callers react: none
// of them is retried automatically.
type Kind uint8

const (
	KindValidation Kind = iota + 1
	KindAuthorization
	KindStateConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindStateConflict:
		return "state_conflict"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(value string) (Kind, bool) {
	switch value {
	case "validation":
		return KindValidation, true
	case "authorization":
		return KindAuthorization, true
	case "state_conflict":
		return KindStateConflict, true
	default:
		return 0, false
	}
}

// Error is the error type returned by every escrow transition. A value with
// an empty Reason stands for its whole kind, so
// errors.Is(err, ErrStateConflict) matches every state conflict while
// errors.Is(err, ErrAlreadyVoted) matches only double votes.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Detail  string
}

func (e *Error) Error() string {
	msg := "escrow: " + e.Message
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is implements errors.Is matching by kind or reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason == "" {
		return t.Kind == e.Kind
	}
	return t.Reason == e.Reason
}

// With returns a copy carrying additional detail.
func (e *Error) With(format string, args ...any) *Error {
	out := *e
	out.Detail = fmt.Sprintf(format, args...)
	return &out
}

var (
	ErrValidation    = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrNotAuthorized = &Error{Kind: KindAuthorization, Message: "not authorized"}
	ErrStateConflict = &Error{Kind: KindStateConflict, Message: "state conflict"}
)

var registry = map[string]*Error{}

func newError(kind Kind, reason, message string) *Error {
	err := &Error{Kind: kind, Reason: reason, Message: message}
	registry[reason] = err
	return err
}

var (
	ErrEmptyMilestoneList  = newError(KindValidation, "empty_milestone_list", "milestone list is empty")
	ErrTooManyMilestones   = newError(KindValidation, "too_many_milestones", "too many milestones")
	ErrInvalidAmount       = newError(KindValidation, "invalid_amount", "milestone amount must be positive")
	ErrInvalidParticipants = newError(KindValidation, "invalid_participants", "client, freelancer and platform must be distinct non-zero identities")
	ErrInvalidMinVotes     = newError(KindValidation, "invalid_min_votes", "min votes out of range")
	ErrInvalidReviewers    = newError(KindValidation, "invalid_reviewers", "invalid reviewer set")
	ErrEvidenceTooLarge    = newError(KindValidation, "evidence_too_large", "evidence exceeds size limit")
	ErrUnsupportedCurrency = newError(KindValidation, "unsupported_currency", "currency not supported")
	ErrInvalidArguments    = newError(KindValidation, "invalid_arguments", "invalid arguments")
	ErrUnknownAction       = newError(KindValidation, "unknown_action", "unknown action")
	ErrJobNotFound         = newError(KindValidation, "job_not_found", "job not found")
	ErrMilestoneNotFound   = newError(KindValidation, "milestone_not_found", "milestone not found")

	ErrUnauthorizedCaller = newError(KindAuthorization, "unauthorized_caller", "caller lacks the required role")
	ErrNotReviewer        = newError(KindAuthorization, "not_reviewer", "caller is not an assigned reviewer")

	ErrInsufficientFunds = newError(KindStateConflict, "insufficient_funds", "insufficient funds")
	ErrJobInactive       = newError(KindStateConflict, "job_inactive", "job is not active")
	ErrWrongStatus       = newError(KindStateConflict, "wrong_status", "milestone status does not permit this action")
	ErrAlreadyVoted      = newError(KindStateConflict, "already_voted", "reviewer already voted")
	ErrReviewersAssigned = newError(KindStateConflict, "reviewers_assigned", "reviewers already assigned")
	ErrReviewersMissing  = newError(KindStateConflict, "reviewers_missing", "reviewers not assigned")
)

// KindOf extracts the kind of an escrow error. ok is false for errors that
// did not originate from the escrow module.
func KindOf(err error) (Kind, bool) {
	var escErr *Error
	if errors.As(err, &escErr) {
		return escErr.Kind, true
	}
	return 0, false
}

// ReasonOf extracts the reason code of an escrow error.
func ReasonOf(err error) string {
	var escErr *Error
	if errors.As(err, &escErr) {
		return escErr.Reason
	}
	return ""
}

// Rebuild reconstructs an escrow error from the kind, reason and message
// recorded on a receipt or RPC error. Unknown reasons still keep their kind.
func Rebuild(kind, reason, message string) error {
	if known, ok := registry[reason]; ok {
		out := *known
		switch {
		case message == "" || message == known.Error():
		case strings.HasPrefix(message, known.Error()+": "):
			out.Detail = strings.TrimPrefix(message, known.Error()+": ")
		default:
			out.Detail = message
		}
		return &out
	}
	k, ok := ParseKind(kind)
	if !ok {
		if message == "" {
			message = reason
		}
		return errors.New(message)
	}
	return &Error{Kind: k, Reason: reason, Message: strings.TrimPrefix(message, "escrow: ")}
}

// Package escrow is the client side of the milestone escrow: request
// building, submission with background confirmation, canonical state reads
// and role gating.
package escrow

import (
	"errors"

	nativeescrow "workchain/native/escrow"
	"workchain/sdk/wallet"
)

// Errors raised by the ledger, re-exported so callers need one import.
var (
	ErrValidation    = nativeescrow.ErrValidation
	ErrNotAuthorized = nativeescrow.ErrNotAuthorized
	ErrStateConflict = nativeescrow.ErrStateConflict
)

var (
	// ErrSigningRejected means the wallet declined to sign. Nothing was
	// broadcast.
	ErrSigningRejected = wallet.ErrRejected
	// ErrSubmissionFailure means the signed request could not be broadcast.
	ErrSubmissionFailure = errors.New("escrow: submission failed")
	// ErrConfirmationTimeout means inclusion was not observed in time. It
	// never turns a submitted result into a failure.
	ErrConfirmationTimeout = errors.New("escrow: confirmation timed out")
)

type submissionError struct {
	cause error
}

func (e *submissionError) Error() string {
	return ErrSubmissionFailure.Error() + ": " + e.cause.Error()
}

func (e *submissionError) Unwrap() []error {
	return []error{ErrSubmissionFailure, e.cause}
}

package errors

import stderrors "errors"

// Admission errors returned before a transaction enters the mempool.
var (
	ErrInvalidChainID   = stderrors.New("mempool: chain id mismatch")
	ErrInvalidSignature = stderrors.New("mempool: invalid signature")
	ErrUnknownModule    = stderrors.New("mempool: unknown module")
	ErrDuplicateTx      = stderrors.New("mempool: transaction already known")
	ErrNonceTooLow      = stderrors.New("mempool: nonce already used")
	ErrMempoolFull      = stderrors.New("mempool: pool is full")
)

// Ledger lookups.
var (
	ErrReceiptNotFound = stderrors.New("ledger: receipt not found")
	ErrBlockNotFound   = stderrors.New("ledger: block not found")
)

// Rejection reasons recorded on receipts of transactions that were included
// without running their transition.
const (
	ReceiptKindRejected   = "rejected"
	ReasonNonceTooLow     = "nonce_too_low"
	ReasonNonceGap        = "nonce_gap"
	ReasonInternalFailure = "internal"
)

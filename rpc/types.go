package rpc

import (
	"workchain/core"
	"workchain/core/types"
	"workchain/native/escrow"
)

// Receipt statuses reported by tx_getReceipt.
const (
	ReceiptStatusPending = "pending"
	ReceiptStatusSuccess = "success"
	ReceiptStatusFailed  = "failed"
)

// SendTransactionResult acknowledges mempool admission.
type SendTransactionResult struct {
	TxHash string `json:"txHash"`
}

// ReceiptResult reports the inclusion state of a transaction. Height and
// Index are set once the status is no longer pending.
type ReceiptResult struct {
	TxHash      string        `json:"txHash"`
	Status      string        `json:"status"`
	Height      uint64        `json:"height,omitempty"`
	Index       int           `json:"index"`
	ErrorKind   string        `json:"errorKind,omitempty"`
	ErrorReason string        `json:"errorReason,omitempty"`
	Error       string        `json:"error,omitempty"`
	Events      []types.Event `json:"events,omitempty"`
}

func receiptResult(receipt *types.Receipt) ReceiptResult {
	return ReceiptResult{
		TxHash:      receipt.TxHash,
		Status:      receipt.Status.String(),
		Height:      receipt.Height,
		Index:       receipt.Index,
		ErrorKind:   receipt.ErrorKind,
		ErrorReason: receipt.ErrorReason,
		Error:       receipt.Error,
		Events:      receipt.Events,
	}
}

// BalanceResult reports an account balance in the smallest unit.
type BalanceResult struct {
	Address  string `json:"address"`
	Balance  string `json:"balance"`
	Nonce    uint64 `json:"nonce"`
	Currency string `json:"currency"`
	Decimals int    `json:"decimals"`
}

// ChainInfoResult summarises the node.
type ChainInfoResult struct {
	ChainID  uint64 `json:"chainId"`
	Height   uint64 `json:"height"`
	TipHash  string `json:"tipHash"`
	Mempool  int    `json:"mempool"`
	Currency string `json:"currency"`
	Decimals int    `json:"decimals"`
}

// StatusResult carries a status code and its label.
type StatusResult struct {
	Status     string `json:"status"`
	StatusCode uint8  `json:"statusCode"`
}

// VotesResult lists voters and their votes as parallel arrays in cast order.
type VotesResult struct {
	Voters []string `json:"voters"`
	Votes  []uint8  `json:"votes"`
}

// EventsResult is a page of the ledger event log. Next is the cursor for the
// following page.
type EventsResult struct {
	Events []core.EventRecord `json:"events"`
	Next   uint64             `json:"next"`
}

// EscrowErrorData is attached to escrow failures so clients can rebuild the
// typed error.
type EscrowErrorData struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

func escrowErrorCode(kind escrow.Kind, reason string) int {
	switch {
	case reason == escrow.ErrJobNotFound.Reason || reason == escrow.ErrMilestoneNotFound.Reason:
		return codeEscrowNotFound
	case kind == escrow.KindAuthorization:
		return codeEscrowForbidden
	case kind == escrow.KindStateConflict:
		return codeEscrowConflict
	default:
		return codeEscrowInvalidParams
	}
}

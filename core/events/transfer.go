package events

import (
	"math/big"

	"workchain/core/types"
	"workchain/crypto"
)

const (
	// TypeTransfer is emitted for every ledger balance movement, including
	// deposits into and payouts from escrow custody accounts.
	TypeTransfer = "transfer.native"
)

type Transfer struct {
	Asset  string
	From   [20]byte
	To     [20]byte
	Amount *big.Int
	// Reason labels the movement, e.g. "escrow.fund" or "escrow.fee".
	Reason string
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	attrs["from"] = crypto.FormatAddress(e.From)
	attrs["to"] = crypto.FormatAddress(e.To)
	attrs["amount"] = formatAmount(e.Amount)
	if e.Reason != "" {
		attrs["reason"] = e.Reason
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

package types

import "math/big"

// Account holds the spendable balance and replay nonce of a ledger identity.
// Custody accounts share the same record shape but never sign transactions.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := &Account{Nonce: a.Nonce, Balance: new(big.Int)}
	if a.Balance != nil {
		out.Balance.Set(a.Balance)
	}
	return out
}

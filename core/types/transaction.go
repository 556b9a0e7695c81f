package types

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// ArgType tags the encoding of a transaction argument.
type ArgType string

const (
	ArgAddress     ArgType = "address"   // bech32 identity
	ArgAddressList ArgType = "address[]" // ordered bech32 identities
	ArgUint        ArgType = "u64"       // decimal string
	ArgAmount      ArgType = "amount"    // decimal string in the smallest unit
	ArgAmountList  ArgType = "amount[]"  // ordered decimal strings
	ArgBytes       ArgType = "bytes"     // hex encoded blob
	ArgVote        ArgType = "vote"      // "0" reject, "1" approve
	ArgString      ArgType = "string"
	ArgStringList  ArgType = "string[]"
	ArgTag         ArgType = "tag" // currency type tag
)

// Arg is one positional, typed argument of a transition request.
type Arg struct {
	Type  ArgType  `json:"type"`
	Value string   `json:"value,omitempty"`
	Items []string `json:"items,omitempty"`
}

// Transaction is a signed transition request. Function is a module-qualified
// action identifier such as "escrow::submit_work"; the signer is the caller
// identity of the transition.
type Transaction struct {
	ChainID  uint64 `json:"chainId"`
	Nonce    uint64 `json:"nonce"`
	Function string `json:"function"`
	Args     []Arg  `json:"args"`

	R *big.Int `json:"r"`
	S *big.Int `json:"s"`
	V *big.Int `json:"v"`

	from []byte
}

// ErrUnsigned is returned by From for transactions without a signature.
var ErrUnsigned = errors.New("transaction is not signed")

// Module returns the module part of the function identifier.
func (tx *Transaction) Module() string {
	module, _, _ := strings.Cut(tx.Function, "::")
	return module
}

// SigningHash covers every field except the signature.
func (tx *Transaction) SigningHash() ([]byte, error) {
	txData := struct {
		ChainID  uint64
		Nonce    uint64
		Function string
		Args     []Arg
	}{tx.ChainID, tx.Nonce, tx.Function, tx.Args}

	b, err := json.Marshal(txData)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(b)
	return hash[:], nil
}

// Hash identifies the signed transaction. It commits to the signature so
// identical payloads from different senders never collide.
func (tx *Transaction) Hash() ([]byte, error) {
	signing, err := tx.SigningHash()
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write(signing)
	for _, v := range []*big.Int{tx.R, tx.S, tx.V} {
		var word [32]byte
		if v != nil {
			v.FillBytes(word[:])
		}
		h.Write(word[:])
	}
	return h.Sum(nil), nil
}

// HashHex returns the hex encoded transaction hash used as the transaction
// reference throughout the RPC surface.
func (tx *Transaction) HashHex() (string, error) {
	h, err := tx.Hash()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h), nil
}

func (tx *Transaction) Sign(privKey *ecdsa.PrivateKey) error {
	hash, err := tx.SigningHash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return err
	}
	tx.R = new(big.Int).SetBytes(sig[:32])
	tx.S = new(big.Int).SetBytes(sig[32:64])
	tx.V = new(big.Int).SetBytes([]byte{sig[64] + 27})
	tx.from = nil
	return nil
}

// From recovers the signer identity.
func (tx *Transaction) From() ([20]byte, error) {
	var out [20]byte
	if tx.from != nil {
		copy(out[:], tx.from)
		return out, nil
	}
	if tx.R == nil || tx.S == nil || tx.V == nil {
		return out, ErrUnsigned
	}
	if tx.V.Uint64() < 27 {
		return out, fmt.Errorf("invalid signature recovery id %s", tx.V)
	}
	hash, err := tx.SigningHash()
	if err != nil {
		return out, err
	}
	rBytes, sBytes := tx.R.Bytes(), tx.S.Bytes()
	if len(rBytes) > 32 || len(sBytes) > 32 {
		return out, fmt.Errorf("invalid signature length")
	}
	sig := make([]byte, 65)
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)
	sig[64] = byte(tx.V.Uint64() - 27)
	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return out, err
	}
	tx.from = crypto.PubkeyToAddress(*pubKey).Bytes()
	copy(out[:], tx.from)
	return out, nil
}

package types

import (
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestTransactionSignAndRecover(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tx := &Transaction{
		ChainID:  7,
		Nonce:    3,
		Function: "escrow::submit_work",
		Args: []Arg{
			{Type: ArgUint, Value: "1"},
			{Type: ArgBytes, Value: "68747470733a2f2f"},
		},
	}
	if _, err := tx.From(); err != ErrUnsigned {
		t.Fatalf("expected ErrUnsigned, got %v", err)
	}
	if err := tx.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	from, err := tx.From()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	var want [20]byte
	copy(want[:], ethcrypto.PubkeyToAddress(key.PublicKey).Bytes())
	if from != want {
		t.Fatalf("unexpected signer")
	}
	if tx.Module() != "escrow" {
		t.Fatalf("unexpected module %q", tx.Module())
	}
}

func TestTransactionHashCoversArgs(t *testing.T) {
	a := &Transaction{ChainID: 1, Function: "escrow::cast_vote", Args: []Arg{{Type: ArgVote, Value: "1"}}}
	b := &Transaction{ChainID: 1, Function: "escrow::cast_vote", Args: []Arg{{Type: ArgVote, Value: "0"}}}
	ha, _ := a.HashHex()
	hb, _ := b.HashHex()
	if ha == hb {
		t.Fatalf("hash ignores argument values")
	}
}

func TestTamperedTransactionRecoversDifferentSigner(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	tx := &Transaction{ChainID: 1, Nonce: 0, Function: "escrow::approve_milestone", Args: []Arg{{Type: ArgUint, Value: "1"}}}
	if err := tx.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	original, _ := tx.From()

	tampered := &Transaction{ChainID: 1, Nonce: 0, Function: "escrow::approve_milestone", Args: []Arg{{Type: ArgUint, Value: "2"}}, R: tx.R, S: tx.S, V: tx.V}
	recovered, err := tampered.From()
	if err == nil && recovered == original {
		t.Fatalf("tampered transaction recovered the original signer")
	}
}

func TestHashDistinguishesSenders(t *testing.T) {
	keyA, _ := ethcrypto.GenerateKey()
	keyB, _ := ethcrypto.GenerateKey()
	a := &Transaction{ChainID: 1, Function: "escrow::cast_vote", Args: []Arg{{Type: ArgUint, Value: "1"}, {Type: ArgVote, Value: "1"}}}
	b := &Transaction{ChainID: 1, Function: "escrow::cast_vote", Args: []Arg{{Type: ArgUint, Value: "1"}, {Type: ArgVote, Value: "1"}}}
	if err := a.Sign(keyA); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := b.Sign(keyB); err != nil {
		t.Fatalf("sign: %v", err)
	}
	ha, _ := a.HashHex()
	hb, _ := b.HashHex()
	if ha == hb {
		t.Fatalf("identical payloads from different senders share a hash")
	}
}

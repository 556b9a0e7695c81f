package types

import (
	"crypto/sha256"
	"encoding/json"
)

// BlockHeader represents the header of a block produced by the ledger node.
type BlockHeader struct {
	Height    uint64 `json:"height"`
	Timestamp int64  `json:"timestamp"`
	PrevHash  []byte `json:"prevHash"`
	TxRoot    []byte `json:"txRoot"`
}

// Block groups the transactions applied together, in order, at one height.
type Block struct {
	Header       *BlockHeader
	Transactions []*Transaction
}

// NewBlock creates a new block from a header and a set of transactions.
func NewBlock(header *BlockHeader, txs []*Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Hash calculates and returns the SHA-256 hash of the block header.
func (h *BlockHeader) Hash() ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(b)
	return hash[:], nil
}

// ComputeTxRoot commits to the ordered transaction hashes of a block.
func ComputeTxRoot(txs []*Transaction) ([]byte, error) {
	hasher := sha256.New()
	for _, tx := range txs {
		h, err := tx.Hash()
		if err != nil {
			return nil, err
		}
		hasher.Write(h)
	}
	return hasher.Sum(nil), nil
}

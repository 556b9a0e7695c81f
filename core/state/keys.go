package state

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// statePrefix namespaces hashed state keys inside the shared database so
// they never collide with the node's receipt and event records.
var statePrefix = []byte("state/")

var (
	accountPrefix      = []byte("account:")
	jobPrefix          = []byte("escrow/job:")
	reviewerPrefix     = []byte("escrow/reviewer:")
	jobCounterKeyBytes = []byte("escrow/job-counter")
)

func hashedKey(parts ...[]byte) []byte {
	digest := ethcrypto.Keccak256(parts...)
	out := make([]byte, len(statePrefix)+len(digest))
	copy(out, statePrefix)
	copy(out[len(statePrefix):], digest)
	return out
}

func accountKey(addr [20]byte) []byte {
	return hashedKey(accountPrefix, addr[:])
}

func jobKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return hashedKey(jobPrefix, buf[:])
}

func reviewerKey(addr [20]byte) []byte {
	return hashedKey(reviewerPrefix, addr[:])
}

func jobCounterKey() []byte {
	return hashedKey(jobCounterKeyBytes)
}

func kvKey(key []byte) []byte {
	return hashedKey(key)
}

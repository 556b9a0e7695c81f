package core

import (
	"sync"
	"time"

	ledgererrors "workchain/core/errors"
	"workchain/core/types"
)

type pendingTx struct {
	tx    *types.Transaction
	hash  string
	from  [20]byte
	added time.Time
}

// Mempool holds admitted transactions in arrival order.
type Mempool struct {
	mu      sync.Mutex
	max     int
	byHash  map[string]*pendingTx
	ordered []*pendingTx
}

// NewMempool returns a pool holding at most max transactions.
func NewMempool(max int) *Mempool {
	return &Mempool{max: max, byHash: make(map[string]*pendingTx)}
}

func (m *Mempool) add(p *pendingTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byHash[p.hash]; ok {
		return ledgererrors.ErrDuplicateTx
	}
	if m.max > 0 && len(m.ordered) >= m.max {
		return ledgererrors.ErrMempoolFull
	}
	m.byHash[p.hash] = p
	m.ordered = append(m.ordered, p)
	return nil
}

// Has reports whether hash is pending.
func (m *Mempool) Has(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byHash[hash]
	return ok
}

// Len reports the number of pending transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ordered)
}

func (m *Mempool) snapshot() []*pendingTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*pendingTx(nil), m.ordered...)
}

func (m *Mempool) remove(hashes map[string]struct{}) {
	if len(hashes) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.ordered[:0]
	for _, p := range m.ordered {
		if _, drop := hashes[p.hash]; drop {
			delete(m.byHash, p.hash)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(m.ordered); i++ {
		m.ordered[i] = nil
	}
	m.ordered = kept
}

// highestNonce returns the highest pending nonce of from.
func (m *Mempool) highestNonce(from [20]byte) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		highest uint64
		found   bool
	)
	for _, p := range m.ordered {
		if p.from != from {
			continue
		}
		if !found || p.tx.Nonce > highest {
			highest = p.tx.Nonce
			found = true
		}
	}
	return highest, found
}

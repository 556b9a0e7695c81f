package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"workchain/core/types"
	"workchain/native/escrow"
	"workchain/storage"
)

// Manager reads and writes ledger state. Writes are buffered until Commit;
// a manager that is discarded leaves the database untouched, which lets the
// node apply each transaction atomically.
type Manager struct {
	db      storage.Database
	pending map[string][]byte
	order   []string
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, pending: make(map[string][]byte)}
}

func (m *Manager) get(key []byte) ([]byte, error) {
	if value, ok := m.pending[string(key)]; ok {
		return value, nil
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) put(key, value []byte) {
	k := string(key)
	if _, ok := m.pending[k]; !ok {
		m.order = append(m.order, k)
	}
	m.pending[k] = append([]byte(nil), value...)
}

// Dirty reports the number of buffered writes.
func (m *Manager) Dirty() int { return len(m.pending) }

// Commit flushes buffered writes to the database in one batch.
func (m *Manager) Commit() error {
	if len(m.pending) == 0 {
		return nil
	}
	batch := storage.NewBatch()
	for _, key := range m.order {
		batch.Put([]byte(key), m.pending[key])
	}
	if err := m.db.Write(batch); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	m.Discard()
	return nil
}

// Discard drops all buffered writes.
func (m *Manager) Discard() {
	m.pending = make(map[string][]byte)
	m.order = nil
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.put(kvKey(key), encoded)
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	return m.decode(kvKey(key), out)
}

func (m *Manager) decode(key []byte, out interface{}) (bool, error) {
	data, err := m.get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) encode(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.put(key, encoded)
	return nil
}

// GetAccount returns the account stored for addr, or an empty account.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	account := new(types.Account)
	ok, err := m.decode(accountKey(addr), account)
	if err != nil {
		return nil, fmt.Errorf("state: account: %w", err)
	}
	if !ok {
		account = new(types.Account)
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	return account, nil
}

// PutAccount stores the account for addr.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	if account.Balance != nil && account.Balance.Sign() < 0 {
		return fmt.Errorf("state: negative balance")
	}
	stored := account.Clone()
	if stored.Balance == nil {
		stored.Balance = big.NewInt(0)
	}
	return m.encode(accountKey(addr), stored)
}

// Credit adds amount to the balance of addr. Genesis allocation uses it.
func (m *Manager) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: invalid credit amount")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	return m.PutAccount(addr, account)
}

// JobCount returns the number of jobs ever created.
func (m *Manager) JobCount() (uint64, error) {
	var count uint64
	if _, err := m.decode(jobCounterKey(), &count); err != nil {
		return 0, fmt.Errorf("state: job counter: %w", err)
	}
	return count, nil
}

// NextJobID allocates the next sequential job identifier. Identifiers start
// at 1.
func (m *Manager) NextJobID() (uint64, error) {
	count, err := m.JobCount()
	if err != nil {
		return 0, err
	}
	count++
	if err := m.encode(jobCounterKey(), count); err != nil {
		return 0, err
	}
	return count, nil
}

// JobPut stores a job record.
func (m *Manager) JobPut(job *escrow.Job) error {
	if job == nil {
		return fmt.Errorf("state: nil job")
	}
	return m.encode(jobKey(job.ID), job)
}

// JobGet loads a job record. The returned job is owned by the caller.
func (m *Manager) JobGet(id uint64) (*escrow.Job, bool, error) {
	job := new(escrow.Job)
	ok, err := m.decode(jobKey(id), job)
	if err != nil {
		return nil, false, fmt.Errorf("state: job %d: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	return job, true, nil
}

// ReviewerMark records one more panel assignment for addr.
func (m *Manager) ReviewerMark(addr [20]byte) error {
	count, err := m.ReviewerAssignments(addr)
	if err != nil {
		return err
	}
	return m.encode(reviewerKey(addr), count+1)
}

// ReviewerAssignments returns how many dispute panels addr was assigned to.
func (m *Manager) ReviewerAssignments(addr [20]byte) (uint64, error) {
	var count uint64
	if _, err := m.decode(reviewerKey(addr), &count); err != nil {
		return 0, fmt.Errorf("state: reviewer index: %w", err)
	}
	return count, nil
}

package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	ledgererrors "workchain/core/errors"
	"workchain/core/types"
	"workchain/storage"
)

var (
	blockPrefix = []byte("block/")
	tipKey      = []byte("chain/tip")
)

func blockKey(height uint64) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], height)
	return key
}

// Blockchain manages the collection of blocks.
type Blockchain struct {
	db     storage.Database
	tip    []byte
	height uint64
	mu     sync.RWMutex
}

// OpenBlockchain loads the chain tip from db. ok is false when the database
// holds no chain yet.
func OpenBlockchain(db storage.Database) (*Blockchain, bool, error) {
	bc := &Blockchain{db: db}
	raw, err := db.Get(tipKey)
	if errors.Is(err, storage.ErrNotFound) {
		return bc, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(raw) != 8 {
		return nil, false, fmt.Errorf("chain: corrupt tip record")
	}
	height := binary.BigEndian.Uint64(raw)
	block, err := bc.GetBlockByHeight(height)
	if err != nil {
		return nil, false, fmt.Errorf("chain: load tip block: %w", err)
	}
	hash, err := block.Header.Hash()
	if err != nil {
		return nil, false, err
	}
	bc.tip = hash
	bc.height = height
	return bc, true, nil
}

// stageBlock validates b against the tip and queues its records on w. The
// tip only moves once the caller has written the batch and calls advance.
func (bc *Blockchain) stageBlock(w storage.Database, b *types.Block, genesis bool) ([]byte, error) {
	bc.mu.RLock()
	tip, height := bc.tip, bc.height
	bc.mu.RUnlock()

	if genesis {
		if b.Header.Height != 0 {
			return nil, fmt.Errorf("chain: genesis must have height 0")
		}
	} else {
		if !bytes.Equal(b.Header.PrevHash, tip) {
			return nil, fmt.Errorf("chain: block prevhash mismatch")
		}
		if b.Header.Height != height+1 {
			return nil, fmt.Errorf("chain: expected height %d, got %d", height+1, b.Header.Height)
		}
	}
	blockBytes, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	hash, err := b.Header.Hash()
	if err != nil {
		return nil, err
	}
	var tipRecord [8]byte
	binary.BigEndian.PutUint64(tipRecord[:], b.Header.Height)
	if err := w.Put(blockKey(b.Header.Height), blockBytes); err != nil {
		return nil, err
	}
	if err := w.Put(tipKey, tipRecord[:]); err != nil {
		return nil, err
	}
	return hash, nil
}

func (bc *Blockchain) advance(hash []byte, height uint64) {
	bc.mu.Lock()
	bc.tip = hash
	bc.height = height
	bc.mu.Unlock()
}

// GetBlockByHeight retrieves a block by its height.
func (bc *Blockchain) GetBlockByHeight(height uint64) (*types.Block, error) {
	blockBytes, err := bc.db.Get(blockKey(height))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: height %d", ledgererrors.ErrBlockNotFound, height)
	}
	if err != nil {
		return nil, err
	}
	var block types.Block
	if err := json.Unmarshal(blockBytes, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

func (bc *Blockchain) GetHeight() uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.height
}

func (bc *Blockchain) Tip() []byte {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return append([]byte(nil), bc.tip...)
}

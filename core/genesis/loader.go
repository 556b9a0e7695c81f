package genesis

import (
	"fmt"

	"workchain/core/state"
	"workchain/core/types"
	"workchain/storage"
)

// BuildGenesis credits the genesis allocations into db and returns the
// genesis block. Allocations are applied in address order so every node
// derives identical state.
func BuildGenesis(spec *GenesisSpec, db storage.Database) (*types.Block, error) {
	if spec == nil {
		return nil, fmt.Errorf("genesis spec must not be nil")
	}
	if db == nil {
		return nil, fmt.Errorf("database must not be nil")
	}

	manager := state.NewManager(db)
	for _, alloc := range spec.Allocations() {
		if err := manager.Credit(alloc.Address, alloc.Amount); err != nil {
			manager.Discard()
			return nil, fmt.Errorf("alloc %x: %w", alloc.Address, err)
		}
	}
	if err := manager.Commit(); err != nil {
		return nil, fmt.Errorf("commit genesis state: %w", err)
	}

	txRoot, err := types.ComputeTxRoot(nil)
	if err != nil {
		return nil, err
	}
	header := &types.BlockHeader{
		Height:    0,
		Timestamp: spec.GenesisTimestamp().Unix(),
		PrevHash:  []byte{},
		TxRoot:    txRoot,
	}
	return types.NewBlock(header, nil), nil
}

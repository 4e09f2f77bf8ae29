package storage

import (
	"encoding/json"
	"time"

	"github.com/timecoin/timecoin/pkg/block"
)

// ChainState is the persisted chain tip record.
type ChainState struct {
	BestBlockHash string    `json:"best_block_hash"`
	Height        uint64    `json:"height"`
	LastUpdate    time.Time `json:"last_update"`
}

// Snapshot is a consistent serialization of the UTXO set at a height. Only
// the latest snapshot is retained.
type Snapshot struct {
	Height uint64          `json:"height"`
	UTXOs  json.RawMessage `json:"utxos"`
}

// Interface is the persistence contract the node depends on. The Badger
// implementation is the production store; MemoryStore backs tests.
type Interface interface {
	// Blocks.
	StoreBlock(b *block.Block) error
	GetBlock(hash string) (*block.Block, error)
	GetBlockByHeight(height uint64) (*block.Block, error)
	HasBlockAtHeight(height uint64) (bool, error)
	DeleteBlocksAbove(height uint64) error

	// Chain state.
	StoreChainState(state *ChainState) error
	GetChainState() (*ChainState, error)

	// UTXO snapshot, latest retained.
	StoreSnapshot(snap *Snapshot) error
	GetSnapshot() (*Snapshot, error)

	// Auxiliary node state, stored as opaque serialized records.
	StoreMempool(data []byte) error
	LoadMempool() ([]byte, error)
	StoreRegistry(data []byte) error
	LoadRegistry() ([]byte, error)
	StoreProposals(data []byte) error
	LoadProposals() ([]byte, error)

	Close() error
}

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "record not found" }

package storage

import (
	"sync"
	"time"

	"github.com/timecoin/timecoin/pkg/block"
)

// MemoryStore is an in-memory Interface implementation for tests and
// ephemeral nodes.
type MemoryStore struct {
	mu        sync.RWMutex
	blocks    map[string]*block.Block
	byHeight  map[uint64]string
	state     *ChainState
	snapshot  *Snapshot
	mempool   []byte
	registry  []byte
	proposals []byte

	// FailSnapshots makes StoreSnapshot fail; tests use it to exercise the
	// critical snapshot-failure path.
	FailSnapshots bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks:   make(map[string]*block.Block),
		byHeight: make(map[uint64]string),
	}
}

// StoreBlock stores a block in memory.
func (m *MemoryStore) StoreBlock(b *block.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := b.Hash()
	m.blocks[hash] = b
	m.byHeight[b.Header.BlockNumber] = hash
	return nil
}

// GetBlock retrieves a block by hash.
func (m *MemoryStore) GetBlock(hash string) (*block.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

// GetBlockByHeight retrieves a block by height.
func (m *MemoryStore) GetBlockByHeight(height uint64) (*block.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hash, ok := m.byHeight[height]
	if !ok {
		return nil, ErrNotFound
	}
	return m.blocks[hash], nil
}

// HasBlockAtHeight reports whether a block exists at the height.
func (m *MemoryStore) HasBlockAtHeight(height uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byHeight[height]
	return ok, nil
}

// DeleteBlocksAbove removes blocks above the target height.
func (m *MemoryStore) DeleteBlocksAbove(height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, hash := range m.byHeight {
		if h > height {
			delete(m.blocks, hash)
			delete(m.byHeight, h)
		}
	}
	return nil
}

// StoreChainState stores the chain tip record.
func (m *MemoryStore) StoreChainState(state *ChainState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *state
	copied.LastUpdate = time.Now()
	m.state = &copied
	return nil
}

// GetChainState retrieves the chain tip record.
func (m *MemoryStore) GetChainState() (*ChainState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return &ChainState{}, nil
	}
	copied := *m.state
	return &copied, nil
}

// StoreSnapshot stores the UTXO snapshot.
func (m *MemoryStore) StoreSnapshot(snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSnapshots {
		return errSnapshotDisabled
	}
	m.snapshot = snap
	return nil
}

// GetSnapshot retrieves the UTXO snapshot.
func (m *MemoryStore) GetSnapshot() (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return nil, ErrNotFound
	}
	return m.snapshot, nil
}

// StoreMempool stores the mempool image.
func (m *MemoryStore) StoreMempool(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mempool = data
	return nil
}

// LoadMempool retrieves the mempool image.
func (m *MemoryStore) LoadMempool() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mempool == nil {
		return nil, ErrNotFound
	}
	return m.mempool, nil
}

// StoreRegistry stores the registry image.
func (m *MemoryStore) StoreRegistry(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry = data
	return nil
}

// LoadRegistry retrieves the registry image.
func (m *MemoryStore) LoadRegistry() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.registry == nil {
		return nil, ErrNotFound
	}
	return m.registry, nil
}

// StoreProposals stores the proposal set image.
func (m *MemoryStore) StoreProposals(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals = data
	return nil
}

// LoadProposals retrieves the proposal set image.
func (m *MemoryStore) LoadProposals() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.proposals == nil {
		return nil, ErrNotFound
	}
	return m.proposals, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

type snapshotDisabledError struct{}

func (snapshotDisabledError) Error() string { return "snapshot writes disabled" }

var errSnapshotDisabled = snapshotDisabledError{}

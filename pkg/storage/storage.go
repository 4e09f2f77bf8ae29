package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timecoin/timecoin/pkg/block"
)

// Key layout inside Badger.
const (
	keyBlockPrefix  = "block:"  // block:<hash> -> block JSON
	keyHeightPrefix = "height:" // height:<n> -> block hash
	keyChainState   = "chain_state"
	keySnapshot     = "utxo_snapshot"
	keyMempool      = "mempool"
	keyRegistry     = "masternode_registry"
	keyProposals    = "treasury_proposals"
	keyLatestHeight = "latest_height"
)

// Store is the BadgerDB-backed persistence layer.
type Store struct {
	mu     sync.RWMutex
	db     *badger.DB
	config *Config
}

// Config holds configuration for storage.
type Config struct {
	DataDir string
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig() *Config {
	return &Config{DataDir: "./data"}
}

// NewStore opens the database at the configured directory.
func NewStore(config *Config) (*Store, error) {
	opts := badger.DefaultOptions(config.DataDir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{db: db, config: config}, nil
}

// StoreBlock persists a block under its hash and indexes it by height.
func (s *Store) StoreBlock(b *block.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}
	hash := b.Hash()

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyBlockPrefix+hash), data); err != nil {
			return err
		}
		heightKey := keyHeightPrefix + strconv.FormatUint(b.Header.BlockNumber, 10)
		if err := txn.Set([]byte(heightKey), []byte(hash)); err != nil {
			return err
		}
		return txn.Set([]byte(keyLatestHeight),
			[]byte(strconv.FormatUint(b.Header.BlockNumber, 10)))
	})
}

// GetBlock retrieves a block by its hash.
func (s *Store) GetBlock(hash string) (*block.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.get(keyBlockPrefix + hash)
	if err != nil {
		return nil, err
	}
	var b block.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	return &b, nil
}

// GetBlockByHeight retrieves a block through the height index.
func (s *Store) GetBlockByHeight(height uint64) (*block.Block, error) {
	s.mu.RLock()
	hash, err := s.get(keyHeightPrefix + strconv.FormatUint(height, 10))
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return s.GetBlock(string(hash))
}

// HasBlockAtHeight reports whether a block exists at the given height.
func (s *Store) HasBlockAtHeight(height uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := s.get(keyHeightPrefix + strconv.FormatUint(height, 10))
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteBlocksAbove removes every block above the target height and moves
// the latest-height marker back. Used by rollback.
func (s *Store) DeleteBlocksAbove(height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		for h := height + 1; ; h++ {
			heightKey := []byte(keyHeightPrefix + strconv.FormatUint(h, 10))
			item, err := txn.Get(heightKey)
			if err == badger.ErrKeyNotFound {
				break
			}
			if err != nil {
				return err
			}
			hash, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete([]byte(keyBlockPrefix + string(hash))); err != nil {
				return err
			}
			if err := txn.Delete(heightKey); err != nil {
				return err
			}
		}
		return txn.Set([]byte(keyLatestHeight),
			[]byte(strconv.FormatUint(height, 10)))
	})
}

// StoreChainState persists the chain tip record.
func (s *Store) StoreChainState(state *ChainState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.LastUpdate = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal chain state: %w", err)
	}
	return s.set(keyChainState, data)
}

// GetChainState retrieves the chain tip record; a fresh database reports an
// empty state at height 0.
func (s *Store) GetChainState() (*ChainState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.get(keyChainState)
	if err == ErrNotFound {
		return &ChainState{}, nil
	}
	if err != nil {
		return nil, err
	}
	var state ChainState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chain state: %w", err)
	}
	return &state, nil
}

// StoreSnapshot persists the UTXO snapshot, replacing any previous one.
func (s *Store) StoreSnapshot(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return s.set(keySnapshot, data)
}

// GetSnapshot retrieves the latest UTXO snapshot.
func (s *Store) GetSnapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.get(keySnapshot)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// StoreMempool persists the serialized mempool image.
func (s *Store) StoreMempool(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(keyMempool, data)
}

// LoadMempool retrieves the serialized mempool image.
func (s *Store) LoadMempool() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(keyMempool)
}

// StoreRegistry persists the serialized masternode registry.
func (s *Store) StoreRegistry(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(keyRegistry, data)
}

// LoadRegistry retrieves the serialized masternode registry.
func (s *Store) LoadRegistry() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(keyRegistry)
}

// StoreProposals persists the serialized treasury proposal set.
func (s *Store) StoreProposals(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(keyProposals, data)
}

// LoadProposals retrieves the serialized treasury proposal set.
func (s *Store) LoadProposals() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(keyProposals)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) set(key string, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

package chain

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/timecoin/timecoin/pkg/block"
	"github.com/timecoin/timecoin/pkg/logger"
	"github.com/timecoin/timecoin/pkg/storage"
	"github.com/timecoin/timecoin/pkg/utxo"
)

// GrantLedger is the treasury-side contract block application depends on:
// grant validation against approved proposals, exactly-once execution
// marking, and the per-block treasury credit.
type GrantLedger interface {
	ValidateGrant(proposalID string, amount uint64) error
	MarkExecuted(proposalID string, height uint64)
	CreditTreasury(amount uint64)
}

// Config holds the chain's economic parameters.
type Config struct {
	BlockReward      uint64 // total minted per block, before the treasury split
	TreasuryShareBps uint64 // treasury share of the reward, in basis points
}

// DefaultConfig returns the default chain configuration: 100 TIME per
// block, 95/5 masternode/treasury split.
func DefaultConfig() *Config {
	return &Config{
		BlockReward:      100 * block.BaseUnitsPerTime,
		TreasuryShareBps: 500,
	}
}

// TreasuryShare returns the reward portion credited to the treasury.
func (c *Config) TreasuryShare() uint64 {
	return c.BlockReward * c.TreasuryShareBps / 10_000
}

// MasternodePool returns the reward portion distributed to masternodes
// through the coinbase.
func (c *Config) MasternodePool() uint64 {
	return c.BlockReward - c.TreasuryShare()
}

// Chain is the authoritative ledger: it exclusively owns the UTXO set and
// the persisted block sequence. Block application, rollback, and snapshot
// persistence run under one exclusive lock; queries take a shared lock.
type Chain struct {
	mu       sync.RWMutex
	storage  storage.Interface
	utxos    *utxo.Set
	height   uint64
	tipHash  string
	genesis  *block.Block
	config   *Config
	verifier block.SignatureVerifier
	grants   GrantLedger
	critical *logger.CriticalLog
	log      *logger.Logger

	// finalizedHeight trails height when a snapshot write failed; external
	// observers must not treat such blocks as finalized.
	finalizedHeight uint64

	txHeights map[string]uint64 // txid -> containing block height
}

// NewChain initializes the chain from storage, installing the verified
// genesis block on a fresh database or replaying persisted blocks (from
// the latest snapshot where possible) on restart.
func NewChain(config *Config, s storage.Interface, genesis *block.Block, log *logger.Logger) (*Chain, error) {
	if genesis == nil || genesis.Header == nil {
		return nil, fmt.Errorf("genesis block required")
	}
	if log == nil {
		log = logger.NewLogger(nil)
	}

	c := &Chain{
		storage:   s,
		utxos:     utxo.NewSet(),
		genesis:   genesis,
		config:    config,
		log:       log,
		txHeights: make(map[string]uint64),
	}

	state, err := s.GetChainState()
	if err != nil {
		return nil, fmt.Errorf("failed to load chain state: %w", err)
	}

	hasGenesis, err := s.HasBlockAtHeight(0)
	if err != nil {
		return nil, fmt.Errorf("failed to probe genesis: %w", err)
	}

	if !hasGenesis {
		if err := s.StoreBlock(genesis); err != nil {
			return nil, fmt.Errorf("failed to store genesis block: %w", err)
		}
		c.applyToSet(c.utxos, genesis)
		c.indexBlock(genesis)
		c.tipHash = genesis.Hash()
		if err := s.StoreChainState(&storage.ChainState{
			BestBlockHash: c.tipHash,
			Height:        0,
		}); err != nil {
			return nil, fmt.Errorf("failed to store chain state: %w", err)
		}
		if err := c.saveSnapshotLocked(); err != nil {
			return nil, fmt.Errorf("failed to persist genesis snapshot: %w", err)
		}
		c.finalizedHeight = 0
		return c, nil
	}

	if err := c.rebuildLocked(state.Height); err != nil {
		return nil, err
	}
	c.finalizedHeight = c.height
	return c, nil
}

// SetSignatureVerifier installs the signing module used for input checks.
func (c *Chain) SetSignatureVerifier(v block.SignatureVerifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifier = v
}

// SetGrantLedger installs the treasury ledger used for grant validation.
func (c *Chain) SetGrantLedger(g GrantLedger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grants = g
}

// SetCriticalLog installs the persistent critical-error channel.
func (c *Chain) SetCriticalLog(cl *logger.CriticalLog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.critical = cl
}

// ApplyBlock validates and applies a block atomically: either every
// transaction takes effect and the height advances, or the ledger is
// unchanged. Returns ErrBlockExists for a duplicate height, an
// *InvalidBlockError for validation failures, and a *SnapshotError when
// the block committed but its snapshot did not persist.
func (c *Chain) ApplyBlock(b *block.Block) error {
	if b == nil || b.Header == nil {
		return invalidBlock("nil block")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := b.Header.BlockNumber
	exists, err := c.storage.HasBlockAtHeight(n)
	if err != nil {
		return fmt.Errorf("failed to probe height %d: %w", n, err)
	}
	if exists {
		return ErrBlockExists
	}
	if n != c.height+1 {
		return invalidBlock("height discontinuity: have %d, got %d", c.height, n)
	}
	if b.Header.PreviousHash != c.tipHash {
		return invalidBlock("previous hash mismatch: tip %s, block declares %s",
			c.tipHash, b.Header.PreviousHash)
	}

	if err := b.IsValid(); err != nil {
		return invalidBlock("%v", err)
	}

	feeSum, executedGrants, err := c.validateTransactions(b)
	if err != nil {
		return err
	}

	// Commit. The block store write happens first; a failure there leaves
	// the ledger untouched.
	if err := c.storage.StoreBlock(b); err != nil {
		return fmt.Errorf("failed to store block: %w", err)
	}
	c.applyToSet(c.utxos, b)
	c.indexBlock(b)
	c.height = n
	c.tipHash = b.Hash()
	if err := c.storage.StoreChainState(&storage.ChainState{
		BestBlockHash: c.tipHash,
		Height:        c.height,
	}); err != nil {
		return fmt.Errorf("failed to store chain state: %w", err)
	}

	if c.grants != nil {
		for _, proposalID := range executedGrants {
			c.grants.MarkExecuted(proposalID, n)
		}
		c.grants.CreditTreasury(c.config.TreasuryShare())
	}

	if err := c.saveSnapshotLocked(); err != nil {
		if c.critical != nil {
			c.critical.Append("chain", n, "snapshot persistence failed: %v", err)
		}
		c.log.Error("snapshot persistence failed at height %d: %v", n, err)
		return &SnapshotError{Height: n, Err: err}
	}
	c.finalizedHeight = n

	c.log.Info("applied block %d (%s), %d transactions, fees %d",
		n, c.tipHash, len(b.Transactions), feeSum)
	return nil
}

// validateTransactions runs the per-transaction economic checks against
// the pre-block set plus outputs created earlier in this block, in block
// order. Returns the ordinary-transaction fee sum and the executed grant
// proposal ids.
func (c *Chain) validateTransactions(b *block.Block) (uint64, []string, error) {
	spent := make(map[string]bool)
	created := make(map[string]*block.TxOutput)
	var feeSum uint64
	var coinbase *block.Transaction
	var executedGrants []string

	for i, tx := range b.Transactions {
		switch tx.Kind() {
		case block.TxCoinbase:
			coinbase = tx
			for vout, out := range tx.Outputs {
				created[block.OutPoint{TxID: tx.TxID, Index: uint32(vout)}.String()] = out
			}

		case block.TxTreasuryGrant:
			proposalID, _, err := block.ParseGrantTxID(tx.TxID)
			if err != nil {
				return 0, nil, invalidBlock("transaction %d: %v", i, err)
			}
			if c.grants == nil {
				return 0, nil, invalidBlock("transaction %d: treasury grant without ledger", i)
			}
			if err := c.grants.ValidateGrant(proposalID, tx.Outputs[0].Amount); err != nil {
				return 0, nil, invalidBlock("transaction %d: %v", i, err)
			}
			executedGrants = append(executedGrants, proposalID)
			created[block.OutPoint{TxID: tx.TxID, Index: 0}.String()] = tx.Outputs[0]

		case block.TxOrdinary:
			var totalIn uint64
			for _, in := range tx.Inputs {
				key := in.OutPoint().String()
				if spent[key] {
					return 0, nil, invalidBlock("transaction %d: outpoint %s already spent in block", i, key)
				}
				out := created[key]
				if out == nil {
					if u := c.utxos.Get(in.OutPoint()); u != nil {
						out = u.Output
					}
				}
				if out == nil {
					return 0, nil, invalidBlock("transaction %d: unknown input %s", i, key)
				}
				if c.verifier != nil {
					if err := c.verifier.VerifyInput(tx, in, out.Address); err != nil {
						return 0, nil, invalidBlock("transaction %d: %v", i, err)
					}
				}
				spent[key] = true
				totalIn += out.Amount
			}
			totalOut := tx.TotalOutput()
			if totalIn < totalOut {
				return 0, nil, invalidBlock("transaction %d: outputs %d exceed inputs %d",
					i, totalOut, totalIn)
			}
			feeSum += totalIn - totalOut
			for vout, out := range tx.Outputs {
				created[block.OutPoint{TxID: tx.TxID, Index: uint32(vout)}.String()] = out
			}
		}
	}

	expected := c.config.MasternodePool() + feeSum
	if coinbase.TotalOutput() != expected {
		return 0, nil, invalidBlock("coinbase pays %d, want %d (pool %d + fees %d)",
			coinbase.TotalOutput(), expected, c.config.MasternodePool(), feeSum)
	}

	return feeSum, executedGrants, nil
}

// RollbackToHeight removes all blocks above the target height and rebuilds
// the UTXO set by replay. Atomic against concurrent queries.
func (c *Chain) RollbackToHeight(target uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if target > c.height {
		return fmt.Errorf("cannot roll back to %d: chain height is %d", target, c.height)
	}

	if err := c.storage.DeleteBlocksAbove(target); err != nil {
		return fmt.Errorf("failed to delete blocks above %d: %w", target, err)
	}
	if err := c.rebuildLocked(target); err != nil {
		return err
	}
	if err := c.storage.StoreChainState(&storage.ChainState{
		BestBlockHash: c.tipHash,
		Height:        c.height,
	}); err != nil {
		return fmt.Errorf("failed to store chain state: %w", err)
	}
	if err := c.saveSnapshotLocked(); err != nil {
		if c.critical != nil {
			c.critical.Append("chain", target, "snapshot persistence failed after rollback: %v", err)
		}
		return &SnapshotError{Height: target, Err: err}
	}
	c.finalizedHeight = target

	c.log.Info("rolled back to height %d (%s)", target, c.tipHash)
	return nil
}

// rebuildLocked reconstructs the UTXO set and indexes for heights
// [0..target] by replaying stored blocks, starting from the persisted
// snapshot when one at or below the target exists. The replay runs on a
// scratch set and the live set is repopulated in place: the mempool and
// the finality engine hold read-through references to c.utxos, so the
// pointer must stay stable across rollbacks.
func (c *Chain) rebuildLocked(target uint64) error {
	scratch := utxo.NewSet()
	start := uint64(0)

	if snap, err := c.storage.GetSnapshot(); err == nil && snap.Height <= target {
		var utxos []*utxo.UTXO
		if err := json.Unmarshal(snap.UTXOs, &utxos); err != nil {
			return fmt.Errorf("failed to decode snapshot: %w", err)
		}
		scratch.Restore(utxos)
		start = snap.Height + 1
	}

	c.txHeights = make(map[string]uint64)
	var tip string
	for h := uint64(0); h <= target; h++ {
		b, err := c.storage.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("failed to load block %d for replay: %w", h, err)
		}
		if h >= start {
			c.applyToSet(scratch, b)
		}
		c.indexBlock(b)
		tip = b.Hash()
	}

	c.utxos.Restore(scratch.All())
	c.height = target
	c.tipHash = tip
	return nil
}

// applyToSet applies a block's spends and new outputs to a UTXO set. The
// block has already been validated; replay trusts the stored chain.
func (c *Chain) applyToSet(set *utxo.Set, b *block.Block) {
	for _, tx := range b.Transactions {
		for _, in := range tx.Inputs {
			set.Spend(in.OutPoint())
		}
		coinbaseLike := tx.Kind() != block.TxOrdinary
		for vout, out := range tx.Outputs {
			set.Add(&utxo.UTXO{
				OutPoint: block.OutPoint{TxID: tx.TxID, Index: uint32(vout)},
				Output:   out,
				Height:   b.Header.BlockNumber,
				Coinbase: coinbaseLike,
			})
		}
	}
}

func (c *Chain) indexBlock(b *block.Block) {
	for _, tx := range b.Transactions {
		c.txHeights[tx.TxID] = b.Header.BlockNumber
	}
}

// SaveSnapshot persists the current UTXO set. Exposed for shutdown paths;
// ApplyBlock snapshots automatically.
func (c *Chain) SaveSnapshot() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.saveSnapshotLocked(); err != nil {
		return &SnapshotError{Height: c.height, Err: err}
	}
	c.finalizedHeight = c.height
	return nil
}

func (c *Chain) saveSnapshotLocked() error {
	utxos, err := json.Marshal(c.utxos.All())
	if err != nil {
		return fmt.Errorf("failed to serialize utxo set: %w", err)
	}
	return c.storage.StoreSnapshot(&storage.Snapshot{
		Height: c.height,
		UTXOs:  utxos,
	})
}

// LoadSnapshot restores the in-memory UTXO set from the persisted snapshot
// and replays any newer stored blocks on top.
func (c *Chain) LoadSnapshot() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.storage.GetChainState()
	if err != nil {
		return fmt.Errorf("failed to load chain state: %w", err)
	}
	return c.rebuildLocked(state.Height)
}

// Height returns the chain height.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height
}

// FinalizedHeight returns the last height whose snapshot persisted. It
// trails Height after a snapshot failure.
func (c *Chain) FinalizedHeight() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finalizedHeight
}

// TipHash returns the hash of the best block.
func (c *Chain) TipHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tipHash
}

// GenesisBlock returns the genesis block.
func (c *Chain) GenesisBlock() *block.Block {
	return c.genesis
}

// GetBlockByHeight returns the block at a height, or nil.
func (c *Chain) GetBlockByHeight(height uint64) *block.Block {
	b, err := c.storage.GetBlockByHeight(height)
	if err != nil {
		return nil
	}
	return b
}

// GetBlock returns the block with the given hash, or nil.
func (c *Chain) GetBlock(hash string) *block.Block {
	b, err := c.storage.GetBlock(hash)
	if err != nil {
		return nil
	}
	return b
}

// GetTransaction returns a confirmed transaction and its block height.
func (c *Chain) GetTransaction(txid string) (*block.Transaction, uint64, error) {
	c.mu.RLock()
	height, ok := c.txHeights[txid]
	c.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("transaction %s not found", txid)
	}
	b, err := c.storage.GetBlockByHeight(height)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load block %d: %w", height, err)
	}
	for _, tx := range b.Transactions {
		if tx.TxID == txid {
			return tx, height, nil
		}
	}
	return nil, 0, fmt.Errorf("transaction %s not found", txid)
}

// GetBalance returns the confirmed balance of an address.
func (c *Chain) GetBalance(address string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.utxos.Balance(address)
}

// GetUTXOs returns the UTXOs held by an address.
func (c *Chain) GetUTXOs(address string) []*utxo.UTXO {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.utxos.UTXOsByAddress(address)
}

// GetUTXO returns the UTXO at an outpoint, or nil.
func (c *Chain) GetUTXO(op block.OutPoint) *utxo.UTXO {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.utxos.Get(op)
}

// UTXOSet returns the live UTXO set for read-through use by the mempool
// and the finality engine. The pointer is stable for the lifetime of the
// chain; callers must not mutate it.
func (c *Chain) UTXOSet() *utxo.Set {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.utxos
}

// Config returns the chain's economic parameters.
func (c *Chain) Config() *Config {
	return c.config
}

// Close persists a final snapshot and closes storage.
func (c *Chain) Close() error {
	if err := c.SaveSnapshot(); err != nil {
		c.log.Error("final snapshot failed: %v", err)
	}
	return c.storage.Close()
}

// String returns a short description of the chain.
func (c *Chain) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("Chain{Height: %d, Tip: %s}", c.height, c.tipHash)
}

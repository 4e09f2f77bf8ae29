package mempool

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/timecoin/timecoin/pkg/block"
	"github.com/timecoin/timecoin/pkg/utxo"
)

// Errors surfaced synchronously to submitters.
var (
	ErrDuplicate = errors.New("transaction already in mempool")
	ErrFull      = errors.New("mempool full")
)

// UTXOView is the read-only ledger access the mempool validates against.
type UTXOView interface {
	Get(op block.OutPoint) *utxo.UTXO
}

// Mempool holds validated transactions between instant finality and block
// inclusion. Capacity is bounded by transaction count; when full, the
// lowest-priority entry is evicted if the newcomer outranks it.
type Mempool struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	config  *Config
	utxos   UTXOView
}

// Entry wraps a transaction with mempool metadata.
type Entry struct {
	Transaction  *block.Transaction `json:"transaction"`
	Fee          uint64             `json:"fee"`
	Size         uint64             `json:"size"`
	Priority     uint64             `json:"priority"`
	AddedAt      time.Time          `json:"added_at"`
	PreFinalized bool               `json:"pre_finalized"`
}

// Config holds configuration parameters for the mempool.
type Config struct {
	MaxCount int           // maximum number of transactions held
	MaxAge   time.Duration // entries older than this are swept
}

// DefaultConfig returns the default mempool configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxCount: 50_000,
		MaxAge:   24 * time.Hour,
	}
}

// NewMempool creates a new mempool instance.
func NewMempool(config *Config) *Mempool {
	if config == nil {
		config = DefaultConfig()
	}
	return &Mempool{
		entries: make(map[string]*Entry),
		config:  config,
	}
}

// SetUTXOView sets the ledger view used for input validation. Without a
// view, structural checks still run but input existence does not.
func (mp *Mempool) SetUTXOView(view UTXOView) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.utxos = view
}

// Add validates and inserts a transaction.
func (mp *Mempool) Add(tx *block.Transaction) error {
	return mp.add(tx, false)
}

// AddPreFinalized inserts a transaction that passed instant finality. Its
// entry is flagged so block assembly and observers can distinguish it.
func (mp *Mempool) AddPreFinalized(tx *block.Transaction) error {
	return mp.add(tx, true)
}

func (mp *Mempool) add(tx *block.Transaction, preFinalized bool) error {
	if tx == nil {
		return fmt.Errorf("nil transaction")
	}
	if err := tx.IsValid(); err != nil {
		return fmt.Errorf("transaction validation failed: %w", err)
	}
	if tx.Kind() != block.TxOrdinary {
		return fmt.Errorf("%s transactions are not accepted into the mempool", tx.Kind())
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	if _, exists := mp.entries[tx.TxID]; exists {
		return ErrDuplicate
	}

	fee := uint64(0)
	if mp.utxos != nil {
		totalIn := uint64(0)
		for i, in := range tx.Inputs {
			u := mp.utxos.Get(in.OutPoint())
			if u == nil {
				return fmt.Errorf("input %d references unknown outpoint %s", i, in.OutPoint())
			}
			totalIn += u.Output.Amount
		}
		totalOut := tx.TotalOutput()
		if totalIn < totalOut {
			return fmt.Errorf("outputs %d exceed inputs %d", totalOut, totalIn)
		}
		fee = totalIn - totalOut
	}

	size := estimateSize(tx)
	entry := &Entry{
		Transaction:  tx,
		Fee:          fee,
		Size:         size,
		Priority:     fee * 1000 / size,
		AddedAt:      time.Now(),
		PreFinalized: preFinalized,
	}

	if len(mp.entries) >= mp.config.MaxCount {
		if !mp.evictLowest(entry.Priority) {
			return ErrFull
		}
	}

	mp.entries[tx.TxID] = entry
	return nil
}

// evictLowest removes the lowest-priority entry if it ranks below the
// incoming priority. Pre-finalized entries are never evicted.
func (mp *Mempool) evictLowest(incoming uint64) bool {
	var victim *Entry
	for _, e := range mp.entries {
		if e.PreFinalized {
			continue
		}
		if victim == nil || e.Priority < victim.Priority ||
			(e.Priority == victim.Priority && e.AddedAt.Before(victim.AddedAt)) {
			victim = e
		}
	}
	if victim == nil || victim.Priority >= incoming {
		return false
	}
	delete(mp.entries, victim.Transaction.TxID)
	return true
}

// Remove deletes a transaction. Returns true if it was present.
func (mp *Mempool) Remove(txid string) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if _, exists := mp.entries[txid]; !exists {
		return false
	}
	delete(mp.entries, txid)
	return true
}

// Contains reports whether a transaction is in the mempool.
func (mp *Mempool) Contains(txid string) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	_, exists := mp.entries[txid]
	return exists
}

// Get returns the transaction with the given id, or nil.
func (mp *Mempool) Get(txid string) *block.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	entry, exists := mp.entries[txid]
	if !exists {
		return nil
	}
	return entry.Transaction
}

// Select returns up to maxCount transactions ordered by priority
// descending, then insertion time ascending, then txid. Selection does not
// remove; removal happens on confirmation.
func (mp *Mempool) Select(maxCount int) []*block.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	sorted := make([]*Entry, 0, len(mp.entries))
	for _, e := range mp.entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		if !sorted[i].AddedAt.Equal(sorted[j].AddedAt) {
			return sorted[i].AddedAt.Before(sorted[j].AddedAt)
		}
		return sorted[i].Transaction.TxID < sorted[j].Transaction.TxID
	})

	if maxCount > 0 && len(sorted) > maxCount {
		sorted = sorted[:maxCount]
	}
	txs := make([]*block.Transaction, len(sorted))
	for i, e := range sorted {
		txs[i] = e.Transaction
	}
	return txs
}

// SelectPreFinalized returns the pre-finalized transactions, the canonical
// input set for block production.
func (mp *Mempool) SelectPreFinalized() []*block.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	var txs []*block.Transaction
	for _, e := range mp.entries {
		if e.PreFinalized {
			txs = append(txs, e.Transaction)
		}
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].TxID < txs[j].TxID })
	return txs
}

// Count returns the number of transactions held.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.entries)
}

// Clear removes all transactions.
func (mp *Mempool) Clear() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.entries = make(map[string]*Entry)
}

// CleanupStale removes entries older than the configured maximum age and
// returns how many were swept.
func (mp *Mempool) CleanupStale() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	cutoff := time.Now().Add(-mp.config.MaxAge)
	removed := 0
	for txid, e := range mp.entries {
		if e.AddedAt.Before(cutoff) {
			delete(mp.entries, txid)
			removed++
		}
	}
	return removed
}

// Serialize returns the mempool contents for persistence across restarts.
func (mp *Mempool) Serialize() ([]byte, error) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	entries := make([]*Entry, 0, len(mp.entries))
	for _, e := range mp.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Transaction.TxID < entries[j].Transaction.TxID
	})
	return json.Marshal(entries)
}

// Restore loads persisted entries, discarding any older than the maximum
// age. Returns how many entries were restored.
func (mp *Mempool) Restore(data []byte) (int, error) {
	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("failed to decode mempool: %w", err)
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	cutoff := time.Now().Add(-mp.config.MaxAge)
	restored := 0
	for _, e := range entries {
		if e.Transaction == nil || e.AddedAt.Before(cutoff) {
			continue
		}
		if len(mp.entries) >= mp.config.MaxCount {
			break
		}
		mp.entries[e.Transaction.TxID] = e
		restored++
	}
	return restored, nil
}

// estimateSize approximates the serialized transaction size used in the
// priority formula.
func estimateSize(tx *block.Transaction) uint64 {
	size := uint64(4 + 8 + 8) // version, lock time, timestamp
	for _, in := range tx.Inputs {
		size += uint64(len(in.PrevTxID)) + 4 + uint64(len(in.Signature)) + uint64(len(in.PubKey))
	}
	for _, out := range tx.Outputs {
		size += 8 + uint64(len(out.Address))
	}
	if size == 0 {
		size = 1
	}
	return size
}

// String returns a short description of the mempool.
func (mp *Mempool) String() string {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return fmt.Sprintf("Mempool{Transactions: %d/%d}", len(mp.entries), mp.config.MaxCount)
}

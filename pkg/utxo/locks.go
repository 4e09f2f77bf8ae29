package utxo

import (
	"fmt"
	"sync"

	"github.com/timecoin/timecoin/pkg/block"
)

// LockSet tracks outpoints locked during instant-finality voting. A locked
// outpoint is still readable but cannot be locked by another transaction or
// spent between blocks. Acquisition is all-or-nothing across a
// transaction's full input list so two transactions can never deadlock on
// partially overlapping inputs.
type LockSet struct {
	mu     sync.Mutex
	byOp   map[string]string   // outpoint key -> holding txid
	byTxID map[string][]string // txid -> held outpoint keys
}

// NewLockSet creates an empty lock set.
func NewLockSet() *LockSet {
	return &LockSet{
		byOp:   make(map[string]string),
		byTxID: make(map[string][]string),
	}
}

// Acquire locks every outpoint for the given transaction, or none of them.
func (ls *LockSet) Acquire(txid string, ops []block.OutPoint) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for _, op := range ops {
		if holder, locked := ls.byOp[op.String()]; locked {
			return fmt.Errorf("outpoint %s locked by %s", op, holder)
		}
	}
	keys := make([]string, 0, len(ops))
	for _, op := range ops {
		key := op.String()
		ls.byOp[key] = txid
		keys = append(keys, key)
	}
	ls.byTxID[txid] = keys
	return nil
}

// Release unlocks every outpoint held by the transaction.
func (ls *LockSet) Release(txid string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for _, key := range ls.byTxID[txid] {
		delete(ls.byOp, key)
	}
	delete(ls.byTxID, txid)
}

// IsLocked reports whether the outpoint is currently locked.
func (ls *LockSet) IsLocked(op block.OutPoint) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	_, locked := ls.byOp[op.String()]
	return locked
}

// Holder returns the txid holding the outpoint, if any.
func (ls *LockSet) Holder(op block.OutPoint) (string, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	holder, locked := ls.byOp[op.String()]
	return holder, locked
}

// Count returns the number of locked outpoints.
func (ls *LockSet) Count() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.byOp)
}

package utxo

import (
	"fmt"
	"sort"
	"sync"

	"github.com/timecoin/timecoin/pkg/block"
)

// UTXO is an unspent transaction output together with the context of its
// creation.
type UTXO struct {
	OutPoint block.OutPoint  `json:"outpoint"`
	Output   *block.TxOutput `json:"output"`
	Height   uint64          `json:"height"`
	Coinbase bool            `json:"coinbase"`
}

// Set is the set of unspent transaction outputs. The chain engine is the
// only writer; other components hold read-through references.
type Set struct {
	mu       sync.RWMutex
	utxos    map[string]*UTXO  // key: "txid:index"
	balances map[string]uint64 // address -> balance
}

// NewSet creates an empty UTXO set.
func NewSet() *Set {
	return &Set{
		utxos:    make(map[string]*UTXO),
		balances: make(map[string]uint64),
	}
}

// Add inserts a UTXO. Adding an outpoint that is already present is a
// programming error upstream and is reported rather than silently merged.
func (s *Set) Add(u *UTXO) error {
	if u == nil || u.Output == nil {
		return fmt.Errorf("nil utxo")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := u.OutPoint.String()
	if _, exists := s.utxos[key]; exists {
		return fmt.Errorf("outpoint %s already present", key)
	}
	s.utxos[key] = u
	s.balances[u.Output.Address] += u.Output.Amount
	return nil
}

// Spend removes a UTXO and returns it, or nil if absent.
func (s *Set) Spend(op block.OutPoint) *UTXO {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := op.String()
	u, exists := s.utxos[key]
	if !exists {
		return nil
	}
	s.balances[u.Output.Address] -= u.Output.Amount
	if s.balances[u.Output.Address] == 0 {
		delete(s.balances, u.Output.Address)
	}
	delete(s.utxos, key)
	return u
}

// Get returns the UTXO at the given outpoint, or nil.
func (s *Set) Get(op block.OutPoint) *UTXO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.utxos[op.String()]
}

// Balance returns the confirmed balance of an address.
func (s *Set) Balance(address string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[address]
}

// UTXOsByAddress returns all UTXOs held by an address, sorted by outpoint
// for stable output.
func (s *Set) UTXOsByAddress(address string) []*UTXO {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*UTXO
	for _, u := range s.utxos {
		if u.Output.Address == address {
			result = append(result, u)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OutPoint.String() < result[j].OutPoint.String()
	})
	return result
}

// Count returns the number of UTXOs in the set.
func (s *Set) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.utxos)
}

// Clone returns a deep copy of the set. Used by rollback replay and by
// snapshot serialization.
func (s *Set) Clone() *Set {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clone := NewSet()
	for key, u := range s.utxos {
		out := *u.Output
		clone.utxos[key] = &UTXO{
			OutPoint: u.OutPoint,
			Output:   &out,
			Height:   u.Height,
			Coinbase: u.Coinbase,
		}
	}
	for addr, bal := range s.balances {
		clone.balances[addr] = bal
	}
	return clone
}

// All returns every UTXO sorted by outpoint. Snapshot serialization and
// tests rely on the stable order.
func (s *Set) All() []*UTXO {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*UTXO, 0, len(s.utxos))
	for _, u := range s.utxos {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OutPoint.String() < result[j].OutPoint.String()
	})
	return result
}

// Restore replaces the set contents with the given UTXOs.
func (s *Set) Restore(utxos []*UTXO) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.utxos = make(map[string]*UTXO, len(utxos))
	s.balances = make(map[string]uint64)
	for _, u := range utxos {
		s.utxos[u.OutPoint.String()] = u
		s.balances[u.Output.Address] += u.Output.Amount
	}
}

// String returns a short description of the set.
func (s *Set) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("UTXOSet{Count: %d, Addresses: %d}", len(s.utxos), len(s.balances))
}

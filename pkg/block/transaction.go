package block

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Monetary constants. All amounts are unsigned integers counting base units.
const (
	// BaseUnitsPerTime is the number of base units in one TIME.
	BaseUnitsPerTime uint64 = 100_000_000
)

// Address format constants.
const (
	AddressPrefix = "TIME1"
	AddressLength = 42
)

// TreasuryGrantPrefix marks the txid of a protocol-issued treasury grant.
const TreasuryGrantPrefix = "treasury_grant_"

// TxOutput is a spendable amount assigned to an address.
type TxOutput struct {
	Amount  uint64 `json:"amount"`
	Address string `json:"address"`
}

// OutPoint uniquely identifies a transaction output.
type OutPoint struct {
	TxID  string `json:"txid"`
	Index uint32 `json:"vout"`
}

// String returns the canonical "txid:index" form used as a map key and in
// txid preimages.
func (op OutPoint) String() string {
	return fmt.Sprintf("%s:%d", op.TxID, op.Index)
}

// TxInput references a previous output and carries the spender's signature
// over the transaction's signing hash.
type TxInput struct {
	PrevTxID  string `json:"prev_txid"`
	PrevIndex uint32 `json:"prev_index"`
	Signature []byte `json:"signature"`
	PubKey    []byte `json:"pub_key"`
}

// OutPoint returns the outpoint this input spends.
func (in *TxInput) OutPoint() OutPoint {
	return OutPoint{TxID: in.PrevTxID, Index: in.PrevIndex}
}

// TxKind distinguishes the three transaction variants.
type TxKind int

const (
	TxOrdinary TxKind = iota
	TxCoinbase
	TxTreasuryGrant
)

// String returns the human-readable name of the transaction kind.
func (k TxKind) String() string {
	switch k {
	case TxOrdinary:
		return "ordinary"
	case TxCoinbase:
		return "coinbase"
	case TxTreasuryGrant:
		return "treasury_grant"
	default:
		return "unknown"
	}
}

// Transaction is the on-ledger transaction record. TxID is derived from the
// remaining fields for ordinary and coinbase transactions; treasury grants
// carry a prescribed literal identifier instead.
type Transaction struct {
	TxID      string      `json:"txid"`
	Version   uint32      `json:"version"`
	Inputs    []*TxInput  `json:"inputs"`
	Outputs   []*TxOutput `json:"outputs"`
	LockTime  uint64      `json:"lock_time"`
	Timestamp int64       `json:"timestamp"`
}

// Kind classifies the transaction. Dispatch rule: non-empty inputs is
// ordinary; empty inputs with the grant txid prefix is a treasury grant;
// empty inputs otherwise is a coinbase.
func (tx *Transaction) Kind() TxKind {
	if len(tx.Inputs) > 0 {
		return TxOrdinary
	}
	if strings.HasPrefix(tx.TxID, TreasuryGrantPrefix) {
		return TxTreasuryGrant
	}
	return TxCoinbase
}

// sigPreimage assembles the canonical byte string hashed for both the txid
// and the signing hash: version, sorted input references, outputs in order,
// lock time, timestamp.
func (tx *Transaction) sigPreimage() []byte {
	data := make([]byte, 0, 64)

	versionBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(versionBytes, tx.Version)
	data = append(data, versionBytes...)

	refs := make([]string, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		refs = append(refs, in.OutPoint().String())
	}
	sort.Strings(refs)
	for _, ref := range refs {
		data = append(data, []byte(ref)...)
	}

	amountBytes := make([]byte, 8)
	for _, out := range tx.Outputs {
		binary.LittleEndian.PutUint64(amountBytes, out.Amount)
		data = append(data, amountBytes...)
		data = append(data, []byte(out.Address)...)
	}

	lockTimeBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(lockTimeBytes, tx.LockTime)
	data = append(data, lockTimeBytes...)

	timestampBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(timestampBytes, uint64(tx.Timestamp))
	data = append(data, timestampBytes...)

	return data
}

// ComputeTxID derives the transaction identifier: lowercase hex of
// SHA3-256 over the canonical preimage. Treasury grants do not use this;
// their identifier is the prescribed grant string.
func (tx *Transaction) ComputeTxID() string {
	sum := sha3.Sum256(tx.sigPreimage())
	return hex.EncodeToString(sum[:])
}

// SigHash returns the digest each input's signature commits to.
func (tx *Transaction) SigHash() []byte {
	sum := sha3.Sum256(tx.sigPreimage())
	return sum[:]
}

// TotalOutput sums the transaction's output amounts.
func (tx *Transaction) TotalOutput() uint64 {
	var total uint64
	for _, out := range tx.Outputs {
		total += out.Amount
	}
	return total
}

// IsValid performs structural validation that needs no ledger context.
func (tx *Transaction) IsValid() error {
	if tx.Version == 0 {
		return fmt.Errorf("invalid version: %d", tx.Version)
	}
	if tx.TxID == "" {
		return fmt.Errorf("missing txid")
	}
	if len(tx.Outputs) == 0 {
		return fmt.Errorf("transaction must have at least one output")
	}

	switch tx.Kind() {
	case TxOrdinary:
		seen := make(map[string]bool, len(tx.Inputs))
		for i, in := range tx.Inputs {
			if in.PrevTxID == "" {
				return fmt.Errorf("input %d: missing previous txid", i)
			}
			if len(in.Signature) == 0 {
				return fmt.Errorf("input %d: missing signature", i)
			}
			if len(in.PubKey) == 0 {
				return fmt.Errorf("input %d: missing public key", i)
			}
			key := in.OutPoint().String()
			if seen[key] {
				return fmt.Errorf("input %d: duplicate outpoint %s", i, key)
			}
			seen[key] = true
		}
		if tx.TxID != tx.ComputeTxID() {
			return fmt.Errorf("txid mismatch: declared %s", tx.TxID)
		}
	case TxCoinbase:
		if tx.TxID != tx.ComputeTxID() {
			return fmt.Errorf("coinbase txid mismatch: declared %s", tx.TxID)
		}
	case TxTreasuryGrant:
		if len(tx.Outputs) != 1 {
			return fmt.Errorf("treasury grant must have exactly one output, got %d", len(tx.Outputs))
		}
		if _, _, err := ParseGrantTxID(tx.TxID); err != nil {
			return fmt.Errorf("invalid grant txid: %w", err)
		}
	}

	for i, out := range tx.Outputs {
		if out.Amount == 0 {
			return fmt.Errorf("output %d has zero amount", i)
		}
		if err := ValidateAddress(out.Address); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
	}

	return nil
}

// String returns a short description of the transaction.
func (tx *Transaction) String() string {
	return fmt.Sprintf("Transaction{TxID: %s, Kind: %s, Inputs: %d, Outputs: %d}",
		tx.TxID, tx.Kind(), len(tx.Inputs), len(tx.Outputs))
}

// GrantTxID builds the prescribed identifier of a treasury grant.
func GrantTxID(proposalID string, height uint64) string {
	return fmt.Sprintf("%s%s_%d", TreasuryGrantPrefix, proposalID, height)
}

// ParseGrantTxID extracts the proposal id and block height from a grant
// identifier. The height is the suffix after the last underscore; the
// proposal id is everything between the prefix and that underscore.
func ParseGrantTxID(txid string) (string, uint64, error) {
	if !strings.HasPrefix(txid, TreasuryGrantPrefix) {
		return "", 0, fmt.Errorf("missing %q prefix", TreasuryGrantPrefix)
	}
	rest := strings.TrimPrefix(txid, TreasuryGrantPrefix)
	sep := strings.LastIndex(rest, "_")
	if sep <= 0 || sep == len(rest)-1 {
		return "", 0, fmt.Errorf("malformed grant txid %q", txid)
	}
	height, err := strconv.ParseUint(rest[sep+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed grant height in %q: %w", txid, err)
	}
	return rest[:sep], height, nil
}

// ValidateAddress checks the structural address format: the TIME1 prefix,
// the fixed total length, and an alphanumeric body. The address is otherwise
// opaque to the ledger.
func ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, AddressPrefix) {
		return fmt.Errorf("address %q missing %s prefix", addr, AddressPrefix)
	}
	if len(addr) != AddressLength {
		return fmt.Errorf("address %q has length %d, want %d", addr, len(addr), AddressLength)
	}
	for _, c := range addr {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
			return fmt.Errorf("address %q contains non-alphanumeric character", addr)
		}
	}
	return nil
}

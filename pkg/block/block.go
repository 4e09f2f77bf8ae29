package block

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

// Header contains the block header information. Timestamp is the Unix
// second of the scheduled production boundary (midnight UTC), identical on
// every producing node.
type Header struct {
	BlockNumber  uint64 `json:"block_number"`
	Timestamp    int64  `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	MerkleRoot   string `json:"merkle_root"`
	ValidatorID  string `json:"validator_id"`
}

// Block is a header plus its ordered transaction list. Transaction order is
// consensus-relevant: coinbase first, ordinary transactions sorted by txid,
// then treasury grants sorted by proposal id.
type Block struct {
	Header       *Header        `json:"header"`
	Transactions []*Transaction `json:"transactions"`
}

// Time returns the header timestamp as a UTC time.
func (h *Header) Time() time.Time {
	return time.Unix(h.Timestamp, 0).UTC()
}

// Hash computes the block hash: hex of SHA3-256 applied twice over the
// concatenation of block number (little-endian), RFC3339 timestamp,
// previous hash, merkle root, and validator id.
func (h *Header) Hash() string {
	data := make([]byte, 0, 128)

	numberBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(numberBytes, h.BlockNumber)
	data = append(data, numberBytes...)

	data = append(data, []byte(h.Time().Format(time.RFC3339))...)
	data = append(data, []byte(h.PreviousHash)...)
	data = append(data, []byte(h.MerkleRoot)...)
	data = append(data, []byte(h.ValidatorID)...)

	first := sha3.Sum256(data)
	second := sha3.Sum256(first[:])
	return hex.EncodeToString(second[:])
}

// IsValid checks the header in isolation.
func (h *Header) IsValid() error {
	if h.Timestamp <= 0 {
		return fmt.Errorf("invalid timestamp %d", h.Timestamp)
	}
	if h.MerkleRoot == "" {
		return fmt.Errorf("missing merkle root")
	}
	if h.BlockNumber > 0 && h.PreviousHash == "" {
		return fmt.Errorf("missing previous hash")
	}
	if h.ValidatorID == "" {
		return fmt.Errorf("missing validator id")
	}
	return nil
}

// Hash returns the block's hash.
func (b *Block) Hash() string {
	return b.Header.Hash()
}

// TxIDs returns the ordered transaction identifiers.
func (b *Block) TxIDs() []string {
	ids := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.TxID
	}
	return ids
}

// ComputeMerkleRoot recomputes the merkle root over the block's transaction
// identifiers.
func (b *Block) ComputeMerkleRoot() string {
	return MerkleRoot(b.TxIDs())
}

// MerkleRoot reduces a txid list to a single root: adjacent pairs are
// hashed together level by level, duplicating the last entry when a level
// has an odd count. A single txid reduces through one hash pass; an empty
// list reduces to the hash of nothing.
func MerkleRoot(txids []string) string {
	if len(txids) == 0 {
		sum := sha3.Sum256(nil)
		return hex.EncodeToString(sum[:])
	}
	if len(txids) == 1 {
		sum := sha3.Sum256([]byte(txids[0]))
		return hex.EncodeToString(sum[:])
	}

	level := make([]string, len(txids))
	copy(level, txids)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			sum := sha3.Sum256([]byte(level[i] + level[i+1]))
			next = append(next, hex.EncodeToString(sum[:]))
		}
		level = next
	}

	return level[0]
}

// IsValid performs context-free block validation: header shape, merkle
// consistency, coinbase uniqueness, per-transaction structure, and the
// no-double-spend-within-a-block rule.
func (b *Block) IsValid() error {
	if b.Header == nil {
		return fmt.Errorf("block header is nil")
	}
	if err := b.Header.IsValid(); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	if len(b.Transactions) == 0 {
		return fmt.Errorf("block has no transactions")
	}

	if root := b.ComputeMerkleRoot(); root != b.Header.MerkleRoot {
		return fmt.Errorf("merkle root mismatch: header %s, computed %s",
			b.Header.MerkleRoot, root)
	}

	coinbaseCount := 0
	spent := make(map[string]string)
	for i, tx := range b.Transactions {
		if err := tx.IsValid(); err != nil {
			return fmt.Errorf("invalid transaction %d: %w", i, err)
		}
		switch tx.Kind() {
		case TxCoinbase:
			coinbaseCount++
		case TxTreasuryGrant:
			_, grantHeight, err := ParseGrantTxID(tx.TxID)
			if err != nil {
				return fmt.Errorf("transaction %d: %w", i, err)
			}
			if grantHeight != b.Header.BlockNumber {
				return fmt.Errorf("transaction %d: grant height %d does not match block %d",
					i, grantHeight, b.Header.BlockNumber)
			}
		case TxOrdinary:
			for _, in := range tx.Inputs {
				key := in.OutPoint().String()
				if prev, ok := spent[key]; ok {
					return fmt.Errorf("outpoint %s spent by both %s and %s", key, prev, tx.TxID)
				}
				spent[key] = tx.TxID
			}
		}
	}
	if coinbaseCount != 1 {
		return fmt.Errorf("block must contain exactly one coinbase, got %d", coinbaseCount)
	}
	if b.Transactions[0].Kind() != TxCoinbase {
		return fmt.Errorf("coinbase must be the first transaction")
	}

	return nil
}

// String returns a short description of the block.
func (b *Block) String() string {
	return fmt.Sprintf("Block{Number: %d, Hash: %s, Transactions: %d}",
		b.Header.BlockNumber, b.Hash(), len(b.Transactions))
}

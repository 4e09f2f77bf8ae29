package block

import (
	"encoding/json"
	"fmt"
)

// GenesisDoc is the external genesis record: the complete first block plus
// its declared hash. The node loads it verbatim and verifies the hash by
// recomputation; nothing in genesis depends on the local clock.
type GenesisDoc struct {
	Block *Block `json:"block"`
	Hash  string `json:"hash"`
}

// DevGenesisTimestamp is the fixed genesis boundary for development
// networks: 2025-01-01T00:00:00Z.
const DevGenesisTimestamp int64 = 1735689600

// DevGenesis builds the deterministic development-network genesis block.
// Production networks load genesis from an external document instead.
func DevGenesis() *Block {
	coinbase := &Transaction{
		Version: 1,
		Outputs: []*TxOutput{{
			Amount:  1_000_000 * BaseUnitsPerTime,
			Address: "TIME1genesis000000000000000000000000000000",
		}},
		Timestamp: DevGenesisTimestamp,
	}
	coinbase.TxID = coinbase.ComputeTxID()

	b := &Block{
		Header: &Header{
			BlockNumber: 0,
			Timestamp:   DevGenesisTimestamp,
			ValidatorID: "genesis",
		},
		Transactions: []*Transaction{coinbase},
	}
	b.Header.MerkleRoot = b.ComputeMerkleRoot()
	return b
}

// LoadGenesis parses and verifies a genesis document.
func LoadGenesis(data []byte) (*Block, error) {
	var doc GenesisDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse genesis: %w", err)
	}
	if doc.Block == nil || doc.Block.Header == nil {
		return nil, fmt.Errorf("genesis block missing")
	}
	if doc.Block.Header.BlockNumber != 0 {
		return nil, fmt.Errorf("genesis block number must be 0, got %d", doc.Block.Header.BlockNumber)
	}
	if computed := doc.Block.Hash(); computed != doc.Hash {
		return nil, fmt.Errorf("genesis hash mismatch: declared %s, computed %s", doc.Hash, computed)
	}
	if root := doc.Block.ComputeMerkleRoot(); root != doc.Block.Header.MerkleRoot {
		return nil, fmt.Errorf("genesis merkle root mismatch")
	}
	return doc.Block, nil
}

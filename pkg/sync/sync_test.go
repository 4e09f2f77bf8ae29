package sync

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timecoin/timecoin/pkg/block"
	"github.com/timecoin/timecoin/pkg/chain"
	"github.com/timecoin/timecoin/pkg/masternode"
	"github.com/timecoin/timecoin/pkg/storage"
	"github.com/timecoin/timecoin/pkg/utxo"
)

const addrReward = "TIME1reward0000000000000000000000000000000"

// fakeSource serves blocks from per-peer chains.
type fakeSource struct {
	order     []string
	chains    map[string]*chain.Chain
	overrides map[string]map[uint64]*block.Block // peer -> height -> block
	fail      map[string]bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		chains:    make(map[string]*chain.Chain),
		overrides: make(map[string]map[uint64]*block.Block),
		fail:      make(map[string]bool),
	}
}

func (f *fakeSource) addPeer(id string, c *chain.Chain) {
	f.order = append(f.order, id)
	f.chains[id] = c
}

func (f *fakeSource) Peers() []string { return f.order }

func (f *fakeSource) RequestChainInfo(ctx context.Context, peer string) (*ChainInfo, error) {
	if f.fail[peer] {
		return nil, fmt.Errorf("peer %s unreachable", peer)
	}
	c, ok := f.chains[peer]
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", peer)
	}
	return &ChainInfo{Height: c.Height(), TipHash: c.TipHash()}, nil
}

func (f *fakeSource) RequestBlockByHeight(ctx context.Context, peer string, height uint64) (*block.Block, error) {
	if f.fail[peer] {
		return nil, fmt.Errorf("peer %s unreachable", peer)
	}
	if byHeight, ok := f.overrides[peer]; ok {
		if b, ok := byHeight[height]; ok {
			return b, nil
		}
	}
	c, ok := f.chains[peer]
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", peer)
	}
	b := c.GetBlockByHeight(height)
	if b == nil {
		return nil, fmt.Errorf("no block at height %d", height)
	}
	return b, nil
}

func newChain(t *testing.T) *chain.Chain {
	t.Helper()
	c, err := chain.NewChain(chain.DefaultConfig(), storage.NewMemoryStore(), block.DevGenesis(), nil)
	require.NoError(t, err)
	return c
}

// extend appends one reward-only block paying the given address.
func extend(t *testing.T, c *chain.Chain, minerAddr string) *block.Block {
	t.Helper()
	height := c.Height() + 1
	ts := block.DevGenesisTimestamp + int64(height)*86_400

	coinbase := &block.Transaction{
		Version: 1,
		Outputs: []*block.TxOutput{{
			Amount:  c.Config().MasternodePool(),
			Address: minerAddr,
		}},
		Timestamp: ts,
	}
	coinbase.TxID = coinbase.ComputeTxID()

	b := &block.Block{
		Header: &block.Header{
			BlockNumber:  height,
			Timestamp:    ts,
			PreviousHash: c.TipHash(),
			ValidatorID:  "mn-alpha",
		},
		Transactions: []*block.Transaction{coinbase},
	}
	b.Header.MerkleRoot = b.ComputeMerkleRoot()
	require.NoError(t, c.ApplyBlock(b))
	return b
}

func testRegistry(t *testing.T, tiers map[string]masternode.Tier) *masternode.Registry {
	t.Helper()
	registry := masternode.NewRegistry(nil)
	set := utxo.NewSet()
	i := uint32(0)
	for id, tier := range tiers {
		op := block.OutPoint{TxID: strings.Repeat("c", 64), Index: i}
		require.NoError(t, set.Add(&utxo.UTXO{
			OutPoint: op,
			Output:   &block.TxOutput{Amount: tier.Collateral(), Address: addrReward},
		}))
		_, err := registry.Register(id, op, nil, addrReward, set)
		require.NoError(t, err)
		i++
	}
	return registry
}

func fastConfig() *Config {
	return &Config{
		RequestTimeout: time.Second,
		RateLimitEvery: 10,
		RateLimitPause: time.Millisecond,
	}
}

func TestSyncToHeight(t *testing.T) {
	remote := newChain(t)
	for i := 0; i < 3; i++ {
		extend(t, remote, addrReward)
	}

	source := newFakeSource()
	source.addPeer("mnb", remote)

	local := newChain(t)
	registry := testRegistry(t, map[string]masternode.Tier{"mnb": masternode.TierBronze})
	m := NewManager(fastConfig(), local, registry, source, nil)

	require.NoError(t, m.SyncToHeight(context.Background(), 3))
	assert.Equal(t, uint64(3), local.Height())
	assert.Equal(t, remote.TipHash(), local.TipHash())
}

func TestSyncPeerFailover(t *testing.T) {
	remote := newChain(t)
	extend(t, remote, addrReward)

	source := newFakeSource()
	source.addPeer("mn-dead", remote)
	source.addPeer("mn-live", remote)
	source.fail["mn-dead"] = true

	local := newChain(t)
	registry := testRegistry(t, map[string]masternode.Tier{"mn-live": masternode.TierBronze})
	m := NewManager(fastConfig(), local, registry, source, nil)

	require.NoError(t, m.SyncToHeight(context.Background(), 1))
	assert.Equal(t, uint64(1), local.Height())
}

func TestSyncNoPeers(t *testing.T) {
	local := newChain(t)
	m := NewManager(fastConfig(), local, masternode.NewRegistry(nil), newFakeSource(), nil)
	assert.Error(t, m.SyncToHeight(context.Background(), 1))
}

func TestIsForkBlock(t *testing.T) {
	local := newChain(t)
	b1 := extend(t, local, addrReward)

	m := NewManager(fastConfig(), local, masternode.NewRegistry(nil), newFakeSource(), nil)

	assert.False(t, m.IsForkBlock(b1), "our own block is not a fork")

	// A different block at an occupied height is a fork.
	other := newChain(t)
	divergent := extend(t, other, "TIME1other00000000000000000000000000000000")
	assert.True(t, m.IsForkBlock(divergent))

	// A successor whose previous hash does not match the tip is a fork.
	bad := &block.Block{
		Header: &block.Header{
			BlockNumber:  2,
			Timestamp:    block.DevGenesisTimestamp + 2*86_400,
			PreviousHash: strings.Repeat("0", 64),
			MerkleRoot:   strings.Repeat("a", 64),
			ValidatorID:  "mn-x",
		},
		Transactions: []*block.Transaction{},
	}
	assert.True(t, m.IsForkBlock(bad))
}

func TestResolveForkAdoptsBetterEndorsedChain(t *testing.T) {
	// Local and remote diverge at height 1; the remote chain is longer and
	// its tip carries dominant weight.
	local := newChain(t)
	extend(t, local, "TIME1local00000000000000000000000000000000")

	remote := newChain(t)
	extend(t, remote, addrReward)
	extend(t, remote, addrReward)

	source := newFakeSource()
	source.addPeer("mn-gold", remote)

	registry := testRegistry(t, map[string]masternode.Tier{
		"mn-gold": masternode.TierGold,
	})
	m := NewManager(fastConfig(), local, registry, source, nil)

	require.NoError(t, m.ResolveFork(context.Background()))
	assert.Equal(t, uint64(2), local.Height())
	assert.Equal(t, remote.TipHash(), local.TipHash())
}

func TestResolveForkRollsBackWhenNoChainValidates(t *testing.T) {
	local := newChain(t)
	extend(t, local, "TIME1local00000000000000000000000000000000")

	// The peer diverges and serves a corrupt replacement: it carries a
	// second input-less (coinbase) transaction, so adoption fails block
	// validation.
	remote := newChain(t)
	good := extend(t, remote, addrReward)

	corrupt := &block.Block{
		Header: &block.Header{
			BlockNumber:  1,
			Timestamp:    good.Header.Timestamp,
			PreviousHash: good.Header.PreviousHash,
			ValidatorID:  good.Header.ValidatorID,
		},
		Transactions: []*block.Transaction{good.Transactions[0], {
			Version:   1,
			Outputs:   []*block.TxOutput{{Amount: 1, Address: addrReward}},
			Timestamp: good.Header.Timestamp + 1,
		}},
	}
	corrupt.Transactions[1].TxID = corrupt.Transactions[1].ComputeTxID()
	corrupt.Header.MerkleRoot = corrupt.ComputeMerkleRoot()

	source := newFakeSource()
	source.addPeer("mn-gold", remote)
	source.overrides["mn-gold"] = map[uint64]*block.Block{1: corrupt}
	// The peer advertises a taller chain it cannot actually back.
	extend(t, remote, addrReward)

	registry := testRegistry(t, map[string]masternode.Tier{
		"mn-gold": masternode.TierGold,
	})
	m := NewManager(fastConfig(), local, registry, source, nil)

	require.NoError(t, m.ResolveFork(context.Background()))

	// Network-wide inconsistency: the node falls back to the last agreed
	// height and leaves recreation to the deterministic producer.
	assert.Equal(t, uint64(0), local.Height())
}

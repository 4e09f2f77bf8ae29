package producer

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
	"github.com/timecoin/timecoin/pkg/governance"
	"github.com/timecoin/timecoin/pkg/masternode"
	"github.com/timecoin/timecoin/pkg/mempool"
	"github.com/timecoin/timecoin/pkg/storage"
	"github.com/timecoin/timecoin/pkg/utxo"
)

const addrReward = "TIME1reward0000000000000000000000000000000"

// fakeTransport replays scripted announcements and serves scripted blocks.
type fakeTransport struct {
	announced []*HashAnnouncement
	inbound   chan *HashAnnouncement
	blocks    map[string]*block.Block
}

func newFakeTransport(inbound ...*HashAnnouncement) *fakeTransport {
	ch := make(chan *HashAnnouncement, len(inbound))
	for _, ann := range inbound {
		ch <- ann
	}
	close(ch)
	return &fakeTransport{inbound: ch, blocks: make(map[string]*block.Block)}
}

func (f *fakeTransport) AnnounceCandidateHash(ctx context.Context, ann *HashAnnouncement) error {
	f.announced = append(f.announced, ann)
	return nil
}

func (f *fakeTransport) CandidateHashes() <-chan *HashAnnouncement { return f.inbound }

func (f *fakeTransport) RequestBlockByHash(ctx context.Context, height uint64, hash string) (*block.Block, error) {
	b, ok := f.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("no block for hash %s", hash)
	}
	return b, nil
}

type stack struct {
	producer *Producer
	chain    *chain.Chain
	pool     *mempool.Mempool
	registry *masternode.Registry
	treasury *governance.Treasury
}

// newStack builds a full production stack. Registrations run in the given
// id order with deterministic collateral outpoints so two stacks built
// from the same arguments hold identical consensus inputs.
func newStack(t *testing.T, localID string, transport Transport, ids []string, tiers map[string]masternode.Tier) *stack {
	t.Helper()

	c, err := chain.NewChain(chain.DefaultConfig(), storage.NewMemoryStore(), block.DevGenesis(), nil)
	require.NoError(t, err)

	registry := masternode.NewRegistry(nil)
	for i, id := range ids {
		op := block.OutPoint{TxID: strings.Repeat("c", 64), Index: uint32(i)}
		collateral := utxo.NewSet()
		require.NoError(t, collateral.Add(&utxo.UTXO{
			OutPoint: op,
			Output:   &block.TxOutput{Amount: tiers[id].Collateral(), Address: addrReward},
		}))
		_, err := registry.Register(id, op, nil, rewardAddr(id), collateral)
		require.NoError(t, err)
	}

	pool := mempool.NewMempool(mempool.DefaultConfig())
	treasury := governance.NewTreasury(&governance.Config{
		ApprovalPercent: 67,
		ExecutionWindow: 30 * 24 * time.Hour,
		MinVotingPeriod: time.Minute,
		MaxVotingPeriod: 90 * 24 * time.Hour,
	})
	c.SetGrantLedger(treasury)

	config := DefaultConfig()
	config.LocalID = localID
	config.ReconcileWindow = 200 * time.Millisecond

	return &stack{
		producer: NewProducer(config, c, pool, registry, treasury, nil, transport, nil),
		chain:    c,
		pool:     pool,
		registry: registry,
		treasury: treasury,
	}
}

// rewardAddr derives a fixed-width reward address from a masternode id.
func rewardAddr(id string) string {
	body := strings.ReplaceAll(id, "-", "0")
	return "TIME1" + body + strings.Repeat("0", 37-len(body))
}

func bronzeTrio() ([]string, map[string]masternode.Tier) {
	ids := []string{"mna", "mnb", "mnc"}
	return ids, map[string]masternode.Tier{
		"mna": masternode.TierBronze,
		"mnb": masternode.TierBronze,
		"mnc": masternode.TierBronze,
	}
}

func TestNextBoundary(t *testing.T) {
	now := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)
	next := NextBoundary(now, 24*time.Hour)
	assert.Equal(t, time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC), next)

	atMidnight := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
		NextBoundary(atMidnight, 24*time.Hour))
}

func TestExpectedHeight(t *testing.T) {
	genesis := time.Unix(block.DevGenesisTimestamp, 0).UTC()
	assert.Equal(t, uint64(0), ExpectedHeight(genesis, genesis, 24*time.Hour))
	assert.Equal(t, uint64(1), ExpectedHeight(genesis.Add(24*time.Hour), genesis, 24*time.Hour))
	assert.Equal(t, uint64(3), ExpectedHeight(genesis.Add(24*time.Hour*3+time.Hour), genesis, 24*time.Hour))
	assert.Equal(t, uint64(0), ExpectedHeight(genesis.Add(-time.Hour), genesis, 24*time.Hour))
}

func TestTopMasternodeTieBreak(t *testing.T) {
	nodes := []*masternode.Masternode{
		{ID: "mnb"}, {ID: "mna"}, {ID: "mnc"},
	}
	weights := map[string]uint64{"mna": 1, "mnb": 1, "mnc": 1}
	assert.Equal(t, "mna", TopMasternode(nodes, weights).ID,
		"equal weights break to the lexicographically first id")

	weights["mnc"] = 5
	assert.Equal(t, "mnc", TopMasternode(nodes, weights).ID)
}

func TestSplitRewardsFloorAndRemainder(t *testing.T) {
	nodes := []*masternode.Masternode{
		{ID: "mna", RewardAddress: rewardAddr("mna")},
		{ID: "mnb", RewardAddress: rewardAddr("mnb")},
		{ID: "mnc", RewardAddress: rewardAddr("mnc")},
	}
	weights := map[string]uint64{"mna": 1, "mnb": 1, "mnc": 1}

	outputs, top, err := SplitRewards(100, nodes, weights)
	require.NoError(t, err)
	require.Len(t, outputs, 3)
	assert.Equal(t, "mna", top.ID)

	// floor(100/3) = 33 each, remainder 1 to the top node, listed first.
	assert.Equal(t, uint64(34), outputs[0].Amount)
	assert.Equal(t, rewardAddr("mna"), outputs[0].Address)
	assert.Equal(t, uint64(33), outputs[1].Amount)
	assert.Equal(t, uint64(33), outputs[2].Amount)

	var total uint64
	for _, out := range outputs {
		total += out.Amount
	}
	assert.Equal(t, uint64(100), total, "the split never mints or burns")
}

func TestSplitRewardsWeighted(t *testing.T) {
	nodes := []*masternode.Masternode{
		{ID: "mna", RewardAddress: rewardAddr("mna")},
		{ID: "mnb", RewardAddress: rewardAddr("mnb")},
		{ID: "mnc", RewardAddress: rewardAddr("mnc")},
	}
	weights := map[string]uint64{"mna": 100, "mnb": 10, "mnc": 1}

	outputs, top, err := SplitRewards(111, nodes, weights)
	require.NoError(t, err)
	assert.Equal(t, "mna", top.ID)
	require.Len(t, outputs, 3)
	assert.Equal(t, uint64(100), outputs[0].Amount)
	assert.Equal(t, uint64(10), outputs[1].Amount)
	assert.Equal(t, uint64(1), outputs[2].Amount)
}

func TestSplitRewardsNoNodes(t *testing.T) {
	_, _, err := SplitRewards(100, nil, nil)
	assert.Error(t, err)
}

func TestBuildCandidateRewardOnly(t *testing.T) {
	ids, tiers := bronzeTrio()
	s := newStack(t, "mna", newFakeTransport(), ids, tiers)

	boundary := NextBoundary(time.Now(), 24*time.Hour)
	b, err := s.producer.BuildCandidate(boundary)
	require.NoError(t, err)

	require.Len(t, b.Transactions, 1, "reward-only block carries the coinbase alone")
	coinbase := b.Transactions[0]
	assert.Equal(t, block.TxCoinbase, coinbase.Kind())
	require.Len(t, coinbase.Outputs, 3)

	pool := s.chain.Config().MasternodePool()
	assert.Equal(t, pool/3+pool%3, coinbase.Outputs[0].Amount)
	assert.Equal(t, pool/3, coinbase.Outputs[1].Amount)
	assert.Equal(t, "mna", b.Header.ValidatorID)
	assert.Equal(t, block.MerkleRoot([]string{coinbase.TxID}), b.Header.MerkleRoot,
		"single-leaf reduction of the coinbase txid")
	assert.Equal(t, boundary.Unix(), b.Header.Timestamp)

	require.NoError(t, b.IsValid())
	require.NoError(t, s.chain.ApplyBlock(b))
	assert.Equal(t, uint64(1), s.chain.Height())
}

func TestBuildCandidateDeterministicAcrossNodes(t *testing.T) {
	ids, tiers := bronzeTrio()
	s1 := newStack(t, "mna", newFakeTransport(), ids, tiers)
	s2 := newStack(t, "mnb", newFakeTransport(), ids, tiers)

	boundary := NextBoundary(time.Now(), 24*time.Hour)
	b1, err := s1.producer.BuildCandidate(boundary)
	require.NoError(t, err)
	b2, err := s2.producer.BuildCandidate(boundary)
	require.NoError(t, err)

	assert.Equal(t, b1.Hash(), b2.Hash(),
		"identical canonical inputs must yield bit-identical blocks")
}

func TestBuildCandidateIncludesPreFinalizedAndGrants(t *testing.T) {
	ids, tiers := bronzeTrio()
	s := newStack(t, "mna", newFakeTransport(), ids, tiers)

	// Fund and pre-finalize a spend of the genesis premine.
	g := s.chain.GenesisBlock()
	premine := g.Transactions[0].Outputs[0]
	tx := &block.Transaction{
		Version: 1,
		Inputs: []*block.TxInput{{
			PrevTxID:  g.Transactions[0].TxID,
			PrevIndex: 0,
			Signature: []byte("sig"),
			PubKey:    []byte("key"),
		}},
		Outputs: []*block.TxOutput{
			{Amount: premine.Amount - 100_000, Address: rewardAddr("mnb")},
		},
		Timestamp: block.DevGenesisTimestamp,
	}
	tx.TxID = tx.ComputeTxID()
	require.NoError(t, s.pool.AddPreFinalized(tx))

	// An approved, funded proposal.
	now := time.Now()
	p, err := s.treasury.Submit("grant", "d", addrReward, 100, "mna", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.treasury.CastVote(p.ID, "mna", governance.VoteYes, 100, now))
	s.treasury.CreditTreasury(1_000)

	boundary := now.Add(2 * time.Minute)
	b, err := s.producer.BuildCandidate(boundary)
	require.NoError(t, err)

	require.Len(t, b.Transactions, 3)
	assert.Equal(t, block.TxCoinbase, b.Transactions[0].Kind())
	assert.Equal(t, tx.TxID, b.Transactions[1].TxID)
	assert.Equal(t, block.GrantTxID(p.ID, 1), b.Transactions[2].TxID)

	// The coinbase pool includes the ordinary transaction's fee.
	var coinbaseTotal uint64
	for _, out := range b.Transactions[0].Outputs {
		coinbaseTotal += out.Amount
	}
	assert.Equal(t, s.chain.Config().MasternodePool()+100_000, coinbaseTotal)

	require.NoError(t, s.chain.ApplyBlock(b))
	assert.Equal(t, uint64(100), s.chain.GetBalance(addrReward))
}

func TestReconcileSingleNode(t *testing.T) {
	s := newStack(t, "mna", newFakeTransport(), []string{"mna"},
		map[string]masternode.Tier{"mna": masternode.TierBronze})

	boundary := NextBoundary(time.Now(), 24*time.Hour)
	candidate, err := s.producer.BuildCandidate(boundary)
	require.NoError(t, err)

	adopted, err := s.producer.Reconcile(context.Background(), candidate)
	require.NoError(t, err)
	assert.Equal(t, candidate.Hash(), adopted.Hash())
}

func TestReconcileLocalMajority(t *testing.T) {
	ids, tiers := bronzeTrio()
	boundary := NextBoundary(time.Now(), 24*time.Hour)

	s := newStack(t, "mna", nil, ids, tiers)
	candidate, err := s.producer.BuildCandidate(boundary)
	require.NoError(t, err)

	transport := newFakeTransport(
		&HashAnnouncement{MasternodeID: "mnb", Height: 1, Hash: candidate.Hash()},
		&HashAnnouncement{MasternodeID: "mnc", Height: 1, Hash: candidate.Hash()},
	)
	s.producer.transport = transport

	adopted, err := s.producer.Reconcile(context.Background(), candidate)
	require.NoError(t, err)
	assert.Equal(t, candidate.Hash(), adopted.Hash())
	require.Len(t, transport.announced, 1, "the local hash is broadcast before tallying")
}

func TestReconcileAdoptsMajorityBlock(t *testing.T) {
	ids, tiers := bronzeTrio()
	boundary := NextBoundary(time.Now(), 24*time.Hour)

	// The majority built a block with an extra pre-finalized transaction
	// this node missed.
	other := newStack(t, "mnb", newFakeTransport(), ids, tiers)
	g := other.chain.GenesisBlock()
	tx := &block.Transaction{
		Version: 1,
		Inputs: []*block.TxInput{{
			PrevTxID:  g.Transactions[0].TxID,
			PrevIndex: 0,
			Signature: []byte("sig"),
			PubKey:    []byte("key"),
		}},
		Outputs: []*block.TxOutput{
			{Amount: g.Transactions[0].Outputs[0].Amount, Address: rewardAddr("mnb")},
		},
		Timestamp: block.DevGenesisTimestamp,
	}
	tx.TxID = tx.ComputeTxID()
	require.NoError(t, other.pool.AddPreFinalized(tx))
	majority, err := other.producer.BuildCandidate(boundary)
	require.NoError(t, err)

	s := newStack(t, "mna", nil, ids, tiers)
	candidate, err := s.producer.BuildCandidate(boundary)
	require.NoError(t, err)
	require.NotEqual(t, candidate.Hash(), majority.Hash())

	transport := newFakeTransport(
		&HashAnnouncement{MasternodeID: "mnb", Height: 1, Hash: majority.Hash()},
		&HashAnnouncement{MasternodeID: "mnc", Height: 1, Hash: majority.Hash()},
	)
	transport.blocks[majority.Hash()] = majority
	s.producer.transport = transport

	adopted, err := s.producer.Reconcile(context.Background(), candidate)
	require.NoError(t, err)
	assert.Equal(t, majority.Hash(), adopted.Hash())

	require.NoError(t, s.chain.ApplyBlock(adopted))
}

func TestReconcileNoAgreement(t *testing.T) {
	ids, tiers := bronzeTrio()
	boundary := NextBoundary(time.Now(), 24*time.Hour)

	s := newStack(t, "mna", nil, ids, tiers)
	candidate, err := s.producer.BuildCandidate(boundary)
	require.NoError(t, err)

	// Three-way split: no hash reaches 2/3.
	transport := newFakeTransport(
		&HashAnnouncement{MasternodeID: "mnb", Height: 1, Hash: strings.Repeat("b", 64)},
		&HashAnnouncement{MasternodeID: "mnc", Height: 1, Hash: strings.Repeat("c", 64)},
	)
	s.producer.transport = transport

	_, err = s.producer.Reconcile(context.Background(), candidate)
	assert.ErrorIs(t, err, ErrNoAgreement)
}

package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timecoin/timecoin/pkg/block"
	"github.com/timecoin/timecoin/pkg/chain"
	"github.com/timecoin/timecoin/pkg/finality"
	"github.com/timecoin/timecoin/pkg/governance"
	"github.com/timecoin/timecoin/pkg/logger"
	"github.com/timecoin/timecoin/pkg/masternode"
	"github.com/timecoin/timecoin/pkg/mempool"
)

// ErrNoAgreement is returned when reconciliation cannot find a candidate
// hash with two-thirds weighted support; the round falls through to fork
// recovery.
var ErrNoAgreement = errors.New("no candidate hash reached 2/3 weighted agreement")

// HashAnnouncement is a peer's candidate-hash broadcast during the
// reconciliation window.
type HashAnnouncement struct {
	MasternodeID string `json:"masternode_id"`
	Height       uint64 `json:"height"`
	Hash         string `json:"hash"`
}

// Transport is the network surface the producer needs: announcing its
// candidate hash, receiving peers' announcements, and fetching a full
// block from whoever announced a hash.
type Transport interface {
	AnnounceCandidateHash(ctx context.Context, ann *HashAnnouncement) error
	CandidateHashes() <-chan *HashAnnouncement
	RequestBlockByHash(ctx context.Context, height uint64, hash string) (*block.Block, error)
}

// CatchUpper brings a lagging node forward before production. Implemented
// by the sync manager.
type CatchUpper interface {
	CatchUp(ctx context.Context, target uint64) error
}

// ForkResolver runs the fork-recovery path when reconciliation finds no
// two-thirds agreement. Implemented by the sync manager.
type ForkResolver interface {
	ResolveFork(ctx context.Context) error
}

// Config holds block-production parameters.
type Config struct {
	LocalID         string        // this node's masternode id
	BlockInterval   time.Duration // one block per interval boundary
	ReconcileWindow time.Duration
	ProduceDeadline time.Duration
	MaxTxPerBlock   int
}

// DefaultConfig returns the default production configuration.
func DefaultConfig() *Config {
	return &Config{
		BlockInterval:   24 * time.Hour,
		ReconcileWindow: 10 * time.Second,
		ProduceDeadline: 5 * time.Minute,
		MaxTxPerBlock:   10_000,
	}
}

// Producer assembles the daily block deterministically and reconciles it
// with the network. There is no leader: every masternode runs the same
// procedure over the same canonical inputs and produces a bit-identical
// block.
type Producer struct {
	chain     *chain.Chain
	pool      *mempool.Mempool
	registry  *masternode.Registry
	treasury  *governance.Treasury
	finality  *finality.Engine
	transport Transport
	syncer    CatchUpper
	resolver  ForkResolver
	config    *Config
	log       *logger.Logger
}

// NewProducer creates a block producer.
func NewProducer(config *Config, c *chain.Chain, pool *mempool.Mempool, registry *masternode.Registry, treasury *governance.Treasury, fin *finality.Engine, transport Transport, log *logger.Logger) *Producer {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.NewLogger(nil)
	}
	return &Producer{
		chain:     c,
		pool:      pool,
		registry:  registry,
		treasury:  treasury,
		finality:  fin,
		transport: transport,
		config:    config,
		log:       log,
	}
}

// SetCatchUpper installs the sync manager used by the catch-up path.
func (p *Producer) SetCatchUpper(s CatchUpper) { p.syncer = s }

// SetForkResolver installs the fork-recovery path used when no candidate
// hash reaches agreement.
func (p *Producer) SetForkResolver(r ForkResolver) { p.resolver = r }

// NextBoundary returns the next production boundary (midnight UTC) after
// the given instant.
func NextBoundary(now time.Time, interval time.Duration) time.Time {
	return now.UTC().Truncate(interval).Add(interval)
}

// ExpectedHeight returns the height the chain should have at the given
// instant: full intervals elapsed since the genesis timestamp.
func ExpectedHeight(at, genesis time.Time, interval time.Duration) uint64 {
	if at.Before(genesis) {
		return 0
	}
	return uint64(at.Sub(genesis) / interval)
}

// Run produces one block per interval boundary until the context ends.
func (p *Producer) Run(ctx context.Context) {
	for {
		boundary := NextBoundary(time.Now(), p.config.BlockInterval)
		timer := time.NewTimer(time.Until(boundary))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := p.RunRound(ctx, boundary); err != nil {
				p.log.Error("production round at %s failed: %v", boundary.Format(time.RFC3339), err)
			}
		}
	}
}

// RunRound executes one produce-reconcile-commit sequence for the given
// boundary. The whole round is bounded by the production deadline;
// exceeding it is fatal for the round only — the next boundary catches up.
func (p *Producer) RunRound(parent context.Context, boundary time.Time) error {
	ctx, cancel := context.WithTimeout(parent, p.config.ProduceDeadline)
	defer cancel()

	genesisTime := p.chain.GenesisBlock().Header.Time()
	expected := ExpectedHeight(boundary, genesisTime, p.config.BlockInterval)
	if behind := p.chain.Height() + 1; behind < expected && p.syncer != nil {
		p.log.Info("height %d behind expected %d, catching up", p.chain.Height(), expected)
		if err := p.syncer.CatchUp(ctx, expected-1); err != nil {
			p.log.Warn("catch-up incomplete: %v", err)
		}
	}

	candidate, err := p.BuildCandidate(boundary)
	if err != nil {
		return fmt.Errorf("candidate assembly failed: %w", err)
	}

	adopted, err := p.Reconcile(ctx, candidate)
	if err != nil {
		if errors.Is(err, ErrNoAgreement) && p.resolver != nil {
			p.log.Warn("reconciliation failed at height %d, entering fork recovery",
				candidate.Header.BlockNumber)
			if resolveErr := p.resolver.ResolveFork(ctx); resolveErr != nil {
				return fmt.Errorf("fork recovery failed: %w", resolveErr)
			}
		}
		return err
	}

	if err := p.chain.ApplyBlock(adopted); err != nil {
		var snapErr *chain.SnapshotError
		if errors.As(err, &snapErr) {
			// The block is committed but not finalized: keep the mempool and
			// the locks so the node stays restart-recoverable.
			return err
		}
		return fmt.Errorf("failed to apply block %d: %w", adopted.Header.BlockNumber, err)
	}

	if p.finality != nil {
		p.finality.ReleaseForBlock(adopted)
	}
	p.log.Info("round complete: block %d (%s)", adopted.Header.BlockNumber, adopted.Hash())
	return nil
}

// BuildCandidate assembles the deterministic candidate block for the
// boundary. Every input is fixed: the boundary timestamp, the chain tip,
// the pre-finalized transactions sorted by txid, the active masternode set
// sorted by id, and the eligible grants sorted by proposal id.
func (p *Producer) BuildCandidate(boundary time.Time) (*block.Block, error) {
	height := p.chain.Height() + 1
	prevHash := p.chain.TipHash()
	ts := boundary.Unix()

	p.treasury.TickDeadlines(boundary)

	txs := p.pool.SelectPreFinalized()
	if p.config.MaxTxPerBlock > 0 && len(txs) > p.config.MaxTxPerBlock {
		txs = txs[:p.config.MaxTxPerBlock]
	}

	var feeSum uint64
	utxos := p.chain.UTXOSet()
	for _, tx := range txs {
		var totalIn uint64
		for _, in := range tx.Inputs {
			u := utxos.Get(in.OutPoint())
			if u == nil {
				return nil, fmt.Errorf("pre-finalized transaction %s spends unknown outpoint %s",
					tx.TxID, in.OutPoint())
			}
			totalIn += u.Output.Amount
		}
		feeSum += totalIn - tx.TotalOutput()
	}

	nodes := p.registry.ActiveSet(boundary)
	weights := make(map[string]uint64, len(nodes))
	for _, mn := range nodes {
		weights[mn.ID] = p.registry.VotingPower(mn.ID, boundary)
	}

	rewardPool := p.chain.Config().MasternodePool() + feeSum
	outputs, top, err := SplitRewards(rewardPool, nodes, weights)
	if err != nil {
		return nil, err
	}

	coinbase := &block.Transaction{
		Version:   1,
		Outputs:   outputs,
		Timestamp: ts,
	}
	coinbase.TxID = coinbase.ComputeTxID()

	all := make([]*block.Transaction, 0, len(txs)+2)
	all = append(all, coinbase)
	all = append(all, txs...)

	for _, proposal := range p.treasury.EligibleGrants(boundary) {
		all = append(all, &block.Transaction{
			TxID:    block.GrantTxID(proposal.ID, height),
			Version: 1,
			Outputs: []*block.TxOutput{{
				Amount:  proposal.Amount,
				Address: proposal.Recipient,
			}},
			Timestamp: ts,
		})
	}

	b := &block.Block{
		Header: &block.Header{
			BlockNumber:  height,
			Timestamp:    ts,
			PreviousHash: prevHash,
			ValidatorID:  top.ID,
		},
		Transactions: all,
	}
	b.Header.MerkleRoot = b.ComputeMerkleRoot()
	return b, nil
}

// Reconcile broadcasts the candidate hash, collects weighted peer
// announcements for the reconciliation window, and returns the block to
// commit: the local candidate when it carries two-thirds weighted support,
// a fetched majority block otherwise, or ErrNoAgreement.
func (p *Producer) Reconcile(parent context.Context, candidate *block.Block) (*block.Block, error) {
	height := candidate.Header.BlockNumber
	localHash := candidate.Hash()
	now := candidate.Header.Time()

	totalWeight := p.registry.TotalActiveWeight(now)
	if totalWeight == 0 {
		return nil, fmt.Errorf("no active masternode weight")
	}

	// Single-node networks have nothing to reconcile against.
	if len(p.registry.ActiveSet(now)) == 1 {
		return candidate, nil
	}

	ctx, cancel := context.WithTimeout(parent, p.config.ReconcileWindow)
	defer cancel()

	if err := p.transport.AnnounceCandidateHash(ctx, &HashAnnouncement{
		MasternodeID: p.config.LocalID,
		Height:       height,
		Hash:         localHash,
	}); err != nil {
		p.log.Warn("candidate hash broadcast failed: %v", err)
	}

	hashWeights := map[string]uint64{
		localHash: p.registry.VotingPower(p.config.LocalID, now),
	}
	seen := map[string]bool{p.config.LocalID: true}

collect:
	for {
		select {
		case <-ctx.Done():
			break collect
		case ann, ok := <-p.transport.CandidateHashes():
			if !ok {
				break collect
			}
			if ann == nil || ann.Height != height || seen[ann.MasternodeID] {
				continue
			}
			weight := p.registry.VotingPower(ann.MasternodeID, now)
			if weight == 0 {
				continue
			}
			seen[ann.MasternodeID] = true
			hashWeights[ann.Hash] += weight
		}
	}

	if hashWeights[localHash]*3 >= totalWeight*2 {
		return candidate, nil
	}

	majorityHash, majorityWeight := "", uint64(0)
	for hash, weight := range hashWeights {
		if weight > majorityWeight || (weight == majorityWeight && hash < majorityHash) {
			majorityHash, majorityWeight = hash, weight
		}
	}
	if majorityWeight*3 >= totalWeight*2 && majorityHash != localHash {
		p.log.Warn("local candidate %s lost reconciliation to %s (%d/%d weight)",
			localHash, majorityHash, majorityWeight, totalWeight)
		p.registry.AdjustReputation(p.config.LocalID, -1)
		fetched, err := p.transport.RequestBlockByHash(parent, height, majorityHash)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch majority block %s: %w", majorityHash, err)
		}
		if fetched.Hash() != majorityHash {
			return nil, fmt.Errorf("peer returned block %s, want %s", fetched.Hash(), majorityHash)
		}
		return fetched, nil
	}

	return nil, ErrNoAgreement
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/timecoin/timecoin/pkg/block"
	"github.com/timecoin/timecoin/pkg/chain"
	"github.com/timecoin/timecoin/pkg/logger"
	"github.com/timecoin/timecoin/pkg/masternode"
)

// ChainInfo is a peer's advertised tip.
type ChainInfo struct {
	Height  uint64 `json:"height"`
	TipHash string `json:"tip_hash"`
}

// BlockSource is the network surface sync depends on. Peers are addressed
// by masternode id; the network layer resolves transport addresses.
type BlockSource interface {
	Peers() []string
	RequestChainInfo(ctx context.Context, peer string) (*ChainInfo, error)
	RequestBlockByHeight(ctx context.Context, peer string, height uint64) (*block.Block, error)
}

// Config holds synchronization parameters.
type Config struct {
	RequestTimeout time.Duration // per-block request bound
	RateLimitEvery int           // sleep after this many consecutive downloads
	RateLimitPause time.Duration
}

// DefaultConfig returns the default sync configuration.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: 10 * time.Second,
		RateLimitEvery: 10,
		RateLimitPause: 100 * time.Millisecond,
	}
}

// Manager downloads missing blocks from peers and resolves forks by
// rollback and re-adoption.
type Manager struct {
	mu       sync.Mutex
	chain    *chain.Chain
	registry *masternode.Registry
	source   BlockSource
	config   *Config
	log      *logger.Logger
}

// NewManager creates a sync manager.
func NewManager(config *Config, c *chain.Chain, registry *masternode.Registry, source BlockSource, log *logger.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.NewLogger(nil)
	}
	return &Manager{
		chain:    c,
		registry: registry,
		source:   source,
		config:   config,
		log:      log,
	}
}

// CatchUp brings the chain forward to the target height, downloading each
// missing block from peers in turn. Implements the producer's catch-up
// contract.
func (m *Manager) CatchUp(ctx context.Context, target uint64) error {
	return m.SyncToHeight(ctx, target)
}

// SyncToHeight downloads blocks one height at a time. Each per-block
// request is bounded; a failing peer is skipped for the next. After every
// RateLimitEvery consecutive downloads the loop pauses briefly to avoid
// saturating a peer.
func (m *Manager) SyncToHeight(ctx context.Context, target uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	downloaded := 0
	for height := m.chain.Height() + 1; height <= target; height++ {
		b, err := m.fetchBlock(ctx, height)
		if err != nil {
			return fmt.Errorf("no peer served block %d: %w", height, err)
		}
		if err := m.chain.ApplyBlock(b); err != nil {
			if errors.Is(err, chain.ErrBlockExists) {
				continue
			}
			var invalid *chain.InvalidBlockError
			if errors.As(err, &invalid) && b.Header.PreviousHash != m.chain.TipHash() {
				return fmt.Errorf("fork detected at height %d: %w", height, err)
			}
			return fmt.Errorf("failed to apply block %d: %w", height, err)
		}

		downloaded++
		if m.config.RateLimitEvery > 0 && downloaded%m.config.RateLimitEvery == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.config.RateLimitPause):
			}
		}
	}
	return nil
}

// fetchBlock asks each peer in turn for the block at a height, moving on
// after a per-request timeout or error.
func (m *Manager) fetchBlock(ctx context.Context, height uint64) (*block.Block, error) {
	peers := m.source.Peers()
	if len(peers) == 0 {
		return nil, fmt.Errorf("no peers available")
	}

	var lastErr error
	for _, peer := range peers {
		reqCtx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
		b, err := m.source.RequestBlockByHeight(reqCtx, peer, height)
		cancel()
		if err != nil {
			m.log.Debug("peer %s failed to serve block %d: %v", peer, height, err)
			lastErr = err
			continue
		}
		if b == nil || b.Header == nil || b.Header.BlockNumber != height {
			lastErr = fmt.Errorf("peer %s returned wrong block for height %d", peer, height)
			continue
		}
		return b, nil
	}
	return nil, lastErr
}

// IsForkBlock reports whether an incoming block conflicts with the local
// chain: either a different block at an existing height, or a successor
// whose previous hash does not match the local tip.
func (m *Manager) IsForkBlock(b *block.Block) bool {
	if b == nil || b.Header == nil {
		return false
	}
	n := b.Header.BlockNumber
	height := m.chain.Height()
	if n <= height {
		local := m.chain.GetBlockByHeight(n)
		return local != nil && local.Hash() != b.Hash()
	}
	if n == height+1 {
		return b.Header.PreviousHash != m.chain.TipHash()
	}
	return false
}

package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/timecoin/timecoin/pkg/block"
)

// peerCandidate is one peer's chain offer during fork resolution.
type peerCandidate struct {
	peer        string
	info        *ChainInfo
	endorsement uint64 // weighted support for this peer's tip hash
}

// ResolveFork applies the fork-resolution policy: try to adopt the
// best-endorsed peer chain that validates end to end; if no peer chain
// validates — the network-wide inconsistency case — roll back to the
// height of last agreement and leave recreation to the deterministic
// producer. A chain that would lower the local height is only adopted with
// two-thirds weighted support behind its tip.
func (m *Manager) ResolveFork(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	totalWeight := m.registry.TotalActiveWeight(now)

	candidates := m.gatherCandidates(ctx, now)
	if len(candidates) == 0 {
		return fmt.Errorf("no peers reachable for fork resolution")
	}

	ourHeight := m.chain.Height()
	lowestAgreement := ourHeight

	for _, cand := range candidates {
		if cand.info.Height < ourHeight && totalWeight > 0 &&
			cand.endorsement*3 < totalWeight*2 {
			// Shrinking the chain needs 2/3 weighted agreement behind the
			// alternative tip.
			continue
		}

		agreement, err := m.lastAgreementHeight(ctx, cand.peer, minHeight(ourHeight, cand.info.Height))
		if err != nil {
			m.log.Debug("agreement probe against %s failed: %v", cand.peer, err)
			continue
		}
		if agreement < lowestAgreement {
			lowestAgreement = agreement
		}
		if agreement == cand.info.Height && agreement == ourHeight {
			// Nothing actually diverged against this peer.
			continue
		}

		saved := m.localBlocksAbove(agreement)
		if err := m.chain.RollbackToHeight(agreement); err != nil {
			return fmt.Errorf("rollback to %d failed: %w", agreement, err)
		}
		if err := m.adoptFrom(ctx, cand.peer, cand.info.Height); err != nil {
			m.log.Warn("chain from %s failed validation: %v", cand.peer, err)
			// Restore our own blocks and try the next peer.
			if rbErr := m.chain.RollbackToHeight(agreement); rbErr != nil {
				return fmt.Errorf("rollback after failed adoption: %w", rbErr)
			}
			for _, b := range saved {
				if applyErr := m.chain.ApplyBlock(b); applyErr != nil {
					m.log.Warn("could not restore local block %d: %v",
						b.Header.BlockNumber, applyErr)
					break
				}
			}
			continue
		}

		m.log.Info("fork resolved: adopted chain from %s at height %d",
			cand.peer, m.chain.Height())
		return nil
	}

	// Network-wide inconsistency: fall back to the last agreed height and
	// let the next production round recreate the missing blocks.
	if lowestAgreement < ourHeight {
		if err := m.chain.RollbackToHeight(lowestAgreement); err != nil {
			return fmt.Errorf("rollback to last agreement %d failed: %w", lowestAgreement, err)
		}
		m.log.Warn("no peer chain validated; rolled back to last agreement height %d", lowestAgreement)
		return nil
	}
	return fmt.Errorf("fork unresolved: no peer chain validated")
}

// gatherCandidates collects peer tips and orders them by weighted tip
// endorsement descending, height descending, then tip hash ascending as the
// final tie-break. The divergent block's timestamp is not compared.
func (m *Manager) gatherCandidates(ctx context.Context, now time.Time) []*peerCandidate {
	infos := make(map[string]*ChainInfo)
	tipWeights := make(map[string]uint64)

	for _, peer := range m.source.Peers() {
		reqCtx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
		info, err := m.source.RequestChainInfo(reqCtx, peer)
		cancel()
		if err != nil || info == nil {
			continue
		}
		infos[peer] = info
		tipWeights[info.TipHash] += m.registry.VotingPower(peer, now)
	}

	candidates := make([]*peerCandidate, 0, len(infos))
	for peer, info := range infos {
		candidates = append(candidates, &peerCandidate{
			peer:        peer,
			info:        info,
			endorsement: tipWeights[info.TipHash],
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].endorsement != candidates[j].endorsement {
			return candidates[i].endorsement > candidates[j].endorsement
		}
		if candidates[i].info.Height != candidates[j].info.Height {
			return candidates[i].info.Height > candidates[j].info.Height
		}
		return candidates[i].info.TipHash < candidates[j].info.TipHash
	})
	return candidates
}

// lastAgreementHeight walks down from the given height until the peer's
// block hash matches the local one.
func (m *Manager) lastAgreementHeight(ctx context.Context, peer string, from uint64) (uint64, error) {
	for h := from; ; h-- {
		local := m.chain.GetBlockByHeight(h)
		if local == nil {
			if h == 0 {
				return 0, fmt.Errorf("local chain missing genesis")
			}
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
		remote, err := m.source.RequestBlockByHeight(reqCtx, peer, h)
		cancel()
		if err != nil {
			return 0, err
		}
		if remote != nil && remote.Hash() == local.Hash() {
			return h, nil
		}
		if h == 0 {
			return 0, fmt.Errorf("no agreement with %s down to genesis", peer)
		}
	}
}

// localBlocksAbove saves the local blocks above a height so a failed
// adoption can restore them.
func (m *Manager) localBlocksAbove(height uint64) []*block.Block {
	var saved []*block.Block
	for h := height + 1; ; h++ {
		b := m.chain.GetBlockByHeight(h)
		if b == nil {
			break
		}
		saved = append(saved, b)
	}
	return saved
}

// adoptFrom applies the peer's blocks from the current height up to its
// advertised tip, validating each through the chain engine.
func (m *Manager) adoptFrom(ctx context.Context, peer string, target uint64) error {
	for h := m.chain.Height() + 1; h <= target; h++ {
		reqCtx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
		b, err := m.source.RequestBlockByHeight(reqCtx, peer, h)
		cancel()
		if err != nil {
			return fmt.Errorf("fetching block %d: %w", h, err)
		}
		if err := m.chain.ApplyBlock(b); err != nil {
			return fmt.Errorf("applying block %d: %w", h, err)
		}
	}
	return nil
}

func minHeight(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

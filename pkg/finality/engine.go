package finality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/timecoin/timecoin/pkg/block"
	"github.com/timecoin/timecoin/pkg/logger"
	"github.com/timecoin/timecoin/pkg/masternode"
	"github.com/timecoin/timecoin/pkg/mempool"
	"github.com/timecoin/timecoin/pkg/utxo"
)

// Status is the terminal (or in-flight) state of a finality round.
type Status int

const (
	StatusVoting Status = iota
	StatusApproved
	StatusRejected
	StatusTimeout
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusVoting:
		return "voting"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// VoteResponse is a masternode's signed answer to a vote request. The
// signature covers the txid and is checked against the registry's public
// key for the voter.
type VoteResponse struct {
	VoterID   string `json:"voter_id"`
	TxID      string `json:"txid"`
	Approve   bool   `json:"approve"`
	Signature []byte `json:"signature"`
}

// VoteSender delivers a vote request to one masternode and returns its
// response. Implemented by the network layer; tests use fakes.
type VoteSender interface {
	SendVoteRequest(ctx context.Context, voterID string, tx *block.Transaction) (*VoteResponse, error)
}

// UTXOView is the read-only ledger access used for validation.
type UTXOView interface {
	Get(op block.OutPoint) *utxo.UTXO
}

// Config holds instant-finality parameters.
type Config struct {
	RoundTimeout time.Duration // vote round upper bound
	MaxInFlight  int64         // bounded outbound fan-out
	MinApprovals int           // distinct-approver floor; 0 derives ceil(2n/3)
	SkipVoteSigs bool          // accept unsigned votes (single-process tests)
}

// DefaultConfig returns the default finality configuration.
func DefaultConfig() *Config {
	return &Config{
		RoundTimeout: 5 * time.Second,
		MaxInFlight:  20,
	}
}

// Engine produces sub-3-second transaction finality through one masternode
// vote round per transaction, locking the referenced outpoints for the
// duration of the vote and beyond approval until a block absorbs the
// transaction.
type Engine struct {
	mu       sync.RWMutex
	locks    *utxo.LockSet
	utxos    UTXOView
	registry *masternode.Registry
	pool     *mempool.Mempool
	sender   VoteSender
	config   *Config
	log      *logger.Logger
	statuses map[string]Status
}

// NewEngine creates a finality engine.
func NewEngine(config *Config, view UTXOView, registry *masternode.Registry, pool *mempool.Mempool, sender VoteSender, log *logger.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.NewLogger(nil)
	}
	return &Engine{
		locks:    utxo.NewLockSet(),
		utxos:    view,
		registry: registry,
		pool:     pool,
		sender:   sender,
		config:   config,
		log:      log,
		statuses: make(map[string]Status),
	}
}

// Locks exposes the outpoint lock set, read by validation paths.
func (e *Engine) Locks() *utxo.LockSet { return e.locks }

// Status returns the recorded state of a transaction's round.
func (e *Engine) Status(txid string) (Status, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.statuses[txid]
	return s, ok
}

// SubmitTransaction runs one finality round: validate, lock inputs,
// broadcast vote requests, tally weighted votes, and either admit the
// transaction to the mempool pre-finalized (locks kept until block
// inclusion) or release the locks and drop it.
func (e *Engine) SubmitTransaction(ctx context.Context, tx *block.Transaction) (Status, error) {
	if err := e.validate(tx); err != nil {
		return StatusRejected, err
	}

	ops := make([]block.OutPoint, len(tx.Inputs))
	for i, in := range tx.Inputs {
		ops[i] = in.OutPoint()
	}
	if err := e.locks.Acquire(tx.TxID, ops); err != nil {
		return StatusRejected, fmt.Errorf("input locked: %w", err)
	}

	e.setStatus(tx.TxID, StatusVoting)

	status := e.runVoteRound(ctx, tx)
	e.setStatus(tx.TxID, status)

	if status == StatusApproved {
		if err := e.pool.AddPreFinalized(tx); err != nil {
			// The round approved but the pool refused; treat as rejected and
			// release so the outputs stay spendable.
			e.locks.Release(tx.TxID)
			e.setStatus(tx.TxID, StatusRejected)
			return StatusRejected, fmt.Errorf("mempool admission failed: %w", err)
		}
		e.log.Info("transaction %s approved by instant finality", tx.TxID)
		return StatusApproved, nil
	}

	e.locks.Release(tx.TxID)
	e.log.Info("transaction %s finality round ended: %s", tx.TxID, status)
	return status, nil
}

// validate applies the mempool-admit checks plus the no-locked-input rule.
func (e *Engine) validate(tx *block.Transaction) error {
	if tx == nil {
		return fmt.Errorf("nil transaction")
	}
	if err := tx.IsValid(); err != nil {
		return err
	}
	if tx.Kind() != block.TxOrdinary {
		return fmt.Errorf("only ordinary transactions reach finality voting")
	}
	if e.pool.Contains(tx.TxID) {
		return fmt.Errorf("transaction %s already pending", tx.TxID)
	}

	var totalIn uint64
	for i, in := range tx.Inputs {
		op := in.OutPoint()
		if e.locks.IsLocked(op) {
			return fmt.Errorf("input %d outpoint %s is locked", i, op)
		}
		u := e.utxos.Get(op)
		if u == nil {
			return fmt.Errorf("input %d references unknown outpoint %s", i, op)
		}
		totalIn += u.Output.Amount
	}
	if totalOut := tx.TotalOutput(); totalIn < totalOut {
		return fmt.Errorf("outputs %d exceed inputs %d", totalOut, totalIn)
	}
	return nil
}

// HandleVoteRequest is the responder side: re-validate the transaction
// against the local ledger and answer approve or reject.
func (e *Engine) HandleVoteRequest(localID string, tx *block.Transaction) *VoteResponse {
	resp := &VoteResponse{VoterID: localID, TxID: tx.TxID}
	if err := e.validate(tx); err != nil {
		e.log.Debug("rejecting vote request for %s: %v", tx.TxID, err)
		return resp
	}
	resp.Approve = true
	return resp
}

// runVoteRound fans vote requests out to the active set under the bounded
// in-flight window and tallies responses until every voter answered or the
// round timeout elapses.
func (e *Engine) runVoteRound(parent context.Context, tx *block.Transaction) Status {
	ctx, cancel := context.WithTimeout(parent, e.config.RoundTimeout)
	defer cancel()

	now := time.Now()
	voters := e.registry.ActiveSet(now)
	if len(voters) == 0 {
		return StatusTimeout
	}

	responses := make(chan *VoteResponse, len(voters))
	sem := semaphore.NewWeighted(e.config.MaxInFlight)
	var wg sync.WaitGroup

	for _, mn := range voters {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(mn *masternode.Masternode) {
			defer wg.Done()
			defer sem.Release(1)
			resp, err := e.sender.SendVoteRequest(ctx, mn.ID, tx)
			if err != nil {
				e.log.Debug("vote request to %s failed: %v", mn.ID, err)
				return
			}
			responses <- resp
		}(mn)
	}
	go func() {
		wg.Wait()
		close(responses)
	}()

	minApprovals := e.config.MinApprovals
	if minApprovals <= 0 {
		minApprovals = (2*len(voters) + 2) / 3 // ceil(2n/3)
	}

	var approveWeight, rejectWeight uint64
	voted := make(map[string]bool)
	approvals := 0
	sawReject := false

	for {
		select {
		case <-ctx.Done():
			return e.decide(approveWeight, rejectWeight, approvals, minApprovals, sawReject)
		case resp, ok := <-responses:
			if !ok {
				return e.decide(approveWeight, rejectWeight, approvals, minApprovals, sawReject)
			}
			if resp == nil || resp.TxID != tx.TxID || voted[resp.VoterID] {
				continue
			}
			voter := e.registry.Get(resp.VoterID)
			if voter == nil {
				continue
			}
			if !e.config.SkipVoteSigs {
				if err := block.VerifyDigest(voter.PubKey, tx.SigHash(), resp.Signature); err != nil {
					e.log.Warn("discarding vote from %s: %v", resp.VoterID, err)
					e.registry.AdjustReputation(resp.VoterID, -1)
					continue
				}
			}
			voted[resp.VoterID] = true
			power := e.registry.VotingPower(resp.VoterID, now)
			if resp.Approve {
				approvals++
				approveWeight += power
			} else {
				sawReject = true
				rejectWeight += power
			}
		}
	}
}

// decide applies the decision rule: Approved when the weighted approve
// share reaches 2/3 (inclusive) and enough distinct masternodes approved;
// otherwise Rejected when any reject arrived; otherwise Timeout.
func (e *Engine) decide(approveWeight, rejectWeight uint64, approvers, minApprovals int, sawReject bool) Status {
	total := approveWeight + rejectWeight
	if total > 0 && approveWeight*3 >= total*2 && approvers >= minApprovals {
		return StatusApproved
	}
	if sawReject {
		return StatusRejected
	}
	return StatusTimeout
}

// ReleaseForBlock releases the locks held by transactions absorbed into an
// applied block and removes them from the mempool. Called after successful
// block application; after a snapshot failure the caller must skip this so
// the mempool keeps the block's transactions.
func (e *Engine) ReleaseForBlock(b *block.Block) {
	for _, tx := range b.Transactions {
		if tx.Kind() != block.TxOrdinary {
			continue
		}
		e.locks.Release(tx.TxID)
		e.pool.Remove(tx.TxID)
		e.clearStatus(tx.TxID)
	}
}

func (e *Engine) setStatus(txid string, s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses[txid] = s
}

func (e *Engine) clearStatus(txid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.statuses, txid)
}

package governance

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
)

// VoteChoice is a masternode's position on a proposal.
type VoteChoice string

const (
	VoteYes     VoteChoice = "yes"
	VoteNo      VoteChoice = "no"
	VoteAbstain VoteChoice = "abstain"
)

// ProposalStatus is the lifecycle state of a treasury proposal.
type ProposalStatus string

const (
	StatusActive   ProposalStatus = "active"
	StatusApproved ProposalStatus = "approved"
	StatusRejected ProposalStatus = "rejected"
	StatusExecuted ProposalStatus = "executed"
	StatusExpired  ProposalStatus = "expired"
)

// Vote records one masternode's choice. Power is frozen at vote time;
// later weight changes do not affect recorded votes.
type Vote struct {
	VoterID   string     `json:"voter_id"`
	Choice    VoteChoice `json:"choice"`
	Power     uint64     `json:"power"`
	Timestamp time.Time  `json:"timestamp"`
}

// Proposal is a treasury spending proposal.
type Proposal struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	Recipient         string         `json:"recipient"`
	Amount            uint64         `json:"amount"`
	Submitter         string         `json:"submitter"`
	CreatedAt         time.Time      `json:"created_at"`
	VotingDeadline    time.Time      `json:"voting_deadline"`
	ExecutionDeadline time.Time      `json:"execution_deadline"`
	Status            ProposalStatus `json:"status"`
	Votes             []*Vote        `json:"votes"`
	ExecutedHeight    uint64         `json:"executed_height,omitempty"`
}

// Treasury owns the protocol treasury balance and the proposal set. The
// balance is credited the treasury share of every applied block and
// debited by executed grants.
type Treasury struct {
	mu        sync.RWMutex
	balance   uint64
	proposals map[string]*Proposal
	config    *Config
}

// Config holds treasury governance parameters.
type Config struct {
	ApprovalPercent uint64        // minimum yes-power percentage, inclusive
	ExecutionWindow time.Duration // execution deadline past the voting deadline
	MinVotingPeriod time.Duration
	MaxVotingPeriod time.Duration
}

// DefaultConfig returns the default governance configuration.
func DefaultConfig() *Config {
	return &Config{
		ApprovalPercent: 67,
		ExecutionWindow: 30 * 24 * time.Hour,
		MinVotingPeriod: 24 * time.Hour,
		MaxVotingPeriod: 90 * 24 * time.Hour,
	}
}

// NewTreasury creates an empty treasury.
func NewTreasury(config *Config) *Treasury {
	if config == nil {
		config = DefaultConfig()
	}
	return &Treasury{
		proposals: make(map[string]*Proposal),
		config:    config,
	}
}

// Balance returns the current treasury balance.
func (t *Treasury) Balance() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balance
}

// CreditTreasury adds the per-block treasury share. Called by the chain on
// every applied block.
func (t *Treasury) CreditTreasury(amount uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balance += amount
}

// Submit creates a new proposal with status Active. The execution deadline
// is the voting deadline plus the configured execution window.
func (t *Treasury) Submit(title, description, recipient string, amount uint64, submitter string, votingPeriod time.Duration) (*Proposal, error) {
	if title == "" {
		return nil, fmt.Errorf("title required")
	}
	if amount == 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if votingPeriod < t.config.MinVotingPeriod || votingPeriod > t.config.MaxVotingPeriod {
		return nil, fmt.Errorf("voting period %v outside [%v, %v]",
			votingPeriod, t.config.MinVotingPeriod, t.config.MaxVotingPeriod)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	p := &Proposal{
		ID:                generateProposalID(title, submitter, now),
		Title:             title,
		Description:       description,
		Recipient:         recipient,
		Amount:            amount,
		Submitter:         submitter,
		CreatedAt:         now,
		VotingDeadline:    now.Add(votingPeriod),
		ExecutionDeadline: now.Add(votingPeriod).Add(t.config.ExecutionWindow),
		Status:            StatusActive,
	}
	t.proposals[p.ID] = p
	return p, nil
}

// CastVote records one vote. Each masternode votes at most once per
// proposal; votes after the voting deadline are rejected.
func (t *Treasury) CastVote(proposalID, voterID string, choice VoteChoice, power uint64, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, exists := t.proposals[proposalID]
	if !exists {
		return fmt.Errorf("proposal %s not found", proposalID)
	}
	if p.Status != StatusActive {
		return fmt.Errorf("proposal %s is %s, not active", proposalID, p.Status)
	}
	if now.After(p.VotingDeadline) {
		return fmt.Errorf("voting deadline passed for proposal %s", proposalID)
	}
	for _, v := range p.Votes {
		if v.VoterID == voterID {
			return fmt.Errorf("masternode %s already voted on proposal %s", voterID, proposalID)
		}
	}

	p.Votes = append(p.Votes, &Vote{
		VoterID:   voterID,
		Choice:    choice,
		Power:     power,
		Timestamp: now,
	})
	return nil
}

// Tally finalizes an active proposal at or after its voting deadline:
// Approved when total power is positive and the yes share reaches the
// approval threshold (inclusive), Rejected otherwise. Ties fall to
// Rejected.
func (t *Treasury) Tally(proposalID string, now time.Time) (ProposalStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, exists := t.proposals[proposalID]
	if !exists {
		return "", fmt.Errorf("proposal %s not found", proposalID)
	}
	if p.Status != StatusActive {
		return p.Status, nil
	}
	if now.Before(p.VotingDeadline) {
		return "", fmt.Errorf("voting still open for proposal %s", proposalID)
	}

	t.tallyLocked(p)
	return p.Status, nil
}

func (t *Treasury) tallyLocked(p *Proposal) {
	var totalPower, yesPower uint64
	for _, v := range p.Votes {
		totalPower += v.Power
		if v.Choice == VoteYes {
			yesPower += v.Power
		}
	}
	if totalPower > 0 && yesPower*100 >= totalPower*t.config.ApprovalPercent {
		p.Status = StatusApproved
	} else {
		p.Status = StatusRejected
	}
}

// TickDeadlines finalizes every active proposal whose voting deadline has
// passed and expires approved proposals past their execution deadline.
func (t *Treasury) TickDeadlines(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.proposals {
		if p.Status == StatusActive && now.After(p.VotingDeadline) {
			t.tallyLocked(p)
		}
		if p.Status == StatusApproved && now.After(p.ExecutionDeadline) {
			p.Status = StatusExpired
		}
	}
}

// EligibleGrants returns the approved, unexecuted, unexpired proposals in
// lexicographic id order, skipping any proposal whose amount would take the
// cumulative total past the treasury balance; later proposals that still fit
// are included. This is the canonical grant list for block production.
func (t *Treasury) EligibleGrants(now time.Time) []*Proposal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var eligible []*Proposal
	for _, p := range t.proposals {
		if p.Status == StatusApproved && !now.After(p.ExecutionDeadline) {
			eligible = append(eligible, p)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	var cumulative uint64
	funded := eligible[:0]
	for _, p := range eligible {
		if cumulative+p.Amount > t.balance {
			continue
		}
		cumulative += p.Amount
		funded = append(funded, p)
	}
	return funded
}

// ValidateGrant checks a grant transaction against its proposal: the
// proposal must be Approved, unexecuted, and its amount must equal the
// grant output exactly.
func (t *Treasury) ValidateGrant(proposalID string, amount uint64) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, exists := t.proposals[proposalID]
	if !exists {
		return fmt.Errorf("no proposal %s for grant", proposalID)
	}
	if p.Status == StatusExecuted {
		return fmt.Errorf("proposal %s already executed", proposalID)
	}
	if p.Status != StatusApproved {
		return fmt.Errorf("proposal %s is %s, not approved", proposalID, p.Status)
	}
	if p.Amount != amount {
		return fmt.Errorf("grant amount %d does not match approved amount %d", amount, p.Amount)
	}
	if amount > t.balance {
		return fmt.Errorf("grant amount %d exceeds treasury balance %d", amount, t.balance)
	}
	return nil
}

// MarkExecuted transitions a proposal Approved -> Executed and debits the
// treasury. Called by the chain exactly once per proposal, on block
// application.
func (t *Treasury) MarkExecuted(proposalID string, height uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, exists := t.proposals[proposalID]
	if !exists || p.Status != StatusApproved {
		return
	}
	p.Status = StatusExecuted
	p.ExecutedHeight = height
	t.balance -= p.Amount
}

// Get returns a proposal by id, or nil.
func (t *Treasury) Get(proposalID string) *Proposal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.proposals[proposalID]
}

// ByStatus returns proposals with the given status, sorted by id.
func (t *Treasury) ByStatus(status ProposalStatus) []*Proposal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []*Proposal
	for _, p := range t.proposals {
		if p.Status == status {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// AddProposal inserts a proposal received from a peer advertisement,
// keeping its original id and deadlines. Duplicate ids are ignored.
func (t *Treasury) AddProposal(p *Proposal) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("nil proposal")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.proposals[p.ID]; exists {
		return nil
	}
	t.proposals[p.ID] = p
	return nil
}

// treasuryState is the persisted treasury image.
type treasuryState struct {
	Balance   uint64      `json:"balance"`
	Proposals []*Proposal `json:"proposals"`
}

// Serialize returns the treasury contents for persistence.
func (t *Treasury) Serialize() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	proposals := make([]*Proposal, 0, len(t.proposals))
	for _, p := range t.proposals {
		proposals = append(proposals, p)
	}
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].ID < proposals[j].ID })
	return json.Marshal(&treasuryState{Balance: t.balance, Proposals: proposals})
}

// Restore loads persisted treasury contents.
func (t *Treasury) Restore(data []byte) error {
	var state treasuryState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to decode treasury: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.balance = state.Balance
	t.proposals = make(map[string]*Proposal, len(state.Proposals))
	for _, p := range state.Proposals {
		t.proposals[p.ID] = p
	}
	return nil
}

// generateProposalID derives a short stable id from the submission.
func generateProposalID(title, submitter string, now time.Time) string {
	sum := sha3.Sum256([]byte(fmt.Sprintf("%s|%s|%d", title, submitter, now.UnixNano())))
	return hex.EncodeToString(sum[:8])
}

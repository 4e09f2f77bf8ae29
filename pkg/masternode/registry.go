package masternode

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/timecoin/timecoin/pkg/block"
	"github.com/timecoin/timecoin/pkg/utxo"
)

// Tier is the collateral class of a masternode.
type Tier int

const (
	TierBronze Tier = iota + 1
	TierSilver
	TierGold
)

// Collateral returns the required collateral for the tier, in base units.
func (t Tier) Collateral() uint64 {
	switch t {
	case TierBronze:
		return 1_000 * block.BaseUnitsPerTime
	case TierSilver:
		return 10_000 * block.BaseUnitsPerTime
	case TierGold:
		return 100_000 * block.BaseUnitsPerTime
	default:
		return 0
	}
}

// BaseWeight returns the tier's base voting weight.
func (t Tier) BaseWeight() uint64 {
	switch t {
	case TierBronze:
		return 1
	case TierSilver:
		return 10
	case TierGold:
		return 100
	default:
		return 0
	}
}

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierBronze:
		return "bronze"
	case TierSilver:
		return "silver"
	case TierGold:
		return "gold"
	default:
		return "unknown"
	}
}

// TierForCollateral returns the highest tier the collateral amount covers.
func TierForCollateral(amount uint64) (Tier, bool) {
	switch {
	case amount >= TierGold.Collateral():
		return TierGold, true
	case amount >= TierSilver.Collateral():
		return TierSilver, true
	case amount >= TierBronze.Collateral():
		return TierBronze, true
	default:
		return 0, false
	}
}

// Voting-power constants. The longevity multiplier is tracked in basis
// points (10000 = x1.0) so weights stay integral on every consensus path.
const (
	multiplierBase  uint64 = 10_000
	multiplierCap   uint64 = 30_000 // x3.0 at four years
	multiplierSlope uint64 = 5_000  // +x0.5 per 365 days active

	// DowntimeReset is the offline span after which the longevity
	// multiplier and activation time reset.
	DowntimeReset = 72 * time.Hour
)

// Masternode is one registered node.
type Masternode struct {
	ID             string         `json:"id"`
	Collateral     block.OutPoint `json:"collateral"`
	Tier           Tier           `json:"tier"`
	PubKey         []byte         `json:"pub_key"`
	RewardAddress  string         `json:"reward_address"`
	RegisteredAt   time.Time      `json:"registered_at"`
	ActivationTime time.Time      `json:"activation_time"`
	LastSeen       time.Time      `json:"last_seen"`
	Reputation     int64          `json:"reputation"`
	Active         bool           `json:"active"`
}

// UTXOView is the read-only ledger access used to check collateral.
type UTXOView interface {
	Get(op block.OutPoint) *utxo.UTXO
}

// Registry tracks the masternode set. Voting-power queries are reads;
// registration, heartbeats, and reputation adjustments are writes.
type Registry struct {
	mu           sync.RWMutex
	nodes        map[string]*Masternode
	byCollateral map[string]string // collateral outpoint -> masternode id
	config       *Config
}

// Config holds registry parameters.
type Config struct {
	// LivenessWindow is how recent a heartbeat must be for a node to count
	// as reachable in the active set.
	LivenessWindow time.Duration
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() *Config {
	return &Config{LivenessWindow: DowntimeReset}
}

// NewRegistry creates an empty registry.
func NewRegistry(config *Config) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	return &Registry{
		nodes:        make(map[string]*Masternode),
		byCollateral: make(map[string]string),
		config:       config,
	}
}

// Register adds a masternode, idempotent by collateral outpoint. The
// collateral UTXO must exist in the given view and cover at least the
// bronze tier; the tier is derived from the collateral amount.
func (r *Registry) Register(id string, collateral block.OutPoint, pubKey []byte, rewardAddress string, view UTXOView) (*Masternode, error) {
	if id == "" {
		return nil, fmt.Errorf("masternode id required")
	}
	if err := block.ValidateAddress(rewardAddress); err != nil {
		return nil, fmt.Errorf("invalid reward address: %w", err)
	}

	u := view.Get(collateral)
	if u == nil {
		return nil, fmt.Errorf("collateral utxo %s does not exist", collateral)
	}
	tier, ok := TierForCollateral(u.Output.Amount)
	if !ok {
		return nil, fmt.Errorf("collateral %d below minimum tier requirement", u.Output.Amount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existingID, exists := r.byCollateral[collateral.String()]; exists {
		return r.nodes[existingID], nil
	}
	if _, exists := r.nodes[id]; exists {
		return nil, fmt.Errorf("masternode id %s already registered", id)
	}

	now := time.Now()
	mn := &Masternode{
		ID:             id,
		Collateral:     collateral,
		Tier:           tier,
		PubKey:         pubKey,
		RewardAddress:  rewardAddress,
		RegisteredAt:   now,
		ActivationTime: now,
		LastSeen:       now,
		Active:         true,
	}
	r.nodes[id] = mn
	r.byCollateral[collateral.String()] = id
	return mn, nil
}

// Deactivate removes a node from the active set without forgetting it.
func (r *Registry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mn, exists := r.nodes[id]
	if !exists {
		return fmt.Errorf("masternode %s not registered", id)
	}
	mn.Active = false
	return nil
}

// RecordHeartbeat updates a node's liveness. A heartbeat after a downtime
// gap resets the activation time to the previous last-seen, restarting the
// longevity clock.
func (r *Registry) RecordHeartbeat(id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mn, exists := r.nodes[id]
	if !exists {
		return fmt.Errorf("masternode %s not registered", id)
	}
	if now.Sub(mn.LastSeen) > DowntimeReset {
		mn.ActivationTime = mn.LastSeen
	}
	mn.LastSeen = now
	mn.Active = true
	return nil
}

// AdjustReputation shifts a node's reputation score on observed behavior.
func (r *Registry) AdjustReputation(id string, delta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mn, exists := r.nodes[id]
	if !exists {
		return fmt.Errorf("masternode %s not registered", id)
	}
	mn.Reputation += delta
	return nil
}

// Get returns a masternode by id, or nil.
func (r *Registry) Get(id string) *Masternode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id]
}

// ActiveSet returns the reachable masternodes sorted by id. This sorted
// order is the canonical order used in block production.
func (r *Registry) ActiveSet(now time.Time) []*Masternode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*Masternode
	for _, mn := range r.nodes {
		if mn.Active && now.Sub(mn.LastSeen) <= r.config.LivenessWindow {
			active = append(active, mn)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active
}

// VotingPower returns a node's current total weight: tier base weight
// times the longevity multiplier. Downtime beyond the reset threshold
// drops the multiplier back to x1.0.
func (r *Registry) VotingPower(id string, now time.Time) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mn, exists := r.nodes[id]
	if !exists {
		return 0
	}
	return weight(mn, now)
}

// TotalActiveWeight sums the voting power of the active set.
func (r *Registry) TotalActiveWeight(now time.Time) uint64 {
	var total uint64
	for _, mn := range r.ActiveSet(now) {
		total += r.VotingPower(mn.ID, now)
	}
	return total
}

func weight(mn *Masternode, now time.Time) uint64 {
	base := mn.Tier.BaseWeight()
	if now.Sub(mn.LastSeen) > DowntimeReset {
		return base
	}
	active := now.Sub(mn.ActivationTime)
	if active < 0 {
		active = 0
	}
	daysActive := uint64(active / (24 * time.Hour))
	multiplier := multiplierBase + multiplierSlope*daysActive/365
	if multiplier > multiplierCap {
		multiplier = multiplierCap
	}
	return base * multiplier / multiplierBase
}

// Serialize returns the registry contents for persistence.
func (r *Registry) Serialize() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*Masternode, 0, len(r.nodes))
	for _, mn := range r.nodes {
		nodes = append(nodes, mn)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return json.Marshal(nodes)
}

// Restore loads persisted registry contents.
func (r *Registry) Restore(data []byte) error {
	var nodes []*Masternode
	if err := json.Unmarshal(data, &nodes); err != nil {
		return fmt.Errorf("failed to decode registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = make(map[string]*Masternode, len(nodes))
	r.byCollateral = make(map[string]string, len(nodes))
	for _, mn := range nodes {
		r.nodes[mn.ID] = mn
		r.byCollateral[mn.Collateral.String()] = mn.ID
	}
	return nil
}

// Count returns the number of registered masternodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

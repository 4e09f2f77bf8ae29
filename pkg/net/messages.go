package net

import (
	"encoding/json"
	"time"

	"github.com/timecoin/timecoin/pkg/block"
	"github.com/timecoin/timecoin/pkg/finality"
	"github.com/timecoin/timecoin/pkg/governance"
	syncpkg "github.com/timecoin/timecoin/pkg/sync"
)

// Gossip topics.
const (
	TopicBlocks     = "timecoin/blocks"
	TopicTxs        = "timecoin/transactions"
	TopicHashes     = "timecoin/candidate-hashes"
	TopicProposals  = "timecoin/proposals"
	TopicHeartbeats = "timecoin/heartbeats"
)

// Stream protocol IDs for request/response exchanges.
const (
	BlockProtocolID = "/timecoin/blocks/1.0.0"
	VoteProtocolID  = "/timecoin/votes/1.0.0"
)

// Message is the self-describing gossip envelope.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	From      string          `json:"from"`
	Timestamp time.Time       `json:"timestamp"`
}

// Message types.
const (
	MsgBlock         = "block"
	MsgTransaction   = "transaction"
	MsgCandidateHash = "candidate_hash"
	MsgProposal      = "proposal"
	MsgHeartbeat     = "heartbeat"
)

// Heartbeat is a masternode liveness announcement.
type Heartbeat struct {
	MasternodeID string `json:"masternode_id"`
	Height       uint64 `json:"height"`
}

// BlockRequest asks a peer for chain info or a block.
type BlockRequest struct {
	Kind   string `json:"kind"` // "chain_info" or "block_by_height"
	Height uint64 `json:"height,omitempty"`
}

// BlockResponse answers a BlockRequest.
type BlockResponse struct {
	Info  *syncpkg.ChainInfo `json:"info,omitempty"`
	Block *block.Block       `json:"block,omitempty"`
	Error string             `json:"error,omitempty"`
}

// VoteRequest asks a masternode to vote on a transaction.
type VoteRequest struct {
	Transaction *block.Transaction `json:"transaction"`
}

// Request kinds for BlockRequest.
const (
	ReqChainInfo     = "chain_info"
	ReqBlockByHeight = "block_by_height"
)

// Handlers are the callbacks the node wires into the network: inbound
// gossip and stream requests are dispatched through them.
type Handlers struct {
	OnBlock       func(*block.Block)
	OnTransaction func(*block.Transaction)
	OnProposal    func(*governance.Proposal)
	OnHeartbeat   func(*Heartbeat, string) // heartbeat, sender peer id
	OnVoteRequest func(*block.Transaction) *finality.VoteResponse
	ChainInfo     func() *syncpkg.ChainInfo
	BlockByHeight func(height uint64) *block.Block
}

// announcementBuffer bounds the reconciliation channel.
const announcementBuffer = 256

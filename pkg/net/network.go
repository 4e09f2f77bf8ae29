package net

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"

	"github.com/timecoin/timecoin/pkg/block"
	"github.com/timecoin/timecoin/pkg/finality"
	"github.com/timecoin/timecoin/pkg/governance"
	"github.com/timecoin/timecoin/pkg/logger"
	"github.com/timecoin/timecoin/pkg/producer"
	syncpkg "github.com/timecoin/timecoin/pkg/sync"
)

const discoveryTag = "timecoin"

// Config holds configuration for the network layer.
type Config struct {
	LocalID           string // this node's masternode id, stamped on gossip
	ListenPort        int
	BootstrapPeers    []string
	EnableMDNS        bool
	MaxPeers          int
	ConnectionTimeout time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the default network configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenPort:        0,
		EnableMDNS:        true,
		MaxPeers:          50,
		ConnectionTimeout: 30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Network is the libp2p-backed peer protocol layer. Broadcasts ride
// gossipsub topics; block-by-height and vote exchanges run over dedicated
// streams carrying length-prefixed JSON frames. It implements
// producer.Transport, sync.BlockSource, and finality.VoteSender.
type Network struct {
	mu             sync.RWMutex
	host           host.Host
	dht            *dht.IpfsDHT
	pubsub         *pubsub.PubSub
	topics         map[string]*pubsub.Topic
	peers          map[peer.ID]time.Time // connected peers and when seen
	masternodePeer map[string]peer.ID    // masternode id -> peer id, learned from heartbeats
	bootstrapPeers []multiaddr.Multiaddr
	config         *Config
	handlers       *Handlers
	announcements  chan *producer.HashAnnouncement
	log            *logger.Logger
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewNetwork creates the libp2p host and joins the gossip topics.
func NewNetwork(config *Config, handlers *Handlers, log *logger.Logger) (*Network, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.NewLogger(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())

	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", config.ListenPort)),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.NATPortMap(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	gossip, err := pubsub.NewGossipSub(ctx, h, pubsub.WithMessageSigning(true))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	var bootstrapPeers []multiaddr.Multiaddr
	for _, addr := range config.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			log.Warn("skipping malformed bootstrap address %q: %v", addr, err)
			continue
		}
		bootstrapPeers = append(bootstrapPeers, ma)
	}

	n := &Network{
		host:           h,
		dht:            kadDHT,
		pubsub:         gossip,
		topics:         make(map[string]*pubsub.Topic),
		peers:          make(map[peer.ID]time.Time),
		masternodePeer: make(map[string]peer.ID),
		bootstrapPeers: bootstrapPeers,
		config:         config,
		handlers:       handlers,
		announcements:  make(chan *producer.HashAnnouncement, announcementBuffer),
		log:            log,
		ctx:            ctx,
		cancel:         cancel,
	}

	h.Network().Notify(n)
	h.SetStreamHandler(protocol.ID(BlockProtocolID), n.handleBlockStream)
	h.SetStreamHandler(protocol.ID(VoteProtocolID), n.handleVoteStream)

	for _, topicName := range []string{TopicBlocks, TopicTxs, TopicHashes, TopicProposals, TopicHeartbeats} {
		topic, err := gossip.Join(topicName)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to join topic %s: %w", topicName, err)
		}
		n.topics[topicName] = topic
		sub, err := topic.Subscribe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topicName, err)
		}
		go n.readLoop(topicName, sub)
	}

	if err := n.startDiscovery(); err != nil {
		cancel()
		return nil, err
	}
	go n.connectToBootstrapPeers()

	return n, nil
}

// startDiscovery wires mdns and DHT routing discovery.
func (n *Network) startDiscovery() error {
	if n.config.EnableMDNS {
		mdns.NewMdnsService(n.host, discoveryTag, n)
	}

	routingDiscovery := routing.NewRoutingDiscovery(n.dht)
	if _, err := routingDiscovery.Advertise(n.ctx, discoveryTag); err != nil {
		n.log.Warn("DHT advertise failed: %v", err)
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
				peerChan, err := routingDiscovery.FindPeers(n.ctx, discoveryTag)
				if err != nil {
					continue
				}
				for p := range peerChan {
					if p.ID == n.host.ID() {
						continue
					}
					go n.connectToPeer(p)
				}
			}
		}
	}()
	return nil
}

func (n *Network) connectToPeer(info peer.AddrInfo) {
	n.mu.RLock()
	full := len(n.peers) >= n.config.MaxPeers
	n.mu.RUnlock()
	if full {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.config.ConnectionTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, info); err != nil {
		return
	}
}

func (n *Network) connectToBootstrapPeers() {
	for _, addr := range n.bootstrapPeers {
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			continue
		}
		go n.connectToPeer(*info)
	}
}

// publish wraps a payload into the gossip envelope and publishes it.
func (n *Network) publish(ctx context.Context, topicName, msgType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	envelope, err := json.Marshal(&Message{
		Type:      msgType,
		Payload:   data,
		From:      n.config.LocalID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	topic, ok := n.topics[topicName]
	if !ok {
		return fmt.Errorf("topic %s not joined", topicName)
	}
	return topic.Publish(ctx, envelope)
}

// BroadcastBlock announces an applied block.
func (n *Network) BroadcastBlock(ctx context.Context, b *block.Block) error {
	return n.publish(ctx, TopicBlocks, MsgBlock, b)
}

// BroadcastTransaction relays a submitted transaction.
func (n *Network) BroadcastTransaction(ctx context.Context, tx *block.Transaction) error {
	return n.publish(ctx, TopicTxs, MsgTransaction, tx)
}

// BroadcastProposal advertises a treasury proposal.
func (n *Network) BroadcastProposal(ctx context.Context, p *governance.Proposal) error {
	return n.publish(ctx, TopicProposals, MsgProposal, p)
}

// BroadcastHeartbeat publishes this node's liveness.
func (n *Network) BroadcastHeartbeat(ctx context.Context, hb *Heartbeat) error {
	return n.publish(ctx, TopicHeartbeats, MsgHeartbeat, hb)
}

// AnnounceCandidateHash implements producer.Transport.
func (n *Network) AnnounceCandidateHash(ctx context.Context, ann *producer.HashAnnouncement) error {
	return n.publish(ctx, TopicHashes, MsgCandidateHash, ann)
}

// CandidateHashes implements producer.Transport.
func (n *Network) CandidateHashes() <-chan *producer.HashAnnouncement {
	return n.announcements
}

// RequestBlockByHash implements producer.Transport: ask known masternode
// peers for the height until one serves the wanted hash.
func (n *Network) RequestBlockByHash(ctx context.Context, height uint64, hash string) (*block.Block, error) {
	for _, mnID := range n.Peers() {
		b, err := n.RequestBlockByHeight(ctx, mnID, height)
		if err != nil {
			continue
		}
		if b.Hash() == hash {
			return b, nil
		}
	}
	return nil, fmt.Errorf("no peer served block %s at height %d", hash, height)
}

// Peers implements sync.BlockSource: masternode ids with a known peer
// mapping, in sorted order.
func (n *Network) Peers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ids := make([]string, 0, len(n.masternodePeer))
	for id := range n.masternodePeer {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RequestChainInfo implements sync.BlockSource.
func (n *Network) RequestChainInfo(ctx context.Context, peerID string) (*syncpkg.ChainInfo, error) {
	resp, err := n.blockRequest(ctx, peerID, &BlockRequest{Kind: ReqChainInfo})
	if err != nil {
		return nil, err
	}
	if resp.Info == nil {
		return nil, fmt.Errorf("peer %s returned no chain info", peerID)
	}
	return resp.Info, nil
}

// RequestBlockByHeight implements sync.BlockSource.
func (n *Network) RequestBlockByHeight(ctx context.Context, peerID string, height uint64) (*block.Block, error) {
	resp, err := n.blockRequest(ctx, peerID, &BlockRequest{Kind: ReqBlockByHeight, Height: height})
	if err != nil {
		return nil, err
	}
	if resp.Block == nil {
		return nil, fmt.Errorf("peer %s has no block at height %d: %s", peerID, height, resp.Error)
	}
	return resp.Block, nil
}

func (n *Network) blockRequest(ctx context.Context, mnID string, req *BlockRequest) (*BlockResponse, error) {
	pid, err := n.resolvePeer(mnID)
	if err != nil {
		return nil, err
	}
	stream, err := n.host.NewStream(ctx, pid, protocol.ID(BlockProtocolID))
	if err != nil {
		return nil, fmt.Errorf("failed to open stream to %s: %w", mnID, err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	if err := WriteFrame(stream, req); err != nil {
		return nil, err
	}
	var resp BlockResponse
	if err := ReadFrame(stream, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendVoteRequest implements finality.VoteSender.
func (n *Network) SendVoteRequest(ctx context.Context, voterID string, tx *block.Transaction) (*finality.VoteResponse, error) {
	pid, err := n.resolvePeer(voterID)
	if err != nil {
		return nil, err
	}
	stream, err := n.host.NewStream(ctx, pid, protocol.ID(VoteProtocolID))
	if err != nil {
		return nil, fmt.Errorf("failed to open vote stream to %s: %w", voterID, err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	if err := WriteFrame(stream, &VoteRequest{Transaction: tx}); err != nil {
		return nil, err
	}
	var resp finality.VoteResponse
	if err := ReadFrame(stream, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (n *Network) resolvePeer(mnID string) (peer.ID, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	pid, ok := n.masternodePeer[mnID]
	if !ok {
		return "", fmt.Errorf("no known peer for masternode %s", mnID)
	}
	return pid, nil
}

// handleBlockStream serves chain-info and block-by-height requests.
func (n *Network) handleBlockStream(stream network.Stream) {
	defer stream.Close()

	var req BlockRequest
	if err := ReadFrame(stream, &req); err != nil {
		return
	}

	resp := &BlockResponse{}
	switch req.Kind {
	case ReqChainInfo:
		if n.handlers.ChainInfo != nil {
			resp.Info = n.handlers.ChainInfo()
		}
	case ReqBlockByHeight:
		if n.handlers.BlockByHeight != nil {
			if b := n.handlers.BlockByHeight(req.Height); b != nil {
				resp.Block = b
			} else {
				resp.Error = fmt.Sprintf("no block at height %d", req.Height)
			}
		}
	default:
		resp.Error = fmt.Sprintf("unknown request kind %q", req.Kind)
	}
	WriteFrame(stream, resp)
}

// handleVoteStream serves instant-finality vote requests.
func (n *Network) handleVoteStream(stream network.Stream) {
	defer stream.Close()

	var req VoteRequest
	if err := ReadFrame(stream, &req); err != nil {
		return
	}
	if n.handlers.OnVoteRequest == nil || req.Transaction == nil {
		return
	}
	WriteFrame(stream, n.handlers.OnVoteRequest(req.Transaction))
}

// readLoop dispatches one topic's gossip to the wired handlers.
func (n *Network) readLoop(topicName string, sub *pubsub.Subscription) {
	defer sub.Cancel()

	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}

		var envelope Message
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			continue
		}

		switch topicName {
		case TopicBlocks:
			var b block.Block
			if err := json.Unmarshal(envelope.Payload, &b); err != nil {
				continue
			}
			if n.handlers.OnBlock != nil {
				n.handlers.OnBlock(&b)
			}
		case TopicTxs:
			var tx block.Transaction
			if err := json.Unmarshal(envelope.Payload, &tx); err != nil {
				continue
			}
			if n.handlers.OnTransaction != nil {
				n.handlers.OnTransaction(&tx)
			}
		case TopicHashes:
			var ann producer.HashAnnouncement
			if err := json.Unmarshal(envelope.Payload, &ann); err != nil {
				continue
			}
			select {
			case n.announcements <- &ann:
			default:
				n.log.Warn("dropping candidate hash from %s: channel full", ann.MasternodeID)
			}
		case TopicProposals:
			var p governance.Proposal
			if err := json.Unmarshal(envelope.Payload, &p); err != nil {
				continue
			}
			if n.handlers.OnProposal != nil {
				n.handlers.OnProposal(&p)
			}
		case TopicHeartbeats:
			var hb Heartbeat
			if err := json.Unmarshal(envelope.Payload, &hb); err != nil {
				continue
			}
			n.mu.Lock()
			n.masternodePeer[hb.MasternodeID] = msg.ReceivedFrom
			n.mu.Unlock()
			if n.handlers.OnHeartbeat != nil {
				n.handlers.OnHeartbeat(&hb, msg.ReceivedFrom.String())
			}
		}
	}
}

// RunHeartbeats publishes this node's heartbeat on the configured
// interval until the context ends.
func (n *Network) RunHeartbeats(ctx context.Context, height func() uint64) {
	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := &Heartbeat{MasternodeID: n.config.LocalID, Height: height()}
			if err := n.BroadcastHeartbeat(ctx, hb); err != nil {
				n.log.Debug("heartbeat publish failed: %v", err)
			}
		}
	}
}

// PeerCount returns the number of connected peers.
func (n *Network) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// Host returns the libp2p host.
func (n *Network) Host() host.Host { return n.host }

// Close shuts the network down.
func (n *Network) Close() error {
	n.cancel()
	if err := n.dht.Close(); err != nil {
		return fmt.Errorf("failed to close DHT: %w", err)
	}
	if err := n.host.Close(); err != nil {
		return fmt.Errorf("failed to close host: %w", err)
	}
	return nil
}

// libp2p network notifiee.
func (n *Network) Listen(network.Network, multiaddr.Multiaddr)      {}
func (n *Network) ListenClose(network.Network, multiaddr.Multiaddr) {}
func (n *Network) OpenedStream(network.Network, network.Stream)     {}
func (n *Network) ClosedStream(network.Network, network.Stream)     {}

func (n *Network) Connected(_ network.Network, conn network.Conn) {
	n.mu.Lock()
	n.peers[conn.RemotePeer()] = time.Now()
	n.mu.Unlock()
}

func (n *Network) Disconnected(_ network.Network, conn network.Conn) {
	n.mu.Lock()
	delete(n.peers, conn.RemotePeer())
	for mnID, pid := range n.masternodePeer {
		if pid == conn.RemotePeer() {
			delete(n.masternodePeer, mnID)
		}
	}
	n.mu.Unlock()
}

// HandlePeerFound implements the mdns notifee.
func (n *Network) HandlePeerFound(info peer.AddrInfo) {
	go n.connectToPeer(info)
}

// String returns a short description of the network.
func (n *Network) String() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return fmt.Sprintf("Network{Peers: %d, HostID: %s}", len(n.peers), n.host.ID())
}

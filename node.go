// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lanmesh implements a LAN peer-to-peer mesh node.
//
// Nodes find each other with UDP broadcast, connect over TCP and exchange
// framed messages (package wire) to share conversation snapshots, announce
// and distribute files signed with a shared HMAC secret, and negotiate
// access to each other's local language model.
//
// A Node owns every piece of mesh state: the connected-peer registry, the
// per-peer connection handles, the capability, authorization and grant
// tables, the LLM route table and the announced-file index. None of it is
// persisted; it is rebuilt from network traffic after a restart.
package lanmesh

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/destiny/lanmesh/conversation"
	"github.com/destiny/lanmesh/discovery"
)

// Store is the persistence collaborator.
type Store interface {
	// LocalConversation returns the node's own conversation, or nil when
	// there is none.
	LocalConversation(ctx context.Context) (*conversation.Conversation, error)
	// SavePeerConversation stores a snapshot received from peer under name.
	SavePeerConversation(ctx context.Context, peer, name string, c *conversation.Conversation) error
	// SaveInboundFile stores a file received from peer.
	SaveInboundFile(ctx context.Context, peer, filename string, data []byte) error
	// FileBytes returns a locally uploaded file.
	FileBytes(ctx context.Context, filename string) ([]byte, error)
}

// peerConversationLoader is implemented by stores that can reload the
// snapshots saved by earlier runs.
type peerConversationLoader interface {
	PeerConversations(ctx context.Context) (map[string]*conversation.Conversation, error)
}

// LLMProber reports whether the local LLM is reachable from the LAN.
type LLMProber interface {
	Reachable(ctx context.Context) bool
}

// Node is a mesh participant.
type Node struct {
	log *slog.Logger

	cfg    NodeConfig
	store  Store
	prober LLMProber
	now    func() time.Time

	secretMu sync.RWMutex
	secret   []byte // Shared HMAC secret for file metadata

	connected  *addrSet        // Dialed or dialing, plus claimed inbound
	handles    *handleRegistry // Live connection per address
	capable    *addrSet        // Peers announcing LLM capability
	authorized *addrSet        // Peers that granted us LLM access
	granted    *addrSet        // Peers we granted LLM access
	routes     *routeTable     // LLM endpoints of peers that granted us
	pending    *pendingAccess  // Access requests awaiting an answer
	files      *fileIndex
	convs      *conversation.Registry

	queue  *discovery.PeerQueue
	known  *addrSet // Every address ever discovered; retried each dial round
	beacon *discovery.Beacon

	// State management
	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	group    *errgroup.Group // accept and dial loops
	conns    sync.WaitGroup  // per-connection goroutines
}

// NewNode creates a node. A nil prober means the node never has an LLM.
func NewNode(log *slog.Logger, cfg NodeConfig, store Store, prober LLMProber) *Node {
	if prober == nil {
		prober = noLLM{}
	}
	n := &Node{
		log:        log,
		cfg:        cfg.withDefaults(),
		store:      store,
		prober:     prober,
		now:        time.Now,
		connected:  newAddrSet(),
		handles:    newHandleRegistry(),
		capable:    newAddrSet(),
		authorized: newAddrSet(),
		granted:    newAddrSet(),
		routes:     newRouteTable(),
		pending:    newPendingAccess(),
		files:      newFileIndex(),
		convs:      conversation.NewRegistry(),
		queue:      discovery.NewPeerQueue(),
		known:      newAddrSet(),
	}
	if !n.cfg.DisableDiscovery {
		n.beacon = discovery.NewBeacon(log.With("component", "discovery"), n.cfg.Discovery, prober.Reachable, n.queue)
	}
	return n
}

type noLLM struct{}

func (noLLM) Reachable(context.Context) bool { return false }

// Config returns the effective configuration.
func (n *Node) Config() NodeConfig { return n.cfg }

// Start binds the TCP listener and the discovery socket and launches the
// accept and dial loops. It fails on an invalid configuration or when
// either bind fails.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrAlreadyStarted
	}
	if err := n.cfg.Validate(); err != nil {
		return err
	}

	addr := net.JoinHostPort(n.cfg.BindAddr, strconv.Itoa(n.cfg.TCPPort))
	l, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("lanmesh: could not listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	if n.beacon != nil {
		if err := n.beacon.Start(ctx); err != nil {
			cancel()
			l.Close()
			return fmt.Errorf("lanmesh: could not start discovery: %w", err)
		}
	}

	n.loadPeerConversations(ctx)

	n.ctx, n.cancel, n.listener = ctx, cancel, l
	g, gctx := errgroup.WithContext(ctx)
	n.group = g
	g.Go(func() error { return n.acceptLoop(gctx, l) })
	g.Go(func() error { return n.dialLoop(gctx) })

	n.running = true
	n.log.Info("Node started", "addr", l.Addr().String(), "peer_name", n.cfg.PeerName)
	return nil
}

// Stop closes every connection and waits for all node goroutines.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	cancel, l, g := n.cancel, n.listener, n.group
	n.mu.Unlock()

	cancel()
	l.Close()
	if n.beacon != nil {
		n.beacon.Stop()
	}
	if err := g.Wait(); err != nil {
		n.log.Debug("Node loops exited with error", "err", err)
	}
	n.conns.Wait()
	n.log.Info("Node stopped")
}

// Addr returns the TCP listen address, or nil when stopped.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return nil
	}
	return n.listener.Addr()
}

func (n *Node) isRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

func (n *Node) loadPeerConversations(ctx context.Context) {
	loader, ok := n.store.(peerConversationLoader)
	if !ok {
		return
	}
	peers, err := loader.PeerConversations(ctx)
	if err != nil {
		n.log.Warn("Failed to load saved peer conversations", "err", err)
		return
	}
	for addr, c := range peers {
		n.convs.SetPeer(addr, c)
	}
	if len(peers) > 0 {
		n.log.Info("Loaded saved peer conversations", "count", len(peers))
	}
}

// SetSecret sets the shared HMAC secret used to sign and verify file
// metadata.
func (n *Node) SetSecret(secret string) {
	n.secretMu.Lock()
	n.secret = []byte(secret)
	n.secretMu.Unlock()
}

func (n *Node) sharedSecret() []byte {
	n.secretMu.RLock()
	defer n.secretMu.RUnlock()
	return n.secret
}

// LocalLLMReachable re-probes the local LLM.
func (n *Node) LocalLLMReachable(ctx context.Context) bool {
	return n.prober.Reachable(ctx)
}

// ConnectedPeers lists addresses that are connected or being dialed.
func (n *Node) ConnectedPeers() []string { return n.connected.List() }

// CapablePeers lists peers that last announced LLM capability.
func (n *Node) CapablePeers() []string { return n.capable.List() }

// AuthorizedPeers lists peers that granted this node LLM access.
func (n *Node) AuthorizedPeers() []string { return n.authorized.List() }

// GrantedPeers lists peers this node granted LLM access.
func (n *Node) GrantedPeers() []string { return n.granted.List() }

// LLMRoutes returns the LLM endpoint of each peer that granted access.
func (n *Node) LLMRoutes() map[string]Endpoint { return n.routes.Snapshot() }

// AnnouncedFiles lists files announced or sent by peers.
func (n *Node) AnnouncedFiles() []FileDescriptor { return n.files.List() }

// PeerConversations returns the latest snapshot received from each peer.
func (n *Node) PeerConversations() map[string]*conversation.Conversation {
	return n.convs.Peers()
}

// Peer returns the live connection to addr.
func (n *Node) Peer(addr string) (*Peer, bool) { return n.handles.Get(addr) }

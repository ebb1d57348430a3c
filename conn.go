// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lanmesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/destiny/lanmesh/conversation"
	"github.com/destiny/lanmesh/wire"
)

// acceptLoop hands every inbound connection to its own goroutine.
func (n *Node) acceptLoop(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			n.log.Warn("Accept failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		addr := remoteIP(conn)
		// Claim the address so the dialer does not open a second
		// connection to a peer that already reached us.
		claimed := n.connected.Add(addr)
		n.conns.Add(1)
		go func() {
			defer n.conns.Done()
			n.serve(ctx, conn, addr, Inbound, claimed)
		}()
	}
}

// dialLoop dials every known peer that is not connected, once per interval
// and whenever discovery reports new addresses.
func (n *Node) dialLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.DialInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !n.sleepJitter(ctx) {
				return nil
			}
		case <-n.queue.Ready():
		}

		for _, addr := range n.queue.Drain() {
			n.known.Add(addr)
		}
		for _, addr := range n.known.List() {
			if !n.connected.Add(addr) {
				continue
			}
			n.conns.Add(1)
			go func() {
				defer n.conns.Done()
				conn, err := n.dial(ctx, addr)
				if err != nil {
					n.connected.Remove(addr)
					n.log.Debug("Dial failed", "peer", addr, "err", err)
					return
				}
				n.serve(ctx, conn, addr, Outbound, true)
			}()
		}
	}
}

func (n *Node) sleepJitter(ctx context.Context) bool {
	if n.cfg.DialJitter <= 0 {
		return true
	}
	t := time.NewTimer(rand.N(n.cfg.DialJitter))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// dial connects to addr on the mesh port. A node bound to a specific IP
// dials from that IP, so its peers see the address it listens on.
func (n *Node) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: n.cfg.DialTimeout}
	if ip := net.ParseIP(n.cfg.BindAddr); ip != nil && !ip.IsUnspecified() {
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}
	return d.DialContext(ctx, "tcp4", net.JoinHostPort(addr, strconv.Itoa(n.cfg.TCPPort)))
}

// Dial connects to addr immediately. The connection is then served in the
// background like any dialed peer.
func (n *Node) Dial(ctx context.Context, addr string) error {
	if !n.isRunning() {
		return ErrNodeStopped
	}
	if !n.connected.Add(addr) {
		return &AlreadyConnectedError{Addr: addr}
	}
	conn, err := n.dial(ctx, addr)
	if err != nil {
		n.connected.Remove(addr)
		return fmt.Errorf("lanmesh: dial %s: %w", addr, err)
	}

	// Stop may have begun while dialing; conns.Add must not race its Wait.
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		conn.Close()
		n.connected.Remove(addr)
		return ErrNodeStopped
	}
	nodeCtx := n.ctx
	n.conns.Add(1)
	n.mu.Unlock()

	n.known.Add(addr)
	go func() {
		defer n.conns.Done()
		n.serve(nodeCtx, conn, addr, Outbound, true)
	}()
	return nil
}

// Discover hands addr to the dialer as if discovery had found it.
func (n *Node) Discover(addr string) {
	n.queue.Push(addr)
}

// serve owns a connection from handshake to teardown.
func (n *Node) serve(ctx context.Context, conn net.Conn, addr string, dir Direction, claimed bool) {
	p := newPeer(ctx, n.log, conn, addr, dir, n.cfg)
	p.start()
	p.log.Info("Peer connected", "local", conn.LocalAddr().String())

	var (
		sharer sync.WaitGroup
		cause  error
	)
	defer func() {
		n.handles.Unregister(p)
		p.Close(cause)
		sharer.Wait()
		if claimed {
			n.connected.Remove(addr)
		}
		n.pending.Clear(addr)
		p.log.Info("Peer disconnected", "cause", p.Err())
	}()

	if cause = n.handshake(ctx, p); cause != nil {
		p.log.Warn("Handshake failed", "err", cause)
		return
	}
	n.handles.Register(p)

	if dir == Outbound {
		sharer.Add(1)
		go func() {
			defer sharer.Done()
			n.shareLoop(p)
		}()
	}

	cause = n.receiveLoop(p)
}

// handshake announces capability, then pushes the local conversation.
func (n *Node) handshake(ctx context.Context, p *Peer) error {
	hasLLM := n.prober.Reachable(ctx)
	if err := p.Send(ctx, wire.LLMCapability{HasLLM: hasLLM}); err != nil {
		return err
	}
	p.log.Debug("Announced LLM capability", "has_llm", hasLLM)
	return n.pushLocalConversation(ctx, p)
}

// receiveLoop decodes frames until end of stream or a fatal error.
func (n *Node) receiveLoop(p *Peer) error {
	dec := wire.NewDecoder(p.conn, n.cfg.Wire)
	chunks := newChunkAssembler(n.cfg.Wire.MaxPayload)
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return errClosedByPeer
		}
		if err != nil {
			if p.ctx.Err() != nil {
				return context.Cause(p.ctx)
			}
			p.log.Warn("Receive failed", "err", err)
			return err
		}
		p.log.Log(p.ctx, LevelTrace, "Received", "kind", msg.Kind().String())
		n.dispatch(p, chunks, msg)
	}
}

func (n *Node) dispatch(p *Peer, chunks *chunkAssembler, msg wire.Message) {
	ctx := p.ctx
	switch m := msg.(type) {
	case wire.ConversationFile:
		n.onConversationFile(ctx, p, m)
	case wire.SyncRequest:
		n.onSyncRequest(ctx, p)
	case wire.SyncResponse:
		n.onSyncResponse(ctx, p, m)
	case wire.LLMCapability:
		n.onCapability(ctx, p, m)
	case wire.LLMAccessRequest:
		n.onAccessRequest(ctx, p, m)
	case wire.LLMAccessResponse:
		n.onAccessResponse(p, m)
	case wire.FileTransfer:
		n.onFileTransfer(ctx, p, m)
	case wire.FileChunk:
		n.onFileChunk(ctx, p, chunks, m)
	case wire.FileMeta:
		n.onFileMeta(p, m)
	}
}

// shareLoop periodically re-announces capability, pushes the local
// conversation and asks for the peer's conversations.
func (n *Node) shareLoop(p *Peer) {
	ticker := time.NewTicker(n.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.Done():
			return
		case <-ticker.C:
		}

		ctx := p.ctx
		if err := p.Send(ctx, wire.LLMCapability{HasLLM: n.prober.Reachable(ctx)}); err != nil {
			return
		}
		if err := n.pushLocalConversation(ctx, p); err != nil {
			return
		}
		if err := p.Send(ctx, wire.SyncRequest{}); err != nil {
			return
		}
		p.log.Debug("Shared conversation")
	}
}

// localConversation fetches the local snapshot; failures are logged and
// treated as no snapshot.
func (n *Node) localConversation(ctx context.Context) *conversation.Conversation {
	c, err := n.store.LocalConversation(ctx)
	if err != nil {
		n.log.Warn("Failed to load local conversation", "err", err)
		return nil
	}
	return c
}

func (n *Node) pushLocalConversation(ctx context.Context, p *Peer) error {
	c := n.localConversation(ctx)
	if c == nil {
		return nil
	}
	content, err := conversation.Encode(c)
	if err != nil {
		p.log.Warn("Failed to encode local conversation", "err", err)
		return nil
	}
	return p.Send(ctx, wire.ConversationFile{Name: ConversationFileName, Content: content})
}

func remoteIP(conn net.Conn) string {
	if a, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return a.IP.String()
	}
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return host
}

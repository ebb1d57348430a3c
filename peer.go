// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lanmesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/destiny/lanmesh/wire"
)

// Direction tells who opened a connection.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// outboundFrame is a queued message and, for SendWait, where to report
// the write result.
type outboundFrame struct {
	msg  wire.Message
	done chan error
}

// Peer is one live connection to a remote node. A single writer goroutine
// owns the write side; the receive loop, file broadcasts and the periodic
// sharer all post frames to its outbox.
type Peer struct {
	log *slog.Logger

	Addr      string    // Remote IPv4 address
	ConnID    uuid.UUID // Identifies this connection in logs
	Direction Direction

	conn     net.Conn
	enc      *wire.Encoder
	outgoing chan outboundFrame // Frames waiting for the writer

	// State management
	ctx    context.Context         // Done when the connection is torn down
	cancel context.CancelCauseFunc // Records the teardown cause
	wg     sync.WaitGroup          // Writer goroutine
}

// newPeer wraps conn. The connection is closed as soon as parent is done
// or the peer is closed.
func newPeer(parent context.Context, log *slog.Logger, conn net.Conn, addr string, dir Direction, cfg NodeConfig) *Peer {
	id := uuid.New()
	ctx, cancel := context.WithCancelCause(parent)
	p := &Peer{
		log:       log.With("peer", addr, "conn_id", id.String(), "dir", dir.String()),
		Addr:      addr,
		ConnID:    id,
		Direction: dir,
		conn:      conn,
		enc:       wire.NewEncoder(conn, cfg.Wire),
		outgoing:  make(chan outboundFrame, cfg.OutboxSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	context.AfterFunc(ctx, func() { conn.Close() })
	return p
}

// start launches the writer.
func (p *Peer) start() {
	p.wg.Add(1)
	go p.outgoingLoop()
}

// Send queues msg for the peer. It blocks only while the outbox is full.
func (p *Peer) Send(ctx context.Context, msg wire.Message) error {
	return p.enqueue(ctx, outboundFrame{msg: msg})
}

// SendWait queues msg and waits until it has been written.
func (p *Peer) SendWait(ctx context.Context, msg wire.Message) error {
	done := make(chan error, 1)
	if err := p.enqueue(ctx, outboundFrame{msg: msg, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-p.ctx.Done():
		return ErrPeerClosed
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (p *Peer) enqueue(ctx context.Context, f outboundFrame) error {
	if p.ctx.Err() != nil {
		return ErrPeerClosed
	}
	select {
	case p.outgoing <- f:
		return nil
	case <-p.ctx.Done():
		return ErrPeerClosed
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Done is closed once the connection is torn down.
func (p *Peer) Done() <-chan struct{} { return p.ctx.Done() }

// Err returns why the connection was torn down, or nil while it is live.
func (p *Peer) Err() error { return context.Cause(p.ctx) }

// LocalIP returns the local address of the connection.
func (p *Peer) LocalIP() string {
	if a, ok := p.conn.LocalAddr().(*net.TCPAddr); ok {
		return a.IP.String()
	}
	host, _, _ := net.SplitHostPort(p.conn.LocalAddr().String())
	return host
}

// shutdown tears the connection down without waiting for the writer.
func (p *Peer) shutdown(cause error) {
	p.cancel(cause)
}

// Close tears the connection down and waits for the writer to exit.
func (p *Peer) Close(cause error) {
	p.cancel(cause)
	p.wg.Wait()
}

// outgoingLoop writes queued frames in order until the peer is closed or a
// write fails.
func (p *Peer) outgoingLoop() {
	defer p.wg.Done()

	for {
		select {
		case f := <-p.outgoing:
			err := p.enc.Encode(f.msg)
			if f.done != nil {
				f.done <- err
			}
			var ferr *wire.FrameError
			if errors.As(err, &ferr) {
				// Rejected before any byte hit the wire; the stream is intact.
				p.log.Warn("Dropped unencodable frame", "kind", f.msg.Kind().String(), "err", err)
				continue
			}
			if err != nil {
				p.log.Warn("Write failed", "kind", f.msg.Kind().String(), "err", err)
				p.shutdown(fmt.Errorf("write %s: %w", f.msg.Kind(), err))
				p.drain()
				return
			}
			p.log.Log(p.ctx, LevelTrace, "Sent", "kind", f.msg.Kind().String())
		case <-p.ctx.Done():
			p.drain()
			return
		}
	}
}

// drain fails frames still queued after teardown.
func (p *Peer) drain() {
	for {
		select {
		case f := <-p.outgoing:
			if f.done != nil {
				f.done <- ErrPeerClosed
			}
		default:
			return
		}
	}
}

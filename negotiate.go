// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lanmesh

import (
	"context"

	"github.com/destiny/lanmesh/wire"
)

// LLM access negotiation.
//
// A peer announcing capability is asked for access unless it already
// granted it or a request is pending. The answer arrives later on the same
// connection; a request left unanswered past the access window is logged
// and retried on the next announcement.

func (n *Node) onCapability(ctx context.Context, p *Peer, m wire.LLMCapability) {
	if !m.HasLLM {
		n.capable.Remove(p.Addr)
		p.log.Debug("Peer has no LLM capability")
		return
	}
	if n.capable.Add(p.Addr) {
		p.log.Info("Peer has LLM capability")
	}
	if n.authorized.Has(p.Addr) {
		return
	}

	ok, expired := n.pending.Begin(p.Addr, n.now(), n.cfg.AccessWindow)
	if expired {
		p.log.Warn("LLM access request went unanswered", "window", n.cfg.AccessWindow)
	}
	if !ok {
		return
	}
	req := wire.LLMAccessRequest{PeerName: n.cfg.PeerName, Reason: accessReason}
	if err := p.Send(ctx, req); err != nil {
		n.pending.Clear(p.Addr)
		p.log.Warn("Failed to request LLM access", "err", err)
		return
	}
	p.log.Info("Requested LLM access")
}

// onAccessRequest answers from a fresh probe, never from a cached flag.
func (n *Node) onAccessRequest(ctx context.Context, p *Peer, m wire.LLMAccessRequest) {
	log := p.log.With("requester", m.PeerName)
	log.Info("LLM access requested", "reason", m.Reason)

	var resp wire.LLMAccessResponse
	if n.prober.Reachable(ctx) {
		resp = wire.LLMAccessResponse{
			Granted: true,
			Message: "Access granted",
			Host:    p.LocalIP(),
			Port:    n.cfg.InferencePort,
		}
		n.granted.Add(p.Addr)
	} else {
		resp = wire.LLMAccessResponse{Granted: false, Message: "LLM not available"}
	}

	if err := p.Send(ctx, resp); err != nil {
		log.Warn("Failed to answer LLM access request", "err", err)
		return
	}
	log.Info("Answered LLM access request", "granted", resp.Granted)
}

func (n *Node) onAccessResponse(p *Peer, m wire.LLMAccessResponse) {
	n.pending.Clear(p.Addr)
	if !m.Granted {
		p.log.Info("LLM access denied", "message", m.Message)
		return
	}
	n.authorized.Add(p.Addr)
	if host, port, ok := m.Endpoint(); ok {
		n.routes.Set(p.Addr, Endpoint{Host: host, Port: port})
		p.log.Info("LLM access granted", "message", m.Message, "llm_host", host, "llm_port", port)
		return
	}
	p.log.Info("LLM access granted without endpoint", "message", m.Message)
}

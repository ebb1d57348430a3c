// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lanmesh

import (
	"context"

	"github.com/destiny/lanmesh/conversation"
	"github.com/destiny/lanmesh/wire"
)

// onConversationFile replaces the peer's snapshot; messages are not merged.
func (n *Node) onConversationFile(ctx context.Context, p *Peer, m wire.ConversationFile) {
	c, err := conversation.Decode([]byte(m.Content))
	if err != nil {
		p.log.Warn("Discarding conversation file", "name", m.Name, "err", err)
		return
	}
	n.convs.SetPeer(p.Addr, c)
	if err := n.store.SavePeerConversation(ctx, p.Addr, m.Name, c); err != nil {
		p.log.Warn("Failed to save conversation file", "name", m.Name, "err", err)
		return
	}
	p.log.Debug("Received conversation file", "name", m.Name, "messages", len(c.Messages))
}

// onSyncRequest answers with the local snapshot and re-announces
// capability, so the accepting side also repeats its announcement.
func (n *Node) onSyncRequest(ctx context.Context, p *Peer) {
	resp := wire.SyncResponse{Conversations: []conversation.Conversation{}}
	if c := n.localConversation(ctx); c != nil {
		resp.Conversations = append(resp.Conversations, *c)
	}
	if err := p.Send(ctx, resp); err != nil {
		p.log.Debug("Failed to answer sync request", "err", err)
		return
	}
	if err := p.Send(ctx, wire.LLMCapability{HasLLM: n.prober.Reachable(ctx)}); err != nil {
		p.log.Debug("Failed to re-announce capability", "err", err)
	}
}

// onSyncResponse stores each conversation; later ones overwrite earlier
// ones.
func (n *Node) onSyncResponse(ctx context.Context, p *Peer, m wire.SyncResponse) {
	for i := range m.Conversations {
		c := &m.Conversations[i]
		n.convs.SetPeer(p.Addr, c)
		name := c.ID + ".json"
		if c.ID == "" || c.ID == conversation.LocalID {
			name = ConversationFileName
		}
		if err := n.store.SavePeerConversation(ctx, p.Addr, name, c); err != nil {
			p.log.Warn("Failed to save synced conversation", "id", c.ID, "err", err)
		}
	}
	p.log.Debug("Received sync response", "conversations", len(m.Conversations))
}

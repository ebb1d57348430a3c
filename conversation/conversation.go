// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conversation holds the chat snapshot types exchanged between mesh
// nodes and the in-memory registry of peer snapshots.
package conversation

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"
)

// LocalID is the identifier of a node's own conversation.
const LocalID = "local"

// MessageType tells questions from LLM responses.
type MessageType string

const (
	Question MessageType = "Question"
	Response MessageType = "Response"
)

// HostInfo describes the node a conversation or message originates from.
type HostInfo struct {
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address"`
	IsLLMHost bool   `json:"is_llm_host"`
}

// ChatMessage is a single entry of a conversation.
type ChatMessage struct {
	Content     string      `json:"content"`
	Timestamp   time.Time   `json:"timestamp"`
	Sender      string      `json:"sender"`
	MessageType MessageType `json:"message_type"`
	HostInfo    HostInfo    `json:"host_info"`
}

// Conversation is a snapshot of a node's chat history.
type Conversation struct {
	ID       string        `json:"id"`
	Messages []ChatMessage `json:"messages"`
	HostInfo HostInfo      `json:"host_info"`
}

// Clone returns a deep copy of c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.Messages != nil {
		out.Messages = append([]ChatMessage(nil), c.Messages...)
	}
	return &out
}

// Encode returns the JSON form of c as carried by a FILE: frame.
func Encode(c *Conversation) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("conversation: could not encode %q: %w", c.ID, err)
	}
	return string(raw), nil
}

// Decode parses the JSON form of a conversation.
func Decode(raw []byte) (*Conversation, error) {
	var c Conversation
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("conversation: could not decode snapshot: %w", err)
	}
	return &c, nil
}

// Registry keeps the latest snapshot received from each peer, plus the
// node's own conversation. A new snapshot replaces the previous one for the
// same key; messages are never merged.
type Registry struct {
	mu    sync.RWMutex
	local *Conversation
	peers map[string]*Conversation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Conversation)}
}

// Local returns a copy of the node's own conversation, or nil.
func (r *Registry) Local() *Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local.Clone()
}

// SetLocal replaces the node's own conversation.
func (r *Registry) SetLocal(c *Conversation) {
	r.mu.Lock()
	r.local = c.Clone()
	r.mu.Unlock()
}

// AddLocalMessage appends msg to the local conversation, creating it with
// host on first use, and returns the updated snapshot.
func (r *Registry) AddLocalMessage(host HostInfo, msg ChatMessage) *Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.local == nil {
		host.IsLLMHost = msg.HostInfo.IsLLMHost
		r.local = &Conversation{ID: LocalID, HostInfo: host}
	}
	r.local.Messages = append(r.local.Messages, msg)
	return r.local.Clone()
}

// SetPeer stores c as the latest snapshot from peer.
func (r *Registry) SetPeer(peer string, c *Conversation) {
	r.mu.Lock()
	r.peers[peer] = c.Clone()
	r.mu.Unlock()
}

// Peer returns the latest snapshot from peer.
func (r *Registry) Peer(peer string) (*Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.peers[peer]
	return c.Clone(), ok
}

// Peers returns a copy of all peer snapshots keyed by peer address.
func (r *Registry) Peers() map[string]*Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := maps.Clone(r.peers)
	for k, c := range out {
		out[k] = c.Clone()
	}
	return out
}

// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lanmesh

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// addrSet is a set of peer addresses. It backs the connected-peer registry
// and the capability, authorized and granted tables.
type addrSet struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func newAddrSet() *addrSet {
	return &addrSet{set: make(map[string]struct{})}
}

// Add inserts addr and reports whether it was absent. Used as a claim.
func (s *addrSet) Add(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[addr]; ok {
		return false
	}
	s.set[addr] = struct{}{}
	return true
}

func (s *addrSet) Remove(addr string) {
	s.mu.Lock()
	delete(s.set, addr)
	s.mu.Unlock()
}

func (s *addrSet) Has(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[addr]
	return ok
}

// List returns the addresses in sorted order.
func (s *addrSet) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.set))
}

// handleRegistry maps a peer address to the live connection used by
// producers outside the receive loop.
type handleRegistry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{peers: make(map[string]*Peer)}
}

// Register makes p the handle for its address, replacing any previous one.
func (r *handleRegistry) Register(p *Peer) {
	r.mu.Lock()
	r.peers[p.Addr] = p
	r.mu.Unlock()
}

// Unregister removes p only if it is still the registered handle, so a
// second connection to the same address is not evicted by the first.
func (r *handleRegistry) Unregister(p *Peer) {
	r.mu.Lock()
	if r.peers[p.Addr] == p {
		delete(r.peers, p.Addr)
	}
	r.mu.Unlock()
}

func (r *handleRegistry) Get(addr string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[addr]
	return p, ok
}

// Snapshot returns the current handles.
func (r *handleRegistry) Snapshot() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, addr := range slices.Sorted(maps.Keys(r.peers)) {
		out = append(out, r.peers[addr])
	}
	return out
}

// Endpoint is where a peer's LLM can be reached.
type Endpoint struct {
	Host string
	Port int
}

// routeTable is the LLM connection table.
type routeTable struct {
	mu     sync.RWMutex
	routes map[string]Endpoint
}

func newRouteTable() *routeTable {
	return &routeTable{routes: make(map[string]Endpoint)}
}

func (t *routeTable) Set(addr string, e Endpoint) {
	t.mu.Lock()
	t.routes[addr] = e
	t.mu.Unlock()
}

func (t *routeTable) Snapshot() map[string]Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.routes)
}

// pendingAccess tracks access requests awaiting an answer.
type pendingAccess struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
}

func newPendingAccess() *pendingAccess {
	return &pendingAccess{deadlines: make(map[string]time.Time)}
}

// Begin marks a request to addr as in flight until now+window. It returns
// false while an earlier request is still pending. expired reports that an
// earlier request went unanswered.
func (p *pendingAccess) Begin(addr string, now time.Time, window time.Duration) (ok, expired bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if deadline, pending := p.deadlines[addr]; pending {
		if now.Before(deadline) {
			return false, false
		}
		expired = true
	}
	p.deadlines[addr] = now.Add(window)
	return true, expired
}

// Clear drops any pending request to addr.
func (p *pendingAccess) Clear(addr string) {
	p.mu.Lock()
	delete(p.deadlines, addr)
	p.mu.Unlock()
}

// FileDescriptor describes a file announced or sent by a peer.
type FileDescriptor struct {
	Filename   string
	Type       string
	Size       uint64 // Received length once the content has arrived
	Uploader   string // Peer address
	UploadedAt time.Time
	Received   bool // Content has arrived
}

type fileKey struct {
	filename string
	uploader string
}

// fileIndex is the announced-file index, one entry per (filename, uploader).
type fileIndex struct {
	mu      sync.Mutex
	order   []fileKey
	entries map[fileKey]*FileDescriptor
}

func newFileIndex() *fileIndex {
	return &fileIndex{entries: make(map[fileKey]*FileDescriptor)}
}

func (ix *fileIndex) entry(d FileDescriptor) (*FileDescriptor, bool) {
	k := fileKey{d.Filename, d.Uploader}
	e, ok := ix.entries[k]
	if !ok {
		e = &FileDescriptor{Filename: d.Filename, Uploader: d.Uploader}
		ix.entries[k] = e
		ix.order = append(ix.order, k)
	}
	return e, ok
}

// RecordMeta upserts an announcement. Once content has been received its
// size is kept.
func (ix *fileIndex) RecordMeta(d FileDescriptor) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, _ := ix.entry(d)
	e.Type = d.Type
	e.UploadedAt = d.UploadedAt
	if !e.Received {
		e.Size = d.Size
	}
}

// RecordTransfer upserts a received file; d.Size must be the received length.
func (ix *fileIndex) RecordTransfer(d FileDescriptor) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, existed := ix.entry(d)
	if d.Type != "" {
		e.Type = d.Type
	}
	if !existed || e.UploadedAt.IsZero() {
		e.UploadedAt = d.UploadedAt
	}
	e.Size = d.Size
	e.Received = true
}

// List returns the entries in first-seen order.
func (ix *fileIndex) List() []FileDescriptor {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]FileDescriptor, 0, len(ix.order))
	for _, k := range ix.order {
		out = append(out, *ix.entries[k])
	}
	return out
}

// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package discovery finds mesh peers on the local /24 with UDP broadcast.
//
// A Beacon periodically announces the node on every active interface and
// listens for announcements from others. Sources seen for the first time,
// or not seen within the debounce window, are pushed onto a PeerQueue that
// the node's dialer drains.
package discovery

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Discovery defaults
const (
	DefaultPort        = 5000
	DefaultInterval    = 30 * time.Second
	DefaultDebounce    = 60 * time.Second
	DefaultMaxDatagram = 1024

	// OnlineMessage is the message_type of a presence announcement.
	OnlineMessage = "ONLINE"
)

// Config holds beacon settings.
type Config struct {
	Port        int           // UDP port announcements are sent to and received on
	ListenAddr  string        // Listener bind address; empty means all interfaces
	Interval    time.Duration // Time between announcement rounds
	Debounce    time.Duration // Minimum time between emits of the same source
	MaxDatagram int           // Receive buffer size
}

// DefaultConfig returns the stock discovery settings.
func DefaultConfig() Config {
	return Config{
		Port:        DefaultPort,
		Interval:    DefaultInterval,
		Debounce:    DefaultDebounce,
		MaxDatagram: DefaultMaxDatagram,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Debounce <= 0 {
		c.Debounce = def.Debounce
	}
	if c.MaxDatagram <= 0 {
		c.MaxDatagram = def.MaxDatagram
	}
	return c
}

// Announcement is the JSON body of a discovery datagram.
type Announcement struct {
	MessageType string `json:"message_type"`
	HasLLM      bool   `json:"has_llm"`
	Timestamp   int64  `json:"timestamp"` // Unix seconds
}

// Marshal encodes a.
func (a Announcement) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// ParseAnnouncement decodes a datagram. A bare "ONLINE" payload, as sent by
// older nodes, is accepted as an announcement without capability.
func ParseAnnouncement(data []byte) (Announcement, error) {
	if string(data) == OnlineMessage {
		return Announcement{MessageType: OnlineMessage}, nil
	}
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, fmt.Errorf("discovery: invalid announcement: %w", err)
	}
	if a.MessageType == "" {
		return Announcement{}, fmt.Errorf("discovery: announcement without message_type")
	}
	return a, nil
}

// Debouncer remembers when each source was last accepted.
type Debouncer struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	seen   map[string]time.Time
}

// NewDebouncer creates a debouncer. A nil now uses time.Now.
func NewDebouncer(window time.Duration, now func() time.Time) *Debouncer {
	if now == nil {
		now = time.Now
	}
	return &Debouncer{window: window, now: now, seen: make(map[string]time.Time)}
}

// Observe records an announcement from addr and reports whether it should
// be acted on: true when addr is new or was last accepted more than the
// window ago.
func (d *Debouncer) Observe(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.seen[addr]; ok && now.Sub(last) <= d.window {
		return false
	}
	d.seen[addr] = now

	for k, t := range d.seen {
		if now.Sub(t) > d.window {
			delete(d.seen, k)
		}
	}
	return true
}

// PeerQueue is the set of discovered addresses waiting to be dialed.
// Pushing never blocks and never drops an address; duplicates collapse.
type PeerQueue struct {
	mu      sync.Mutex
	pending []string
	queued  map[string]struct{}
	ready   chan struct{}
}

// NewPeerQueue creates an empty queue.
func NewPeerQueue() *PeerQueue {
	return &PeerQueue{
		queued: make(map[string]struct{}),
		ready:  make(chan struct{}, 1),
	}
}

// Push adds addr and signals Ready.
func (q *PeerQueue) Push(addr string) {
	q.mu.Lock()
	if _, dup := q.queued[addr]; !dup {
		q.queued[addr] = struct{}{}
		q.pending = append(q.pending, addr)
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Drain removes and returns all queued addresses in arrival order.
func (q *PeerQueue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	clear(q.queued)
	return out
}

// Ready is signalled after each Push.
func (q *PeerQueue) Ready() <-chan struct{} {
	return q.ready
}

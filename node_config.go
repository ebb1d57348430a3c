// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lanmesh

import (
	"fmt"
	"os"
	"time"

	"github.com/destiny/lanmesh/discovery"
	"github.com/destiny/lanmesh/wire"
)

// Node defaults
const (
	DefaultTCPPort       = 7878
	DefaultBindAddr      = "0.0.0.0"
	DefaultDialInterval  = 30 * time.Second
	DefaultSyncInterval  = 30 * time.Second
	DefaultDialTimeout   = 5 * time.Second
	DefaultAccessWindow  = 10 * time.Second
	DefaultInferencePort = 8080
	DefaultOutboxSize    = 64
	DefaultIdleTimeout   = 2 * time.Minute // Floor; raised to 4x SyncInterval

	// ConversationFileName is the name local snapshots are pushed under.
	ConversationFileName = "local.json"
	// accessReason accompanies every access request.
	accessReason = "Requesting access to LLM services"
)

// NodeConfig holds node settings. Zero fields take their defaults.
type NodeConfig struct {
	BindAddr string // TCP listen address; a specific IP is also used as the dial source
	TCPPort  int    // Listen port, and the port dialed on peers
	PeerName string // Name sent in access requests; defaults to the host name

	DialInterval time.Duration // Time between dial rounds over known peers
	DialJitter   time.Duration // Random extra delay before each dial round
	DialTimeout  time.Duration
	SyncInterval time.Duration // Periodic share on outbound connections
	AccessWindow time.Duration // How long an access request stays pending

	InferencePort int // Port announced when granting LLM access
	OutboxSize    int // Frames queued per peer before producers block

	Wire wire.Options

	Discovery        discovery.Config
	DisableDiscovery bool // No UDP beacon; peers come from Dial and Discover only
}

// DefaultNodeConfig returns the stock node settings.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{}.withDefaults()
}

func (c NodeConfig) withDefaults() NodeConfig {
	if c.BindAddr == "" {
		c.BindAddr = DefaultBindAddr
	}
	if c.TCPPort == 0 {
		c.TCPPort = DefaultTCPPort
	}
	if c.PeerName == "" {
		c.PeerName = hostname()
	}
	if c.DialInterval <= 0 {
		c.DialInterval = DefaultDialInterval
	}
	if c.DialJitter < 0 {
		c.DialJitter = 0
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.AccessWindow <= 0 {
		c.AccessWindow = DefaultAccessWindow
	}
	if c.InferencePort == 0 {
		c.InferencePort = DefaultInferencePort
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = DefaultOutboxSize
	}

	def := wire.DefaultOptions()
	if c.Wire.MaxPayload == 0 {
		c.Wire.MaxPayload = def.MaxPayload
	}
	if c.Wire.ChunkSize <= 0 {
		c.Wire.ChunkSize = def.ChunkSize
	}
	if c.Wire.HeaderTimeout <= 0 {
		c.Wire.HeaderTimeout = def.HeaderTimeout
	}
	if c.Wire.ChunkTimeout <= 0 {
		c.Wire.ChunkTimeout = def.ChunkTimeout
	}
	if c.Wire.IdleTimeout == 0 {
		// The accepting side hears from the dialer only on the share tick.
		c.Wire.IdleTimeout = max(DefaultIdleTimeout, 4*c.SyncInterval)
	}

	if c.Discovery == (discovery.Config{}) {
		c.Discovery = discovery.DefaultConfig()
	}
	return c
}

// Validate reports settings that would keep tearing down healthy
// connections. A negative Wire.IdleTimeout disables the idle timeout.
func (c NodeConfig) Validate() error {
	c = c.withDefaults()
	if c.Wire.IdleTimeout > 0 && c.Wire.IdleTimeout <= c.SyncInterval {
		return fmt.Errorf("%w: idle timeout %s must exceed sync interval %s",
			ErrInvalidConfig, c.Wire.IdleTimeout, c.SyncInterval)
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "Unknown"
	}
	return h
}

// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const levelTrace = slog.LevelDebug - 4

// Beacon announces this node and listens for the announcements of others.
type Beacon struct {
	log *slog.Logger

	cfg      Config
	hasLLM   func(context.Context) bool // Probed before each announcement round
	queue    *PeerQueue                 // Receives newly discovered addresses
	debounce *Debouncer

	// Hooks replaced in tests
	localAddrs func() ([]net.IP, error)       // Own addresses, for the self-filter
	targets    func() ([]*net.UDPAddr, error) // Broadcast destinations
	now        func() time.Time

	conn *net.UDPConn // Listener socket

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// NewBeacon creates a beacon. hasLLM may be nil, in which case the node
// always announces itself without capability.
func NewBeacon(log *slog.Logger, cfg Config, hasLLM func(context.Context) bool, queue *PeerQueue) *Beacon {
	cfg = cfg.withDefaults()
	if hasLLM == nil {
		hasLLM = func(context.Context) bool { return false }
	}
	b := &Beacon{
		log:        log,
		cfg:        cfg,
		hasLLM:     hasLLM,
		queue:      queue,
		localAddrs: InterfaceAddrs,
		now:        time.Now,
	}
	b.targets = func() ([]*net.UDPAddr, error) { return BroadcastTargets(b.cfg.Port) }
	b.debounce = NewDebouncer(cfg.Debounce, func() time.Time { return b.now() })
	return b
}

// Start binds the listener and launches the announce and listen loops.
// A bind failure is returned; nothing else is fatal.
func (b *Beacon) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("discovery: beacon already running")
	}

	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: b.cfg.Port}
	if b.cfg.ListenAddr != "" {
		laddr.IP = net.ParseIP(b.cfg.ListenAddr)
		if laddr.IP == nil {
			return fmt.Errorf("discovery: invalid listen address %q", b.cfg.ListenAddr)
		}
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("discovery: could not listen on %s: %w", laddr, err)
	}
	b.conn = conn

	ctx, b.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	b.group = g

	g.Go(func() error { return b.announceLoop(ctx) })
	g.Go(func() error { return b.listenLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})

	b.running = true
	b.log.Info("Discovery listening", "addr", conn.LocalAddr().String(), "interval", b.cfg.Interval)
	return nil
}

// Stop ends both loops and closes the listener.
func (b *Beacon) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel, g := b.cancel, b.group
	b.mu.Unlock()

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		b.log.Debug("Discovery stopped with error", "err", err)
	}
}

// LocalAddr returns the listener address, or nil before Start.
func (b *Beacon) LocalAddr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr()
}

// announceLoop announces immediately, then once per interval.
func (b *Beacon) announceLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		b.announce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (b *Beacon) announce(ctx context.Context) {
	a := Announcement{
		MessageType: OnlineMessage,
		HasLLM:      b.hasLLM(ctx),
		Timestamp:   b.now().Unix(),
	}
	payload, err := a.Marshal()
	if err != nil {
		b.log.Warn("Failed to encode announcement", "err", err)
		return
	}

	targets, err := b.targets()
	if err != nil {
		b.log.Warn("Failed to list broadcast targets", "err", err)
		return
	}
	for _, dst := range targets {
		if err := sendDatagram(dst, payload); err != nil {
			b.log.Debug("Broadcast failed", "dst", dst.String(), "err", err)
			continue
		}
		b.log.Log(ctx, levelTrace, "Announced", "dst", dst.String(), "has_llm", a.HasLLM)
	}
}

// sendDatagram sends payload from a one-shot socket. Go enables
// SO_BROADCAST on datagram sockets.
func sendDatagram(dst *net.UDPAddr, payload []byte) error {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.WriteToUDP(payload, dst)
	return err
}

func (b *Beacon) listenLoop(ctx context.Context) error {
	buf := make([]byte, b.cfg.MaxDatagram)
	for {
		n, src, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			b.log.Debug("Discovery read failed", "err", err)
			continue
		}
		b.handleDatagram(buf[:n], src.IP)
	}
}

// handleDatagram applies the self-filter and debounce, then queues src.
// It reports whether src was queued.
func (b *Beacon) handleDatagram(data []byte, src net.IP) bool {
	a, err := ParseAnnouncement(data)
	if err != nil {
		b.log.Debug("Ignoring datagram", "src", src.String(), "err", err)
		return false
	}
	if b.isLocal(src) {
		return false
	}
	addr := src.String()
	if !b.debounce.Observe(addr) {
		return false
	}
	b.log.Info("Discovered peer", "peer", addr, "has_llm", a.HasLLM)
	b.queue.Push(addr)
	return true
}

func (b *Beacon) isLocal(ip net.IP) bool {
	addrs, err := b.localAddrs()
	if err != nil {
		b.log.Debug("Failed to list local addresses", "err", err)
		return false
	}
	for _, a := range addrs {
		if a.Equal(ip) {
			return true
		}
	}
	return false
}

// InterfaceAddrs returns every IPv4 address assigned to this host.
func InterfaceAddrs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if ip4 := ipn.IP.To4(); ip4 != nil {
				out = append(out, ip4)
			}
		}
	}
	return out, nil
}

// BroadcastAddr returns the /24 broadcast address of ip.
func BroadcastAddr(ip net.IP) net.IP {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}
	return net.IPv4(ip4[0], ip4[1], ip4[2], 255).To4()
}

// BroadcastTargets lists the /24 broadcast address of each IPv4 address on
// interfaces that are up, skipping loopback.
func BroadcastTargets(port int) ([]*net.UDPAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []*net.UDPAddr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			bcast := BroadcastAddr(ipn.IP)
			if bcast == nil || seen[bcast.String()] {
				continue
			}
			seen[bcast.String()] = true
			out = append(out, &net.UDPAddr{IP: bcast, Port: port})
		}
	}
	return out, nil
}

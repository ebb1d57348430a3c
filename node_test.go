// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lanmesh

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny/lanmesh/conversation"
	"github.com/destiny/lanmesh/internal/testutil"
	"github.com/destiny/lanmesh/llm"
	"github.com/destiny/lanmesh/wire"
)

func TestNodeLifecycle(t *testing.T) {
	t.Parallel()

	port, err := testutil.GetAvailablePort(ipA)
	require.NoError(t, err)
	n := NewNode(slogt.New(t), NodeConfig{BindAddr: ipA, TCPPort: port, DisableDiscovery: true}, newMemStore(), nil)

	assert.Nil(t, n.Addr())
	assert.ErrorIs(t, n.Dial(context.Background(), ipB), ErrNodeStopped)

	require.NoError(t, n.Start(context.Background()))
	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, net.JoinHostPort(ipA, strconv.Itoa(port)), n.Addr().String())
	assert.False(t, n.LocalLLMReachable(context.Background()), "nil prober means no LLM")

	n.Stop()
	n.Stop()
	assert.Nil(t, n.Addr())
}

func TestNodeStartBindFailure(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp4", net.JoinHostPort(ipA, "0"))
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	n := NewNode(slogt.New(t), NodeConfig{BindAddr: ipA, TCPPort: port, DisableDiscovery: true}, newMemStore(), nil)
	assert.Error(t, n.Start(context.Background()))
}

func TestNodeConnect(t *testing.T) {
	t.Parallel()

	port := meshPort(t)
	a, _ := newTestNode(t, ipA, port, false)
	b, _ := newTestNode(t, ipB, port, false)

	connect(t, a, b)

	// The inbound side claims the dialer's address too.
	assert.Equal(t, []string{ipA}, b.ConnectedPeers())
	assert.Equal(t, []string{ipB}, a.ConnectedPeers())

	var already *AlreadyConnectedError
	require.ErrorAs(t, b.Dial(context.Background(), ipA), &already)
	assert.Equal(t, ipA, already.Addr)

	a.Stop()
	testutil.Eventually(t, func() bool {
		_, ok := b.Peer(ipA)
		return !ok && len(b.ConnectedPeers()) == 0
	})
}

func TestNodeDropsMalformedStream(t *testing.T) {
	t.Parallel()

	for name, frame := range map[string][]byte{
		"unknown marker": append([]byte("HELO:"), make([]byte, 8)...),
		"oversized length": binary.LittleEndian.AppendUint64(
			[]byte(wire.KindFileTransfer.Marker()), wire.DefaultMaxPayload+1),
	} {
		t.Run(name, func(t *testing.T) {
			port := meshPort(t)
			a, _ := newTestNode(t, ipA, port, false)

			d := net.Dialer{LocalAddr: &net.TCPAddr{IP: net.ParseIP(ipB)}}
			conn, err := d.Dial("tcp4", net.JoinHostPort(ipA, strconv.Itoa(port)))
			require.NoError(t, err)
			defer conn.Close()

			testutil.Eventually(t, func() bool {
				_, ok := a.Peer(ipB)
				return ok
			})
			assert.Equal(t, []string{ipB}, a.ConnectedPeers())

			_, err = conn.Write(frame)
			require.NoError(t, err)

			testutil.Eventually(t, func() bool {
				_, ok := a.Peer(ipB)
				return !ok && len(a.ConnectedPeers()) == 0
			})
		})
	}
}

func TestNodeDialDuringStop(t *testing.T) {
	t.Parallel()

	port := meshPort(t)
	newTestNode(t, ipA, port, false)
	b, _ := newTestNode(t, ipB, port, false)

	dialed := make(chan error, 1)
	go func() { dialed <- b.Dial(context.Background(), ipA) }()
	b.Stop()

	if err := <-dialed; err != nil {
		var already *AlreadyConnectedError
		assert.False(t, errors.As(err, &already), "unexpected %v", err)
	}
	assert.ErrorIs(t, b.Dial(context.Background(), ipA), ErrNodeStopped)
	assert.Empty(t, b.ConnectedPeers())
}

func TestNodeDiscoverDials(t *testing.T) {
	t.Parallel()

	port := meshPort(t)
	a, _ := newTestNode(t, ipA, port, false)
	b, _ := newTestNode(t, ipB, port, false)

	b.Discover(ipA)
	testutil.Eventually(t, func() bool {
		_, ok := a.Peer(ipB)
		return ok
	})
}

func TestNodeRedialsKnownPeer(t *testing.T) {
	t.Parallel()

	port := meshPort(t)
	b, _ := newTestNode(t, ipB, port, false, func(c *NodeConfig) {
		c.DialInterval = 50 * time.Millisecond
	})

	// Nobody listens yet; the dialer keeps retrying.
	b.Discover(ipA)
	time.Sleep(150 * time.Millisecond)

	a, _ := newTestNode(t, ipA, port, false)
	testutil.Eventually(t, func() bool {
		_, ok := a.Peer(ipB)
		return ok
	})
}

func TestNodeConfigIdleTimeout(t *testing.T) {
	t.Parallel()

	cfg := NodeConfig{SyncInterval: 5 * time.Minute}.withDefaults()
	assert.Equal(t, 20*time.Minute, cfg.Wire.IdleTimeout)
	assert.Equal(t, DefaultIdleTimeout, DefaultNodeConfig().Wire.IdleTimeout)
	require.NoError(t, cfg.Validate())

	bad := NodeConfig{SyncInterval: 2 * time.Second, Wire: wire.Options{IdleTimeout: 300 * time.Millisecond}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
	bad.Wire.IdleTimeout = 2 * time.Second
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	off := NodeConfig{SyncInterval: time.Hour, Wire: wire.Options{IdleTimeout: -1}}
	assert.NoError(t, off.Validate())

	port, err := testutil.GetAvailablePort(ipA)
	require.NoError(t, err)
	bad.BindAddr, bad.TCPPort, bad.DisableDiscovery = ipA, port, true
	n := NewNode(slogt.New(t), bad, newMemStore(), nil)
	assert.ErrorIs(t, n.Start(context.Background()), ErrInvalidConfig)
	assert.Nil(t, n.Addr())
}

func TestNodeIdleConnectionSurvivesSync(t *testing.T) {
	t.Parallel()

	port := meshPort(t)
	short := func(c *NodeConfig) {
		c.SyncInterval = 100 * time.Millisecond
		c.Wire.IdleTimeout = 400 * time.Millisecond
	}
	a, _ := newTestNode(t, ipA, port, false, short)
	b, _ := newTestNode(t, ipB, port, false, short)

	connect(t, a, b)
	pa, _ := a.Peer(ipB)
	pb, _ := b.Peer(ipA)

	// Several idle periods pass; the share tick keeps both sides alive.
	time.Sleep(time.Second)
	gotA, ok := a.Peer(ipB)
	require.True(t, ok)
	gotB, ok := b.Peer(ipA)
	require.True(t, ok)
	assert.Same(t, pa, gotA)
	assert.Same(t, pb, gotB)
}

func TestLLMNegotiation(t *testing.T) {
	t.Parallel()

	port := meshPort(t)
	a, _ := newTestNode(t, ipA, port, true)
	b, _ := newTestNode(t, ipB, port, false)

	connect(t, a, b)

	testutil.Eventually(t, func() bool {
		return slices.Contains(b.AuthorizedPeers(), ipA)
	})
	assert.Equal(t, map[string]Endpoint{ipA: {Host: ipA, Port: 11434}}, b.LLMRoutes())
	assert.Equal(t, []string{ipA}, b.CapablePeers())
	assert.Empty(t, b.GrantedPeers())

	testutil.Eventually(t, func() bool {
		return slices.Contains(a.GrantedPeers(), ipB)
	})
	assert.Empty(t, a.AuthorizedPeers())
	assert.Empty(t, a.LLMRoutes())
	assert.Empty(t, a.CapablePeers())
}

func TestLLMNegotiationDenied(t *testing.T) {
	t.Parallel()

	port := meshPort(t)
	// a announces an LLM at handshake but has lost it by the time the
	// request arrives.
	prober := &flipProber{}
	a := NewNode(slogt.New(t), NodeConfig{BindAddr: ipA, TCPPort: port, DisableDiscovery: true}, newMemStore(), prober)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)
	b, _ := newTestNode(t, ipB, port, false)

	connect(t, a, b)

	testutil.Eventually(t, func() bool { return prober.Calls() >= 2 })
	testutil.Eventually(t, func() bool {
		b.pending.mu.Lock()
		defer b.pending.mu.Unlock()
		_, pending := b.pending.deadlines[ipA]
		return !pending
	})
	assert.Equal(t, []string{ipA}, b.CapablePeers())
	assert.Empty(t, b.AuthorizedPeers())
	assert.Empty(t, b.LLMRoutes())
	assert.Empty(t, a.GrantedPeers())
}

// flipProber is reachable on its first probe only.
type flipProber struct {
	mu    sync.Mutex
	calls int
}

func (p *flipProber) Reachable(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.calls == 1
}

func (p *flipProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestFileDistribution(t *testing.T) {
	t.Parallel()

	port := meshPort(t)
	a, _ := newTestNode(t, ipA, port, false)
	b, bStore := newTestNode(t, ipB, port, false)
	a.SetSecret("S")
	b.SetSecret("S")

	connect(t, a, b)

	content := bytes.Repeat([]byte{0xAB}, 1000)
	var progress []string
	res, err := a.BroadcastFile(context.Background(), "report.pdf", "application/pdf", content,
		WithProgress(func(done, total int, peer string, err error) {
			assert.NoError(t, err)
			assert.Equal(t, 1, total)
			progress = append(progress, peer)
		}))
	require.NoError(t, err)
	assert.Equal(t, []string{ipB}, res.Sent)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{ipB}, progress)

	testutil.Eventually(t, func() bool {
		files := b.AnnouncedFiles()
		return len(files) == 1 && files[0].Received
	})
	f := b.AnnouncedFiles()[0]
	assert.Equal(t, "report.pdf", f.Filename)
	assert.Equal(t, "application/pdf", f.Type)
	assert.Equal(t, uint64(1000), f.Size)
	assert.Equal(t, ipA, f.Uploader)

	got, ok := bStore.inboundFile(ipA, "report.pdf")
	require.True(t, ok)
	assert.Equal(t, content, got)

	// Sending again does not add a second entry.
	_, err = a.BroadcastFile(context.Background(), "report.pdf", "application/pdf", content)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, b.AnnouncedFiles(), 1)
}

func TestBroadcastStoredFile(t *testing.T) {
	t.Parallel()

	port := meshPort(t)
	a, aStore := newTestNode(t, ipA, port, false)
	b, _ := newTestNode(t, ipB, port, false)
	a.SetSecret("S")
	b.SetSecret("S")

	_, err := a.BroadcastStoredFile(context.Background(), "missing.txt", "text/plain")
	require.Error(t, err)

	aStore.mu.Lock()
	aStore.uploads["notes.txt"] = []byte("hello")
	aStore.mu.Unlock()

	connect(t, a, b)
	res, err := a.BroadcastStoredFile(context.Background(), "notes.txt", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, []string{ipB}, res.Sent)

	testutil.Eventually(t, func() bool {
		files := b.AnnouncedFiles()
		return len(files) == 1 && files[0].Size == 5
	})
}

func TestConversationSync(t *testing.T) {
	t.Parallel()

	port := meshPort(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	convA := &conversation.Conversation{
		ID:       conversation.LocalID,
		HostInfo: conversation.HostInfo{Hostname: "a", IPAddress: ipA},
		Messages: []conversation.ChatMessage{{Content: "hello", Timestamp: at, Sender: "a", MessageType: conversation.Question}},
	}
	convB := &conversation.Conversation{ID: conversation.LocalID, HostInfo: conversation.HostInfo{Hostname: "b", IPAddress: ipB}}

	a, aStore := newTestNode(t, ipA, port, false)
	b, bStore := newTestNode(t, ipB, port, false, func(c *NodeConfig) {
		c.SyncInterval = 100 * time.Millisecond
	})
	aStore.setLocal(convA)
	bStore.setLocal(convB)

	connect(t, a, b)

	// Push on connect, both directions.
	testutil.Eventually(t, func() bool {
		_, ok := b.PeerConversations()[ipA]
		return ok
	})
	assert.Equal(t, convA, b.PeerConversations()[ipA])
	saved, ok := bStore.peerConversation(ipA, ConversationFileName)
	require.True(t, ok)
	assert.Equal(t, convA, saved)

	testutil.Eventually(t, func() bool {
		_, ok := a.PeerConversations()[ipB]
		return ok
	})

	// The dialer re-pushes on its interval; the latest snapshot replaces
	// the previous one.
	convB.Messages = append(convB.Messages, conversation.ChatMessage{Content: "again", Timestamp: at, Sender: "b", MessageType: conversation.Question})
	bStore.setLocal(convB)
	testutil.Eventually(t, func() bool {
		c := a.PeerConversations()[ipB]
		return c != nil && len(c.Messages) == 1
	})
}

func TestSyncRequestAnswered(t *testing.T) {
	t.Parallel()

	port := meshPort(t)
	a, aStore := newTestNode(t, ipA, port, false)
	b, bStore := newTestNode(t, ipB, port, false, func(c *NodeConfig) {
		c.SyncInterval = 100 * time.Millisecond
	})
	aStore.setLocal(&conversation.Conversation{ID: "chat-7"})

	connect(t, a, b)

	// The sync response stores the conversation under its own id.
	testutil.Eventually(t, func() bool {
		_, ok := bStore.peerConversation(ipA, "chat-7.json")
		return ok
	})
}

func TestStaticProberSatisfiesInterface(t *testing.T) {
	var _ LLMProber = llm.Static(true)
}

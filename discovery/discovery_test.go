// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/destiny/lanmesh/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDebouncer(t *testing.T) {
	t.Parallel()

	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	d := NewDebouncer(60*time.Second, clock.Now)

	assert.True(t, d.Observe("10.0.0.2"), "first sighting")
	assert.True(t, d.Observe("10.0.0.3"), "other source")

	clock.Advance(59 * time.Second)
	assert.False(t, d.Observe("10.0.0.2"), "inside window")

	clock.Advance(2 * time.Second)
	assert.True(t, d.Observe("10.0.0.2"), "window elapsed")
	assert.False(t, d.Observe("10.0.0.2"), "window restarted")
}

func TestPeerQueue(t *testing.T) {
	t.Parallel()

	q := NewPeerQueue()
	assert.Empty(t, q.Drain())

	q.Push("10.0.0.2")
	q.Push("10.0.0.3")
	q.Push("10.0.0.2")

	select {
	case <-q.Ready():
	default:
		t.Fatal("queue not signalled")
	}
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3"}, q.Drain())
	assert.Empty(t, q.Drain())

	q.Push("10.0.0.2")
	assert.Equal(t, []string{"10.0.0.2"}, q.Drain())
}

func TestParseAnnouncement(t *testing.T) {
	t.Parallel()

	raw, err := Announcement{MessageType: OnlineMessage, HasLLM: true, Timestamp: 42}.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"message_type":"ONLINE","has_llm":true,"timestamp":42}`, string(raw))

	a, err := ParseAnnouncement(raw)
	require.NoError(t, err)
	assert.True(t, a.HasLLM)

	a, err = ParseAnnouncement([]byte("ONLINE"))
	require.NoError(t, err)
	assert.False(t, a.HasLLM)

	_, err = ParseAnnouncement([]byte("garbage"))
	assert.Error(t, err)
	_, err = ParseAnnouncement([]byte(`{"has_llm":true}`))
	assert.Error(t, err)
}

func TestBroadcastAddr(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "192.168.1.255", BroadcastAddr(net.ParseIP("192.168.1.37")).String())
	assert.Equal(t, "10.4.7.255", BroadcastAddr(net.IPv4(10, 4, 7, 1)).String())
	assert.Nil(t, BroadcastAddr(net.ParseIP("fe80::1")))
}

func TestHandleDatagram(t *testing.T) {
	t.Parallel()

	q := NewPeerQueue()
	b := NewBeacon(slogt.New(t), Config{Debounce: time.Minute}, nil, q)
	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	b.now = clock.Now
	b.localAddrs = func() ([]net.IP, error) {
		return []net.IP{net.IPv4(192, 168, 1, 10)}, nil
	}

	msg, err := Announcement{MessageType: OnlineMessage, HasLLM: true}.Marshal()
	require.NoError(t, err)

	peer := net.IPv4(192, 168, 1, 20)
	assert.False(t, b.handleDatagram(msg, net.IPv4(192, 168, 1, 10)), "self-filter")
	assert.False(t, b.handleDatagram([]byte("{"), peer), "undecodable")
	assert.True(t, b.handleDatagram(msg, peer))

	clock.Advance(30 * time.Second)
	assert.False(t, b.handleDatagram(msg, peer), "debounced")
	assert.Equal(t, []string{"192.168.1.20"}, q.Drain())

	clock.Advance(31 * time.Second)
	assert.True(t, b.handleDatagram(msg, peer))
	assert.Equal(t, []string{"192.168.1.20"}, q.Drain())
}

func TestBeaconExchange(t *testing.T) {
	port, err := testutil.GetUDPPort("127.0.0.1")
	require.NoError(t, err)

	log := slogt.New(t)
	q := NewPeerQueue()
	listener := NewBeacon(log, Config{Port: port, ListenAddr: "127.0.0.1", Interval: time.Hour}, nil, q)
	listener.localAddrs = func() ([]net.IP, error) { return nil, nil }
	listener.targets = func() ([]*net.UDPAddr, error) { return nil, nil }

	otherPort, err := testutil.GetUDPPort("127.0.0.1")
	require.NoError(t, err)
	probed := make(chan struct{}, 1)
	announcer := NewBeacon(log, Config{Port: otherPort, ListenAddr: "127.0.0.1", Interval: 50 * time.Millisecond},
		func(context.Context) bool {
			select {
			case probed <- struct{}{}:
			default:
			}
			return true
		}, NewPeerQueue())
	announcer.targets = func() ([]*net.UDPAddr, error) {
		return []*net.UDPAddr{{IP: net.IPv4(127, 0, 0, 1), Port: port}}, nil
	}

	ctx := context.Background()
	assert.Nil(t, listener.LocalAddr())
	require.NoError(t, listener.Start(ctx))
	defer listener.Stop()
	assert.Equal(t, port, listener.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, announcer.Start(ctx))
	defer announcer.Stop()

	require.Error(t, listener.Start(ctx), "double start")

	select {
	case <-q.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("no peer discovered")
	}
	assert.Equal(t, []string{"127.0.0.1"}, q.Drain())
	<-probed

	// Repeated announcements within the window are suppressed.
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, q.Drain())
}

// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lanmesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny/lanmesh/wire"
)

func TestPeerWritesInOrder(t *testing.T) {
	t.Parallel()

	p, remote := pipePeer(t, "10.0.0.2")
	p.start()
	ctx := context.Background()

	sent := []wire.Message{
		wire.LLMCapability{HasLLM: true},
		wire.SyncRequest{},
		wire.ConversationFile{Name: "local.json", Content: `{"id":"local"}`},
	}
	for _, m := range sent {
		require.NoError(t, p.Send(ctx, m))
	}

	dec := wire.NewDecoder(remote, wire.DefaultOptions())
	for _, want := range sent {
		got, err := dec.Decode()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestPeerSendWaitReportsWrite(t *testing.T) {
	t.Parallel()

	p, remote := pipePeer(t, "10.0.0.2")
	p.start()

	errc := make(chan error, 1)
	go func() { errc <- p.SendWait(context.Background(), wire.LLMCapability{HasLLM: true}) }()

	msg, err := wire.NewDecoder(remote, wire.DefaultOptions()).Decode()
	require.NoError(t, err)
	assert.Equal(t, wire.LLMCapability{HasLLM: true}, msg)
	require.NoError(t, <-errc)
}

func TestPeerDropsUnencodableFrame(t *testing.T) {
	t.Parallel()

	p, remote := pipePeer(t, "10.0.0.2")
	p.start()
	ctx := context.Background()

	err := p.SendWait(ctx, wire.FileTransfer{Filename: "a|b", Type: "text/plain"})
	require.ErrorIs(t, err, wire.ErrDelimiter)
	assert.NoError(t, p.Err(), "connection must survive a rejected frame")

	go func() { _ = p.Send(ctx, wire.SyncRequest{}) }()
	msg, err := wire.NewDecoder(remote, wire.DefaultOptions()).Decode()
	require.NoError(t, err)
	assert.Equal(t, wire.SyncRequest{}, msg)
}

func TestPeerClosed(t *testing.T) {
	t.Parallel()

	p, remote := pipePeer(t, "10.0.0.2")
	p.start()

	bye := errors.New("bye")
	p.Close(bye)

	assert.ErrorIs(t, p.Err(), bye)
	assert.ErrorIs(t, p.Send(context.Background(), wire.SyncRequest{}), ErrPeerClosed)
	assert.ErrorIs(t, p.SendWait(context.Background(), wire.SyncRequest{}), ErrPeerClosed)

	// The transport is closed along with the peer.
	_ = remote.SetReadDeadline(time.Now().Add(time.Second))
	_, err := wire.NewDecoder(remote, wire.DefaultOptions()).Decode()
	assert.Error(t, err)
}

func TestPeerWriteFailureTearsDown(t *testing.T) {
	t.Parallel()

	p, remote := pipePeer(t, "10.0.0.2")
	p.start()
	require.NoError(t, remote.Close())

	err := p.SendWait(context.Background(), wire.SyncRequest{})
	require.Error(t, err)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer not torn down after write failure")
	}
	assert.Error(t, p.Err())
}

func TestPeerSendHonoursContext(t *testing.T) {
	t.Parallel()

	// Not started: nothing drains the outbox.
	p, _ := pipePeer(t, "10.0.0.2")
	for range cap(p.outgoing) {
		require.NoError(t, p.Send(context.Background(), wire.SyncRequest{}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Send(ctx, wire.SyncRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

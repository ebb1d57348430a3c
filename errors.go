// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lanmesh

import (
	"errors"
	"fmt"
)

var (
	// ErrPeerClosed is returned when sending to a peer whose connection
	// has been torn down.
	ErrPeerClosed = errors.New("lanmesh: peer connection closed")
	// ErrNodeStopped is returned by operations on a node that is not running.
	ErrNodeStopped = errors.New("lanmesh: node stopped")
	// ErrAlreadyStarted is returned by Start on a running node.
	ErrAlreadyStarted = errors.New("lanmesh: node already started")
	// ErrInvalidConfig is returned by NodeConfig.Validate and Node.Start.
	ErrInvalidConfig = errors.New("lanmesh: invalid config")
	// errClosedByPeer marks a clean end of stream.
	errClosedByPeer = errors.New("lanmesh: connection closed by peer")
)

// AlreadyConnectedError is returned by Node.Dial when the address is already
// connected or being dialed.
type AlreadyConnectedError struct {
	Addr string
}

func (e *AlreadyConnectedError) Error() string {
	return fmt.Sprintf("lanmesh: already connected to %s", e.Addr)
}

// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testutil provides testing utilities for mesh nodes.
package testutil

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
)

var portCounter int64 = 20000

// nextPort walks the test port range, wrapping around at the top.
func nextPort() int {
	port := int(atomic.AddInt64(&portCounter, 1))
	if port > 65535 {
		port = 20000 + (port % 45535)
	}
	return port
}

// GetAvailablePort returns a TCP port that is free on every host given,
// or on all interfaces when none is.
func GetAvailablePort(hosts ...string) (int, error) {
	return findPort(hosts, isPortAvailable)
}

// GetUDPPort returns a UDP port that is free on every host given.
func GetUDPPort(hosts ...string) (int, error) {
	return findPort(hosts, isUDPPortAvailable)
}

func findPort(hosts []string, free func(host string, port int) bool) (int, error) {
	if len(hosts) == 0 {
		hosts = []string{""}
	}
	for i := 0; i < 200; i++ {
		port := nextPort()
		ok := true
		for _, h := range hosts {
			if !free(h, port) {
				ok = false
				break
			}
		}
		if ok {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available ports found in range")
}

// isPortAvailable checks if a TCP port is available for binding
func isPortAvailable(host string, port int) bool {
	listener, err := net.Listen("tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// isUDPPortAvailable checks if a UDP port is available
func isUDPPortAvailable(host string, port int) bool {
	conn, err := net.ListenPacket("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// LoopbackAliasAvailable reports whether ip can be bound locally. Linux
// routes all of 127.0.0.0/8 to lo; other systems need an explicit alias.
func LoopbackAliasAvailable(ip string) bool {
	l, err := net.Listen("tcp4", net.JoinHostPort(ip, "0"))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// RequireLoopbackAliases skips t unless every ip can be bound.
func RequireLoopbackAliases(t testing.TB, ips ...string) {
	t.Helper()
	for _, ip := range ips {
		if !LoopbackAliasAvailable(ip) {
			t.Skipf("loopback address %s is not bindable on this host", ip)
		}
	}
}

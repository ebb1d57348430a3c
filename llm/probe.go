// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package llm answers whether this node has a language model that peers
// can reach.
//
// A node has LLM capability when the local Ollama server answers
// GET /api/tags and its port is also reachable on the node's LAN address,
// i.e. Ollama listens on more than loopback.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"
)

// Probe defaults
const (
	DefaultBaseURL = "http://127.0.0.1:11434"
	DefaultTimeout = 2 * time.Second
)

// Prober checks local LLM reachability. Concurrent callers share one probe.
type Prober struct {
	log *slog.Logger

	baseURL *url.URL
	client  *http.Client
	timeout time.Duration
	lanAddr func() (net.IP, error) // Address peers would use to reach us

	group singleflight.Group
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithTimeout bounds each probe step.
func WithTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.timeout = d
		p.client.Timeout = d
	}
}

// WithLANAddr overrides how the node's LAN address is found.
func WithLANAddr(f func() (net.IP, error)) ProberOption {
	return func(p *Prober) { p.lanAddr = f }
}

// NewProber creates a prober for the Ollama server at baseURL. An empty
// baseURL means DefaultBaseURL.
func NewProber(log *slog.Logger, baseURL string, opts ...ProberOption) (*Prober, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("llm: invalid base URL %q: %w", baseURL, err)
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("llm: base URL %q has no port", baseURL)
	}
	p := &Prober{
		log:     log,
		baseURL: u,
		client:  &http.Client{Timeout: DefaultTimeout},
		timeout: DefaultTimeout,
		lanAddr: OutboundIP,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Reachable reports whether the local LLM is up and reachable from the LAN.
// The probe is never cached; callers arriving while one is in flight share
// its result.
func (p *Prober) Reachable(ctx context.Context) bool {
	ch := p.group.DoChan("probe", func() (any, error) {
		return p.probe(), nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

func (p *Prober) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL.JoinPath("api", "tags").String(), nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug("Local LLM not answering", "url", p.baseURL.String(), "err", err)
		return false
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.log.Debug("Local LLM returned error status", "status", resp.StatusCode)
		return false
	}

	ip, err := p.lanAddr()
	if err != nil {
		// No LAN route; only loopback peers could reach us anyway.
		return true
	}
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), p.baseURL.Port()))
	if err != nil {
		p.log.Info("Local LLM is not reachable from the LAN; set OLLAMA_HOST=0.0.0.0",
			"addr", ip.String(), "err", err)
		return false
	}
	conn.Close()
	return true
}

// Static is a prober with a fixed answer.
type Static bool

// Reachable returns s.
func (s Static) Reachable(context.Context) bool { return bool(s) }

// OutboundIP returns the local address the host would use to reach the
// wider network. No packet is sent.
func OutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return nil, errors.New("llm: no outbound address")
	}
	return addr.IP, nil
}

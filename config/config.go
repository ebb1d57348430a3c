// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config reads node settings from the environment and provisions
// the shared HMAC secret.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/destiny/lanmesh"
	"github.com/destiny/lanmesh/llm"
)

// EnvPrefix prefixes every variable read by Load.
const EnvPrefix = "LANMESH_"

// Defaults
const (
	DefaultDataDir    = "data"
	DefaultSecretFile = "p2p_secret.txt"
)

// Config is everything a node process needs at startup.
type Config struct {
	Node       lanmesh.NodeConfig
	DataDir    string // Root of the filesystem store
	LogLevel   lanmesh.LogLevel
	OllamaURL  string // Local LLM base URL
	SecretFile string // Where the shared secret is read from or saved to
}

// Default returns the stock settings.
func Default() Config {
	return Config{
		Node:       lanmesh.DefaultNodeConfig(),
		DataDir:    DefaultDataDir,
		LogLevel:   lanmesh.LogLevelInfo,
		OllamaURL:  llm.DefaultBaseURL,
		SecretFile: DefaultSecretFile,
	}
}

// Load applies LANMESH_* variables from getenv over the defaults. Every
// malformed variable is reported.
func Load(getenv func(string) string) (Config, error) {
	cfg := Default()
	p := parser{getenv: getenv}

	p.str("BIND_ADDR", &cfg.Node.BindAddr)
	p.port("TCP_PORT", &cfg.Node.TCPPort)
	p.port("UDP_PORT", &cfg.Node.Discovery.Port)
	p.port("INFERENCE_PORT", &cfg.Node.InferencePort)
	p.str("PEER_NAME", &cfg.Node.PeerName)
	p.duration("BROADCAST_INTERVAL", &cfg.Node.Discovery.Interval)
	p.duration("DEBOUNCE", &cfg.Node.Discovery.Debounce)
	p.duration("SYNC_INTERVAL", &cfg.Node.SyncInterval)
	// Unset, the idle timeout follows the sync interval.
	cfg.Node.Wire.IdleTimeout = 0
	p.duration("IDLE_TIMEOUT", &cfg.Node.Wire.IdleTimeout)
	p.duration("DIAL_INTERVAL", &cfg.Node.DialInterval)
	p.duration("DIAL_JITTER", &cfg.Node.DialJitter)
	p.str("DATA_DIR", &cfg.DataDir)
	p.str("OLLAMA_URL", &cfg.OllamaURL)
	p.str("SECRET_FILE", &cfg.SecretFile)
	if v := p.get("LOG_LEVEL"); v != "" {
		lvl, err := lanmesh.ParseLogLevel(v)
		if err != nil {
			p.fail("LOG_LEVEL", err)
		}
		cfg.LogLevel = lvl
	}

	if len(p.errs) == 0 {
		if err := cfg.Node.Validate(); err != nil {
			p.fail("IDLE_TIMEOUT", err)
		}
	}
	return cfg, errors.Join(p.errs...)
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) get(name string) string {
	return strings.TrimSpace(p.getenv(EnvPrefix + name))
}

func (p *parser) fail(name string, err error) {
	p.errs = append(p.errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err))
}

func (p *parser) str(name string, dst *string) {
	if v := p.get(name); v != "" {
		*dst = v
	}
}

func (p *parser) port(name string, dst *int) {
	v := p.get(name)
	if v == "" {
		return
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil || n == 0 {
		p.fail(name, fmt.Errorf("invalid port %q", v))
		return
	}
	*dst = int(n)
}

// duration accepts Go duration syntax or a bare number of seconds.
func (p *parser) duration(name string, dst *time.Duration) {
	v := p.get(name)
	if v == "" {
		return
	}
	if secs, err := strconv.ParseUint(v, 10, 32); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		p.fail(name, fmt.Errorf("invalid duration %q", v))
		return
	}
	*dst = d
}

// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// SecretEnv names the variable holding the shared HMAC secret.
const SecretEnv = "P2P_HMAC_SECRET"

const (
	secretSize = 32
	secretInfo = "lanmesh file metadata hmac"
)

// SecretSource tells where LoadSecret found the secret.
type SecretSource int

const (
	SecretFromEnv SecretSource = iota
	SecretFromFile
	SecretGenerated
)

func (s SecretSource) String() string {
	switch s {
	case SecretFromEnv:
		return "environment"
	case SecretFromFile:
		return "file"
	case SecretGenerated:
		return "generated"
	default:
		return "unknown"
	}
}

// LoadSecret returns the shared secret from the SecretEnv variable, else
// from path, else generates one and saves it to path with mode 0600.
// Nodes only trust each other's file metadata when they share the secret,
// so a generated secret must be copied to the other nodes.
func LoadSecret(getenv func(string) string, path, hostname string) (string, SecretSource, error) {
	if s := strings.TrimSpace(getenv(SecretEnv)); s != "" {
		return s, SecretFromEnv, nil
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if s := strings.TrimSpace(string(raw)); s != "" {
			return s, SecretFromFile, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", 0, fmt.Errorf("config: could not read secret file: %w", err)
	}

	s, err := generateSecret(rand.Reader, hostname)
	if err != nil {
		return "", 0, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", 0, fmt.Errorf("config: could not create secret dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(s+"\n"), 0o600); err != nil {
		return "", 0, fmt.Errorf("config: could not save secret: %w", err)
	}
	return s, SecretGenerated, nil
}

// generateSecret derives a hex secret from fresh randomness, salted with
// the host name.
func generateSecret(random io.Reader, hostname string) (string, error) {
	seed := make([]byte, secretSize)
	if _, err := io.ReadFull(random, seed); err != nil {
		return "", fmt.Errorf("config: could not read random seed: %w", err)
	}
	kdf := hkdf.New(sha256.New, seed, []byte(hostname), []byte(secretInfo))
	key := make([]byte, secretSize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return "", fmt.Errorf("config: could not derive secret: %w", err)
	}
	return hex.EncodeToString(key), nil
}

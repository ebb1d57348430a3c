// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package store persists conversations and files on the local filesystem.
//
// Layout under the root directory:
//
//	conversations/local.json   the node's own conversation
//	received/<peer>/<name>     snapshots and files received from a peer
//	uploads/<filename>         files uploaded on this node
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/destiny/lanmesh/conversation"
)

// Directory names under the store root
const (
	ConversationsDir = "conversations"
	ReceivedDir      = "received"
	UploadsDir       = "uploads"

	LocalConversationFile = "local.json"
)

// ErrInvalidName is returned for names that cannot be mapped to a file.
var ErrInvalidName = errors.New("store: invalid name")

// FS is a filesystem-backed store rooted at a directory.
type FS struct {
	root string
	mu   sync.Mutex // Serialises writes to the same tree
}

// Open creates the directory layout under root.
func Open(root string) (*FS, error) {
	for _, dir := range []string{ConversationsDir, ReceivedDir, UploadsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("store: could not create %s: %w", dir, err)
		}
	}
	return &FS{root: root}, nil
}

// Root returns the store directory.
func (s *FS) Root() string { return s.root }

// SanitizeName maps an untrusted name received from the network to a single
// path element: NFC-normalised, separators replaced, never "." or "..".
func SanitizeName(name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// LocalConversation loads the node's own conversation, or nil when there is
// none yet.
func (s *FS) LocalConversation(ctx context.Context) (*conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(s.root, ConversationsDir, LocalConversationFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: could not read local conversation: %w", err)
	}
	return conversation.Decode(raw)
}

// SaveLocalConversation replaces the node's own conversation.
func (s *FS) SaveLocalConversation(ctx context.Context, c *conversation.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeJSON(filepath.Join(s.root, ConversationsDir, LocalConversationFile), c)
}

// SavePeerConversation writes a snapshot received from peer as
// received/<peer>/<name>.
func (s *FS) SavePeerConversation(ctx context.Context, peer, name string, c *conversation.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.peerPath(peer, name)
	if err != nil {
		return err
	}
	return s.writeJSON(path, c)
}

// SaveInboundFile writes a file received from peer as
// received/<peer>/<filename>.
func (s *FS) SaveInboundFile(ctx context.Context, peer, filename string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.peerPath(peer, filename)
	if err != nil {
		return err
	}
	return s.write(path, data)
}

// SaveUpload stores a locally uploaded file.
func (s *FS) SaveUpload(ctx context.Context, filename string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := SanitizeName(filename)
	if err != nil {
		return err
	}
	return s.write(filepath.Join(s.root, UploadsDir, name), data)
}

// FileBytes returns the content of a locally uploaded file. A missing file
// yields an error matching fs.ErrNotExist.
func (s *FS) FileBytes(ctx context.Context, filename string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := SanitizeName(filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, UploadsDir, name))
	if err != nil {
		return nil, fmt.Errorf("store: could not read upload %q: %w", name, err)
	}
	return data, nil
}

// PeerConversations loads the last local.json snapshot saved for each peer.
// Unreadable snapshots are skipped.
func (s *FS) PeerConversations(ctx context.Context) (map[string]*conversation.Conversation, error) {
	out := make(map[string]*conversation.Conversation)
	entries, err := os.ReadDir(filepath.Join(s.root, ReceivedDir))
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: could not list received: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.root, ReceivedDir, e.Name(), LocalConversationFile))
		if err != nil {
			continue
		}
		if c, err := conversation.Decode(raw); err == nil {
			out[e.Name()] = c
		}
	}
	return out, nil
}

func (s *FS) peerPath(peer, name string) (string, error) {
	p, err := SanitizeName(peer)
	if err != nil {
		return "", err
	}
	n, err := SanitizeName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, ReceivedDir, p, n), nil
}

func (s *FS) writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: could not encode %s: %w", filepath.Base(path), err)
	}
	return s.write(path, raw)
}

// write replaces path via a temporary file in the same directory.
func (s *FS) write(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("store: could not write %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("store: could not write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store: could not write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store: could not write %s: %w", path, err)
	}
	return nil
}

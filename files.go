// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lanmesh

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/destiny/lanmesh/integrity"
	"github.com/destiny/lanmesh/wire"
)

// BroadcastResult reports the outcome of a file broadcast per peer.
type BroadcastResult struct {
	Sent   []string         // Peers that were sent both frames
	Failed map[string]error // Peers whose connection failed mid-broadcast
}

// BroadcastOption configures a single broadcast.
type BroadcastOption func(*broadcastOptions)

type broadcastOptions struct {
	progress func(done, total int, peer string, err error)
}

// WithProgress calls fn once per peer as its delivery finishes. Calls are
// serialized.
func WithProgress(fn func(done, total int, peer string, err error)) BroadcastOption {
	return func(o *broadcastOptions) { o.progress = fn }
}

// BroadcastFile signs content and sends FileMeta followed by FileTransfer
// to every connected peer. Each peer's frames go through its own outbox, so
// a slow peer does not hold up the others.
func (n *Node) BroadcastFile(ctx context.Context, filename, fileType string, content []byte, opts ...BroadcastOption) (BroadcastResult, error) {
	var o broadcastOptions
	for _, opt := range opts {
		opt(&o)
	}

	secret := n.sharedSecret()
	if len(secret) == 0 {
		return BroadcastResult{}, fmt.Errorf("lanmesh: broadcast %s: %w", filename, integrity.ErrNoSecret)
	}

	size := uint64(len(content))
	overhead := uint64(len(filename) + len(fileType) + len(strconv.FormatUint(size, 10)) + 3)
	if size+overhead > n.cfg.Wire.MaxPayload {
		return BroadcastResult{}, fmt.Errorf("lanmesh: broadcast %s: %w: %d bytes", filename, wire.ErrFrameTooLarge, size)
	}

	d := integrity.Describe(filename, fileType, content, n.now())
	sig, err := integrity.Sign(secret, d)
	if err != nil {
		return BroadcastResult{}, err
	}
	meta := wire.FileMeta{
		Filename:   d.Filename,
		Type:       d.Type,
		Size:       d.Size,
		SHA256:     d.SHA256,
		UploadedAt: d.UploadedAt,
		HMAC:       sig,
	}
	// FileMeta carries the same fields as the transfer header; a name the
	// encoder would refuse is caught here instead of once per peer.
	if _, err := wire.Marshal(meta); err != nil {
		return BroadcastResult{}, fmt.Errorf("lanmesh: broadcast %s: %w", filename, err)
	}
	transfer := wire.FileTransfer{Filename: filename, Type: fileType, Size: size, Content: content}

	peers := n.handles.Snapshot()
	res := BroadcastResult{Sent: []string{}, Failed: make(map[string]error)}
	if len(peers) == 0 {
		n.log.Info("No peers to share file with", "filename", filename)
		return res, nil
	}

	var (
		mu   sync.Mutex
		done int
		g    errgroup.Group
	)
	for _, p := range peers {
		g.Go(func() error {
			err := p.SendWait(ctx, meta)
			if err == nil {
				err = p.SendWait(ctx, transfer)
			}

			mu.Lock()
			defer mu.Unlock()
			done++
			if err != nil {
				res.Failed[p.Addr] = err
				p.log.Warn("Failed to share file", "filename", filename, "err", err)
			} else {
				res.Sent = append(res.Sent, p.Addr)
				p.log.Info("Shared file", "filename", filename, "size", size)
			}
			if o.progress != nil {
				o.progress(done, len(peers), p.Addr, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return res, context.Cause(ctx)
	}
	return res, nil
}

// BroadcastStoredFile broadcasts a file fetched from the store.
func (n *Node) BroadcastStoredFile(ctx context.Context, filename, fileType string, opts ...BroadcastOption) (BroadcastResult, error) {
	content, err := n.store.FileBytes(ctx, filename)
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("lanmesh: broadcast %s: %w", filename, err)
	}
	return n.BroadcastFile(ctx, filename, fileType, content, opts...)
}

// onFileMeta records an announcement only when its signature verifies
// under the local secret. Anything else is dropped.
func (n *Node) onFileMeta(p *Peer, m wire.FileMeta) {
	log := p.log.With("filename", m.Filename)
	d := integrity.Descriptor{
		Filename:   m.Filename,
		Type:       m.Type,
		Size:       m.Size,
		SHA256:     m.SHA256,
		UploadedAt: m.UploadedAt,
	}
	if err := integrity.Verify(n.sharedSecret(), d, m.HMAC); err != nil {
		log.Warn("Rejected file metadata", "err", err)
		return
	}

	uploadedAt, err := integrity.ParseTime(m.UploadedAt)
	if err != nil {
		log.Debug("Bad upload timestamp, using receive time", "uploaded_at", m.UploadedAt)
		uploadedAt = n.now()
	}
	n.files.RecordMeta(FileDescriptor{
		Filename:   m.Filename,
		Type:       m.Type,
		Size:       m.Size,
		Uploader:   p.Addr,
		UploadedAt: uploadedAt,
	})
	log.Info("File announced", "size", m.Size, "type", m.Type)
}

// onFileTransfer persists the content and indexes it under the received
// length. A failed write is logged; the entry is still recorded.
func (n *Node) onFileTransfer(ctx context.Context, p *Peer, m wire.FileTransfer) {
	n.receiveFile(ctx, p, m.Filename, m.Type, m.Content)
	if got := uint64(len(m.Content)); got != m.Size {
		p.log.Warn("File size differs from header", "filename", m.Filename, "declared", m.Size, "received", got)
	}
}

func (n *Node) receiveFile(ctx context.Context, p *Peer, filename, fileType string, content []byte) {
	log := p.log.With("filename", filename)
	if err := n.store.SaveInboundFile(ctx, p.Addr, filename, content); err != nil {
		log.Warn("Failed to save received file", "err", err)
	}
	n.files.RecordTransfer(FileDescriptor{
		Filename:   filename,
		Type:       fileType,
		Size:       uint64(len(content)),
		Uploader:   p.Addr,
		UploadedAt: n.now(),
	})
	log.Info("Received file", "size", len(content))
}

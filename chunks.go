// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lanmesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/destiny/lanmesh/wire"
)

const (
	maxChunks = 1 << 16
	// chunkedFileType is recorded for files assembled from chunks, which
	// carry no type of their own.
	chunkedFileType = "application/octet-stream"
)

var (
	errChunkCount  = errors.New("lanmesh: bad chunk count")
	errChunkIndex  = errors.New("lanmesh: chunk index out of range")
	errChunkBudget = errors.New("lanmesh: chunked files exceed payload ceiling")
)

// partialFile collects the chunks of one file.
type partialFile struct {
	total uint32
	have  *bitset.BitSet
	parts [][]byte
	size  uint64
}

// chunkAssembler reassembles chunked files on one connection. It is used
// only by that connection's receive loop.
type chunkAssembler struct {
	limit uint64 // Bytes buffered across all partial files
	used  uint64
	files map[string]*partialFile
}

func newChunkAssembler(limit uint64) *chunkAssembler {
	return &chunkAssembler{limit: limit, files: make(map[string]*partialFile)}
}

// Add stores a chunk. Once every index of the file has arrived, the
// concatenated content is returned with complete set. A chunk announcing a
// different total restarts the file.
func (a *chunkAssembler) Add(c wire.FileChunk) (content []byte, complete bool, err error) {
	if c.Total == 0 || c.Total > maxChunks {
		return nil, false, fmt.Errorf("%w: %d", errChunkCount, c.Total)
	}
	if c.Index >= c.Total {
		return nil, false, fmt.Errorf("%w: %d of %d", errChunkIndex, c.Index, c.Total)
	}

	f, ok := a.files[c.Filename]
	if ok && f.total != c.Total {
		a.drop(c.Filename)
		ok = false
	}
	if !ok {
		f = &partialFile{
			total: c.Total,
			have:  bitset.New(uint(c.Total)),
			parts: make([][]byte, c.Total),
		}
		a.files[c.Filename] = f
	}

	i := uint(c.Index)
	prev := uint64(len(f.parts[i]))
	next := uint64(len(c.Content))
	if a.used-prev+next > a.limit {
		a.drop(c.Filename)
		return nil, false, fmt.Errorf("%w: %s", errChunkBudget, c.Filename)
	}
	a.used = a.used - prev + next
	f.size = f.size - prev + next
	f.parts[i] = c.Content
	f.have.Set(i)

	if f.have.Count() < uint(f.total) {
		return nil, false, nil
	}
	content = make([]byte, 0, f.size)
	for _, part := range f.parts {
		content = append(content, part...)
	}
	a.drop(c.Filename)
	return content, true, nil
}

// Pending returns how many files are partially received.
func (a *chunkAssembler) Pending() int { return len(a.files) }

func (a *chunkAssembler) drop(filename string) {
	if f, ok := a.files[filename]; ok {
		a.used -= f.size
		delete(a.files, filename)
	}
}

func (n *Node) onFileChunk(ctx context.Context, p *Peer, chunks *chunkAssembler, m wire.FileChunk) {
	content, complete, err := chunks.Add(m)
	if err != nil {
		p.log.Warn("Dropped file chunk", "filename", m.Filename, "index", m.Index, "total", m.Total, "err", err)
		return
	}
	p.log.Log(ctx, LevelTrace, "Received file chunk", "filename", m.Filename, "index", m.Index, "total", m.Total)
	if complete {
		n.receiveFile(ctx, p, m.Filename, chunkedFileType, content)
	}
}

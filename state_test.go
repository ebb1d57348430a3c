// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lanmesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny/lanmesh/internal/testutil"
)

func TestAddrSetClaim(t *testing.T) {
	t.Parallel()

	s := newAddrSet()
	assert.True(t, s.Add("10.0.0.3"))
	assert.True(t, s.Add("10.0.0.2"))
	assert.False(t, s.Add("10.0.0.3"), "second claim must fail")
	assert.True(t, s.Has("10.0.0.3"))
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3"}, s.List())

	s.Remove("10.0.0.3")
	assert.False(t, s.Has("10.0.0.3"))
	assert.True(t, s.Add("10.0.0.3"), "claim released")
}

func TestHandleRegistryKeepsNewerHandle(t *testing.T) {
	t.Parallel()

	first, _ := pipePeer(t, "10.0.0.2")
	second, _ := pipePeer(t, "10.0.0.2")

	r := newHandleRegistry()
	r.Register(first)
	r.Register(second)

	r.Unregister(first)
	got, ok := r.Get("10.0.0.2")
	require.True(t, ok, "stale unregister evicted the live handle")
	assert.Same(t, second, got)

	r.Unregister(second)
	_, ok = r.Get("10.0.0.2")
	assert.False(t, ok)
	assert.Empty(t, r.Snapshot())
}

func TestPendingAccessWindow(t *testing.T) {
	t.Parallel()

	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	p := newPendingAccess()
	const window = 10 * time.Second

	ok, expired := p.Begin("10.0.0.2", clock.Now(), window)
	assert.True(t, ok)
	assert.False(t, expired)

	clock.Advance(5 * time.Second)
	ok, _ = p.Begin("10.0.0.2", clock.Now(), window)
	assert.False(t, ok, "request still pending")

	ok, _ = p.Begin("10.0.0.3", clock.Now(), window)
	assert.True(t, ok, "pending state is per peer")

	clock.Advance(6 * time.Second)
	ok, expired = p.Begin("10.0.0.2", clock.Now(), window)
	assert.True(t, ok)
	assert.True(t, expired, "unanswered request should be reported")

	p.Clear("10.0.0.2")
	ok, expired = p.Begin("10.0.0.2", clock.Now(), window)
	assert.True(t, ok)
	assert.False(t, expired)
}

func TestFileIndexDedup(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	later := at.Add(time.Hour)

	t.Run("meta then transfer", func(t *testing.T) {
		ix := newFileIndex()
		ix.RecordMeta(FileDescriptor{Filename: "report.pdf", Type: "application/pdf", Size: 1000, Uploader: "10.0.0.2", UploadedAt: at})
		ix.RecordMeta(FileDescriptor{Filename: "report.pdf", Type: "application/pdf", Size: 1000, Uploader: "10.0.0.2", UploadedAt: at})
		ix.RecordTransfer(FileDescriptor{Filename: "report.pdf", Type: "application/pdf", Size: 998, Uploader: "10.0.0.2", UploadedAt: later})

		files := ix.List()
		require.Len(t, files, 1)
		assert.Equal(t, FileDescriptor{
			Filename:   "report.pdf",
			Type:       "application/pdf",
			Size:       998,
			Uploader:   "10.0.0.2",
			UploadedAt: at,
			Received:   true,
		}, files[0])
	})

	t.Run("transfer then meta", func(t *testing.T) {
		ix := newFileIndex()
		ix.RecordTransfer(FileDescriptor{Filename: "report.pdf", Type: "application/pdf", Size: 998, Uploader: "10.0.0.2", UploadedAt: later})
		ix.RecordMeta(FileDescriptor{Filename: "report.pdf", Type: "application/pdf", Size: 1000, Uploader: "10.0.0.2", UploadedAt: at})

		files := ix.List()
		require.Len(t, files, 1)
		assert.Equal(t, uint64(998), files[0].Size, "received size must win")
		assert.Equal(t, at, files[0].UploadedAt)
		assert.True(t, files[0].Received)
	})

	t.Run("per uploader", func(t *testing.T) {
		ix := newFileIndex()
		ix.RecordMeta(FileDescriptor{Filename: "a.txt", Uploader: "10.0.0.3", Size: 1})
		ix.RecordMeta(FileDescriptor{Filename: "a.txt", Uploader: "10.0.0.2", Size: 2})
		ix.RecordMeta(FileDescriptor{Filename: "b.txt", Uploader: "10.0.0.3", Size: 3})

		files := ix.List()
		require.Len(t, files, 3)
		assert.Equal(t, "10.0.0.3", files[0].Uploader, "first-seen order")
		assert.Equal(t, "10.0.0.2", files[1].Uploader)
		assert.Equal(t, "b.txt", files[2].Filename)
	})
}

func TestRouteTableSnapshotIsCopy(t *testing.T) {
	t.Parallel()

	rt := newRouteTable()
	rt.Set("10.0.0.2", Endpoint{Host: "10.0.0.2", Port: 8080})
	snap := rt.Snapshot()
	snap["10.0.0.3"] = Endpoint{}
	assert.Equal(t, map[string]Endpoint{"10.0.0.2": {Host: "10.0.0.2", Port: 8080}}, rt.Snapshot())
}

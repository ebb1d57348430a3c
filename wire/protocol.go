// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire implements the framing spoken between mesh nodes over TCP.
//
// Every frame is a 5-byte ASCII marker naming the message kind, followed by
// an 8-byte little-endian payload length and exactly that many payload bytes.
// Payloads are pipe-delimited text, except for RESP: (JSON) and the binary
// tails of FTRS: and CHNK:.
package wire

import (
	"time"

	"github.com/destiny/lanmesh/conversation"
)

// Framing constants
const (
	MarkerSize = 5 // ASCII marker, e.g. "FILE:"
	LengthSize = 8 // little-endian uint64 payload length

	DefaultMaxPayload    = 50 * 1024 * 1024 // Hard ceiling on a single payload
	DefaultChunkSize     = 8 * 1024         // Payload sub-read/sub-write size
	DefaultHeaderTimeout = 5 * time.Second  // Marker remainder and length
	DefaultChunkTimeout  = 30 * time.Second // Each payload sub-read/sub-write

	// Separator between text fields of a payload.
	FieldSeparator = '|'

	// Separator between the CHNK: header and its raw chunk.
	chunkHeaderEnd = 0x00
)

// Kind identifies a message variant on the wire.
type Kind uint8

// Message kinds
const (
	KindConversationFile Kind = iota + 1
	KindSyncRequest
	KindSyncResponse
	KindLLMCapability
	KindLLMAccessRequest
	KindLLMAccessResponse
	KindFileTransfer
	KindFileChunk
	KindFileMeta
)

// markerTable is the single source of truth for marker <-> kind mapping.
var markerTable = []struct {
	kind   Kind
	marker string
	name   string
}{
	{KindConversationFile, "FILE:", "ConversationFile"},
	{KindSyncRequest, "SYNC:", "SyncRequest"},
	{KindSyncResponse, "RESP:", "SyncResponse"},
	{KindLLMCapability, "LLMC:", "LLMCapability"},
	{KindLLMAccessRequest, "LREQ:", "LLMAccessRequest"},
	{KindLLMAccessResponse, "LRES:", "LLMAccessResponse"},
	{KindFileTransfer, "FTRS:", "FileTransfer"},
	{KindFileChunk, "CHNK:", "FileChunk"},
	{KindFileMeta, "FMTA:", "FileMeta"},
}

var kindsByMarker = func() map[string]Kind {
	m := make(map[string]Kind, len(markerTable))
	for _, e := range markerTable {
		m[e.marker] = e.kind
	}
	return m
}()

// Marker returns the 5-byte wire marker for k, or "" for an unknown kind.
func (k Kind) Marker() string {
	for _, e := range markerTable {
		if e.kind == k {
			return e.marker
		}
	}
	return ""
}

func (k Kind) String() string {
	for _, e := range markerTable {
		if e.kind == k {
			return e.name
		}
	}
	return "Unknown"
}

// KindForMarker looks up the kind carried by a marker.
func KindForMarker(marker string) (Kind, bool) {
	k, ok := kindsByMarker[marker]
	return k, ok
}

// Message is one of the nine wire variants. The set is closed: only types in
// this package implement it.
type Message interface {
	Kind() Kind

	marshalPayload() ([]byte, error)
}

// ConversationFile carries a conversation snapshot as name|content.
type ConversationFile struct {
	Name    string // Snapshot file name, e.g. "local.json"
	Content string // JSON-encoded conversation
}

// SyncRequest asks the peer for its conversations. Empty payload.
type SyncRequest struct{}

// SyncResponse carries a list of conversation snapshots.
type SyncResponse struct {
	Conversations []conversation.Conversation
}

// LLMCapability announces whether the sender has a reachable LLM.
type LLMCapability struct {
	HasLLM bool
}

// LLMAccessRequest asks the receiver for access to its LLM.
type LLMAccessRequest struct {
	PeerName string // Requesting node's host name
	Reason   string // Free text; may contain separators
}

// LLMAccessResponse answers an LLMAccessRequest. Host and Port are empty
// when access is denied.
type LLMAccessResponse struct {
	Granted bool
	Message string
	Host    string
	Port    int
}

// Endpoint reports the announced LLM endpoint, if any.
func (r LLMAccessResponse) Endpoint() (host string, port int, ok bool) {
	if r.Host == "" || r.Port <= 0 {
		return "", 0, false
	}
	return r.Host, r.Port, true
}

// FileTransfer carries a whole file. Size is the sender's declared size and
// is not checked against len(Content).
type FileTransfer struct {
	Filename string
	Type     string // MIME type
	Size     uint64
	Content  []byte
}

// FileChunk carries one piece of a file. No sender emits it yet; receivers
// reassemble chunks into a complete file.
type FileChunk struct {
	Filename string
	Index    uint32
	Total    uint32
	Content  []byte
}

// FileMeta announces a file and its integrity metadata.
type FileMeta struct {
	Filename   string
	Type       string
	Size       uint64
	SHA256     string // hex content hash
	UploadedAt string // RFC3339
	HMAC       string // hex HMAC-SHA256 over the signing string
}

func (ConversationFile) Kind() Kind  { return KindConversationFile }
func (SyncRequest) Kind() Kind       { return KindSyncRequest }
func (SyncResponse) Kind() Kind      { return KindSyncResponse }
func (LLMCapability) Kind() Kind     { return KindLLMCapability }
func (LLMAccessRequest) Kind() Kind  { return KindLLMAccessRequest }
func (LLMAccessResponse) Kind() Kind { return KindLLMAccessResponse }
func (FileTransfer) Kind() Kind      { return KindFileTransfer }
func (FileChunk) Kind() Kind         { return KindFileChunk }
func (FileMeta) Kind() Kind          { return KindFileMeta }

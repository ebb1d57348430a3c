// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/destiny/lanmesh/conversation"
)

// checkField rejects field values that would shift the parse on the
// receiving side.
func checkField(name, value string, reserved ...byte) error {
	for _, b := range reserved {
		if strings.IndexByte(value, b) >= 0 {
			return fmt.Errorf("%w: %s %q", ErrDelimiter, name, value)
		}
	}
	return nil
}

func joinFields(fields ...string) []byte {
	return []byte(strings.Join(fields, string(FieldSeparator)))
}

func (m ConversationFile) marshalPayload() ([]byte, error) {
	if err := checkField("name", m.Name, FieldSeparator); err != nil {
		return nil, err
	}
	return joinFields(m.Name, m.Content), nil
}

func (SyncRequest) marshalPayload() ([]byte, error) { return nil, nil }

func (m SyncResponse) marshalPayload() ([]byte, error) {
	return json.Marshal(m.Conversations)
}

func (m LLMCapability) marshalPayload() ([]byte, error) {
	return []byte(strconv.FormatBool(m.HasLLM)), nil
}

func (m LLMAccessRequest) marshalPayload() ([]byte, error) {
	if err := checkField("peer name", m.PeerName, FieldSeparator); err != nil {
		return nil, err
	}
	return joinFields(m.PeerName, m.Reason), nil
}

func (m LLMAccessResponse) marshalPayload() ([]byte, error) {
	if err := checkField("message", m.Message, FieldSeparator); err != nil {
		return nil, err
	}
	if err := checkField("host", m.Host, FieldSeparator); err != nil {
		return nil, err
	}
	port := ""
	if m.Port > 0 {
		port = strconv.Itoa(m.Port)
	}
	return joinFields(strconv.FormatBool(m.Granted), m.Message, m.Host, port), nil
}

// FTRS: is written as filename|type|size| followed by the raw bytes.
func (m FileTransfer) marshalPayload() ([]byte, error) {
	if err := checkField("filename", m.Filename, FieldSeparator); err != nil {
		return nil, err
	}
	if err := checkField("type", m.Type, FieldSeparator); err != nil {
		return nil, err
	}
	head := joinFields(m.Filename, m.Type, strconv.FormatUint(m.Size, 10), "")
	buf := make([]byte, 0, len(head)+len(m.Content))
	buf = append(buf, head...)
	return append(buf, m.Content...), nil
}

// CHNK: is written as filename|index|total, a NUL byte, then the raw chunk.
func (m FileChunk) marshalPayload() ([]byte, error) {
	if err := checkField("filename", m.Filename, FieldSeparator, chunkHeaderEnd); err != nil {
		return nil, err
	}
	head := joinFields(m.Filename,
		strconv.FormatUint(uint64(m.Index), 10),
		strconv.FormatUint(uint64(m.Total), 10))
	buf := make([]byte, 0, len(head)+1+len(m.Content))
	buf = append(buf, head...)
	buf = append(buf, chunkHeaderEnd)
	return append(buf, m.Content...), nil
}

func (m FileMeta) marshalPayload() ([]byte, error) {
	for _, f := range []struct{ name, value string }{
		{"filename", m.Filename},
		{"type", m.Type},
		{"sha256", m.SHA256},
		{"uploaded_at", m.UploadedAt},
		{"hmac", m.HMAC},
	} {
		if err := checkField(f.name, f.value, FieldSeparator); err != nil {
			return nil, err
		}
	}
	return joinFields(m.Filename, m.Type, strconv.FormatUint(m.Size, 10),
		m.SHA256, m.UploadedAt, m.HMAC), nil
}

// unmarshalPayload parses a payload of the given kind.
func unmarshalPayload(kind Kind, p []byte) (Message, error) {
	switch kind {
	case KindConversationFile:
		name, content, ok := bytes.Cut(p, []byte{FieldSeparator})
		if !ok {
			return nil, malformed("conversation file without separator")
		}
		return ConversationFile{Name: string(name), Content: string(content)}, nil

	case KindSyncRequest:
		return SyncRequest{}, nil

	case KindSyncResponse:
		var convs []conversation.Conversation
		if err := json.Unmarshal(p, &convs); err != nil {
			return nil, malformed("sync response: %v", err)
		}
		return SyncResponse{Conversations: convs}, nil

	case KindLLMCapability:
		return LLMCapability{HasLLM: parseBool(p)}, nil

	case KindLLMAccessRequest:
		name, reason, ok := bytes.Cut(p, []byte{FieldSeparator})
		if !ok {
			return nil, malformed("access request without separator")
		}
		return LLMAccessRequest{PeerName: string(name), Reason: string(reason)}, nil

	case KindLLMAccessResponse:
		fields := strings.Split(string(p), string(FieldSeparator))
		if len(fields) != 4 {
			return nil, malformed("access response has %d fields, want 4", len(fields))
		}
		resp := LLMAccessResponse{
			Granted: parseBool([]byte(fields[0])),
			Message: fields[1],
			Host:    fields[2],
		}
		if fields[3] != "" {
			// A garbled port only loses the endpoint, not the answer.
			if port, err := strconv.Atoi(fields[3]); err == nil && port > 0 {
				resp.Port = port
			}
		}
		return resp, nil

	case KindFileTransfer:
		return unmarshalFileTransfer(p)

	case KindFileChunk:
		return unmarshalFileChunk(p)

	case KindFileMeta:
		fields := strings.Split(string(p), string(FieldSeparator))
		if len(fields) != 6 {
			return nil, malformed("file meta has %d fields, want 6", len(fields))
		}
		size, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, malformed("file meta size %q", fields[2])
		}
		return FileMeta{
			Filename:   fields[0],
			Type:       fields[1],
			Size:       size,
			SHA256:     fields[3],
			UploadedAt: fields[4],
			HMAC:       fields[5],
		}, nil
	}
	return nil, fmt.Errorf("%w: kind %d", ErrUnknownMarker, kind)
}

// unmarshalFileTransfer locates the content boundary from the lengths of
// the first three fields; the content itself may contain separators.
func unmarshalFileTransfer(p []byte) (Message, error) {
	var fields [3][]byte
	rest := p
	for i := range fields {
		field, tail, ok := bytes.Cut(rest, []byte{FieldSeparator})
		if !ok {
			return nil, malformed("file transfer header has %d fields, want 3", i)
		}
		fields[i], rest = field, tail
	}
	size, err := strconv.ParseUint(string(fields[2]), 10, 64)
	if err != nil {
		return nil, malformed("file transfer size %q", fields[2])
	}
	return FileTransfer{
		Filename: string(fields[0]),
		Type:     string(fields[1]),
		Size:     size,
		Content:  bytes.Clone(rest),
	}, nil
}

func unmarshalFileChunk(p []byte) (Message, error) {
	head, body, ok := bytes.Cut(p, []byte{chunkHeaderEnd})
	if !ok {
		return nil, malformed("file chunk without header terminator")
	}
	fields := strings.Split(string(head), string(FieldSeparator))
	if len(fields) != 3 {
		return nil, malformed("file chunk header has %d fields, want 3", len(fields))
	}
	index, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return nil, malformed("file chunk index %q", fields[1])
	}
	total, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, malformed("file chunk total %q", fields[2])
	}
	return FileChunk{
		Filename: fields[0],
		Index:    uint32(index),
		Total:    uint32(total),
		Content:  bytes.Clone(body),
	}, nil
}

// parseBool is lenient: anything that is not a valid boolean reads as false.
func parseBool(p []byte) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(string(p)))
	return err == nil && v
}

// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Options bounds the resources a single frame may consume.
type Options struct {
	MaxPayload    uint64        // Largest accepted payload
	ChunkSize     int           // Payload sub-read/sub-write size
	HeaderTimeout time.Duration // Marker remainder and length field
	ChunkTimeout  time.Duration // Each payload sub-read/sub-write
	IdleTimeout   time.Duration // First marker byte; zero waits forever
}

// DefaultOptions returns the stock limits.
func DefaultOptions() Options {
	return Options{
		MaxPayload:    DefaultMaxPayload,
		ChunkSize:     DefaultChunkSize,
		HeaderTimeout: DefaultHeaderTimeout,
		ChunkTimeout:  DefaultChunkTimeout,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxPayload == 0 {
		o.MaxPayload = def.MaxPayload
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = def.ChunkSize
	}
	if o.HeaderTimeout <= 0 {
		o.HeaderTimeout = def.HeaderTimeout
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = def.ChunkTimeout
	}
	return o
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Marshal renders m as a complete frame.
func Marshal(m Message) ([]byte, error) {
	marker := m.Kind().Marker()
	if marker == "" {
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownMarker, m.Kind())
	}
	payload, err := m.marshalPayload()
	if err != nil {
		return nil, &FrameError{Marker: marker, Err: err}
	}
	frame := make([]byte, MarkerSize+LengthSize, MarkerSize+LengthSize+len(payload))
	copy(frame, marker)
	binary.LittleEndian.PutUint64(frame[MarkerSize:], uint64(len(payload)))
	return append(frame, payload...), nil
}

// Unmarshal parses exactly one frame.
func Unmarshal(frame []byte) (Message, error) {
	dec := NewDecoder(bytes.NewReader(frame), Options{MaxPayload: DefaultMaxPayload})
	msg, err := dec.Decode()
	if errors.Is(err, io.EOF) {
		return nil, io.ErrUnexpectedEOF
	}
	return msg, err
}

// Encoder writes frames to a stream.
type Encoder struct {
	w    io.Writer
	dl   writeDeadliner // nil when w carries no deadlines
	opts Options
}

// NewEncoder returns an encoder writing to w. When w supports write
// deadlines, each sub-write is bounded by the chunk timeout.
func NewEncoder(w io.Writer, opts Options) *Encoder {
	enc := &Encoder{w: w, opts: opts.withDefaults()}
	enc.dl, _ = w.(writeDeadliner)
	return enc
}

// Encode writes m as one frame. The payload ceiling applies to outgoing
// frames too, so a peer never receives a frame it must reject.
func (e *Encoder) Encode(m Message) error {
	frame, err := Marshal(m)
	if err != nil {
		return err
	}
	if n := uint64(len(frame) - MarkerSize - LengthSize); n > e.opts.MaxPayload {
		return &FrameError{
			Marker: m.Kind().Marker(),
			Err:    fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, e.opts.MaxPayload),
		}
	}

	for off := 0; off < len(frame); {
		end := min(off+e.opts.ChunkSize, len(frame))
		if e.dl != nil {
			_ = e.dl.SetWriteDeadline(time.Now().Add(e.opts.ChunkTimeout))
		}
		n, err := e.w.Write(frame[off:end])
		if err != nil {
			return wrapTimeout("write", err)
		}
		off += n
	}
	if e.dl != nil {
		_ = e.dl.SetWriteDeadline(time.Time{})
	}
	return nil
}

// Decoder reads frames from a stream.
type Decoder struct {
	r    io.Reader
	dl   readDeadliner // nil when r carries no deadlines
	opts Options
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader, opts Options) *Decoder {
	dec := &Decoder{r: r, opts: opts.withDefaults()}
	dec.dl, _ = r.(readDeadliner)
	return dec
}

// Decode reads the next frame.
//
// io.EOF is returned only when the stream ends cleanly before the first
// marker byte. A stream that ends anywhere inside a frame yields
// io.ErrUnexpectedEOF. Unknown markers and oversized lengths are reported
// before any payload byte is read.
func (d *Decoder) Decode() (Message, error) {
	var hdr [MarkerSize + LengthSize]byte

	if err := d.readFull(hdr[:1], d.opts.IdleTimeout, "idle"); err != nil {
		return nil, err
	}
	if err := d.readFull(hdr[1:MarkerSize], d.opts.HeaderTimeout, "header"); err != nil {
		return nil, unexpected(err)
	}

	marker := string(hdr[:MarkerSize])
	kind, ok := kindsByMarker[marker]
	if !ok {
		return nil, &FrameError{Marker: marker, Err: ErrUnknownMarker}
	}

	if err := d.readFull(hdr[MarkerSize:], d.opts.HeaderTimeout, "header"); err != nil {
		return nil, unexpected(err)
	}
	size := binary.LittleEndian.Uint64(hdr[MarkerSize:])
	if size > d.opts.MaxPayload {
		return nil, &FrameError{
			Marker: marker,
			Err:    fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, size, d.opts.MaxPayload),
		}
	}

	payload := make([]byte, size)
	for off := uint64(0); off < size; {
		end := min(off+uint64(d.opts.ChunkSize), size)
		if err := d.readFull(payload[off:end], d.opts.ChunkTimeout, "payload"); err != nil {
			return nil, unexpected(err)
		}
		off = end
	}

	msg, err := unmarshalPayload(kind, payload)
	if err != nil {
		return nil, &FrameError{Marker: marker, Err: err}
	}
	return msg, nil
}

func (d *Decoder) readFull(p []byte, timeout time.Duration, stage string) error {
	if d.dl != nil {
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		_ = d.dl.SetReadDeadline(deadline)
	}
	_, err := io.ReadFull(d.r, p)
	if err != nil {
		return wrapTimeout(stage, err)
	}
	return nil
}

func wrapTimeout(stage string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return &TimeoutError{Stage: stage, Err: err}
	}
	return err
}

// unexpected maps a clean EOF in the middle of a frame to ErrUnexpectedEOF.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

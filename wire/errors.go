// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameTooLarge is returned when a declared payload length exceeds
	// the configured ceiling. Nothing past the length field is read.
	ErrFrameTooLarge = errors.New("wire: frame exceeds payload ceiling")
	// ErrUnknownMarker is returned for a marker outside the nine known kinds.
	ErrUnknownMarker = errors.New("wire: unknown marker")
	// ErrMalformed is returned when a payload cannot be parsed for its kind.
	ErrMalformed = errors.New("wire: malformed payload")
	// ErrDelimiter is returned by the encoder when a field holds a reserved
	// separator byte.
	ErrDelimiter = errors.New("wire: field contains a reserved delimiter")
)

// FrameError annotates a framing or parse failure with the frame marker.
type FrameError struct {
	Marker string
	Err    error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("wire: %q frame: %v", e.Marker, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// TimeoutError reports which read or write stage ran past its deadline.
// The underlying deadline error stays in the chain, so
// errors.Is(err, os.ErrDeadlineExceeded) holds.
type TimeoutError struct {
	Stage string // "idle", "header", "payload" or "write"
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("wire: %s timeout: %v", e.Stage, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout reports true, matching net.Error.
func (e *TimeoutError) Timeout() bool { return true }

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
}

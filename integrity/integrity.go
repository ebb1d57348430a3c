// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package integrity computes the content hash and HMAC signature attached to
// file announcements.
//
// The signature is hex(HMAC-SHA256(secret, s)) where s is the pipe-joined
// signing string "filename|type|size|sha256hex|uploaded_at".
package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the timestamp format used in signing strings.
const TimeLayout = time.RFC3339

var (
	// ErrNoSecret is returned when signing or verifying without a secret.
	ErrNoSecret = errors.New("integrity: no shared secret configured")
	// ErrBadSignature is returned when a signature does not match.
	ErrBadSignature = errors.New("integrity: signature mismatch")
)

// Descriptor holds the signed fields of a file announcement.
type Descriptor struct {
	Filename   string
	Type       string
	Size       uint64
	SHA256     string // lowercase hex
	UploadedAt string // RFC3339
}

// Hash returns the lowercase hex SHA-256 of content.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Describe builds the descriptor of content uploaded at t.
func Describe(filename, fileType string, content []byte, t time.Time) Descriptor {
	return Descriptor{
		Filename:   filename,
		Type:       fileType,
		Size:       uint64(len(content)),
		SHA256:     Hash(content),
		UploadedAt: t.UTC().Format(TimeLayout),
	}
}

// SigningString returns the canonical string covered by the signature.
func (d Descriptor) SigningString() string {
	return strings.Join([]string{
		d.Filename,
		d.Type,
		strconv.FormatUint(d.Size, 10),
		d.SHA256,
		d.UploadedAt,
	}, "|")
}

// Sign returns the hex HMAC of d under secret.
func Sign(secret []byte, d Descriptor) (string, error) {
	if len(secret) == 0 {
		return "", ErrNoSecret
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(d.SigningString()))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks sig against d. Hex case is ignored; the comparison is
// constant time.
func Verify(secret []byte, d Descriptor, sig string) error {
	want, err := Sign(secret, d)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return ErrBadSignature
	}
	raw, _ := hex.DecodeString(want)
	if !hmac.Equal(raw, got) {
		return ErrBadSignature
	}
	return nil
}

// ParseTime parses an announcement timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

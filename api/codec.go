// Copyright 2024 The Genesis OTA authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Canonical wire layout, all integers big-endian:
//
//	manifest_version  u8
//	version           u8 u8 u16 u32
//	timestamp         u64
//	description       u16 length prefix + bytes (<= 256)
//	min_version       u8 presence flag, then u8 u8 u16 u32 if present
//	files             u8 count (1..8), each:
//	                    file_type u8, target u8-prefixed (<= 32),
//	                    url u8-prefixed (<= 128), size u32,
//	                    sha256 [32]u8, compression u8
//	signature         algorithm u8, key_id [8]u8,
//	                  data u16 length prefix + bytes (<= 256)
//	urgency           u8
//	rollback          enabled u8, max_boot_attempts u8,
//	                  watchdog_timeout_seconds u32
//
// The signature covers every byte of the encoding except the signature
// block itself. Server-side signers must produce the identical layout.

// ParseManifest decodes and validates a manifest from raw wire bytes.
//
// Callers performing trust verification must verify the signature over
// SplitSigned(raw) before acting on the returned structure.
func ParseManifest(raw []byte) (*UpdateManifest, error) {
	d := decoder{buf: raw}
	m := &UpdateManifest{}

	m.ManifestVersion = d.u8()
	m.Version = d.version()
	m.Timestamp = d.u64()
	m.Description = string(d.bytes16(MaxDescriptionLen))
	if d.boolean() {
		v := d.version()
		m.MinVersion = &v
	}

	n := int(d.u8())
	if n > MaxUpdateFiles {
		return nil, fmt.Errorf("%d files exceeds limit of %d: %w", n, MaxUpdateFiles, ErrInvalidFormat)
	}
	for i := 0; i < n; i++ {
		var f UpdateFile
		f.Type = FileType(d.u8())
		f.Target = string(d.bytes8(MaxTargetLen))
		f.URL = string(d.bytes8(MaxURLLen))
		f.Size = d.u32()
		d.read(f.SHA256[:])
		f.Compression = Compression(d.u8())
		if f.Type > FileTypeFileSystem || f.Compression > CompressionZstd {
			return nil, fmt.Errorf("file %d has unknown enum value: %w", i, ErrInvalidFormat)
		}
		m.Files = append(m.Files, f)
	}

	m.Signature.Algorithm = SignatureAlgorithm(d.u8())
	d.read(m.Signature.KeyID[:])
	m.Signature.Data = append([]byte(nil), d.bytes16(MaxSignatureLen)...)
	m.Urgency = Urgency(d.u8())
	m.Rollback.Enabled = d.boolean()
	m.Rollback.MaxBootAttempts = d.u8()
	m.Rollback.WatchdogTimeoutSeconds = d.u32()

	if d.err != nil {
		return nil, d.err
	}
	if d.off != len(raw) {
		return nil, fmt.Errorf("%d trailing bytes: %w", len(raw)-d.off, ErrInvalidFormat)
	}
	if m.ManifestVersion != ManifestVersion {
		return nil, fmt.Errorf("manifest version %d: %w", m.ManifestVersion, ErrUnsupportedVersion)
	}
	if len(m.Files) == 0 {
		return nil, fmt.Errorf("empty file list: %w", ErrInvalidFormat)
	}
	if m.Signature.Algorithm > AlgorithmRSA2048 || m.Urgency > UrgencyCritical {
		return nil, fmt.Errorf("unknown enum value: %w", ErrInvalidFormat)
	}
	if m.MinVersion != nil && m.Version.Less(*m.MinVersion) {
		return nil, fmt.Errorf("min_version %s exceeds version %s: %w", m.MinVersion, m.Version, ErrVersionMismatch)
	}
	for _, f := range m.Files {
		if f.SHA256 == [32]byte{} {
			return nil, fmt.Errorf("file %q carries no digest: %w", f.URL, ErrInvalidChecksum)
		}
	}

	return m, nil
}

// EncodeManifest serializes a manifest under the canonical scheme.
// Decoding the result reproduces identical structured fields.
func EncodeManifest(m *UpdateManifest) ([]byte, error) {
	if len(m.Files) == 0 || len(m.Files) > MaxUpdateFiles {
		return nil, fmt.Errorf("%d files: %w", len(m.Files), ErrInvalidFormat)
	}
	if len(m.Description) > MaxDescriptionLen {
		return nil, fmt.Errorf("description exceeds %d bytes: %w", MaxDescriptionLen, ErrInvalidFormat)
	}
	if len(m.Signature.Data) > MaxSignatureLen {
		return nil, fmt.Errorf("signature exceeds %d bytes: %w", MaxSignatureLen, ErrInvalidFormat)
	}

	e := encoder{}
	e.u8(m.ManifestVersion)
	e.version(m.Version)
	e.u64(m.Timestamp)
	e.bytes16([]byte(m.Description))
	if m.MinVersion != nil {
		e.u8(1)
		e.version(*m.MinVersion)
	} else {
		e.u8(0)
	}
	e.u8(uint8(len(m.Files)))
	for _, f := range m.Files {
		if len(f.Target) > MaxTargetLen || len(f.URL) > MaxURLLen {
			return nil, fmt.Errorf("file %q: field exceeds bound: %w", f.URL, ErrInvalidFormat)
		}
		e.u8(uint8(f.Type))
		e.bytes8([]byte(f.Target))
		e.bytes8([]byte(f.URL))
		e.u32(f.Size)
		e.write(f.SHA256[:])
		e.u8(uint8(f.Compression))
	}
	e.u8(uint8(m.Signature.Algorithm))
	e.write(m.Signature.KeyID[:])
	e.bytes16(m.Signature.Data)
	e.u8(uint8(m.Urgency))
	if m.Rollback.Enabled {
		e.u8(1)
	} else {
		e.u8(0)
	}
	e.u8(m.Rollback.MaxBootAttempts)
	e.u32(m.Rollback.WatchdogTimeoutSeconds)

	return e.buf.Bytes(), nil
}

// SplitSigned locates the signature block within raw manifest bytes and
// returns the signed content alongside the decoded signature. The signed
// content is every received byte outside the signature block, in order;
// nothing is re-encoded.
func SplitSigned(raw []byte) ([]byte, Signature, error) {
	d := decoder{buf: raw}

	d.skip(1)    // manifest_version
	d.skip(8)    // version
	d.skip(8)    // timestamp
	d.bytes16(MaxDescriptionLen)
	if d.u8() != 0 {
		d.skip(8)
	}
	n := int(d.u8())
	if n > MaxUpdateFiles {
		return nil, Signature{}, fmt.Errorf("%d files exceeds limit of %d: %w", n, MaxUpdateFiles, ErrInvalidFormat)
	}
	for i := 0; i < n; i++ {
		d.skip(1) // file_type
		d.bytes8(MaxTargetLen)
		d.bytes8(MaxURLLen)
		d.skip(4 + 32 + 1) // size, sha256, compression
	}

	sigStart := d.off
	var sig Signature
	sig.Algorithm = SignatureAlgorithm(d.u8())
	d.read(sig.KeyID[:])
	sig.Data = append([]byte(nil), d.bytes16(MaxSignatureLen)...)
	sigEnd := d.off

	if d.err != nil {
		return nil, Signature{}, d.err
	}

	signed := make([]byte, 0, len(raw)-(sigEnd-sigStart))
	signed = append(signed, raw[:sigStart]...)
	signed = append(signed, raw[sigEnd:]...)
	return signed, sig, nil
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("truncated at offset %d: %w", d.off, ErrInvalidFormat)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) skip(n int) { d.take(n) }

func (d *decoder) read(p []byte) {
	if b := d.take(len(p)); b != nil {
		copy(p, b)
	}
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) version() Version {
	return Version{
		Major: d.u8(),
		Minor: d.u8(),
		Patch: d.u16(),
		Build: d.u32(),
	}
}

// boolean reads a flag byte. Flags must encode as exactly 0 or 1 so
// decoding then re-encoding reproduces identical bytes.
func (d *decoder) boolean() bool {
	b := d.u8()
	if d.err == nil && b > 1 {
		d.err = fmt.Errorf("flag byte %d: %w", b, ErrInvalidFormat)
	}
	return b == 1
}

// bytes8 reads a u8 length-prefixed byte string bounded by max.
func (d *decoder) bytes8(max int) []byte {
	n := int(d.u8())
	if d.err == nil && n > max {
		d.err = fmt.Errorf("field length %d exceeds bound %d: %w", n, max, ErrInvalidFormat)
		return nil
	}
	return d.take(n)
}

// bytes16 reads a u16 length-prefixed byte string bounded by max.
func (d *decoder) bytes16(max int) []byte {
	n := int(d.u16())
	if d.err == nil && n > max {
		d.err = fmt.Errorf("field length %d exceeds bound %d: %w", n, max, ErrInvalidFormat)
		return nil
	}
	return d.take(n)
}

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) write(p []byte) { e.buf.Write(p) }
func (e *encoder) u8(v uint8)     { e.buf.WriteByte(v) }

func (e *encoder) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) version(v Version) {
	e.u8(v.Major)
	e.u8(v.Minor)
	e.u16(v.Patch)
	e.u32(v.Build)
}

func (e *encoder) bytes8(p []byte) {
	e.u8(uint8(len(p)))
	e.write(p)
}

func (e *encoder) bytes16(p []byte) {
	e.u16(uint16(len(p)))
	e.write(p)
}

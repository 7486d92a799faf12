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

// Package api defines the update manifest data model and its canonical
// wire encoding.
//
// The encoding is deterministic: encoding a decoded manifest reproduces
// the exact bytes it was decoded from. This property is load-bearing for
// signature verification, which must operate on received bytes.
package api

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// ManifestVersion is the only manifest format version this code understands.
const ManifestVersion = 1

// Bounds of the manifest wire format.
const (
	MaxUpdateFiles    = 8
	MaxDescriptionLen = 256
	MaxTargetLen      = 32
	MaxURLLen         = 128
	MaxSignatureLen   = 256
)

var (
	ErrInvalidFormat      = errors.New("invalid manifest format")
	ErrVersionMismatch    = errors.New("manifest version mismatch")
	ErrUnsupportedVersion = errors.New("unsupported manifest version")
	ErrInvalidChecksum    = errors.New("invalid checksum")
	ErrInvalidVersion     = errors.New("invalid version string")
)

// FileType describes the role of a file carried by an update.
type FileType uint8

const (
	FileTypeFirmware FileType = iota
	FileTypeConfig
	FileTypeBootloader
	FileTypeFileSystem
)

func (t FileType) String() string {
	switch t {
	case FileTypeFirmware:
		return "firmware"
	case FileTypeConfig:
		return "config"
	case FileTypeBootloader:
		return "bootloader"
	case FileTypeFileSystem:
		return "filesystem"
	}
	return fmt.Sprintf("filetype(%d)", uint8(t))
}

// Compression identifies how a file's payload is compressed on the server.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// SignatureAlgorithm identifies the algorithm used to sign a manifest.
type SignatureAlgorithm uint8

const (
	AlgorithmEd25519 SignatureAlgorithm = iota
	AlgorithmRSA2048
)

func (a SignatureAlgorithm) String() string {
	switch a {
	case AlgorithmEd25519:
		return "ed25519"
	case AlgorithmRSA2048:
		return "rsa2048"
	}
	return fmt.Sprintf("algorithm(%d)", uint8(a))
}

// Urgency classifies how important it is to install an update.
type Urgency uint8

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyHigh
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyNormal:
		return "normal"
	case UrgencyHigh:
		return "high"
	case UrgencyCritical:
		return "critical"
	}
	return fmt.Sprintf("urgency(%d)", uint8(u))
}

// Signature holds the authenticity data for a manifest.
type Signature struct {
	Algorithm SignatureAlgorithm
	KeyID     [8]byte
	// Data is the raw signature, at most MaxSignatureLen bytes.
	Data []byte
}

// RollbackPolicy is consumed by the external bootloader; this library
// transports it but never enforces it.
type RollbackPolicy struct {
	Enabled                bool
	MaxBootAttempts        uint8
	WatchdogTimeoutSeconds uint32
}

// UpdateFile describes one file carried by an update.
type UpdateFile struct {
	Type        FileType
	Target      string
	URL         string
	Size        uint32
	SHA256      [32]byte
	Compression Compression
}

// UpdateManifest is a decoded update descriptor.
//
// Instances exist for the duration of a single check/apply attempt and are
// discarded afterwards.
type UpdateManifest struct {
	ManifestVersion uint8
	Version         Version
	Timestamp       uint64
	Description     string
	MinVersion      *Version
	Files           []UpdateFile
	Signature       Signature
	Urgency         Urgency
	Rollback        RollbackPolicy
}

// IsApplicable reports whether this update may be installed on top of
// current. Downgrades and same-version reinstalls are never applicable,
// and an update declaring a minimum version is not applicable below it.
func (m *UpdateManifest) IsApplicable(current Version) bool {
	if m.MinVersion != nil && current.Less(*m.MinVersion) {
		return false
	}
	return current.Less(m.Version)
}

// FirmwareFile returns the first firmware entry in the manifest, or nil if
// the manifest carries none.
func (m *UpdateManifest) FirmwareFile() *UpdateFile {
	for i := range m.Files {
		if m.Files[i].Type == FileTypeFirmware {
			return &m.Files[i]
		}
	}
	return nil
}

// TotalSize returns the sum of all file sizes. This is a progress
// denominator, not a storage sizing figure.
func (m *UpdateManifest) TotalSize() uint32 {
	var t uint32
	for _, f := range m.Files {
		t += f.Size
	}
	return t
}

// Print returns the manifest in textual format.
func (m *UpdateManifest) Print() string {
	var b bytes.Buffer

	b.WriteString("------------------------------------------------------- Update manifest ----\n")
	b.WriteString(fmt.Sprintf("Version ................: %s\n", m.Version))
	b.WriteString(fmt.Sprintf("Released ...............: %s\n", time.Unix(int64(m.Timestamp), 0).UTC().Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("Urgency ................: %s\n", m.Urgency))
	if m.MinVersion != nil {
		b.WriteString(fmt.Sprintf("Minimum version ........: %s\n", m.MinVersion))
	}
	b.WriteString(fmt.Sprintf("Description ............: %s\n", m.Description))
	b.WriteString(fmt.Sprintf("Signature ..............: %s key %x\n", m.Signature.Algorithm, m.Signature.KeyID))
	for _, f := range m.Files {
		b.WriteString(fmt.Sprintf("File ...................: %s %s (%d bytes, %s) -> %s\n",
			f.Type, f.URL, f.Size, f.Compression, f.Target))
	}

	return b.String()
}

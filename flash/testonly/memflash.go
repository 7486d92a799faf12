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

// Package testonly provides support for flash storage tests.
package testonly

import (
	"fmt"
	"testing"
)

// MemFlash is a simple in-memory NOR-style flash device. Erase fills the
// affected range with 0xff; writes can only clear bits, as on real NOR
// parts, so writing over unerased cells corrupts data rather than failing.
type MemFlash struct {
	Mem       []byte
	BlockSize uint32

	// Writes and Erases count the device-level operations performed.
	Writes, Erases int

	// OnWrite, if set, is called just after a write has been applied.
	OnWrite func(off uint32, n int)
	// OnErase, if set, is called just after an erase has been applied.
	OnErase func(off, length uint32)
}

// NewMemFlash creates an erased in-memory flash device.
func NewMemFlash(t *testing.T, capacity, blockSize uint32) *MemFlash {
	t.Helper()
	m := &MemFlash{
		Mem:       make([]byte, capacity),
		BlockSize: blockSize,
	}
	for i := range m.Mem {
		m.Mem[i] = 0xff
	}
	return m
}

// Capacity returns the total device size in bytes.
func (m *MemFlash) Capacity() uint32 {
	return uint32(len(m.Mem))
}

// EraseBlockSize returns the erase granularity in bytes.
func (m *MemFlash) EraseBlockSize() uint32 {
	return m.BlockSize
}

// Read fills p from the device starting at off.
func (m *MemFlash) Read(off uint32, p []byte) error {
	if int(off)+len(p) > len(m.Mem) {
		return fmt.Errorf("read [%d, %d) beyond device size %d", off, int(off)+len(p), len(m.Mem))
	}
	copy(p, m.Mem[off:])
	return nil
}

// Write programs p at off, clearing bits only.
func (m *MemFlash) Write(off uint32, p []byte) error {
	if int(off)+len(p) > len(m.Mem) {
		return fmt.Errorf("write [%d, %d) beyond device size %d", off, int(off)+len(p), len(m.Mem))
	}
	for i, b := range p {
		m.Mem[int(off)+i] &= b
	}
	m.Writes++
	if m.OnWrite != nil {
		m.OnWrite(off, len(p))
	}
	return nil
}

// Erase resets [off, off+length) to 0xff.
func (m *MemFlash) Erase(off, length uint32) error {
	if off%m.BlockSize != 0 || length%m.BlockSize != 0 {
		return fmt.Errorf("erase [%d, %d) not aligned to block size %d", off, off+length, m.BlockSize)
	}
	if int(off)+int(length) > len(m.Mem) {
		return fmt.Errorf("erase [%d, %d) beyond device size %d", off, off+length, len(m.Mem))
	}
	for i := off; i < off+length; i++ {
		m.Mem[i] = 0xff
	}
	m.Erases++
	if m.OnErase != nil {
		m.OnErase(off, length)
	}
	return nil
}

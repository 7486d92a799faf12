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

// Package flash provides bounds-checked access to the two firmware update
// regions of a dual-bank flash device.
// Note that these are low-level primitives, and care must be taken when
// using them not to overwrite the currently booted image.
package flash

import "errors"

var (
	ErrReadFailed        = errors.New("flash read failed")
	ErrWriteFailed       = errors.New("flash write failed")
	ErrEraseFailed       = errors.New("flash erase failed")
	ErrInsufficientSpace = errors.New("insufficient space")
	ErrPartitionNotFound = errors.New("partition not found")
)

// Device is the device-specific program/erase functionality, one
// implementation per hardware target. Offsets are absolute device
// addresses in bytes.
type Device interface {
	// Capacity returns the total size of the device in bytes.
	Capacity() uint32

	// EraseBlockSize returns the minimum erasable granularity in bytes.
	EraseBlockSize() uint32

	// Read fills p from the device starting at off.
	Read(off uint32, p []byte) error

	// Write programs p to the device starting at off. The target range
	// must have been erased beforehand.
	Write(off uint32, p []byte) error

	// Erase resets [off, off+length) to the erased state. Both off and
	// length must be multiples of the erase block size.
	Erase(off, length uint32) error
}

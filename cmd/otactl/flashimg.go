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

package main

import (
	"fmt"
	"os"
)

// imageDevice is a flash.Device backed by a local image file, for driving
// the pipeline host-side against a device image instead of real hardware.
type imageDevice struct {
	f         *os.File
	capacity  uint32
	blockSize uint32
}

// newImageDevice opens (or creates, zero-filled to capacity) the image at
// path.
func newImageDevice(path string, capacity, blockSize uint32) (*imageDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() != int64(capacity) {
		if err := f.Truncate(int64(capacity)); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &imageDevice{f: f, capacity: capacity, blockSize: blockSize}, nil
}

func (d *imageDevice) Capacity() uint32 {
	return d.capacity
}

func (d *imageDevice) EraseBlockSize() uint32 {
	return d.blockSize
}

func (d *imageDevice) Read(off uint32, p []byte) error {
	_, err := d.f.ReadAt(p, int64(off))
	return err
}

func (d *imageDevice) Write(off uint32, p []byte) error {
	_, err := d.f.WriteAt(p, int64(off))
	return err
}

func (d *imageDevice) Erase(off, length uint32) error {
	if off%d.blockSize != 0 || length%d.blockSize != 0 {
		return fmt.Errorf("erase [0x%x, 0x%x) not aligned to block size 0x%x", off, off+length, d.blockSize)
	}
	b := make([]byte, length)
	for i := range b {
		b[i] = 0xff
	}
	_, err := d.f.WriteAt(b, int64(off))
	return err
}

func (d *imageDevice) Close() error {
	return d.f.Close()
}

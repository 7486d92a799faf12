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

package flash

import (
	"fmt"

	"k8s.io/klog/v2"
)

// PartitionInfo is the static description of one of the two update-capable
// regions. Values are fixed at provisioning time and the two regions never
// overlap.
type PartitionInfo struct {
	Label  string
	Offset uint32
	Size   uint32
}

// Default dual-bank layout.
// Changing these offsets on provisioned devices is overwhelmingly likely
// to result in unbootable units.
var (
	OTA0 = PartitionInfo{Label: "ota_0", Offset: 0x110000, Size: 0x180000}
	OTA1 = PartitionInfo{Label: "ota_1", Offset: 0x290000, Size: 0x180000}
)

// Other returns the partition paired with the given active one. The
// external bootloader tracks which bank is active; updates only ever
// target the other bank.
func Other(active PartitionInfo) (PartitionInfo, error) {
	switch active.Label {
	case OTA0.Label:
		return OTA1, nil
	case OTA1.Label:
		return OTA0, nil
	}
	return PartitionInfo{}, fmt.Errorf("no partner for partition %q: %w", active.Label, ErrPartitionNotFound)
}

// Overlaps reports whether two partitions share any byte range.
func Overlaps(a, b PartitionInfo) bool {
	aEnd := uint64(a.Offset) + uint64(a.Size)
	bEnd := uint64(b.Offset) + uint64(b.Size)
	return uint64(a.Offset) < bEnd && uint64(b.Offset) < aEnd
}

// Partition provides erase/write/read over a single fixed-size region of a
// Device. All offsets are partition-relative and validated against the
// partition's size before any hardware operation; an out-of-range request
// fails with ErrInsufficientSpace and touches nothing.
type Partition struct {
	dev  Device
	info PartitionInfo
}

// NewPartition returns a Partition for the described region of dev.
func NewPartition(dev Device, info PartitionInfo) (*Partition, error) {
	if info.Size == 0 {
		return nil, fmt.Errorf("partition %q has zero size: %w", info.Label, ErrPartitionNotFound)
	}
	if end := uint64(info.Offset) + uint64(info.Size); end > uint64(dev.Capacity()) {
		return nil, fmt.Errorf("partition %q [0x%x, 0x%x) exceeds device capacity 0x%x: %w",
			info.Label, info.Offset, end, dev.Capacity(), ErrPartitionNotFound)
	}
	return &Partition{dev: dev, info: info}, nil
}

// Info returns the static description of the partition.
func (p *Partition) Info() PartitionInfo {
	return p.info
}

// Capacity returns the partition size in bytes.
func (p *Partition) Capacity() uint32 {
	return p.info.Size
}

// EraseBlockSize returns the erase granularity of the underlying device.
func (p *Partition) EraseBlockSize() uint32 {
	return p.dev.EraseBlockSize()
}

func (p *Partition) checkRange(off uint32, length int) error {
	if uint64(off)+uint64(length) > uint64(p.info.Size) {
		return fmt.Errorf("range [0x%x, 0x%x) exceeds partition %q size 0x%x: %w",
			off, uint64(off)+uint64(length), p.info.Label, p.info.Size, ErrInsufficientSpace)
	}
	return nil
}

// Read fills p from the partition starting at the given relative offset.
func (p *Partition) Read(off uint32, b []byte) error {
	if err := p.checkRange(off, len(b)); err != nil {
		return err
	}
	if err := p.dev.Read(p.info.Offset+off, b); err != nil {
		return fmt.Errorf("partition %q read @ 0x%x: %v: %w", p.info.Label, off, err, ErrReadFailed)
	}
	return nil
}

// Write programs b to the partition starting at the given relative offset.
func (p *Partition) Write(off uint32, b []byte) error {
	if err := p.checkRange(off, len(b)); err != nil {
		return err
	}
	if err := p.dev.Write(p.info.Offset+off, b); err != nil {
		return fmt.Errorf("partition %q write @ 0x%x: %v: %w", p.info.Label, off, err, ErrWriteFailed)
	}
	return nil
}

// Erase resets [off, off+length) of the partition. Offset and length must
// be exact multiples of the erase block size; misalignment fails before
// any hardware call.
func (p *Partition) Erase(off, length uint32) error {
	if err := p.checkRange(off, int(length)); err != nil {
		return err
	}
	bs := p.dev.EraseBlockSize()
	if off%bs != 0 || length%bs != 0 {
		return fmt.Errorf("erase [0x%x, 0x%x) not aligned to block size 0x%x: %w",
			off, off+length, bs, ErrEraseFailed)
	}
	klog.V(2).Infof("Erasing partition %q [0x%x, 0x%x)", p.info.Label, off, off+length)
	if err := p.dev.Erase(p.info.Offset+off, length); err != nil {
		return fmt.Errorf("partition %q erase @ 0x%x: %v: %w", p.info.Label, off, err, ErrEraseFailed)
	}
	return nil
}

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

package update

import "fmt"

// Operation is the phase an update attempt is currently in.
type Operation uint8

const (
	OpChecking Operation = iota
	OpDownloading
	OpVerifying
	OpWriting
	OpFinalizing
	OpComplete
)

func (o Operation) String() string {
	switch o {
	case OpChecking:
		return "checking"
	case OpDownloading:
		return "downloading"
	case OpVerifying:
		return "verifying"
	case OpWriting:
		return "writing"
	case OpFinalizing:
		return "finalizing"
	case OpComplete:
		return "complete"
	}
	return fmt.Sprintf("operation(%d)", uint8(o))
}

// Progress records cumulative byte counts and the current phase of one
// update attempt. It is passive: the orchestrator sets it, everyone else
// only reads copies.
type Progress struct {
	TotalBytes     uint32
	CompletedBytes uint32
	Operation      Operation
}

// NewProgress returns a tracker for an attempt totalling total bytes.
func NewProgress(total uint32) Progress {
	return Progress{TotalBytes: total, Operation: OpChecking}
}

// Set overwrites the cumulative completed byte count and current phase.
// Counts are set, not accumulated; callers pass cumulative figures.
func (p *Progress) Set(completed uint32, op Operation) {
	p.CompletedBytes = completed
	p.Operation = op
}

// Percentage returns completion as 0-100, or 0 when the total is zero.
// Completed counts beyond the total, as when decompressed byte counts are
// reported against a compressed total, saturate at 100.
func (p Progress) Percentage() int {
	if p.TotalBytes == 0 {
		return 0
	}
	if pct := int(uint64(p.CompletedBytes) * 100 / uint64(p.TotalBytes)); pct < 100 {
		return pct
	}
	return 100
}

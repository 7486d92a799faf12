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

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
	"k8s.io/klog/v2"

	"github.com/solari-dev/genesis-ota/api"
)

// Attempt states. Idle is initial; complete and failed are terminal for
// the attempt.
const (
	StateIdle        = "idle"
	StateChecking    = "checking"
	StateUpToDate    = "uptodate"
	StateAvailable   = "available"
	StateDownloading = "downloading"
	StateVerifying   = "verifying"
	StateWriting     = "writing"
	StateFinalizing  = "finalizing"
	StateComplete    = "complete"
	StateFailed      = "failed"
)

const (
	eventCheck     = "check"
	eventUpToDate  = "up_to_date"
	eventAvailable = "available"
	eventDownload  = "download"
	eventVerify    = "verify"
	eventWrite     = "write"
	eventFinalize  = "finalize"
	eventComplete  = "complete"
	eventFail      = "fail"
)

// nonTerminal lists the states from which failed is reachable.
var nonTerminal = []string{
	StateIdle, StateChecking, StateAvailable,
	StateDownloading, StateVerifying, StateWriting, StateFinalizing,
}

// wrapEvent adapts an error-returning callback to the fsm callback shape;
// a returned error surfaces from Event and the caller moves the attempt
// to failed.
func wrapEvent(fn func(ctx context.Context, e *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, e *fsm.Event) {
		if err := fn(ctx, e); err != nil {
			e.Err = err
		}
	}
}

// newAttemptFSM builds the state machine for a single update attempt.
func newAttemptFSM(initial string) *fsm.FSM {
	events := fsm.Events{
		{Name: eventCheck, Src: []string{StateIdle}, Dst: StateChecking},
		{Name: eventUpToDate, Src: []string{StateChecking}, Dst: StateUpToDate},
		{Name: eventAvailable, Src: []string{StateChecking}, Dst: StateAvailable},
		{Name: eventDownload, Src: []string{StateAvailable}, Dst: StateDownloading},
		{Name: eventVerify, Src: []string{StateDownloading}, Dst: StateVerifying},
		{Name: eventWrite, Src: []string{StateVerifying}, Dst: StateWriting},
		{Name: eventFinalize, Src: []string{StateWriting}, Dst: StateFinalizing},
		{Name: eventComplete, Src: []string{StateFinalizing}, Dst: StateComplete},
		{Name: eventFail, Src: nonTerminal, Dst: StateFailed},
	}

	callbacks := fsm.Callbacks{
		// Guard: an update without a firmware payload must never start
		// downloading.
		"before_" + eventDownload: wrapEvent(guardHasFirmware),

		"enter_state": func(ctx context.Context, e *fsm.Event) {
			klog.V(2).Infof("Update attempt: %s -> %s", e.Src, e.Dst)
		},
		"enter_" + StateFailed: func(ctx context.Context, e *fsm.Event) {
			klog.Warningf("Update attempt failed (from %s)", e.Src)
		},
	}

	return fsm.NewFSM(initial, events, callbacks)
}

func guardHasFirmware(ctx context.Context, e *fsm.Event) error {
	if len(e.Args) == 0 {
		return fmt.Errorf("no manifest for download: %w", ErrInvalidState)
	}
	m, ok := e.Args[0].(*api.UpdateManifest)
	if !ok || m.FirmwareFile() == nil {
		return fmt.Errorf("manifest carries no firmware file: %w", ErrInvalidState)
	}
	return nil
}

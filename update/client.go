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

// Package update implements the firmware update pipeline: check,
// download, verify, write, finalize.
//
// A single cooperative task drives one attempt end-to-end; the client is
// not reentrant and rejects overlapping attempts. Every step must fully
// complete before the next begins, and nothing is ever written to flash
// before the downloaded image has passed its integrity check.
package update

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"
	"k8s.io/klog/v2"

	"github.com/solari-dev/genesis-ota/api"
	"github.com/solari-dev/genesis-ota/config"
	"github.com/solari-dev/genesis-ota/flash"
	"github.com/solari-dev/genesis-ota/verify"
)

var (
	ErrUpdateInProgress  = errors.New("update already in progress")
	ErrNoUpdateAvailable = errors.New("no update available")
	ErrRollbackFailed    = errors.New("rollback failed")
	ErrInvalidState      = errors.New("invalid state")
)

const (
	// DefaultMaxFirmwareSize caps the in-memory staging buffer. A single
	// bounded buffer is a deliberate scalability ceiling for the
	// constrained targets this client runs on; larger images need a
	// streaming redesign.
	DefaultMaxFirmwareSize = 0x180000

	// writeChunkSize is the unit of sequential flash programming.
	writeChunkSize = 4096
)

// FinalizeFunc commits a verified, fully written image as the next boot
// target. Partition switching and reboot scheduling live behind it, with
// the external bootloader.
type FinalizeFunc func(ctx context.Context, m *api.UpdateManifest) error

// Opts configures a Client.
type Opts struct {
	// Config supplies the persisted device record and receives the new
	// current version at finalization.
	Config *config.Manager
	// Target is the inactive partition. The client owns it exclusively
	// for the duration of an attempt; handing in the active partition is
	// a caller bug this client cannot detect.
	Target *flash.Partition
	// Verifier authenticates manifests and firmware payloads.
	Verifier *verify.Verifier
	// Fetch retrieves server resources.
	Fetch Fetcher
	// Finalize, if set, runs after the new version has been persisted.
	Finalize FinalizeFunc
	// MaxFirmwareSize overrides DefaultMaxFirmwareSize when non-zero.
	MaxFirmwareSize uint32
}

// Client sequences update attempts against a single device.
type Client struct {
	cfg         *config.Manager
	target      *flash.Partition
	verifier    *verify.Verifier
	fetch       Fetcher
	finalize    FinalizeFunc
	maxFirmware uint32

	// busy is the attempt-in-progress guard, swapped at entry and
	// released only once a terminal state is reached.
	busy atomic.Bool

	mu       sync.RWMutex
	machine  *fsm.FSM
	progress *Progress
}

// NewClient returns a client composed from the given collaborators.
func NewClient(opts Opts) (*Client, error) {
	if opts.Config == nil || opts.Target == nil || opts.Verifier == nil || opts.Fetch == nil {
		return nil, fmt.Errorf("config, target, verifier and fetch are all required: %w", ErrInvalidState)
	}
	max := opts.MaxFirmwareSize
	if max == 0 {
		max = DefaultMaxFirmwareSize
	}
	initMetrics()
	return &Client{
		cfg:         opts.Config,
		target:      opts.Target,
		verifier:    opts.Verifier,
		fetch:       opts.Fetch,
		finalize:    opts.Finalize,
		maxFirmware: max,
		machine:     newAttemptFSM(StateIdle),
	}, nil
}

// State returns the current attempt state.
func (c *Client) State() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.machine.Current()
}

// Progress returns a copy of the current attempt's progress. The second
// return is false before the first apply attempt begins.
func (c *Client) Progress() (Progress, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.progress == nil {
		return Progress{}, false
	}
	return *c.progress, true
}

func (c *Client) resetFSM(initial string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.machine = newAttemptFSM(initial)
}

func (c *Client) fire(ctx context.Context, event string, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Event(ctx, event, args...)
}

func (c *Client) setProgress(p Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = &p
}

func (c *Client) progressSet(completed uint32, op Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.progress != nil {
		c.progress.Set(completed, op)
	}
}

// StatusKind classifies the outcome of a manifest check.
type StatusKind uint8

const (
	StatusUpToDate StatusKind = iota
	StatusAvailable
	StatusCheckFailed
)

// Status is the outcome of CheckUpdate. Failures are values here, never
// panics or aborts, so callers can branch without exception-style control
// flow.
type Status struct {
	Kind     StatusKind
	Manifest *api.UpdateManifest
	Err      error
}

// CheckUpdate fetches the update descriptor for this device, verifies its
// signature over the raw received bytes, parses it, and reports whether
// it applies on top of the persisted current version. A check racing an
// in-flight apply attempt is rejected rather than allowed to disturb it.
func (c *Client) CheckUpdate(ctx context.Context) Status {
	if !c.busy.CompareAndSwap(false, true) {
		return Status{Kind: StatusCheckFailed, Err: ErrUpdateInProgress}
	}
	defer c.busy.Store(false)

	counterUpdateCheck.Inc()
	c.resetFSM(StateIdle)
	if err := c.fire(ctx, eventCheck); err != nil {
		return c.checkFailed(ctx, err)
	}

	cfg := c.cfg.Config()
	path := fmt.Sprintf("manifest.json?device_id=%s", url.QueryEscape(cfg.DeviceID))
	raw, err := c.fetch(ctx, path)
	if err != nil {
		return c.checkFailed(ctx, fmt.Errorf("manifest fetch: %w", err))
	}

	// Verify first, parse second: both are passes over the same
	// immutable buffer.
	signed, sig, err := api.SplitSigned(raw)
	if err != nil {
		return c.checkFailed(ctx, err)
	}
	if err := c.verifier.VerifyManifest(signed, sig); err != nil {
		return c.checkFailed(ctx, err)
	}
	m, err := api.ParseManifest(raw)
	if err != nil {
		return c.checkFailed(ctx, err)
	}

	if !m.IsApplicable(cfg.CurrentVersion) {
		if err := c.fire(ctx, eventUpToDate); err != nil {
			return c.checkFailed(ctx, err)
		}
		klog.V(1).Infof("Manifest version %s not applicable on %s", m.Version, cfg.CurrentVersion)
		return Status{Kind: StatusUpToDate}
	}
	if err := c.fire(ctx, eventAvailable); err != nil {
		return c.checkFailed(ctx, err)
	}
	klog.Infof("Update %s available (current %s, urgency %s)", m.Version, cfg.CurrentVersion, m.Urgency)
	return Status{Kind: StatusAvailable, Manifest: m}
}

func (c *Client) checkFailed(ctx context.Context, err error) Status {
	klog.Errorf("Update check failed: %v", err)
	if ferr := c.fire(ctx, eventFail); ferr != nil {
		klog.V(2).Infof("fail transition: %v", ferr)
	}
	return Status{Kind: StatusCheckFailed, Err: err}
}

// DownloadAndApply downloads the manifest's firmware payload into a
// bounded staging buffer, verifies its digest, writes it to the inactive
// partition and finalizes the attempt. The first error at any step
// transitions the attempt to failed and is returned; nothing is retried,
// resumed, or rolled back on storage.
func (c *Client) DownloadAndApply(ctx context.Context, m *api.UpdateManifest) error {
	if !c.busy.CompareAndSwap(false, true) {
		return ErrUpdateInProgress
	}
	defer c.busy.Store(false)

	counterFirmwareUpdateAttempt.Inc()
	c.resetFSM(StateAvailable)
	c.setProgress(NewProgress(m.TotalSize()))

	if cur := c.cfg.Config().CurrentVersion; !m.IsApplicable(cur) {
		return c.fail(ctx, fmt.Errorf("manifest %s on current %s: %w",
			m.Version, cur, ErrNoUpdateAvailable))
	}

	if err := c.fire(ctx, eventDownload, m); err != nil {
		return c.fail(ctx, err)
	}
	fw := m.FirmwareFile()

	if fw.Size > c.maxFirmware {
		return c.fail(ctx, fmt.Errorf("firmware size %d exceeds staging limit %d: %w",
			fw.Size, c.maxFirmware, flash.ErrInsufficientSpace))
	}

	c.progressSet(0, OpDownloading)
	data, err := c.fetch(ctx, fw.URL)
	if err != nil {
		return c.fail(ctx, fmt.Errorf("firmware fetch: %w", err))
	}
	if uint32(len(data)) != fw.Size {
		return c.fail(ctx, fmt.Errorf("downloaded %d bytes, manifest says %d: %w",
			len(data), fw.Size, ErrInvalidResponse))
	}
	c.progressSet(fw.Size, OpDownloading)

	if err := c.fire(ctx, eventVerify); err != nil {
		return c.fail(ctx, err)
	}
	c.progressSet(fw.Size, OpVerifying)
	if err := c.verifier.VerifyFirmware(data, fw.SHA256); err != nil {
		return c.fail(ctx, fmt.Errorf("firmware integrity: %w", err))
	}

	img, err := decompress(data, fw.Compression, c.target.Capacity())
	if err != nil {
		return c.fail(ctx, err)
	}

	if err := c.fire(ctx, eventWrite); err != nil {
		return c.fail(ctx, err)
	}
	c.progressSet(fw.Size, OpWriting)
	if err := c.writeFirmware(img); err != nil {
		return c.fail(ctx, err)
	}

	if err := c.fire(ctx, eventFinalize); err != nil {
		return c.fail(ctx, err)
	}
	c.progressSet(fw.Size, OpFinalizing)
	prev := c.cfg.Config().CurrentVersion
	if err := c.cfg.SetCurrentVersion(m.Version); err != nil {
		return c.fail(ctx, err)
	}
	if c.finalize != nil {
		if err := c.finalize(ctx, m); err != nil {
			// The version record already moved forward; restore it so a
			// failed finalization never reports the new firmware as
			// current.
			if rerr := c.cfg.SetCurrentVersion(prev); rerr != nil {
				return c.fail(ctx, fmt.Errorf("finalize hook: %v, version restore: %v: %w", err, rerr, ErrRollbackFailed))
			}
			return c.fail(ctx, fmt.Errorf("finalize hook: %w", err))
		}
	}

	if err := c.fire(ctx, eventComplete); err != nil {
		return c.fail(ctx, err)
	}
	c.progressSet(m.TotalSize(), OpComplete)
	counterFirmwareUpdateSuccess.Inc()
	klog.Infof("Firmware %s written to partition %q", m.Version, c.target.Info().Label)
	return nil
}

// writeFirmware erases the target region rounded up to the next erase
// block and programs the image in sequential fixed-size chunks at
// monotonically increasing offsets.
func (c *Client) writeFirmware(img []byte) error {
	bs := c.target.EraseBlockSize()
	eraseLen := (uint32(len(img)) + bs - 1) / bs * bs
	if err := c.target.Erase(0, eraseLen); err != nil {
		return err
	}

	for off := 0; off < len(img); off += writeChunkSize {
		end := off + writeChunkSize
		if end > len(img) {
			end = len(img)
		}
		if err := c.target.Write(uint32(off), img[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) fail(ctx context.Context, err error) error {
	counterFirmwareUpdateFailure.Inc()
	klog.Errorf("Update attempt failed: %v", err)
	if ferr := c.fire(ctx, eventFail); ferr != nil {
		klog.V(2).Infof("fail transition: %v", ferr)
	}
	return err
}

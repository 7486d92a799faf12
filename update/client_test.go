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
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"

	"github.com/solari-dev/genesis-ota/api"
	"github.com/solari-dev/genesis-ota/config"
	"github.com/solari-dev/genesis-ota/flash"
	"github.com/solari-dev/genesis-ota/flash/testonly"
	"github.com/solari-dev/genesis-ota/verify"
)

const (
	testBlockSize = 4096
	testPartSize  = 16 * testBlockSize
)

// memStore keeps the configuration record in memory.
type memStore struct {
	raw []byte
}

func (s *memStore) Load() ([]byte, error) { return s.raw, nil }
func (s *memStore) Save(raw []byte) error { s.raw = append([]byte{}, raw...); return nil }

// mapFetcher serves fixed resources by path and fails on anything else.
func mapFetcher(resources map[string][]byte) Fetcher {
	return func(_ context.Context, path string) ([]byte, error) {
		if b, ok := resources[path]; ok {
			return b, nil
		}
		return nil, fmt.Errorf("%q: %w", path, ErrConnectionFailed)
	}
}

// signManifest fills in the manifest's ed25519 signature over its
// canonical encoding and returns the signed wire form.
func signManifest(t *testing.T, m *api.UpdateManifest, priv ed25519.PrivateKey) []byte {
	t.Helper()
	m.Signature = api.Signature{
		Algorithm: api.AlgorithmEd25519,
		KeyID:     [8]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x11, 0x22, 0x33},
		Data:      make([]byte, ed25519.SignatureSize),
	}
	raw, err := api.EncodeManifest(m)
	if err != nil {
		t.Fatalf("EncodeManifest(): %v", err)
	}
	signed, _, err := api.SplitSigned(raw)
	if err != nil {
		t.Fatalf("SplitSigned(): %v", err)
	}
	m.Signature.Data = ed25519.Sign(priv, signed)
	raw, err = api.EncodeManifest(m)
	if err != nil {
		t.Fatalf("EncodeManifest(): %v", err)
	}
	return raw
}

// testEnv wires a client against in-memory collaborators.
type testEnv struct {
	client  *Client
	cfg     *config.Manager
	store   *memStore
	dev     *testonly.MemFlash
	priv    ed25519.PrivateKey
	res     map[string][]byte
	applied []api.Version
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey(): %v", err)
	}
	key, err := verify.NewEd25519PublicKey(pub)
	if err != nil {
		t.Fatalf("NewEd25519PublicKey(): %v", err)
	}

	store := &memStore{}
	c := config.NewConfig("https://updates.example.com")
	c.CurrentVersion = api.NewVersion(1, 0, 0, 0)
	c.DeviceID = "dev-001"
	cfg := config.NewManager(store, c)

	dev := testonly.NewMemFlash(t, 64*testBlockSize, testBlockSize)
	part, err := flash.NewPartition(dev, flash.PartitionInfo{
		Label:  "ota_1",
		Offset: 8 * testBlockSize,
		Size:   testPartSize,
	})
	if err != nil {
		t.Fatalf("NewPartition(): %v", err)
	}

	env := &testEnv{
		cfg:   cfg,
		store: store,
		dev:   dev,
		priv:  priv,
		res:   map[string][]byte{},
	}
	env.client, err = NewClient(Opts{
		Config:   cfg,
		Target:   part,
		Verifier: verify.NewVerifier(key),
		Fetch:    mapFetcher(env.res),
		Finalize: func(_ context.Context, m *api.UpdateManifest) error {
			env.applied = append(env.applied, m.Version)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewClient(): %v", err)
	}
	return env
}

// serveUpdate publishes a signed manifest for the given firmware image
// and returns the parsed manifest.
func (e *testEnv) serveUpdate(t *testing.T, v api.Version, img []byte) *api.UpdateManifest {
	t.Helper()
	m := &api.UpdateManifest{
		ManifestVersion: api.ManifestVersion,
		Version:         v,
		Timestamp:       1724900000,
		Description:     "routine firmware rollout",
		Files: []api.UpdateFile{
			{
				Type:   api.FileTypeFirmware,
				Target: "ota",
				URL:    "firmware.bin",
				Size:   uint32(len(img)),
				SHA256: sha256.Sum256(img),
			},
		},
		Urgency: api.UrgencyNormal,
		Rollback: api.RollbackPolicy{
			Enabled:         true,
			MaxBootAttempts: 3,
		},
	}
	e.res["manifest.json?device_id=dev-001"] = signManifest(t, m, e.priv)
	e.res["firmware.bin"] = img
	return m
}

func TestCheckUpdateAvailable(t *testing.T) {
	env := newTestEnv(t)
	env.serveUpdate(t, api.NewVersion(1, 1, 0, 0), []byte("image"))

	st := env.client.CheckUpdate(context.Background())
	if st.Kind != StatusAvailable {
		t.Fatalf("CheckUpdate() kind = %d (err %v), want StatusAvailable", st.Kind, st.Err)
	}
	if st.Manifest == nil || st.Manifest.Version != api.NewVersion(1, 1, 0, 0) {
		t.Fatalf("CheckUpdate() manifest = %+v", st.Manifest)
	}
	if got := env.client.State(); got != StateAvailable {
		t.Fatalf("State() = %q, want %q", got, StateAvailable)
	}
}

func TestCheckUpdateUpToDate(t *testing.T) {
	env := newTestEnv(t)
	// Same version as the device already runs.
	env.serveUpdate(t, api.NewVersion(1, 0, 0, 0), []byte("image"))

	st := env.client.CheckUpdate(context.Background())
	if st.Kind != StatusUpToDate {
		t.Fatalf("CheckUpdate() kind = %d (err %v), want StatusUpToDate", st.Kind, st.Err)
	}
	if got := env.client.State(); got != StateUpToDate {
		t.Fatalf("State() = %q, want %q", got, StateUpToDate)
	}
}

func TestCheckUpdateBadSignature(t *testing.T) {
	env := newTestEnv(t)
	env.serveUpdate(t, api.NewVersion(1, 1, 0, 0), []byte("image"))

	// Flip a bit in the manifest payload after signing.
	raw := env.res["manifest.json?device_id=dev-001"]
	raw[10] ^= 0x01

	st := env.client.CheckUpdate(context.Background())
	if st.Kind != StatusCheckFailed {
		t.Fatalf("CheckUpdate() kind = %d, want StatusCheckFailed", st.Kind)
	}
	if !errors.Is(st.Err, verify.ErrInvalidSignature) {
		t.Fatalf("CheckUpdate() err = %v, want %v", st.Err, verify.ErrInvalidSignature)
	}
	if got := env.client.State(); got != StateFailed {
		t.Fatalf("State() = %q, want %q", got, StateFailed)
	}
}

func TestCheckUpdateFetchFailure(t *testing.T) {
	env := newTestEnv(t)
	st := env.client.CheckUpdate(context.Background())
	if st.Kind != StatusCheckFailed {
		t.Fatalf("CheckUpdate() kind = %d, want StatusCheckFailed", st.Kind)
	}
	if !errors.Is(st.Err, ErrConnectionFailed) {
		t.Fatalf("CheckUpdate() err = %v, want %v", st.Err, ErrConnectionFailed)
	}
}

func TestDownloadAndApply(t *testing.T) {
	env := newTestEnv(t)
	// A payload that is not a whole number of write chunks.
	img := bytes.Repeat([]byte{0xa5, 0x42}, 2600)
	want := api.NewVersion(1, 1, 0, 0)
	m := env.serveUpdate(t, want, img)

	if err := env.client.DownloadAndApply(context.Background(), m); err != nil {
		t.Fatalf("DownloadAndApply() = %v", err)
	}
	if got := env.client.State(); got != StateComplete {
		t.Fatalf("State() = %q, want %q", got, StateComplete)
	}

	// The image must land at the partition base in device space.
	base := uint32(8 * testBlockSize)
	if got := env.dev.Mem[base : base+uint32(len(img))]; !bytes.Equal(got, img) {
		t.Fatal("flash contents do not match the downloaded image")
	}
	// Bytes beyond the image within the erased region stay erased.
	if env.dev.Mem[base+uint32(len(img))] != 0xff {
		t.Fatal("byte after image is not erased")
	}

	// The new version is persisted and the finalize hook observed it.
	loaded, err := config.LoadManager(env.store)
	if err != nil {
		t.Fatalf("LoadManager(): %v", err)
	}
	if got := loaded.Config().CurrentVersion; got != want {
		t.Fatalf("persisted version = %s, want %s", got, want)
	}
	if len(env.applied) != 1 || env.applied[0] != want {
		t.Fatalf("finalize hook saw %v, want [%s]", env.applied, want)
	}

	p, ok := env.client.Progress()
	if !ok {
		t.Fatal("Progress() not available after apply")
	}
	if p.Operation != OpComplete || p.Percentage() != 100 {
		t.Fatalf("Progress() = %d%% %s, want 100%% %s", p.Percentage(), p.Operation, OpComplete)
	}
}

func TestDownloadAndApplyCorruptedFirmware(t *testing.T) {
	env := newTestEnv(t)
	img := bytes.Repeat([]byte{0x11}, 4096)
	m := env.serveUpdate(t, api.NewVersion(1, 1, 0, 0), img)

	// Serve different bytes than the manifest's digest covers.
	env.res["firmware.bin"] = bytes.Repeat([]byte{0x22}, 4096)

	err := env.client.DownloadAndApply(context.Background(), m)
	if !errors.Is(err, verify.ErrHashMismatch) {
		t.Fatalf("DownloadAndApply() = %v, want %v", err, verify.ErrHashMismatch)
	}
	if got := env.client.State(); got != StateFailed {
		t.Fatalf("State() = %q, want %q", got, StateFailed)
	}
	// Nothing may touch the device before verification passes.
	if env.dev.Writes != 0 || env.dev.Erases != 0 {
		t.Fatalf("device saw %d writes, %d erases, want none", env.dev.Writes, env.dev.Erases)
	}
	// The running version is untouched.
	if got := env.cfg.Config().CurrentVersion; got != api.NewVersion(1, 0, 0, 0) {
		t.Fatalf("current version = %s, want 1.0.0", got)
	}
}

func TestDownloadAndApplyShortDownload(t *testing.T) {
	env := newTestEnv(t)
	img := bytes.Repeat([]byte{0x11}, 4096)
	m := env.serveUpdate(t, api.NewVersion(1, 1, 0, 0), img)
	env.res["firmware.bin"] = img[:100]

	err := env.client.DownloadAndApply(context.Background(), m)
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("DownloadAndApply() = %v, want %v", err, ErrInvalidResponse)
	}
	if env.dev.Writes != 0 || env.dev.Erases != 0 {
		t.Fatalf("device saw %d writes, %d erases, want none", env.dev.Writes, env.dev.Erases)
	}
}

func TestDownloadAndApplyOversizedFirmware(t *testing.T) {
	env := newTestEnv(t)
	img := bytes.Repeat([]byte{0x11}, 256)
	m := env.serveUpdate(t, api.NewVersion(1, 1, 0, 0), img)
	// Lie about the size so it exceeds the staging limit.
	m.Files[0].Size = DefaultMaxFirmwareSize + 1

	err := env.client.DownloadAndApply(context.Background(), m)
	if !errors.Is(err, flash.ErrInsufficientSpace) {
		t.Fatalf("DownloadAndApply() = %v, want %v", err, flash.ErrInsufficientSpace)
	}
}

func TestDownloadAndApplyNoFirmwareEntry(t *testing.T) {
	env := newTestEnv(t)
	m := &api.UpdateManifest{
		ManifestVersion: api.ManifestVersion,
		Version:         api.NewVersion(1, 1, 0, 0),
		Files: []api.UpdateFile{
			{Type: api.FileTypeConfig, Target: "settings", URL: "settings.bin", Size: 16},
		},
	}
	err := env.client.DownloadAndApply(context.Background(), m)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("DownloadAndApply() = %v, want %v", err, ErrInvalidState)
	}
	if got := env.client.State(); got != StateFailed {
		t.Fatalf("State() = %q, want %q", got, StateFailed)
	}
}

func TestDownloadAndApplyNotApplicable(t *testing.T) {
	env := newTestEnv(t)
	img := []byte("image")
	// The device already runs this version.
	m := env.serveUpdate(t, api.NewVersion(1, 0, 0, 0), img)

	err := env.client.DownloadAndApply(context.Background(), m)
	if !errors.Is(err, ErrNoUpdateAvailable) {
		t.Fatalf("DownloadAndApply() = %v, want %v", err, ErrNoUpdateAvailable)
	}
	if env.dev.Writes != 0 || env.dev.Erases != 0 {
		t.Fatalf("device saw %d writes, %d erases, want none", env.dev.Writes, env.dev.Erases)
	}
}

func TestDownloadAndApplyBusy(t *testing.T) {
	env := newTestEnv(t)
	img := []byte("image")
	m := env.serveUpdate(t, api.NewVersion(1, 1, 0, 0), img)

	env.client.busy.Store(true)
	if err := env.client.DownloadAndApply(context.Background(), m); !errors.Is(err, ErrUpdateInProgress) {
		t.Fatalf("DownloadAndApply() while busy = %v, want %v", err, ErrUpdateInProgress)
	}
	env.client.busy.Store(false)

	if err := env.client.DownloadAndApply(context.Background(), m); err != nil {
		t.Fatalf("DownloadAndApply() after release = %v", err)
	}
}

func TestCheckUpdateDuringApply(t *testing.T) {
	env := newTestEnv(t)
	img := bytes.Repeat([]byte{0x11}, 1024)
	m := env.serveUpdate(t, api.NewVersion(1, 1, 0, 0), img)

	// Hold the apply attempt inside the firmware download so a check
	// arrives while it is in flight.
	downloading := make(chan struct{})
	release := make(chan struct{})
	inner := env.client.fetch
	env.client.fetch = func(ctx context.Context, path string) ([]byte, error) {
		if path == "firmware.bin" {
			close(downloading)
			<-release
		}
		return inner(ctx, path)
	}

	applyErr := make(chan error, 1)
	go func() {
		applyErr <- env.client.DownloadAndApply(context.Background(), m)
	}()
	<-downloading

	st := env.client.CheckUpdate(context.Background())
	if st.Kind != StatusCheckFailed {
		t.Fatalf("CheckUpdate() during apply kind = %d, want StatusCheckFailed", st.Kind)
	}
	if !errors.Is(st.Err, ErrUpdateInProgress) {
		t.Fatalf("CheckUpdate() during apply err = %v, want %v", st.Err, ErrUpdateInProgress)
	}

	// The rejected check must not have disturbed the in-flight attempt.
	close(release)
	if err := <-applyErr; err != nil {
		t.Fatalf("DownloadAndApply() = %v", err)
	}
	if got := env.client.State(); got != StateComplete {
		t.Fatalf("State() = %q, want %q", got, StateComplete)
	}
}

func TestDownloadAndApplyFinalizeFailure(t *testing.T) {
	env := newTestEnv(t)
	img := bytes.Repeat([]byte{0x11}, 1024)
	m := env.serveUpdate(t, api.NewVersion(1, 1, 0, 0), img)

	hookErr := errors.New("bootloader record unavailable")
	env.client.finalize = func(context.Context, *api.UpdateManifest) error {
		return hookErr
	}

	if err := env.client.DownloadAndApply(context.Background(), m); !errors.Is(err, hookErr) {
		t.Fatalf("DownloadAndApply() = %v, want %v", err, hookErr)
	}
	// The persisted version is restored to what the device is running.
	if got := env.cfg.Config().CurrentVersion; got != api.NewVersion(1, 0, 0, 0) {
		t.Fatalf("current version after failed finalize = %s, want 1.0.0", got)
	}
	if got := env.client.State(); got != StateFailed {
		t.Fatalf("State() = %q, want %q", got, StateFailed)
	}
}

func TestDownloadAndApplyCompressed(t *testing.T) {
	env := newTestEnv(t)
	img := bytes.Repeat([]byte("genesis"), 1000)
	packed := gzipped(t, img)
	m := env.serveUpdate(t, api.NewVersion(1, 2, 0, 0), packed)
	m.Files[0].Compression = api.CompressionGzip
	// Re-sign after mutating the manifest.
	env.res["manifest.json?device_id=dev-001"] = signManifest(t, m, env.priv)

	if err := env.client.DownloadAndApply(context.Background(), m); err != nil {
		t.Fatalf("DownloadAndApply() = %v", err)
	}
	base := uint32(8 * testBlockSize)
	if got := env.dev.Mem[base : base+uint32(len(img))]; !bytes.Equal(got, img) {
		t.Fatal("flash contents do not match the decompressed image")
	}
}

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

// otactl drives the update pipeline against a flash image file. It owns
// the retry loop around apply attempts; the pipeline itself exposes one
// failure per attempt.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cheggaaa/pb/v3"
	"k8s.io/klog/v2"

	"github.com/solari-dev/genesis-ota/api"
	"github.com/solari-dev/genesis-ota/config"
	"github.com/solari-dev/genesis-ota/flash"
	"github.com/solari-dev/genesis-ota/update"
	"github.com/solari-dev/genesis-ota/verify"
)

const (
	// imageCapacity covers both OTA regions of the default layout.
	imageCapacity  = 0x410000
	eraseBlockSize = 4096

	downloadTimeout = 5 * time.Minute
)

type Config struct {
	configPath string
	imagePath  string
	keyPath    string
	active     string

	check bool
	apply bool
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &Config{}

	flag.StringVar(&conf.configPath, "c", "otactl.yaml", "device configuration record")
	flag.StringVar(&conf.imagePath, "i", "flash.img", "flash image file")
	flag.StringVar(&conf.keyPath, "k", "", "hex-encoded ed25519 manifest public key file")
	flag.StringVar(&conf.active, "a", flash.OTA0.Label, "label of the currently active partition")
	flag.BoolVar(&conf.check, "s", false, "check for an available update")
	flag.BoolVar(&conf.apply, "u", false, "check for an update and apply it")

	klog.InitFlags(nil)
}

func main() {
	var err error

	defer func() {
		if flag.NFlag() == 0 {
			flag.PrintDefaults()
		}

		if err != nil {
			log.Fatalf("fatal error, %s", err)
		}
	}()

	flag.Parse()

	if !conf.check && !conf.apply {
		return
	}

	var client *update.Client
	var mgr *config.Manager

	client, mgr, err = buildClient()
	if err != nil {
		return
	}

	ctx := context.Background()

	st := client.CheckUpdate(ctx)
	switch st.Kind {
	case update.StatusCheckFailed:
		err = st.Err
		return
	case update.StatusUpToDate:
		log.Printf("device is up to date (current %s)", mgr.Config().CurrentVersion)
		return
	}

	log.Print(st.Manifest.Print())

	// A record provisioned with auto_update applies on a plain check too.
	if !conf.apply && !mgr.Config().AutoUpdate {
		return
	}

	err = applyWithRetry(ctx, client, mgr.Config().Retry, st.Manifest)
	if err == nil {
		log.Printf("update applied, current version now %s", mgr.Config().CurrentVersion)
	}
}

func buildClient() (*update.Client, *config.Manager, error) {
	mgr, err := config.LoadManager(config.FileStore{Path: conf.configPath})
	if err != nil {
		return nil, nil, err
	}
	cfg := mgr.Config()

	if conf.keyPath == "" {
		return nil, nil, errors.New("manifest public key must be specified (flag: -k)")
	}
	rawKey, err := os.ReadFile(conf.keyPath)
	if err != nil {
		return nil, nil, err
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(rawKey)))
	if err != nil {
		return nil, nil, fmt.Errorf("public key is not valid hex: %v", err)
	}
	pub, err := verify.NewEd25519PublicKey(keyBytes)
	if err != nil {
		return nil, nil, err
	}

	serverURL := cfg.ServerURL
	if !strings.HasSuffix(serverURL, "/") {
		serverURL += "/"
	}
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, nil, fmt.Errorf("server URL invalid: %v", err)
	}

	dev, err := newImageDevice(conf.imagePath, imageCapacity, eraseBlockSize)
	if err != nil {
		return nil, nil, err
	}

	var active flash.PartitionInfo
	switch conf.active {
	case flash.OTA0.Label:
		active = flash.OTA0
	case flash.OTA1.Label:
		active = flash.OTA1
	default:
		return nil, nil, fmt.Errorf("unknown partition label %q", conf.active)
	}
	target, err := flash.Other(active)
	if err != nil {
		return nil, nil, err
	}
	part, err := flash.NewPartition(dev, target)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("active partition %q, update target %q", active.Label, target.Label)

	client, err := update.NewClient(update.Opts{
		Config:   mgr,
		Target:   part,
		Verifier: verify.NewVerifier(pub),
		Fetch:    update.NewHTTPFetcher(base, nil, downloadTimeout, false),
		Finalize: func(ctx context.Context, m *api.UpdateManifest) error {
			// Bank switching and reboot belong to the bootloader; all we
			// do here is leave a record of what must be activated.
			log.Printf("firmware %s staged on %q, bootloader must activate it on next boot", m.Version, target.Label)
			return nil
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return client, mgr, nil
}

// applyWithRetry drives apply attempts using the device retry policy:
// delay = min(max_delay, initial_delay * multiplier^attempt), capped at
// max_attempts.
func applyWithRetry(ctx context.Context, client *update.Client, pol config.RetryPolicy, m *api.UpdateManifest) error {
	attempts := uint64(pol.MaxAttempts)
	if attempts == 0 {
		attempts = 1
	}

	stop := make(chan struct{})
	go renderProgress(client, stop)
	defer close(stop)

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			log.Printf("retrying update (attempt %d/%d)", attempt, attempts)
		}
		return client.DownloadAndApply(ctx, m)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(pol.Backoff(), attempts-1), ctx))
}

func renderProgress(client *update.Client, stop <-chan struct{}) {
	var bar *pb.ProgressBar

	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()

	for {
		select {
		case <-stop:
			if bar != nil {
				bar.Finish()
			}
			return
		case <-t.C:
			p, ok := client.Progress()
			if !ok || p.TotalBytes == 0 {
				continue
			}
			if bar == nil {
				bar = pb.Full.Start64(int64(p.TotalBytes))
			}
			bar.SetCurrent(int64(p.CompletedBytes))
		}
	}
}

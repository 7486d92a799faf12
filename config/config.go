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

// Package config manages the persisted device configuration record.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/solari-dev/genesis-ota/api"
)

var (
	ErrInvalidURL   = errors.New("invalid server URL")
	ErrMissingField = errors.New("missing configuration field")

	// ErrInvalidVersion is what LoadManager reports for an unparseable
	// current_version field.
	ErrInvalidVersion = api.ErrInvalidVersion
)

// RetryPolicy describes how an external driving loop should space update
// attempts. The update pipeline itself never retries; it exposes one
// failure value per attempt and leaves attempt counting and backoff to
// the caller.
type RetryPolicy struct {
	MaxAttempts       uint8   `yaml:"max_attempts"`
	InitialDelayMS    uint32  `yaml:"initial_delay_ms"`
	MaxDelayMS        uint32  `yaml:"max_delay_ms"`
	BackoffMultiplier float32 `yaml:"backoff_multiplier"`
}

// DefaultRetryPolicy matches the factory provisioning defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelayMS:    1000,
		MaxDelayMS:        30000,
		BackoffMultiplier: 2.0,
	}
}

// Backoff returns an exponential backoff configured from the policy,
// producing delay = min(max_delay, initial_delay * multiplier^attempt).
// MaxAttempts is not encoded here; callers cap attempts themselves.
func (r RetryPolicy) Backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(r.InitialDelayMS) * time.Millisecond
	b.MaxInterval = time.Duration(r.MaxDelayMS) * time.Millisecond
	b.Multiplier = float64(r.BackoffMultiplier)
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Config is the device configuration record. Load and save are
// whole-record operations; atomicity of the underlying persistence is the
// storage collaborator's concern.
type Config struct {
	ServerURL            string
	CurrentVersion       api.Version
	DeviceID             string
	CheckIntervalSeconds uint32
	Retry                RetryPolicy
	AutoUpdate           bool
}

// NewConfig returns a configuration with provisioning defaults for the
// given update server.
func NewConfig(serverURL string) Config {
	return Config{
		ServerURL:            serverURL,
		CurrentVersion:       api.NewVersion(0, 1, 0, 0),
		DeviceID:             "unknown",
		CheckIntervalSeconds: 3600,
		Retry:                DefaultRetryPolicy(),
	}
}

// Validate checks the record for use by the update pipeline.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url: %w", ErrMissingField)
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server_url %q: %w", c.ServerURL, ErrInvalidURL)
	}
	if c.DeviceID == "" {
		return fmt.Errorf("device_id: %w", ErrMissingField)
	}
	return nil
}

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

package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/solari-dev/genesis-ota/api"
)

// Store persists an opaque configuration record. Both operations are
// whole-record; durability and atomicity belong to the implementation.
type Store interface {
	Load() ([]byte, error)
	Save([]byte) error
}

// record is the on-storage YAML shape of Config.
type record struct {
	ServerURL            string      `yaml:"server_url"`
	CurrentVersion       string      `yaml:"current_version"`
	DeviceID             string      `yaml:"device_id"`
	CheckIntervalSeconds uint32      `yaml:"check_interval_seconds"`
	Retry                RetryPolicy `yaml:"retry"`
	AutoUpdate           bool        `yaml:"auto_update"`
}

// Manager caches the configuration record in memory and writes it back
// through a Store.
type Manager struct {
	mu    sync.RWMutex
	store Store
	cfg   Config
}

// NewManager returns a manager holding the given configuration, unsaved.
func NewManager(store Store, cfg Config) *Manager {
	return &Manager{store: store, cfg: cfg}
}

// LoadManager reads and validates the record held by store.
func LoadManager(store Store) (*Manager, error) {
	raw, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %v", err)
	}
	var r record
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %v", err)
	}
	cur, err := api.ParseVersion(r.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("current_version: %w", err)
	}
	cfg := Config{
		ServerURL:            r.ServerURL,
		CurrentVersion:       cur,
		DeviceID:             r.DeviceID,
		CheckIntervalSeconds: r.CheckIntervalSeconds,
		Retry:                r.Retry,
		AutoUpdate:           r.AutoUpdate,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{store: store, cfg: cfg}, nil
}

// Config returns a copy of the current configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Save writes the whole record back to the store.
func (m *Manager) Save() error {
	m.mu.RLock()
	r := record{
		ServerURL:            m.cfg.ServerURL,
		CurrentVersion:       m.cfg.CurrentVersion.String(),
		DeviceID:             m.cfg.DeviceID,
		CheckIntervalSeconds: m.cfg.CheckIntervalSeconds,
		Retry:                m.cfg.Retry,
		AutoUpdate:           m.cfg.AutoUpdate,
	}
	m.mu.RUnlock()

	raw, err := yaml.Marshal(&r)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %v", err)
	}
	if err := m.store.Save(raw); err != nil {
		return fmt.Errorf("failed to save configuration: %v", err)
	}
	return nil
}

// SetCurrentVersion updates the persisted current firmware version. This
// is called exactly once per successful update attempt, at finalization.
func (m *Manager) SetCurrentVersion(v api.Version) error {
	m.mu.Lock()
	old := m.cfg.CurrentVersion
	m.cfg.CurrentVersion = v
	m.mu.Unlock()

	if err := m.Save(); err != nil {
		m.mu.Lock()
		m.cfg.CurrentVersion = old
		m.mu.Unlock()
		return err
	}
	klog.Infof("Persisted current version %s (was %s)", v, old)
	return nil
}

// FileStore persists the record as a file. Rename-based atomicity (or
// better) is expected from the hosting filesystem.
type FileStore struct {
	Path string
}

// Load reads the whole record.
func (f FileStore) Load() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Save replaces the whole record.
func (f FileStore) Save(raw []byte) error {
	return os.WriteFile(f.Path, raw, 0o600)
}

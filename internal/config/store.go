// Copyright 2025 Tom Barlow
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
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultPath returns the standard location of the configuration file:
// ~/.config/concierge/servers.yaml
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, "concierge", "servers.yaml"), nil
}

// Store loads and saves the configuration file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store over the given path. An empty path uses
// DefaultPath.
func NewStore(path string) (*Store, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return &Store{path: path}, nil
}

// Path returns the configuration file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the configuration from disk. A missing file yields an empty,
// valid configuration with defaults applied.
func (s *Store) Load() (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*File, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{Defaults: DefaultDefaults()}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&f.Defaults)

	if err := Validate(&f); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &f, nil
}

// Save validates and writes the configuration to disk atomically.
func (s *Store) Save(f *File) error {
	if err := Validate(f); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(f)
}

func (s *Store) saveLocked(f *File) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to temp file first, then rename (atomic operation).
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config file: %w", err)
	}

	return nil
}

// Add appends a new server entry and saves.
func (s *Store) Add(cfg *ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.loadLocked()
	if err != nil {
		return err
	}

	if f.Find(cfg.ID) != nil {
		return fmt.Errorf("server id %q already exists", cfg.ID)
	}
	if f.FindByName(cfg.Name) != nil {
		return fmt.Errorf("server named %q already exists", cfg.Name)
	}
	if err := ValidateServer(cfg); err != nil {
		return err
	}

	f.Servers = append(f.Servers, cfg)
	return s.saveLocked(f)
}

// Update replaces an existing server entry and saves. The id is immutable:
// the replacement must carry the same id as the entry it replaces.
func (s *Store) Update(cfg *ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.loadLocked()
	if err != nil {
		return err
	}

	if err := ValidateServer(cfg); err != nil {
		return err
	}

	for i, existing := range f.Servers {
		if existing.ID == cfg.ID {
			f.Servers[i] = cfg
			return s.saveLocked(f)
		}
	}
	return fmt.Errorf("server id %q not found", cfg.ID)
}

// Remove deletes a server entry by id and saves.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.loadLocked()
	if err != nil {
		return err
	}

	for i, existing := range f.Servers {
		if existing.ID == id {
			f.Servers = append(f.Servers[:i], f.Servers[i+1:]...)
			return s.saveLocked(f)
		}
	}
	return fmt.Errorf("server id %q not found", id)
}

func applyDefaults(d *Defaults) {
	def := DefaultDefaults()
	if d.TimeoutSeconds == 0 {
		d.TimeoutSeconds = def.TimeoutSeconds
	}
	if d.MaxRestartAttempts == 0 {
		d.MaxRestartAttempts = def.MaxRestartAttempts
	}
	if d.IdleTimeoutMinutes == 0 {
		d.IdleTimeoutMinutes = def.IdleTimeoutMinutes
	}
	if d.HealthIntervalSeconds == 0 {
		d.HealthIntervalSeconds = def.HealthIntervalSeconds
	}
}

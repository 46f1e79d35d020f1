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

package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	// oauthRecordName is the reserved variable name for an instance's
	// delegated-authorization token record.
	oauthRecordName = "__oauth__"

	// indexSuffix is the reserved key suffix for the per-instance name
	// index. Backends without enumeration (the keychain) need it for
	// delete-cascade by instance id alone.
	indexSuffix = "__index__"
)

// Store is the credential store facade. It keys secrets by
// (instance id, variable name) and delegates persistence to the
// highest-priority available backend.
//
// The Store is the only component that writes credential material; every
// other package reads through it. Secret values never appear in error
// messages or log output.
type Store struct {
	backends []Backend
	mu       sync.Mutex // serializes index updates
}

// NewStore creates a store over the given backends, ordered by priority.
func NewStore(backends ...Backend) *Store {
	sorted := make([]Backend, len(backends))
	copy(sorted, backends)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Store{backends: sorted}
}

// DefaultStore builds a store with the standard backend set: the system
// keychain when available, falling back to the encrypted file backend.
func DefaultStore(filePath string) (*Store, error) {
	fileBackend, err := NewFileBackend(filePath)
	if err != nil {
		return nil, err
	}
	return NewStore(NewKeychainBackend(), fileBackend), nil
}

// Key returns the backend key for an (instance id, variable name) pair.
func Key(instanceID, name string) string {
	return instanceID + "/" + name
}

func (s *Store) backend() (Backend, error) {
	for _, b := range s.backends {
		if b.Available() {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: no credential backend available", ErrBackendUnavailable)
}

// Set stores a secret for an instance. The value is sanitized before
// storage (trimmed, line breaks stripped).
func (s *Store) Set(ctx context.Context, instanceID, name, value string) error {
	b, err := s.backend()
	if err != nil {
		return err
	}

	if err := b.Set(ctx, Key(instanceID, name), Sanitize(value)); err != nil {
		return err
	}

	return s.indexAdd(ctx, b, instanceID, name)
}

// Get retrieves a secret for an instance. Returns ErrSecretNotFound if absent.
func (s *Store) Get(ctx context.Context, instanceID, name string) (string, error) {
	b, err := s.backend()
	if err != nil {
		return "", err
	}
	return b.Get(ctx, Key(instanceID, name))
}

// Delete removes a secret for an instance.
func (s *Store) Delete(ctx context.Context, instanceID, name string) error {
	b, err := s.backend()
	if err != nil {
		return err
	}

	if err := b.Delete(ctx, Key(instanceID, name)); err != nil {
		return err
	}

	return s.indexRemove(ctx, b, instanceID, name)
}

// List returns the variable names stored for an instance.
func (s *Store) List(ctx context.Context, instanceID string) ([]string, error) {
	b, err := s.backend()
	if err != nil {
		return nil, err
	}
	return s.indexRead(ctx, b, instanceID)
}

// SetToken persists a delegated-authorization token record for an instance,
// replacing any previous record.
func (s *Store) SetToken(ctx context.Context, instanceID string, rec TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}

	b, berr := s.backend()
	if berr != nil {
		return berr
	}

	if err := b.Set(ctx, Key(instanceID, oauthRecordName), string(data)); err != nil {
		return err
	}

	return s.indexAdd(ctx, b, instanceID, oauthRecordName)
}

// GetToken retrieves the delegated-authorization token record for an instance.
func (s *Store) GetToken(ctx context.Context, instanceID string) (TokenRecord, error) {
	b, err := s.backend()
	if err != nil {
		return TokenRecord{}, err
	}

	data, err := b.Get(ctx, Key(instanceID, oauthRecordName))
	if err != nil {
		return TokenRecord{}, err
	}

	var rec TokenRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return TokenRecord{}, fmt.Errorf("corrupt token record for instance %s: %w", instanceID, err)
	}

	return rec, nil
}

// DeleteToken removes the delegated-authorization record for an instance.
func (s *Store) DeleteToken(ctx context.Context, instanceID string) error {
	b, err := s.backend()
	if err != nil {
		return err
	}

	if err := b.Delete(ctx, Key(instanceID, oauthRecordName)); err != nil {
		return err
	}

	return s.indexRemove(ctx, b, instanceID, oauthRecordName)
}

// PurgeInstance removes every credential stored for an instance id.
// Called when a server configuration is deleted.
func (s *Store) PurgeInstance(ctx context.Context, instanceID string) error {
	b, err := s.backend()
	if err != nil {
		return err
	}

	names, err := s.indexRead(ctx, b, instanceID)
	if err != nil {
		return err
	}

	// Backends with native enumeration may know about keys missing from
	// the index (e.g., written by an older version).
	if all, err := b.List(ctx); err == nil {
		prefix := instanceID + "/"
		for _, key := range all {
			if name, ok := strings.CutPrefix(key, prefix); ok && name != indexSuffix {
				names = appendUnique(names, name)
			}
		}
	}

	var firstErr error
	for _, name := range names {
		if err := b.Delete(ctx, Key(instanceID, name)); err != nil && !errors.Is(err, ErrSecretNotFound) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := b.Delete(ctx, Key(instanceID, indexSuffix)); err != nil && !errors.Is(err, ErrSecretNotFound) {
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (s *Store) indexRead(ctx context.Context, b Backend, instanceID string) ([]string, error) {
	data, err := b.Get(ctx, Key(instanceID, indexSuffix))
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	if err := json.Unmarshal([]byte(data), &names); err != nil {
		return nil, fmt.Errorf("corrupt credential index for instance %s: %w", instanceID, err)
	}
	return names, nil
}

func (s *Store) indexWrite(ctx context.Context, b Backend, instanceID string, names []string) error {
	if len(names) == 0 {
		err := b.Delete(ctx, Key(instanceID, indexSuffix))
		if errors.Is(err, ErrSecretNotFound) {
			return nil
		}
		return err
	}

	data, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return b.Set(ctx, Key(instanceID, indexSuffix), string(data))
}

func (s *Store) indexAdd(ctx context.Context, b Backend, instanceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.indexRead(ctx, b, instanceID)
	if err != nil {
		return err
	}

	updated := appendUnique(names, name)
	if len(updated) == len(names) {
		return nil
	}
	return s.indexWrite(ctx, b, instanceID, updated)
}

func (s *Store) indexRemove(ctx context.Context, b Backend, instanceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.indexRead(ctx, b, instanceID)
	if err != nil {
		return err
	}

	filtered := names[:0]
	for _, n := range names {
		if n != name {
			filtered = append(filtered, n)
		}
	}
	return s.indexWrite(ctx, b, instanceID, filtered)
}

func appendUnique(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append(names, name)
}

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

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tombee/concierge/internal/config"
	"github.com/tombee/concierge/internal/credential"
	"github.com/tombee/concierge/internal/log"
	"github.com/tombee/concierge/internal/oauth"
	"github.com/tombee/concierge/internal/toolserver"
)

// app bundles the wired subsystems a command needs. Commands build one
// lazily so that flag parsing errors never touch the filesystem.
type app struct {
	logger  *slog.Logger
	configs *config.Store
	creds   *credential.Store
	manager *toolserver.Manager
	router  *toolserver.Router
}

// credentialFilePath returns the encrypted fallback file location:
// ~/.config/concierge/credentials.enc
func credentialFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, "concierge", "credentials.enc"), nil
}

// newApp wires the configuration store, credential store, token-refresh
// credential source, and the server manager.
func newApp(configPath string) (*app, error) {
	logger := log.New(log.FromEnv())

	configs, err := config.NewStore(configPath)
	if err != nil {
		return nil, err
	}

	credPath, err := credentialFilePath()
	if err != nil {
		return nil, err
	}
	creds, err := credential.DefaultStore(credPath)
	if err != nil {
		return nil, err
	}

	manager, err := toolserver.NewManager(toolserver.ManagerOptions{
		ConfigStore:     configs,
		Credentials:     oauth.NewSource(creds, logger),
		CredentialStore: creds,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		logger:  logger,
		configs: configs,
		creds:   creds,
		manager: manager,
		router:  toolserver.NewRouter(manager),
	}, nil
}

// Close shuts down every running server.
func (a *app) Close() {
	a.manager.Shutdown()
}

// findServer resolves a server by id or display name.
func (a *app) findServer(idOrName string) (*config.ServerConfig, error) {
	cfg := a.manager.Find(idOrName)
	if cfg == nil {
		return nil, toolserver.ErrServerNotFound(idOrName)
	}
	return cfg, nil
}

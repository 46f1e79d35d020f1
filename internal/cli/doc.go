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

/*
Package cli provides the Cobra command tree for the concierge binary.

The CLI is organized as:

	concierge
	├── server
	│   ├── add         Register a new tool server
	│   ├── list        List configured servers with their state
	│   ├── status      Show detailed status of a server
	│   ├── enable      Enable a disabled server
	│   ├── disable     Disable a server
	│   ├── start       Start a server now
	│   ├── stop        Stop a running server
	│   ├── remove      Remove a server and its credentials
	│   ├── logs        View captured stderr output
	│   ├── test        Start a server and verify it responds
	│   └── secret      Manage stored secrets
	├── tools           List tools available to the assistant
	├── call            Call a tool and print the result
	├── search          Search catalogs for installable servers
	└── auth            Connect a server account via the browser

Each command wires the configuration store, credential store, and server
manager directly; there is no long-running daemon.
*/
package cli

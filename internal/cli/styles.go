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
	"github.com/charmbracelet/lipgloss"

	"github.com/tombee/concierge/internal/toolserver"
)

// CLI style colors using lipgloss
var (
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	styleMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	styleBold  = lipgloss.NewStyle().Bold(true)
)

// Symbols for status indicators
const (
	symbolOK    = "✓"
	symbolError = "✗"
)

func renderOK(msg string) string {
	return styleOK.Render(symbolOK) + " " + msg
}

func renderError(msg string) string {
	return styleError.Render(symbolError) + " " + msg
}

// renderState colors a lifecycle state for table output.
func renderState(s toolserver.State) string {
	switch s {
	case toolserver.StateRunning:
		return styleOK.Render(string(s))
	case toolserver.StateStarting:
		return styleWarn.Render(string(s))
	case toolserver.StateError:
		return styleError.Render(string(s))
	case toolserver.StateStopped:
		return styleMuted.Render(string(s))
	default:
		return string(s)
	}
}

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

// Package prompt provides interactive terminal input for commands that
// collect server settings. A mock implementation backs the tests.
package prompt

import "fmt"

// Prompter collects interactive input from the user.
type Prompter interface {
	// String collects a free-form string.
	String(message, def string) (string, error)

	// Select presents options and collects the user's choice.
	Select(message string, options []string, def string) (string, error)

	// Confirm asks a yes/no question.
	Confirm(message string, def bool) (bool, error)
}

// Mock replays canned answers in order. Answers for Confirm are the
// strings "y" and "n".
type Mock struct {
	Answers []string
	next    int
}

func (m *Mock) take() (string, error) {
	if m.next >= len(m.Answers) {
		return "", fmt.Errorf("no answer scripted for prompt %d", m.next)
	}
	a := m.Answers[m.next]
	m.next++
	return a, nil
}

func (m *Mock) String(message, def string) (string, error) {
	a, err := m.take()
	if err != nil {
		return "", err
	}
	if a == "" {
		return def, nil
	}
	return a, nil
}

func (m *Mock) Select(message string, options []string, def string) (string, error) {
	return m.String(message, def)
}

func (m *Mock) Confirm(message string, def bool) (bool, error) {
	a, err := m.take()
	if err != nil {
		return false, err
	}
	return a == "y", nil
}

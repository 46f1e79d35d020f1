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

package prompt

import (
	"github.com/AlecAivazis/survey/v2"
)

// SurveyPrompter implements Prompter with interactive terminal prompts.
type SurveyPrompter struct{}

// NewSurveyPrompter creates a survey-based prompter.
func NewSurveyPrompter() *SurveyPrompter {
	return &SurveyPrompter{}
}

// String collects a free-form string using survey.Input.
func (sp *SurveyPrompter) String(message, def string) (string, error) {
	var result string
	err := survey.AskOne(&survey.Input{Message: message, Default: def}, &result)
	return result, err
}

// Select presents options using survey.Select.
func (sp *SurveyPrompter) Select(message string, options []string, def string) (string, error) {
	var result string
	p := &survey.Select{Message: message, Options: options}
	if def != "" {
		p.Default = def
	}
	err := survey.AskOne(p, &result)
	return result, err
}

// Confirm asks a yes/no question using survey.Confirm.
func (sp *SurveyPrompter) Confirm(message string, def bool) (bool, error) {
	var result bool
	err := survey.AskOne(&survey.Confirm{Message: message, Default: def}, &result)
	return result, err
}

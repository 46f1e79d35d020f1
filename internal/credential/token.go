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

import "time"

// TokenRecord holds a delegated-authorization token pair for an instance.
// A record with a nil Expiry never expires.
type TokenRecord struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	Expiry       *time.Time `json:"expiry,omitempty"`
	Scope        string     `json:"scope,omitempty"`

	// Identity is a human-readable label for the authorized account
	// (e.g., an email address), shown in status output.
	Identity string `json:"identity,omitempty"`
}

// Expired reports whether the token must be refreshed before use.
func (r TokenRecord) Expired(now time.Time) bool {
	if r.Expiry == nil {
		return false
	}
	return !now.Before(*r.Expiry)
}

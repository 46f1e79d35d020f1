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
	"fmt"
	"os"
	"strings"
)

// ReadKeyFile reads a secret from a key file on disk.
// Trailing whitespace and newlines are trimmed; editors and `echo` both love
// to append them. I/O errors are mapped to the package sentinels so callers
// can distinguish a missing file from a permissions problem without string
// matching. The file content is never included in any returned error.
func ReadKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return "", fmt.Errorf("%w: key file %s", ErrSecretNotFound, path)
		case os.IsPermission(err):
			return "", fmt.Errorf("%w: key file %s", ErrPermissionDenied, path)
		}
		return "", fmt.Errorf("reading key file %s: %w", path, err)
	}

	return strings.TrimRight(string(data), " \t\r\n"), nil
}

package credential

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadKeyFile_TrimsTrailing(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"trailing newline", "sk-123\n", "sk-123"},
		{"crlf", "sk-123\r\n", "sk-123"},
		{"trailing spaces and tabs", "sk-123 \t ", "sk-123"},
		{"multiple newlines", "sk-123\n\n\n", "sk-123"},
		{"clean value", "sk-123", "sk-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "key")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			got, err := ReadKeyFile(path)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestReadKeyFile_NotFound(t *testing.T) {
	_, err := ReadKeyFile(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, ErrSecretNotFound)
}

func TestReadKeyFile_PermissionDenied(t *testing.T) {
	if runtime.GOOS == "windows" || os.Getuid() == 0 {
		t.Skip("permission bits not enforced")
	}

	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("secret"), 0000))

	_, err := ReadKeyFile(path)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  value  ", "value"},
		{"va\rlue", "value"},
		{"va\nlue", "value"},
		{"va\r\nlue\n", "value"},
		{"value", "value"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, Sanitize(tt.in))
	}
}

// Package format renders tool results for the terminal with TTY detection.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// Tool results can be large; anything bigger is printed raw.
const maxRenderSize = 10 * 1024 * 1024

// ansiEscapeRegex matches ANSI escape sequences for sanitization.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// sanitizeANSI strips escape sequences a tool may have smuggled into
// its output before our own styling is applied.
func sanitizeANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// IsTTY determines if output should use terminal formatting.
// Returns false if stdout is piped, NO_COLOR is set, or TERM is "dumb" or empty.
func IsTTY() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	termEnv := os.Getenv("TERM")
	if termEnv == "dumb" || termEnv == "" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// JSON pretty-prints a JSON document with 2-space indentation and
// syntax highlighting when stdout is a TTY.
func JSON(content string, isTTY bool) (string, error) {
	if len(content) > maxRenderSize {
		return content, nil
	}

	var obj interface{}
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	formatted, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format JSON: %w", err)
	}

	if !isTTY {
		return string(formatted), nil
	}

	var buf bytes.Buffer
	if err := quick.Highlight(&buf, string(formatted), "json", "terminal256", "monokai"); err != nil {
		// Unhighlighted output is still correct output.
		return string(formatted), nil
	}
	return buf.String(), nil
}

// Markdown renders markdown with ANSI formatting if stdout is a TTY.
// Falls back to plain text if rendering fails or stdout is not a TTY.
func Markdown(content string, isTTY bool) (string, error) {
	if !isTTY || len(content) > maxRenderSize {
		return content, nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return content, nil
	}

	rendered, err := renderer.Render(sanitizeANSI(content))
	if err != nil {
		return content, nil
	}
	return rendered, nil
}

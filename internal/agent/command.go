// Package agent maps the closed set of supported coding agents to their
// non-interactive command invocations.
package agent

import (
	"fmt"
	"os"
	"strings"
)

// Supported agent kinds. The set is closed: dispatch validation and thread
// binding both key on these exact names.
const (
	KindCodex  = "codex"
	KindClaude = "claude"
	KindGemini = "gemini"
)

// Kinds returns the supported agent kinds in a stable order.
func Kinds() []string {
	return []string{KindCodex, KindClaude, KindGemini}
}

// ValidKind reports whether kind names a supported agent.
func ValidKind(kind string) bool {
	switch kind {
	case KindCodex, KindClaude, KindGemini:
		return true
	}
	return false
}

// Command returns the argv for running an agent headless on a single prompt.
// Each invocation bypasses interactive permission prompts and runs to
// completion writing to stdout/stderr.
func Command(kind, prompt string) ([]string, error) {
	switch kind {
	case KindCodex:
		return []string{"codex", "exec", "--skip-git-repo-check", prompt}, nil
	case KindClaude:
		return []string{"claude", "-p", "--dangerously-skip-permissions", prompt}, nil
	case KindGemini:
		return []string{"gemini", "--yolo", "-p", prompt}, nil
	default:
		return nil, fmt.Errorf("unknown agent: %s (must be one of: %s)", kind, strings.Join(Kinds(), ", "))
	}
}

// Env returns the child environment: the parent's plus a disable-color marker.
func Env() []string {
	env := os.Environ()
	env = append(env, "NO_COLOR=1")
	return env
}

// Package auth implements request authentication: timestamp-bound HMAC over
// the canonical JSON body for signed routes, and GitHub-style HMAC over raw
// bytes for the webhook route.
package auth

import (
	"os"
	"strings"
)

// SecretSource resolves a shared secret from an environment variable first,
// then a file. Resolution happens on every call so rotating either source
// takes effect without a restart.
type SecretSource struct {
	Env  string
	File string
}

// Load returns the trimmed secret bytes, or nil when neither source yields one.
func (s SecretSource) Load() []byte {
	if v := strings.TrimSpace(os.Getenv(s.Env)); v != "" {
		return []byte(v)
	}
	if s.File != "" {
		if b, err := os.ReadFile(s.File); err == nil {
			if v := strings.TrimSpace(string(b)); v != "" {
				return []byte(v)
			}
		}
	}
	return nil
}

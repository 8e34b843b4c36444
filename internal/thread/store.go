package thread

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// maxLineBytes bounds a single JSONL line on load. Agent output is capped
// well below this by the task supervisor.
const maxLineBytes = 4 << 20

// Store owns the thread files. One process-wide mutex serializes appends
// across all threads; the critical section is a single open/write/close and
// never spans subprocess execution.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir. The directory is created lazily on
// first append.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the threads directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path resolves the file for a thread id, rejecting any id whose resolved
// path is not a direct child of the threads directory.
func (s *Store) Path(threadID string) (string, error) {
	if err := ValidateID(threadID); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, threadID+".jsonl")
	if filepath.Dir(path) != filepath.Clean(s.dir) {
		return "", fmt.Errorf("thread path escapes store directory")
	}
	return path, nil
}

// Exists reports whether the thread file is present. Callers use this to
// distinguish a missing thread from an empty one.
func (s *Store) Exists(threadID string) bool {
	path, err := s.Path(threadID)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Load reads all entries for a thread. An absent file yields an empty slice,
// as do OS errors; lines that fail to parse are skipped.
func (s *Store) Load(threadID string) []Entry {
	path, err := s.Path(threadID)
	if err != nil {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// Append writes one compact JSON line for the entry, creating the directory
// on demand.
func (s *Store) Append(threadID string, e Entry) error {
	path, err := s.Path(threadID)
	if err != nil {
		return err
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode thread entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create threads directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open thread file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append thread entry: %w", err)
	}
	return nil
}

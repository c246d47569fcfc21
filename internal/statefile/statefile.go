// Package statefile owns the bot's durable JSON state files: the session
// store, active-stream records, restart-notification records, and the
// known-good revision pointer. All mutation is full read-modify-write
// behind a per-store mutex, persisted with write-temp-then-rename so a
// crash mid-write never leaves a torn file.
package statefile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Key identifies one logical conversation: chat, thread, principal.
type Key struct {
	ChatID      int64
	ThreadID    int64
	PrincipalID int64
}

// String renders the key in its on-disk form: "chat:thread:principal".
func (k Key) String() string {
	return fmt.Sprintf("%d:%d:%d", k.ChatID, k.ThreadID, k.PrincipalID)
}

// ParseKey parses the on-disk "chat:thread:principal" form.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("invalid session key %q", s)
	}
	var vals [3]int64
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return Key{}, fmt.Errorf("invalid session key %q: %w", s, err)
		}
		vals[i] = v
	}
	return Key{ChatID: vals[0], ThreadID: vals[1], PrincipalID: vals[2]}, nil
}

// writeAtomic persists data via write-temp-then-rename in the target's
// directory, so readers observe either the old or the new content.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

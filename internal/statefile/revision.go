package statefile

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Revision is the known-good revision pointer: the last source revision
// verified to pass tests and start successfully. Mutated only by the
// restart procedure after both gates pass.
type Revision struct {
	mu   sync.Mutex
	path string
}

func NewRevision(path string) *Revision {
	return &Revision{path: path}
}

// Get returns the stored revision, or "" if none has been recorded yet.
func (r *Revision) Get() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read known-good revision: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Set records a new known-good revision.
func (r *Revision) Set(rev string) error {
	rev = strings.TrimSpace(rev)
	if rev == "" {
		return fmt.Errorf("empty revision")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return writeAtomic(r.path, []byte(rev+"\n"))
}

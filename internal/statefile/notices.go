package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Notice records a delivered restart notification so the follow-up
// outcome edit can find the original message.
type Notice struct {
	ChatID    int64 `json:"chat_id"`
	ThreadID  int64 `json:"thread_id"`
	MessageID int   `json:"message_id"`
}

// Notices is the file-backed restart-notification list.
type Notices struct {
	mu   sync.Mutex
	path string
}

func NewNotices(path string) *Notices {
	return &Notices{path: path}
}

func (n *Notices) load() ([]Notice, error) {
	data, err := os.ReadFile(n.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read restart notices: %w", err)
	}
	var out []Notice
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse restart notices: %w", err)
	}
	return out, nil
}

// Append merges a new notice with any already recorded.
func (n *Notices) Append(notice Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	list, err := n.load()
	if err != nil {
		return err
	}
	list = append(list, notice)
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal restart notices: %w", err)
	}
	return writeAtomic(n.path, data)
}

// Drain returns all recorded notices and deletes the file; notices are
// consumed exactly once, by the outcome edit.
func (n *Notices) Drain() ([]Notice, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list, err := n.load()
	if err != nil {
		return nil, err
	}
	if err := os.Remove(n.path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove restart notices file: %w", err)
	}
	return list, nil
}

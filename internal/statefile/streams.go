package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// StreamRecord marks a session with an in-flight agent call. It exists
// only so the watchdog can notify the right conversations if the service
// dies mid-call; it is rebuilt from scratch each process start.
type StreamRecord struct {
	ChatID      int64     `json:"chat_id"`
	ThreadID    int64     `json:"thread_id"`
	PrincipalID int64     `json:"principal_id"`
	StartedAt   time.Time `json:"started_at"`
}

// Streams is the file-backed active-stream map.
type Streams struct {
	mu   sync.Mutex
	path string
}

func NewStreams(path string) *Streams {
	return &Streams{path: path}
}

func (s *Streams) load() (map[string]StreamRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]StreamRecord{}, nil
		}
		return nil, fmt.Errorf("read active streams: %w", err)
	}
	out := map[string]StreamRecord{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse active streams: %w", err)
	}
	return out, nil
}

// Add registers a stream start. Survives crashes because it is on disk.
func (s *Streams) Add(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	m[key.String()] = StreamRecord{
		ChatID:      key.ChatID,
		ThreadID:    key.ThreadID,
		PrincipalID: key.PrincipalID,
		StartedAt:   time.Now().UTC(),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal active streams: %w", err)
	}
	return writeAtomic(s.path, data)
}

// Remove drops a completed stream. The file is deleted once empty so a
// clean shutdown leaves nothing behind.
func (s *Streams) Remove(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := m[key.String()]; !ok {
		return nil
	}
	delete(m, key.String())
	if len(m) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove active streams file: %w", err)
		}
		return nil
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal active streams: %w", err)
	}
	return writeAtomic(s.path, data)
}

// All returns a snapshot of the active-stream map.
func (s *Streams) All() (map[string]StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Drain returns the current records and deletes the file. Used at
// process start to pick up streams interrupted by a crash.
func (s *Streams) Drain() (map[string]StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return nil, err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove active streams file: %w", err)
	}
	return m, nil
}

package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// SessionRecord maps a session key to the external agent session id.
// SessionID is empty until the first successful agent invocation.
type SessionRecord struct {
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sessions is the durable session store. Callers never touch the file
// directly; every mutation goes through read-modify-write under the lock.
type Sessions struct {
	mu   sync.Mutex
	path string
}

func NewSessions(path string) *Sessions {
	return &Sessions{path: path}
}

func (s *Sessions) load() (map[string]SessionRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]SessionRecord{}, nil
		}
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	out := map[string]SessionRecord{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse sessions: %w", err)
	}
	return out, nil
}

func (s *Sessions) save(m map[string]SessionRecord) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	return writeAtomic(s.path, data)
}

// Get returns the record for a key, reporting whether it exists.
func (s *Sessions) Get(key Key) (SessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return SessionRecord{}, false, err
	}
	rec, ok := m[key.String()]
	return rec, ok, nil
}

// Set stores the external session id for a key and bumps its timestamp.
func (s *Sessions) Set(key Key, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	m[key.String()] = SessionRecord{SessionID: sessionID, UpdatedAt: time.Now().UTC()}
	return s.save(m)
}

// Clear removes the record for a key. Clearing an absent key is a no-op.
func (s *Sessions) Clear(key Key) error {
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
	return s.save(m)
}

// All returns a snapshot of every stored session record.
func (s *Sessions) All() (map[string]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Prune removes records whose UpdatedAt is older than the cutoff and
// returns how many were removed.
func (s *Sessions) Prune(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return 0, err
	}
	removed := 0
	for k, rec := range m {
		if rec.UpdatedAt.Before(cutoff) {
			delete(m, k)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.save(m)
}

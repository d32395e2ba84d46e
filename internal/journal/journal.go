// Package journal records the intents the authority has applied to each
// session. It is an inspection aid: the scene itself is never rebuilt from
// the journal.
package journal

import (
	"sort"
	"sync"
	"time"
)

// Entry describes one applied intent.
type Entry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Kind      string    `json:"kind"`
	UserID    string    `json:"user_id,omitempty"`
	ObjectID  string    `json:"object_id,omitempty"`
	At        time.Time `json:"at"`
}

// Store is the interface for journal backends. Entries are ordered by Seq
// regardless of the order Append is called in.
type Store interface {
	Append(e *Entry)
	Recent(sessionID string, n int) []*Entry
	After(sessionID string, seq uint64) []*Entry
	DeleteSession(sessionID string)
	Count(sessionID string) int
}

// MemoryStore keeps the most recent entries per session in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]*Entry
	maxSize  int
}

// NewMemoryStore creates a journal that retains up to maxSize entries per session.
func NewMemoryStore(maxSize int) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]*Entry),
		maxSize:  maxSize,
	}
}

// Append inserts an entry at its sequence position, trimming the oldest
// entries beyond maxSize.
func (s *MemoryStore) Append(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.sessions[e.SessionID]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Seq > e.Seq })
	entries = append(entries, nil)
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	if len(entries) > s.maxSize {
		entries = entries[len(entries)-s.maxSize:]
	}
	s.sessions[e.SessionID] = entries
}

// Recent returns the last n entries for a session, oldest first.
func (s *MemoryStore) Recent(sessionID string, n int) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.sessions[sessionID]
	if n <= 0 || len(entries) == 0 {
		return nil
	}
	if n > len(entries) {
		n = len(entries)
	}
	result := make([]*Entry, n)
	copy(result, entries[len(entries)-n:])
	return result
}

// After returns all retained entries with a sequence number above seq.
func (s *MemoryStore) After(sessionID string, seq uint64) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.sessions[sessionID]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Seq > seq })
	if i == len(entries) {
		return nil
	}
	result := make([]*Entry, len(entries)-i)
	copy(result, entries[i:])
	return result
}

// DeleteSession removes all entries for a session.
func (s *MemoryStore) DeleteSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Count returns the number of retained entries for a session.
func (s *MemoryStore) Count(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[sessionID])
}

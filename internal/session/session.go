// Package session holds the authoritative, in-memory state of every editing
// session: its member set and its object map.
//
// All mutations of one session are serialized through that session's lock,
// so a session behaves as a single sequential actor. Different sessions
// never contend with each other beyond the short registry lookup.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/christopherjohns/scenesphere/internal/scene"
	"github.com/google/uuid"
)

// Session is one collaborative editing context.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	members    []string
	objects    map[string]*scene.Object
	seq        uint64
	lastActive time.Time
	deleted    bool
}

// Snapshot is the full state of a session at one point in time.
type Snapshot struct {
	SessionID string          `json:"session_id"`
	Users     []string        `json:"users"`
	Objects   []*scene.Object `json:"objects"`
}

// Summary is a lightweight view of a session for listings.
type Summary struct {
	ID         string    `json:"id"`
	Members    int       `json:"members"`
	Objects    int       `json:"objects"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Summary returns counts and timestamps for the session.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:         s.ID,
		Members:    len(s.members),
		Objects:    len(s.objects),
		CreatedAt:  s.CreatedAt,
		LastActive: s.lastActive,
	}
}

// Store is the registry of live sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	maxMembers int
	idleTTL    time.Duration
	now        func() time.Time
	onEvict    func(id string)
}

// Option configures a Store.
type Option func(*Store)

// WithMaxMembers caps the member set of every session. 0 means unlimited.
func WithMaxMembers(n int) Option {
	return func(s *Store) {
		s.maxMembers = n
	}
}

// WithIdleTTL sets how long an empty session survives without activity
// before Sweep removes it. 0 disables expiry.
func WithIdleTTL(d time.Duration) Option {
	return func(s *Store) {
		s.idleTTL = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithEvictHook registers fn to be called with the ID of every session
// removed by Sweep.
func WithEvictHook(fn func(id string)) Option {
	return func(s *Store) {
		s.onEvict = fn
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create allocates a new empty session and returns its ID.
func (s *Store) Create() string {
	now := s.now()
	sess := &Session{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		objects:    make(map[string]*scene.Object),
		lastActive: now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess.ID
}

// Get returns the session with the given ID.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, scene.ErrSessionNotFound
	}
	return sess, nil
}

// Update runs fn with exclusive access to the session. Every other mutation
// of the same session waits until fn returns. fn must not retain tx.
func (s *Store) Update(id string, fn func(tx *Tx) error) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.deleted {
		return scene.ErrSessionNotFound
	}
	sess.lastActive = s.now()
	return fn(&Tx{sess: sess, store: s})
}

// view runs fn under the session lock like Update but does not count as
// activity for idle expiry. fn must only read.
func (s *Store) view(id string, fn func(tx *Tx)) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.deleted {
		return scene.ErrSessionNotFound
	}
	fn(&Tx{sess: sess, store: s})
	return nil
}

// AddMember adds user to the session. It reports whether the member set
// changed; adding an existing member is a no-op.
func (s *Store) AddMember(id, user string) (added bool, err error) {
	err = s.Update(id, func(tx *Tx) error {
		added, err = tx.AddMember(user)
		return err
	})
	return added, err
}

// RemoveMember removes user from the session. Removing an absent member is
// a no-op.
func (s *Store) RemoveMember(id, user string) (removed bool, err error) {
	err = s.Update(id, func(tx *Tx) error {
		removed = tx.RemoveMember(user)
		return nil
	})
	return removed, err
}

// PutObject inserts obj or fully replaces the object with the same ID. An
// ID is generated when obj.ID is empty. The stored copy is returned.
func (s *Store) PutObject(id string, obj *scene.Object) (stored *scene.Object, err error) {
	err = s.Update(id, func(tx *Tx) error {
		stored, err = tx.PutObject(obj)
		return err
	})
	return stored, err
}

// PatchObject merges the supplied transform fields into an existing object.
func (s *Store) PatchObject(id, objectID string, patch scene.TransformPatch) (patched *scene.Object, err error) {
	err = s.Update(id, func(tx *Tx) error {
		patched, err = tx.PatchObject(objectID, patch)
		return err
	})
	return patched, err
}

// DeleteObject removes an object. Deleting an absent object is a no-op.
func (s *Store) DeleteObject(id, objectID string) (deleted bool, err error) {
	err = s.Update(id, func(tx *Tx) error {
		deleted = tx.DeleteObject(objectID)
		return nil
	})
	return deleted, err
}

// Snapshot returns a copy of the session's members and objects. Reading a
// snapshot does not keep an empty session alive.
func (s *Store) Snapshot(id string) (snap Snapshot, err error) {
	err = s.view(id, func(tx *Tx) {
		snap = tx.Snapshot()
	})
	return snap, err
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// List returns summaries of all sessions, most members first.
func (s *Store) List() []Summary {
	s.mu.RLock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	result := make([]Summary, 0, len(all))
	for _, sess := range all {
		result = append(result, sess.Summary())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Members != result[j].Members {
			return result[i].Members > result[j].Members
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Sweep removes sessions that have no members and have been idle for
// longer than the idle TTL. It returns the removed IDs.
func (s *Store) Sweep() []string {
	if s.idleTTL <= 0 {
		return nil
	}

	s.mu.RLock()
	candidates := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		candidates = append(candidates, sess)
	}
	s.mu.RUnlock()

	now := s.now()
	var expired []string
	for _, sess := range candidates {
		sess.mu.Lock()
		if !sess.deleted && len(sess.members) == 0 && now.Sub(sess.lastActive) > s.idleTTL {
			sess.deleted = true
			expired = append(expired, sess.ID)
		}
		sess.mu.Unlock()
	}
	if len(expired) == 0 {
		return nil
	}

	s.mu.Lock()
	for _, id := range expired {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if s.onEvict != nil {
		for _, id := range expired {
			s.onEvict(id)
		}
	}
	return expired
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) error {
	if s.idleTTL <= 0 || interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

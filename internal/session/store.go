package session

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"voicegate/internal/logging"
)

// Store is the registry of live and ended sessions. It is constructed once
// and passed by reference to every component that touches call state.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ended    map[string]time.Time

	dir    string
	ttl    time.Duration
	logger *logging.Logger
}

// NewStore creates a session store persisting turn records under dir.
// Sessions idle longer than ttl are considered stale.
func NewStore(dir string, ttl time.Duration, logger *logging.Logger) *Store {
	if dir != "" {
		if err := os.MkdirAll(filepath.Join(dir, "callers"), 0o755); err != nil {
			logging.OrNop(logger).Warn("session dir unavailable", "dir", dir, "error", err)
			dir = ""
		}
	}
	return &Store{
		sessions: make(map[string]*Session),
		ended:    make(map[string]time.Time),
		dir:      dir,
		ttl:      ttl,
		logger:   logging.OrNop(logger).Component("session"),
	}
}

// GetOrCreate returns the session id, creating the session when the id is
// unknown. An empty id yields a fresh identifier.
func (st *Store) GetOrCreate(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.getOrCreateLocked(id)
	return id
}

func (st *Store) getOrCreateLocked(id string) *Session {
	if sess, ok := st.sessions[id]; ok {
		return sess
	}
	sess := &Session{
		id:         id,
		createdAt:  time.Now(),
		lastActive: time.Now(),
	}
	st.sessions[id] = sess
	return sess
}

// WithLock runs fn with exclusive access to the session's mutable state,
// creating the session if needed. No other locked access to the same session
// overlaps in time; sessions with distinct ids never block each other. The
// lock must not be held across collaborator calls; fn covers bookkeeping and
// prompt assembly only.
func (st *Store) WithLock(id string, fn func(*Session) error) error {
	st.mu.Lock()
	sess := st.getOrCreateLocked(id)
	st.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return fn(sess)
}

// Reset clears history, auth state and pending slots while preserving the
// identifier and caller metadata. The generation counter advances so
// in-flight turns detect the reset and abort.
func (st *Store) Reset(id string) {
	st.mu.Lock()
	sess, ok := st.sessions[id]
	if !ok {
		sess = st.getOrCreateLocked(id)
	}
	delete(st.ended, id)
	st.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.history = nil
	sess.summary = ""
	sess.authStatus = AuthNotRequired
	sess.authAttempts = 0
	sess.pendingInject = nil
	sess.turns = nil
	sess.turnCount = 0
	sess.takeover = false
	sess.generation++
	sess.touch()
}

// End marks a session as ended (call hung up). Returns false when the id is
// unknown or already ended.
func (st *Store) End(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return false
	}
	if _, done := st.ended[id]; done {
		return false
	}
	st.ended[id] = time.Now()
	return true
}

// IsEnded reports whether the session has been marked ended.
func (st *Store) IsEnded(id string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.ended[id]
	return ok
}

// EndedAt returns when the session ended.
func (st *Store) EndedAt(id string) (time.Time, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	t, ok := st.ended[id]
	return t, ok
}

// Touch records activity on a session.
func (st *Store) Touch(id string) {
	st.mu.RLock()
	sess, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	sess.touch()
	sess.mu.Unlock()
}

// Generation returns the session's current reset generation.
func (st *Store) Generation(id string) uint64 {
	var gen uint64
	_ = st.WithLock(id, func(s *Session) error {
		gen = s.generation
		return nil
	})
	return gen
}

// SweepStale ends sessions idle longer than the store TTL and returns their
// ids.
func (st *Store) SweepStale() []string {
	cutoff := time.Now().Add(-st.ttl)
	var stale []string

	st.mu.Lock()
	defer st.mu.Unlock()
	for id, sess := range st.sessions {
		if _, done := st.ended[id]; done {
			continue
		}
		sess.mu.Lock()
		idle := sess.lastActive.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			st.ended[id] = time.Now()
			stale = append(stale, id)
		}
	}
	return stale
}

// ActiveIDs returns ids of sessions that have not ended, most recently
// active first.
func (st *Store) ActiveIDs() []string {
	type entry struct {
		id   string
		last time.Time
	}
	st.mu.RLock()
	entries := make([]entry, 0, len(st.sessions))
	for id, sess := range st.sessions {
		if _, done := st.ended[id]; done {
			continue
		}
		sess.mu.Lock()
		entries = append(entries, entry{id: id, last: sess.lastActive})
		sess.mu.Unlock()
	}
	st.mu.RUnlock()

	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].last.After(entries[j-1].last); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// MostRecentActive returns the most recently active session id, empty when
// none.
func (st *Store) MostRecentActive() string {
	ids := st.ActiveIDs()
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// ActiveCount and EndedCount report registry sizes for status output.
func (st *Store) ActiveCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := 0
	for id := range st.sessions {
		if _, done := st.ended[id]; !done {
			n++
		}
	}
	return n
}

func (st *Store) EndedCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.ended)
}

// Exists reports whether the session id is known in memory.
func (st *Store) Exists(id string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.sessions[id]
	return ok
}

// UnderTakeover reports operator ownership without requiring the caller to
// hold the session lock.
func (st *Store) UnderTakeover(id string) bool {
	var v bool
	_ = st.WithLock(id, func(s *Session) error {
		v = s.takeover
		return nil
	})
	return v
}

// SetTakeover flips operator ownership for a session.
func (st *Store) SetTakeover(id string, v bool) {
	_ = st.WithLock(id, func(s *Session) error {
		s.takeover = v
		return nil
	})
}

// Package instructions layers the system prompt sources: the process-wide
// base instruction, per-session overrides, one-shot turn supplements, and
// the operator knowledge slot. All session-scoped state is strictly
// per-session; the only cross-session value is the base instruction, which
// is owned by config and mutated solely through the management surface.
package instructions

import "sync"

// Store holds the instruction layers for all sessions.
type Store struct {
	mu        sync.RWMutex
	session   map[string]string
	turn      map[string]string
	knowledge map[string]string

	base func() string
}

// NewStore creates an instruction store. base supplies the current global
// instruction (typically a config snapshot read).
func NewStore(base func() string) *Store {
	if base == nil {
		base = func() string { return "" }
	}
	return &Store{
		session:   make(map[string]string),
		turn:      make(map[string]string),
		knowledge: make(map[string]string),
		base:      base,
	}
}

// Base returns the process-wide default instruction.
func (s *Store) Base() string { return s.base() }

// Session returns the session-scoped override, empty when unset.
func (s *Store) Session(sid string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session[sid]
}

// SetSession installs a session-scoped override.
func (s *Store) SetSession(sid, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session[sid] = text
}

// ClearSession removes the session-scoped override.
func (s *Store) ClearSession(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.session, sid)
}

// SetTurn installs a one-shot supplement consumed by the next prompt build.
func (s *Store) SetTurn(sid, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn[sid] = text
}

// PeekTurn returns the pending supplement without consuming it.
func (s *Store) PeekTurn(sid string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turn[sid]
}

// TakeTurn removes and returns the pending supplement. The clear is atomic
// with the read so a concurrent injection cannot be consumed twice.
func (s *Store) TakeTurn(sid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.turn[sid]
	delete(s.turn, sid)
	return text
}

// SetKnowledge replaces the operator knowledge slot wholesale.
func (s *Store) SetKnowledge(sid, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowledge[sid] = text
}

// Knowledge returns the operator knowledge slot, empty when unset.
func (s *Store) Knowledge(sid string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.knowledge[sid]
}

// ClearKnowledge empties the operator knowledge slot.
func (s *Store) ClearKnowledge(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.knowledge, sid)
}

// EffectiveSystem returns the system instruction for one turn: the session
// override when present, else the base, with the one-shot supplement
// appended after a blank line and consumed.
func (s *Store) EffectiveSystem(sid string) string {
	system := s.Session(sid)
	if system == "" {
		system = s.Base()
	}
	if extra := s.TakeTurn(sid); extra != "" {
		system += "\n\n" + extra
	}
	return system
}

// ClearAllForSession removes every instruction layer for a session. Called
// on session end and reset.
func (s *Store) ClearAllForSession(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.session, sid)
	delete(s.turn, sid)
	delete(s.knowledge, sid)
}

// Snapshot returns the base instruction and all session overrides for the
// management surface.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make(map[string]string, len(s.session))
	for sid, text := range s.session {
		sessions[sid] = text
	}
	return map[string]any{
		"base":     s.base(),
		"sessions": sessions,
	}
}

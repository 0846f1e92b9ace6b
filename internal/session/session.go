// Package session owns per-call mutable state and the per-session
// concurrency guard. Distinct sessions never block each other; all mutation
// of one session happens under its own lock via Store.WithLock.
package session

import (
	"sync"
	"time"
)

// Message is one history entry in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AuthStatus tracks passphrase authentication progress for a session.
type AuthStatus int

const (
	AuthNotRequired AuthStatus = iota
	AuthPending
	AuthAuthenticated
	AuthRejected
)

func (s AuthStatus) String() string {
	switch s {
	case AuthPending:
		return "pending"
	case AuthAuthenticated:
		return "authenticated"
	case AuthRejected:
		return "rejected"
	default:
		return "not_required"
	}
}

// Inject is a queued operator utterance played on the next turn instead of
// running the ASR/LLM stages.
type Inject struct {
	Text        string `json:"text"`
	AudioBase64 string `json:"audio_base64"`
}

// TurnMetrics records per-stage latency for one completed turn.
type TurnMetrics struct {
	ASRMillis   float64 `json:"asr_ms"`
	LLMMillis   float64 `json:"llm_ms"`
	TTSMillis   float64 `json:"tts_ms"`
	TotalMillis float64 `json:"total_ms"`
	Model       string  `json:"llm_model,omitempty"`
}

// TurnRecord is the persisted trace of one completed turn.
type TurnRecord struct {
	Transcript  string      `json:"transcript"`
	Reply       string      `json:"reply"`
	ForcedReply bool        `json:"forced_reply"`
	Metrics     TurnMetrics `json:"metrics"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Session holds all mutable state for one call. Accessor methods do not lock;
// callers reach a Session only inside Store.WithLock, which holds the
// session's guard for the duration of the callback.
type Session struct {
	mu sync.Mutex

	id        string
	createdAt time.Time

	lastActive    time.Time
	history       []Message
	summary       string
	authStatus    AuthStatus
	authAttempts  int
	callerNumber  string
	callDirection string
	turnCount     int
	generation    uint64
	takeover      bool
	pendingInject *Inject
	turns         []TurnRecord
}

// ID returns the immutable session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// History returns a copy of the verbatim message history.
func (s *Session) History() []Message {
	return append([]Message(nil), s.history...)
}

// HistoryLen returns the number of verbatim history messages.
func (s *Session) HistoryLen() int { return len(s.history) }

// AppendMessage adds one message to the verbatim history.
func (s *Session) AppendMessage(role, content string) {
	s.history = append(s.history, Message{Role: role, Content: content})
}

// ReplaceHistory swaps the verbatim history wholesale. Used by compaction
// after the summarized prefix is dropped.
func (s *Session) ReplaceHistory(history []Message) {
	s.history = append([]Message(nil), history...)
}

// Summary returns the compacted digest of older history, empty if none.
func (s *Session) Summary() string { return s.summary }

// SetSummary replaces the digest wholesale. It is never appended to.
func (s *Session) SetSummary(summary string) { s.summary = summary }

// AuthStatus returns the current authentication state.
func (s *Session) AuthStatus() AuthStatus { return s.authStatus }

// Authenticated reports whether the caller has passed the passphrase gate.
func (s *Session) Authenticated() bool { return s.authStatus == AuthAuthenticated }

// MarkAuthPending records that a passphrase policy applies to this session.
func (s *Session) MarkAuthPending() {
	if s.authStatus == AuthNotRequired {
		s.authStatus = AuthPending
	}
}

// MarkAuthenticated transitions to the authenticated state. It never
// regresses within a session's lifetime.
func (s *Session) MarkAuthenticated() { s.authStatus = AuthAuthenticated }

// MarkAuthRejected records a terminal authentication failure.
func (s *Session) MarkAuthRejected() { s.authStatus = AuthRejected }

// RecordAuthAttempt counts one failed passphrase attempt and returns the
// total so far.
func (s *Session) RecordAuthAttempt() int {
	s.authAttempts++
	return s.authAttempts
}

// AuthAttempts returns the failed attempt count.
func (s *Session) AuthAttempts() int { return s.authAttempts }

// SetCallerInfo records caller metadata. First write wins; the metadata is
// immutable for the rest of the session.
func (s *Session) SetCallerInfo(number, direction string) {
	if s.callerNumber == "" {
		s.callerNumber = number
	}
	if s.callDirection == "" {
		s.callDirection = direction
	}
}

// CallerNumber returns the caller identifier, empty when unknown.
func (s *Session) CallerNumber() string { return s.callerNumber }

// CallDirection returns "incoming" or "outgoing", empty when unknown.
func (s *Session) CallDirection() string { return s.callDirection }

// TurnCount returns the number of completed turns.
func (s *Session) TurnCount() int { return s.turnCount }

// Generation returns the session's reset generation. A turn snapshots this
// at admission and aborts if it changed mid-flight.
func (s *Session) Generation() uint64 { return s.generation }

// UnderTakeover reports whether a remote operator owns reply generation.
func (s *Session) UnderTakeover() bool { return s.takeover }

// SetTakeover toggles operator ownership of reply generation.
func (s *Session) SetTakeover(v bool) { s.takeover = v }

// QueueInject stores a one-shot operator utterance, replacing any previous
// one.
func (s *Session) QueueInject(text, audioBase64 string) {
	s.pendingInject = &Inject{Text: text, AudioBase64: audioBase64}
}

// DrainInject removes and returns the pending inject, nil when none. The
// take clears atomically with the read; a second drain returns nil.
func (s *Session) DrainInject() *Inject {
	inj := s.pendingInject
	s.pendingInject = nil
	return inj
}

// RecordTurn appends a completed turn record and bumps the turn counter.
func (s *Session) RecordTurn(rec TurnRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	s.turns = append(s.turns, rec)
	s.turnCount++
}

// Turns returns a copy of the recorded turns.
func (s *Session) Turns() []TurnRecord {
	return append([]TurnRecord(nil), s.turns...)
}

func (s *Session) touch() { s.lastActive = time.Now() }

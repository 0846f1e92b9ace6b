// Package policy implements the pure call-policy decisions: caller
// admission, passphrase matching and duration limits. No state, no IO.
package policy

import (
	"strings"
	"time"
	"unicode"

	"voicegate/internal/session"
)

// CallPolicy is the admission and authentication configuration evaluated
// for every turn.
type CallPolicy struct {
	Allowlist             []string
	Blocklist             []string
	UnknownCallersAllowed bool
	Passphrase            string
	MaxAuthAttempts       int // zero means unlimited
	MaxDuration           time.Duration
	RejectMessage         string
}

// Admission reasons surfaced on deny.
const (
	ReasonBlocklisted    = "blocklisted"
	ReasonNotAllowlisted = "not_allowlisted"
	ReasonUnknownCaller  = "unknown_caller"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Admit evaluates caller admission in order: blocklist membership denies
// regardless of the allowlist; a non-empty allowlist denies absent callers;
// an unknown caller is denied only when policy disallows unknown callers.
// An empty allowlist means allow all.
func Admit(callerNumber, direction string, p CallPolicy) Decision {
	_ = direction // direction does not affect admission today
	normalized := session.NormalizeNumber(callerNumber)

	if normalized != "" && contains(p.Blocklist, normalized) {
		return Decision{Reason: ReasonBlocklisted}
	}
	if len(p.Allowlist) > 0 && normalized != "" && !contains(p.Allowlist, normalized) {
		return Decision{Reason: ReasonNotAllowlisted}
	}
	if normalized == "" && !p.UnknownCallersAllowed {
		return Decision{Reason: ReasonUnknownCaller}
	}
	return Decision{Allowed: true}
}

func contains(list []string, normalized string) bool {
	for _, entry := range list {
		if session.NormalizeNumber(entry) == normalized {
			return true
		}
	}
	return false
}

// MatchPassphrase fuzzy-matches a transcript against the configured
// passphrase: case folding, punctuation stripping, substring containment.
// Containment is intentional policy, not equality: any transcript containing
// the stripped passphrase authenticates, including longer words around or
// beyond it ("blue harvester" matches "blue harvest").
func MatchPassphrase(transcript, passphrase string) bool {
	phrase := stripForMatch(passphrase)
	if phrase == "" {
		return false
	}
	return strings.Contains(stripForMatch(transcript), phrase)
}

func stripForMatch(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, ch := range strings.ToLower(text) {
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || unicode.IsSpace(ch) || ch == '_' {
			b.WriteRune(ch)
		}
	}
	return strings.TrimSpace(b.String())
}

// MaxDurationExceeded reports whether the call has outlived the configured
// limit. A zero limit means unlimited.
func MaxDurationExceeded(elapsed time.Duration, p CallPolicy) bool {
	return p.MaxDuration > 0 && elapsed >= p.MaxDuration
}

package agentlink

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"voicegate/internal/config"
)

// Gateway is the command surface the operator channel drives. The HTTP
// server implements it; keeping it an interface lets manager tests supply a
// fake without standing up gin.
type Gateway interface {
	// ResolveSession maps an operator-supplied session reference ("_active"
	// or an id) to a concrete session id.
	ResolveSession(ref string) (string, bool)
	// Speak synthesizes text and queues it for immediate playback on the
	// session's next poll.
	Speak(sid, text string) error
	// SetSessionInstructions replaces the session-scoped system prompt
	// override; empty text clears it.
	SetSessionInstructions(sid, text string)
	// SetTurnInstructions arms a one-shot supplement consumed by the next
	// prompt assembly.
	SetTurnInstructions(sid, text string)
	// InjectContext merges operator-provided facts into the session's
	// knowledge layer.
	InjectContext(sid, text string)
	// ClearContext drops the knowledge layer.
	ClearContext(sid string)
	// UpdateCallConfig applies a partial call-policy update. Keys outside
	// the allowed set are reported back, not applied.
	UpdateCallConfig(updates map[string]any) (applied, refused []string, err error)
	// CallState snapshots a session for the operator.
	CallState(sid string) (map[string]any, bool)
	// EndSession terminates the call.
	EndSession(sid string) error
	// Dial places an outbound call via the phone bridge.
	Dial(number string) error
	// Hangup tears down the active call via the phone bridge.
	Hangup(sid string) error
}

// callConfigKeys is the set of call-policy keys an operator channel may
// change. Credentials and transport settings stay out of reach of a remote
// channel.
var callConfigKeys = map[string]bool{
	"caller_allowlist":        true,
	"caller_blocklist":        true,
	"unknown_callers_allowed": true,
	"auth_passphrase":         true,
	"auth_max_attempts":       true,
	"auth_reject_message":     true,
	"max_duration_sec":        true,
	"max_duration_message":    true,
	"max_history_turns":       true,
	"greeting_incoming":       true,
	"greeting_outgoing":       true,
	"greeting_owner":          true,
}

// frame is the inbound operator message shape. Correlated replies carry
// request_id+reply; everything else is a command keyed by type.
type frame struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Reply     string         `json:"reply"`
	SessionID string         `json:"session_id"`
	Text      string         `json:"text"`
	Number    string         `json:"number"`
	Scope     string         `json:"scope"`
	Updates   map[string]any `json:"updates"`
}

// readLoop is the connection's single reader. Frames that fail strict JSON
// decoding get one repair attempt before being rejected; a transport error
// ends the loop.
func (m *Manager) readLoop(conn *Conn) {
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			repaired, rerr := jsonrepair.JSONRepair(string(raw))
			if rerr != nil || json.Unmarshal([]byte(repaired), &f) != nil {
				conn.enqueue(map[string]any{"type": "error", "error": "malformed frame"})
				continue
			}
		}
		m.dispatch(conn, f)
	}
}

func (m *Manager) dispatch(conn *Conn, f frame) {
	// Correlated replies are matched before command handling so an operator
	// answer is never mistaken for a command.
	if f.RequestID != "" && (f.Reply != "" || f.Type == "turn.reply") {
		if !m.Resolve(f.RequestID, f.Reply) {
			m.logger.Debug("discarding stale or duplicate reply", "request_id", f.RequestID)
		}
		return
	}

	ack := func(ok bool, extra map[string]any) {
		msg := map[string]any{"type": f.Type + ".ack", "ok": ok}
		if f.SessionID != "" {
			msg["session_id"] = f.SessionID
		}
		for k, v := range extra {
			msg[k] = v
		}
		conn.enqueue(msg)
	}
	fail := func(reason string) {
		ack(false, map[string]any{"error": reason})
	}

	resolve := func() (string, bool) {
		sid, ok := m.gateway.ResolveSession(f.SessionID)
		if !ok {
			fail("unknown session")
		}
		return sid, ok
	}

	switch f.Type {
	case "ping":
		conn.enqueue(map[string]any{"type": "pong"})

	case "takeover":
		sid, ok := resolve()
		if !ok {
			return
		}
		f.SessionID = sid
		ack(m.Takeover(conn, sid), nil)

	case "release":
		sid, ok := resolve()
		if !ok {
			return
		}
		f.SessionID = sid
		ack(m.Release(conn, sid), nil)

	case "inject":
		sid, ok := resolve()
		if !ok {
			return
		}
		f.SessionID = sid
		if strings.TrimSpace(f.Text) == "" {
			fail("empty text")
			return
		}
		if err := m.gateway.Speak(sid, f.Text); err != nil {
			fail(err.Error())
			return
		}
		ack(true, nil)

	case "set_instructions":
		if f.Scope == "global" {
			// Base instructions come from config, not from a remote
			// channel. Operators adjust per-session or per-turn layers.
			fail("global scope not permitted over agent channel")
			return
		}
		sid, ok := resolve()
		if !ok {
			return
		}
		f.SessionID = sid
		if f.Scope == "turn" {
			m.gateway.SetTurnInstructions(sid, f.Text)
		} else {
			m.gateway.SetSessionInstructions(sid, f.Text)
		}
		ack(true, nil)

	case "inject_context":
		sid, ok := resolve()
		if !ok {
			return
		}
		f.SessionID = sid
		m.gateway.InjectContext(sid, f.Text)
		ack(true, nil)

	case "clear_context":
		sid, ok := resolve()
		if !ok {
			return
		}
		f.SessionID = sid
		m.gateway.ClearContext(sid)
		ack(true, nil)

	case "set_call_config":
		applied, refused, err := m.gateway.UpdateCallConfig(f.Updates)
		if err != nil {
			fail(err.Error())
			return
		}
		ack(true, map[string]any{"applied": applied, "refused": refused})

	case "get_call_state":
		sid, ok := resolve()
		if !ok {
			return
		}
		f.SessionID = sid
		state, found := m.gateway.CallState(sid)
		if !found {
			fail("unknown session")
			return
		}
		ack(true, map[string]any{"state": state})

	case "end_session":
		sid, ok := resolve()
		if !ok {
			return
		}
		f.SessionID = sid
		if err := m.gateway.EndSession(sid); err != nil {
			fail(err.Error())
			return
		}
		ack(true, nil)

	case "dial":
		if f.Number == "" {
			fail("missing number")
			return
		}
		if err := m.gateway.Dial(f.Number); err != nil {
			fail(err.Error())
			return
		}
		ack(true, nil)

	case "hangup":
		sid, ok := resolve()
		if !ok {
			return
		}
		f.SessionID = sid
		if err := m.gateway.Hangup(sid); err != nil {
			fail(err.Error())
			return
		}
		ack(true, nil)

	default:
		fail("unknown command")
	}
}

// FilterCallConfig splits updates into the allowed key set and the refused
// remainder. Gateway implementations apply only the allowed portion.
func FilterCallConfig(updates map[string]any) (allowed map[string]any, refused []string) {
	allowed = make(map[string]any, len(updates))
	for k, v := range updates {
		if callConfigKeys[k] {
			allowed[k] = v
		} else {
			refused = append(refused, k)
		}
	}
	return allowed, refused
}

// ApplyCallConfig copies allowed keys onto a config clone and returns which
// keys were applied.
func ApplyCallConfig(cfg *config.Config, updates map[string]any) []string {
	applied := make([]string, 0, len(updates))
	raw, _ := json.Marshal(updates)
	patch := map[string]json.RawMessage{}
	_ = json.Unmarshal(raw, &patch)

	set := func(key string, dst any) {
		v, ok := patch[key]
		if !ok {
			return
		}
		if json.Unmarshal(v, dst) == nil {
			applied = append(applied, key)
		}
	}

	set("caller_allowlist", &cfg.CallerAllowlist)
	set("caller_blocklist", &cfg.CallerBlocklist)
	set("unknown_callers_allowed", &cfg.UnknownCallersAllowed)
	set("auth_passphrase", &cfg.AuthPassphrase)
	set("auth_max_attempts", &cfg.AuthMaxAttempts)
	set("auth_reject_message", &cfg.AuthRejectMessage)
	set("max_duration_sec", &cfg.MaxDurationSec)
	set("max_duration_message", &cfg.MaxDurationMessage)
	set("max_history_turns", &cfg.MaxHistoryTurns)
	set("greeting_incoming", &cfg.GreetingIncoming)
	set("greeting_outgoing", &cfg.GreetingOutgoing)
	set("greeting_owner", &cfg.GreetingOwner)
	return applied
}

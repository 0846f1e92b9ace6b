package server

import (
	"encoding/base64"
	"errors"

	"voicegate/internal/agentlink"
	"voicegate/internal/config"
	"voicegate/internal/session"
)

// The server is the agentlink.Gateway: operator channel commands land on the
// same state the REST surface manages.

// ResolveSession maps "_active" (or empty) to the most recently active
// session and verifies explicit ids.
func (s *Server) ResolveSession(ref string) (string, bool) {
	if ref == "" || ref == "_active" {
		sid := s.store.MostRecentActive()
		return sid, sid != ""
	}
	if s.store.Exists(ref) {
		return ref, true
	}
	return "", false
}

// Speak synthesizes text and queues it as the session's next utterance.
func (s *Server) Speak(sid, text string) error {
	var audioB64 string
	if s.synthesizer != nil {
		audio, err := s.synthesizer.Synthesize(s.ctx, text)
		if err != nil {
			return err
		}
		audioB64 = base64.StdEncoding.EncodeToString(audio)
	}
	_ = s.store.WithLock(sid, func(sess *session.Session) error {
		sess.QueueInject(text, audioB64)
		return nil
	})
	s.bus.Publish("call.injected", sid, nil)
	return nil
}

func (s *Server) SetSessionInstructions(sid, text string) {
	if text == "" {
		s.instr.ClearSession(sid)
	} else {
		s.instr.SetSession(sid, text)
	}
	s.bus.Publish("instructions.updated", sid, map[string]any{"scope": "session"})
}

func (s *Server) SetTurnInstructions(sid, text string) {
	s.instr.SetTurn(sid, text)
	s.bus.Publish("instructions.updated", sid, map[string]any{"scope": "turn"})
}

func (s *Server) InjectContext(sid, text string) {
	if text == "" {
		s.instr.ClearKnowledge(sid)
	} else {
		s.instr.SetKnowledge(sid, text)
	}
	s.bus.Publish("context.updated", sid, nil)
}

func (s *Server) ClearContext(sid string) {
	s.instr.ClearKnowledge(sid)
	s.bus.Publish("context.updated", sid, nil)
}

// UpdateCallConfig applies a partial call-policy update, refusing keys
// outside the allowed set.
func (s *Server) UpdateCallConfig(updates map[string]any) (applied, refused []string, err error) {
	allowed, refused := agentlink.FilterCallConfig(updates)
	if len(allowed) == 0 {
		return nil, refused, nil
	}
	_, err = s.configMgr.Update(func(cfg *config.Config) {
		applied = agentlink.ApplyCallConfig(cfg, allowed)
	})
	if err != nil {
		return applied, refused, err
	}
	s.bus.Publish("config.updated", "", map[string]any{"keys": applied})
	return applied, refused, nil
}

// CallState snapshots a session for the operator.
func (s *Server) CallState(sid string) (map[string]any, bool) {
	d, ok := s.store.Detail(sid)
	if !ok {
		return nil, false
	}
	state := map[string]any{
		"session_id":     d.SessionID,
		"created_at":     d.CreatedAt,
		"caller_number":  d.CallerNumber,
		"call_direction": d.CallDirection,
		"auth_status":    d.AuthStatus,
		"turn_count":     d.TurnCount,
		"agent_takeover": d.Takeover,
		"summary":        d.Summary,
		"history":        d.History,
		"ended":          s.store.IsEnded(sid),
	}
	if endedAt, ok := s.store.EndedAt(sid); ok {
		state["ended_at"] = endedAt
	}
	return state, true
}

// EndSession terminates a call: the carryover is saved, state is flushed to
// disk and the instruction layers are cleared.
func (s *Server) EndSession(sid string) error {
	if !s.store.End(sid) {
		return errors.New("session already ended or unknown")
	}
	s.pipeline.SaveCarryover(sid)
	if err := s.store.Save(sid); err != nil {
		s.logger.Warn("session save failed", "session_id", sid, "error", err)
	}
	s.instr.ClearAllForSession(sid)
	s.bus.Publish("session.ended", sid, nil)
	return nil
}

func (s *Server) Dial(number string) error {
	if err := s.bridge.Dial(s.ctx, number); err != nil {
		return err
	}
	s.bus.Publish("call.dialed", "", map[string]any{"number": number})
	return nil
}

func (s *Server) Hangup(sid string) error {
	if err := s.bridge.Hangup(s.ctx, sid); err != nil {
		return err
	}
	return s.EndSession(sid)
}

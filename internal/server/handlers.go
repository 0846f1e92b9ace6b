package server

import (
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"voicegate/internal/config"
	"voicegate/internal/pipeline"
	"voicegate/internal/session"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// turnForm is the multipart form the phone bridge posts for each utterance.
type turnForm struct {
	SessionID      string `form:"session_id"`
	ResetSession   bool   `form:"reset_session"`
	TranscriptHint string `form:"transcript_hint"`
	SkipASR        bool   `form:"skip_asr"`
	ForcedReply    string `form:"forced_reply"`
	CallerNumber   string `form:"caller_number"`
	CallDirection  string `form:"call_direction"`
}

func (s *Server) handleTurn(c *gin.Context) {
	var form turnForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var audio []byte
	var filename string
	if file, err := c.FormFile("audio"); err == nil {
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable audio"})
			return
		}
		defer f.Close()
		audio, err = io.ReadAll(f)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable audio"})
			return
		}
		filename = file.Filename
	}

	req := pipeline.TurnRequest{
		SessionID:     form.SessionID,
		Audio:         audio,
		AudioFilename: filename,
		Hint:          form.TranscriptHint,
		ForcedReply:   form.ForcedReply,
		CallerNumber:  form.CallerNumber,
		CallDirection: form.CallDirection,
		Reset:         form.ResetSession,
	}
	if form.SkipASR {
		req.Audio = nil
	}

	res, err := s.pipeline.Run(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if res.Hangup {
		s.hangupAsync(res.SessionID)
	}
	c.JSON(http.StatusOK, turnResponse(res))
}

func turnResponse(res *pipeline.TurnResult) gin.H {
	out := gin.H{
		"ok":         res.OK,
		"session_id": res.SessionID,
		"transcript": res.Transcript,
		"reply":      res.Reply,
		"hangup":     res.Hangup,
		"rejected":   res.Rejected,
		"source":     res.Source,
		"metrics":    res.Metrics,
	}
	if res.Stale {
		out["stale"] = true
	}
	if res.Reason != "" {
		out["reason"] = res.Reason
	}
	if len(res.Audio) > 0 {
		out["audio_base64"] = base64.StdEncoding.EncodeToString(res.Audio)
	}
	return out
}

// hangupAsync tells the bridge to drop the call after the reply audio has
// been handed back.
func (s *Server) hangupAsync(sid string) {
	go func() {
		if err := s.bridge.Hangup(s.ctx, sid); err != nil {
			s.logger.Warn("bridge hangup failed", "session_id", sid, "error", err)
		}
	}()
}

func (s *Server) handleASR(c *gin.Context) {
	file, err := c.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing audio"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable audio"})
		return
	}
	defer f.Close()
	audio, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable audio"})
		return
	}
	text, err := s.speech.Transcribe(c.Request.Context(), audio, file.Filename)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transcript": text})
}

func (s *Server) handleSessionNew(c *gin.Context) {
	var body struct {
		CallerNumber  string `json:"caller_number"`
		CallDirection string `json:"call_direction"`
	}
	_ = c.ShouldBindJSON(&body)
	sid := s.store.GetOrCreate("")
	_ = s.store.WithLock(sid, func(sess *session.Session) error {
		sess.SetCallerInfo(session.NormalizeNumber(body.CallerNumber), body.CallDirection)
		return nil
	})
	s.bus.Publish("session.created", sid, nil)

	greeting := s.configMgr.Snapshot().Greeting(body.CallDirection)
	c.JSON(http.StatusOK, gin.H{"session_id": sid, "greeting": greeting})
}

func (s *Server) handleSessionReset(c *gin.Context) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing session_id"})
		return
	}
	sid, ok := s.ResolveSession(body.SessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	s.store.Reset(sid)
	s.instr.ClearAllForSession(sid)
	s.bus.Publish("session.reset", sid, nil)
	c.JSON(http.StatusOK, gin.H{"session_id": sid, "reset": true})
}

func (s *Server) handleSessionEnd(c *gin.Context) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing session_id"})
		return
	}
	sid, ok := s.ResolveSession(body.SessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	if err := s.EndSession(sid); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sid, "ended": true})
}

func (s *Server) handleSessionList(c *gin.Context) {
	active := make([]gin.H, 0)
	for _, sid := range s.store.ActiveIDs() {
		if d, ok := s.store.Detail(sid); ok {
			active = append(active, gin.H{
				"session_id":     d.SessionID,
				"created_at":     d.CreatedAt,
				"caller_number":  d.CallerNumber,
				"turn_count":     d.TurnCount,
				"agent_takeover": d.Takeover,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"active": active,
		"saved":  s.store.ListSaved(),
	})
}

func (s *Server) handleSessionDetail(c *gin.Context) {
	sid, ok := s.ResolveSession(c.Param("sid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	detail, ok := s.store.Detail(sid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	status := gin.H{
		"version":         s.version,
		"uptime":          time.Since(s.startTime).Round(time.Second).String(),
		"active_sessions": s.store.ActiveCount(),
		"ended_sessions":  s.store.EndedCount(),
		"event_clients":   s.bus.SubscriberCount(),
		"agents":          s.agents.Agents(),
		"config":          s.configMgr.Redacted(),
		"llm":             s.llm.Health(ctx),
	}
	if s.speech != nil {
		status["speech"] = s.speech.Health(ctx)
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleInstructionsGet(c *gin.Context) {
	c.JSON(http.StatusOK, s.instr.Snapshot())
}

func (s *Server) handleInstructionsSetBase(c *gin.Context) {
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.configMgr.Update(func(cfg *config.Config) { cfg.LLMSystemPrompt = body.Text }); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.bus.Publish("instructions.updated", "", map[string]any{"scope": "global"})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleInstructionsSetSession(c *gin.Context) {
	sid, ok := s.ResolveSession(c.Param("sid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.SetSessionInstructions(sid, body.Text)
	c.JSON(http.StatusOK, gin.H{"ok": true, "session_id": sid})
}

func (s *Server) handleInstructionsSetTurn(c *gin.Context) {
	sid, ok := s.ResolveSession(c.Param("sid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.SetTurnInstructions(sid, body.Text)
	c.JSON(http.StatusOK, gin.H{"ok": true, "session_id": sid})
}

func (s *Server) handleInstructionsClear(c *gin.Context) {
	sid, ok := s.ResolveSession(c.Param("sid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	s.instr.ClearSession(sid)
	c.JSON(http.StatusOK, gin.H{"ok": true, "session_id": sid})
}

func (s *Server) handleCallConfigGet(c *gin.Context) {
	cfg := s.configMgr.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"caller_allowlist":        cfg.CallerAllowlist,
		"caller_blocklist":        cfg.CallerBlocklist,
		"unknown_callers_allowed": cfg.UnknownCallersAllowed,
		"auth_required":           cfg.AuthPassphrase != "",
		"auth_max_attempts":       cfg.AuthMaxAttempts,
		"auth_reject_message":     cfg.AuthRejectMessage,
		"max_duration_sec":        cfg.MaxDurationSec,
		"max_history_turns":       cfg.MaxHistoryTurns,
		"greeting_incoming":       cfg.GreetingIncoming,
		"greeting_outgoing":       cfg.GreetingOutgoing,
		"greeting_owner":          cfg.GreetingOwner,
		"keep_history":            cfg.KeepHistory,
	})
}

func (s *Server) handleCallConfigSet(c *gin.Context) {
	var updates map[string]any
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	applied, refused, err := s.UpdateCallConfig(updates)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "applied": applied, "refused": refused})
}

func (s *Server) handleLLMConfigGet(c *gin.Context) {
	cfg := s.configMgr.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"llm_base_url":       cfg.LLMBaseURL,
		"llm_model":          cfg.LLMModel,
		"llm_max_tokens":     cfg.LLMMaxTokens,
		"llm_temperature":    cfg.LLMTemperature,
		"llm_context_tokens": cfg.LLMContextTokens,
		"llm_system_prompt":  cfg.LLMSystemPrompt,
		"max_history_turns":  cfg.MaxHistoryTurns,
	})
}

func (s *Server) handleLLMConfigSet(c *gin.Context) {
	var body struct {
		Model       *string  `json:"llm_model"`
		MaxTokens   *int     `json:"llm_max_tokens"`
		Temperature *float64 `json:"llm_temperature"`
		System      *string  `json:"llm_system_prompt"`
		MaxTurns    *int     `json:"max_history_turns"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.configMgr.Update(func(cfg *config.Config) {
		if body.Model != nil {
			cfg.LLMModel = *body.Model
		}
		if body.MaxTokens != nil {
			cfg.LLMMaxTokens = *body.MaxTokens
		}
		if body.Temperature != nil {
			cfg.LLMTemperature = *body.Temperature
		}
		if body.System != nil {
			cfg.LLMSystemPrompt = *body.System
		}
		if body.MaxTurns != nil {
			cfg.MaxHistoryTurns = *body.MaxTurns
		}
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleTTSConfigGet(c *gin.Context) {
	cfg := s.configMgr.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"tts_model": cfg.TTSModel,
		"tts_voice": cfg.TTSVoice,
		"tts_speed": cfg.TTSSpeed,
		"stt_model": cfg.STTModel,
	})
}

func (s *Server) handleTTSConfigSet(c *gin.Context) {
	var body struct {
		Voice *string  `json:"tts_voice"`
		Speed *float64 `json:"tts_speed"`
		Model *string  `json:"tts_model"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.configMgr.Update(func(cfg *config.Config) {
		if body.Voice != nil {
			cfg.TTSVoice = *body.Voice
		}
		if body.Speed != nil {
			cfg.TTSSpeed = *body.Speed
		}
		if body.Model != nil {
			cfg.TTSModel = *body.Model
		}
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleConfigReload(c *gin.Context) {
	if _, err := s.configMgr.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.bus.Publish("config.reloaded", "", nil)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleCallInject(c *gin.Context) {
	var body struct {
		SessionID   string `json:"session_id"`
		Text        string `json:"text"`
		AudioBase64 string `json:"audio_base64"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sid, ok := s.ResolveSession(body.SessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	if strings.TrimSpace(body.Text) == "" && body.AudioBase64 == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty inject"})
		return
	}
	if body.AudioBase64 != "" {
		_ = s.store.WithLock(sid, func(sess *session.Session) error {
			sess.QueueInject(body.Text, body.AudioBase64)
			return nil
		})
		s.bus.Publish("call.injected", sid, nil)
		c.JSON(http.StatusOK, gin.H{"ok": true, "session_id": sid})
		return
	}
	if err := s.Speak(sid, body.Text); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "session_id": sid})
}

func (s *Server) handleCallDial(c *gin.Context) {
	var body struct {
		Number string `json:"number"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Number == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing number"})
		return
	}
	if err := s.Dial(body.Number); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "number": body.Number})
}

func (s *Server) handleAgentSessions(c *gin.Context) {
	out := make([]gin.H, 0)
	for _, sid := range s.store.ActiveIDs() {
		if d, ok := s.store.Detail(sid); ok {
			out = append(out, gin.H{
				"session_id":     d.SessionID,
				"caller_number":  d.CallerNumber,
				"call_direction": d.CallDirection,
				"auth_status":    d.AuthStatus,
				"turn_count":     d.TurnCount,
				"agent_takeover": d.Takeover,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "agents": s.agents.Agents()})
}

func (s *Server) handleAgentContextGet(c *gin.Context) {
	sid, ok := s.ResolveSession(c.Param("sid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sid,
		"knowledge":  s.instr.Knowledge(sid),
	})
}

func (s *Server) handleAgentContextSet(c *gin.Context) {
	sid, ok := s.ResolveSession(c.Param("sid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.InjectContext(sid, body.Text)
	c.JSON(http.StatusOK, gin.H{"ok": true, "session_id": sid})
}

func (s *Server) handleAgentContextClear(c *gin.Context) {
	sid, ok := s.ResolveSession(c.Param("sid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	s.ClearContext(sid)
	c.JSON(http.StatusOK, gin.H{"ok": true, "session_id": sid})
}

func (s *Server) handleAgentInject(c *gin.Context) {
	var body struct {
		SessionID string `json:"session_id"`
		Text      string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sid, ok := s.ResolveSession(body.SessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	if err := s.Speak(sid, body.Text); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "session_id": sid})
}

func (s *Server) handleCallerList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"callers": s.store.ListCallerHistories()})
}

func (s *Server) handleCallerDelete(c *gin.Context) {
	if !s.store.DeleteCallerHistory(c.Param("number")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown caller"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

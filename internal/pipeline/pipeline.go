// Package pipeline runs the per-turn state machine: admission, the
// passphrase gate, transcription, reply generation (local or delegated to an
// operator) and synthesis. One Run call is one caller utterance.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"voicegate/internal/agentlink"
	"voicegate/internal/bus"
	"voicegate/internal/config"
	"voicegate/internal/instructions"
	"voicegate/internal/llm"
	"voicegate/internal/logging"
	"voicegate/internal/observability"
	"voicegate/internal/policy"
	"voicegate/internal/prompt"
	"voicegate/internal/session"
	"voicegate/internal/speech"
)

// Canned replies for turns that never reach the LLM.
const (
	replyAuthOK      = "Authentication successful. How can I help you?"
	replyAuthRetry   = "That's not correct. Please try again."
	replyEmptyAudio  = "I could not hear that clearly. Please try again."
	replyLLMFallback = "I'm sorry, I'm having trouble responding right now."
)

// AgentChannel is the operator delegation surface the pipeline consults.
type AgentChannel interface {
	UnderTakeover(sid string) bool
	Delegate(ctx context.Context, sid, transcript string) (string, error)
}

// TurnRequest is one caller utterance entering the pipeline.
type TurnRequest struct {
	SessionID     string
	Audio         []byte
	AudioFilename string
	// Transcript, when set, skips transcription and is used verbatim.
	Transcript string
	// Hint backs the transcript when transcription is skipped, fails or
	// hears nothing.
	Hint string
	// ForcedReply, when set, skips transcription and generation; the text is
	// synthesized and spoken as-is.
	ForcedReply   string
	CallerNumber  string
	CallDirection string
	// Reset clears session state before the turn runs.
	Reset bool
}

// TurnResult is the outcome of one turn.
type TurnResult struct {
	SessionID  string              `json:"session_id"`
	OK         bool                `json:"ok"`
	Transcript string              `json:"transcript,omitempty"`
	Reply      string              `json:"reply"`
	Audio      []byte              `json:"-"`
	Hangup     bool                `json:"hangup"`
	Rejected   bool                `json:"rejected"`
	Stale      bool                `json:"stale,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Source     string              `json:"source"`
	Metrics    session.TurnMetrics `json:"metrics"`
}

// Reply sources reported in TurnResult.
const (
	SourceLLM    = "llm"
	SourceAgent  = "agent"
	SourceInject = "inject"
	SourceForced = "forced"
	SourcePolicy = "policy"
)

// outcome labels the turn for the trace span.
func (r *TurnResult) outcome() string {
	switch {
	case r.Rejected:
		return outcomeRejected
	case r.Hangup:
		return outcomeHangup
	case r.Stale:
		return "stale"
	case r.OK:
		return outcomeOK
	}
	return outcomeError
}

// Pipeline wires the turn state machine to its collaborators. Collaborator
// calls never run under a session lock.
type Pipeline struct {
	store       *session.Store
	bus         *bus.Bus
	instr       *instructions.Store
	assembler   *prompt.Assembler
	compactor   *prompt.Compactor
	transcriber speech.Transcriber
	synthesizer speech.Synthesizer
	llm         llm.Client
	agents      AgentChannel
	cfg         func() *config.Config
	tracer      *observability.TracerProvider
	logger      *logging.Logger
}

// Options collects the pipeline collaborators.
type Options struct {
	Store       *session.Store
	Bus         *bus.Bus
	Instr       *instructions.Store
	Compactor   *prompt.Compactor
	Transcriber speech.Transcriber
	Synthesizer speech.Synthesizer
	LLM         llm.Client
	Agents      AgentChannel
	Config      func() *config.Config
	Tracer      *observability.TracerProvider
	Logger      *logging.Logger
}

// New creates a turn pipeline.
func New(opts Options) *Pipeline {
	if opts.Tracer == nil {
		opts.Tracer, _ = observability.NewTracerProvider(context.Background(), "", "")
	}
	return &Pipeline{
		store:       opts.Store,
		bus:         opts.Bus,
		instr:       opts.Instr,
		assembler:   prompt.NewAssembler(opts.Instr),
		compactor:   opts.Compactor,
		transcriber: opts.Transcriber,
		synthesizer: opts.Synthesizer,
		llm:         opts.LLM,
		agents:      opts.Agents,
		cfg:         opts.Config,
		tracer:      opts.Tracer,
		logger:      logging.OrNop(opts.Logger).Component("pipeline"),
	}
}

func (p *Pipeline) policyFrom(cfg *config.Config) policy.CallPolicy {
	return policy.CallPolicy{
		Allowlist:             cfg.CallerAllowlist,
		Blocklist:             cfg.CallerBlocklist,
		UnknownCallersAllowed: cfg.UnknownCallersAllowed,
		Passphrase:            cfg.AuthPassphrase,
		MaxAuthAttempts:       cfg.AuthMaxAttempts,
		MaxDuration:           cfg.MaxDuration(),
		RejectMessage:         cfg.AuthRejectMessage,
	}
}

// Run executes one turn to completion.
func (p *Pipeline) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	started := time.Now()
	cfg := p.cfg()
	pol := p.policyFrom(cfg)

	sid := p.store.GetOrCreate(req.SessionID)
	if req.Reset {
		p.store.Reset(sid)
		p.instr.ClearAllForSession(sid)
		p.bus.Publish("session.reset", sid, nil)
	}

	ctx, span := p.tracer.StartSpan(ctx, observability.SpanTurn,
		attribute.String(observability.AttrSessionID, sid),
		attribute.String(observability.AttrDirection, req.CallDirection),
	)
	defer span.End()

	res := &TurnResult{SessionID: sid}
	defer func() {
		span.SetAttributes(attribute.String(observability.AttrOutcome, res.outcome()))
	}()

	var gen uint64
	var createdAt time.Time
	_ = p.store.WithLock(sid, func(s *session.Session) error {
		s.SetCallerInfo(session.NormalizeNumber(req.CallerNumber), req.CallDirection)
		if pol.Passphrase != "" && !s.Authenticated() {
			s.MarkAuthPending()
		}
		if cfg.KeepHistory && s.HistoryLen() == 0 && s.TurnCount() == 0 && s.CallerNumber() != "" {
			if carry, ok := p.store.LoadCallerHistory(s.CallerNumber()); ok {
				s.ReplaceHistory(carry.History)
				s.SetSummary(carry.Summary)
			}
		}
		gen = s.Generation()
		createdAt = s.CreatedAt()
		return nil
	})

	caller := session.NormalizeNumber(req.CallerNumber)
	if decision := policy.Admit(caller, req.CallDirection, pol); !decision.Allowed {
		rejectionsTotal.WithLabelValues(decision.Reason).Inc()
		return p.reject(ctx, res, pol.RejectMessage, decision.Reason, started)
	}
	if policy.MaxDurationExceeded(time.Since(createdAt), pol) {
		msg := cfg.MaxDurationMessage
		if msg == "" {
			msg = "I have to go now. Goodbye."
		}
		return p.hangupWith(ctx, res, msg, "max_duration", started)
	}

	p.store.Touch(sid)
	p.bus.Publish("turn.started", sid, map[string]any{"direction": req.CallDirection})

	// A queued operator utterance preempts the whole turn; the caller hears
	// it instead of a generated reply and the audio is discarded untranscribed.
	var inject *session.Inject
	_ = p.store.WithLock(sid, func(s *session.Session) error {
		inject = s.DrainInject()
		return nil
	})
	if inject != nil {
		return p.speakInject(ctx, res, inject, gen, started)
	}

	if req.ForcedReply != "" {
		res.Source = SourceForced
		return p.finish(ctx, res, req.ForcedReply, "", gen, started, session.TurnMetrics{})
	}

	// Transcription.
	transcript := req.Transcript
	var metrics session.TurnMetrics
	if transcript == "" && len(req.Audio) > 0 {
		asrStart := time.Now()
		asrCtx, asrSpan := p.tracer.StartSpan(ctx, observability.SpanTranscribe, observability.SessionAttrs(sid)...)
		text, err := p.transcriber.Transcribe(asrCtx, req.Audio, req.AudioFilename)
		asrSpan.End()
		metrics.ASRMillis = float64(time.Since(asrStart).Milliseconds())
		stageSeconds.WithLabelValues("asr").Observe(time.Since(asrStart).Seconds())
		if err != nil {
			p.logger.Warn("transcription failed", "session_id", sid, "error", err)
			p.bus.Publish("turn.error", sid, map[string]any{"stage": "asr", "error": err.Error()})
			turnsTotal.WithLabelValues(outcomeError).Inc()
		} else {
			transcript = strings.TrimSpace(text)
		}
	}
	// The hint stands in when transcription was skipped, failed or heard
	// nothing.
	if transcript == "" {
		transcript = strings.TrimSpace(req.Hint)
	}
	res.Transcript = transcript
	p.bus.Publish("turn.transcript", sid, map[string]any{"transcript": transcript})

	if transcript == "" {
		res.Source = SourcePolicy
		return p.finish(ctx, res, replyEmptyAudio, "", gen, started, metrics)
	}

	// Passphrase gate. Nothing reaches the LLM until it passes; silence asks
	// the caller to repeat without burning an attempt.
	var authPending bool
	_ = p.store.WithLock(sid, func(s *session.Session) error {
		authPending = s.AuthStatus() == session.AuthPending
		return nil
	})
	if authPending {
		return p.authGate(ctx, res, transcript, pol, gen, started, metrics)
	}

	// Reply generation: delegated when an operator holds the session, local
	// otherwise. Delegation failure of any kind falls back to local
	// generation so the caller never waits on a silent line.
	var reply string
	var model string
	if p.agents != nil && p.agents.UnderTakeover(sid) {
		dCtx, dSpan := p.tracer.StartSpan(ctx, observability.SpanDelegate, observability.SessionAttrs(sid)...)
		text, err := p.agents.Delegate(dCtx, sid, transcript)
		dSpan.End()
		switch {
		case err == nil:
			delegationsTotal.WithLabelValues("answered").Inc()
			reply = text
			res.Source = SourceAgent
		case errors.Is(err, agentlink.ErrDelegationTimeout):
			delegationsTotal.WithLabelValues("timeout").Inc()
			p.logger.Warn("operator reply timed out, generating locally", "session_id", sid)
			if cfg.AgentTimeoutAutoRelease {
				p.store.SetTakeover(sid, false)
				p.bus.Publish("agent.release", sid, map[string]any{"cause": "timeout"})
			}
		default:
			delegationsTotal.WithLabelValues("failed").Inc()
			p.logger.Warn("delegation failed, generating locally", "session_id", sid, "error", err)
		}
	}
	if reply == "" {
		llmStart := time.Now()
		var messages []llm.Message
		_ = p.store.WithLock(sid, func(s *session.Session) error {
			messages = p.assembler.Build(s, transcript)
			return nil
		})
		gCtx, gSpan := p.tracer.StartSpan(ctx, observability.SpanGenerate, observability.SessionAttrs(sid)...)
		result, err := p.llm.Generate(gCtx, messages)
		if err == nil {
			gSpan.SetAttributes(attribute.String(observability.AttrModel, result.Model))
		}
		gSpan.End()
		metrics.LLMMillis = float64(time.Since(llmStart).Milliseconds())
		stageSeconds.WithLabelValues("llm").Observe(time.Since(llmStart).Seconds())
		if err != nil {
			p.logger.Error("generation failed", "session_id", sid, "error", err)
			p.bus.Publish("turn.error", sid, map[string]any{"stage": "llm", "error": err.Error()})
			turnsTotal.WithLabelValues(outcomeError).Inc()
			res.Source = SourcePolicy
			return p.finish(ctx, res, replyLLMFallback, "", gen, started, metrics)
		}
		reply = result.Text
		model = result.Model
		res.Source = SourceLLM
	}
	metrics.Model = model

	// Record the exchange, then compact. Skipped when the session was reset
	// while the LLM ran.
	stale := false
	_ = p.store.WithLock(sid, func(s *session.Session) error {
		if s.Generation() != gen {
			stale = true
			return nil
		}
		s.AppendMessage("user", transcript)
		s.AppendMessage("assistant", reply)
		return nil
	})
	if stale {
		return p.staleResult(res)
	}
	if err := p.compactor.Compact(ctx, p.store, sid, prompt.Limits{
		MaxHistoryTurns: cfg.MaxHistoryTurns,
		ContextTokens:   cfg.LLMContextTokens,
		ReserveTokens:   cfg.LLMMaxTokens,
	}); err != nil {
		p.logger.Warn("compaction failed", "session_id", sid, "error", err)
	}

	return p.finish(ctx, res, reply, transcript, gen, started, metrics)
}

// authGate handles one utterance while authentication is pending.
func (p *Pipeline) authGate(ctx context.Context, res *TurnResult, transcript string, pol policy.CallPolicy, gen uint64, started time.Time, metrics session.TurnMetrics) (*TurnResult, error) {
	sid := res.SessionID
	res.Source = SourcePolicy

	if policy.MatchPassphrase(transcript, pol.Passphrase) {
		_ = p.store.WithLock(sid, func(s *session.Session) error {
			s.MarkAuthenticated()
			return nil
		})
		p.bus.Publish("turn.authenticated", sid, nil)
		return p.finish(ctx, res, replyAuthOK, transcript, gen, started, metrics)
	}

	var attempts int
	_ = p.store.WithLock(sid, func(s *session.Session) error {
		attempts = s.RecordAuthAttempt()
		return nil
	})
	p.bus.Publish("turn.auth_failed", sid, map[string]any{"attempts": attempts})
	if pol.MaxAuthAttempts > 0 && attempts >= pol.MaxAuthAttempts {
		_ = p.store.WithLock(sid, func(s *session.Session) error {
			s.MarkAuthRejected()
			return nil
		})
		return p.hangupWith(ctx, res, pol.RejectMessage, "auth_failed", started)
	}
	return p.finish(ctx, res, replyAuthRetry, transcript, gen, started, metrics)
}

// speakInject plays a queued operator utterance as the whole turn.
func (p *Pipeline) speakInject(ctx context.Context, res *TurnResult, inject *session.Inject, gen uint64, started time.Time) (*TurnResult, error) {
	res.Source = SourceInject
	if inject.AudioBase64 != "" {
		if audio, err := base64.StdEncoding.DecodeString(inject.AudioBase64); err == nil {
			res.Audio = audio
			res.Reply = inject.Text
			res.OK = true
			_ = p.store.WithLock(res.SessionID, func(s *session.Session) error {
				if s.Generation() == gen && inject.Text != "" {
					s.AppendMessage("assistant", inject.Text)
				}
				return nil
			})
			p.publishComplete(res, started, session.TurnMetrics{})
			return res, nil
		}
	}
	return p.finish(ctx, res, inject.Text, "", gen, started, session.TurnMetrics{})
}

// reject denies admission: the reject message is synthesized, the session is
// marked ended, and the bridge is told to hang up.
func (p *Pipeline) reject(ctx context.Context, res *TurnResult, message, reason string, started time.Time) (*TurnResult, error) {
	res.Rejected = true
	res.Hangup = true
	res.Reason = reason
	res.Reply = message
	res.Source = SourcePolicy
	res.Audio = p.synthesize(ctx, res.SessionID, message, &res.Metrics)
	p.store.End(res.SessionID)
	p.bus.Publish("turn.caller_rejected", res.SessionID, map[string]any{"reason": reason})
	turnsTotal.WithLabelValues(outcomeRejected).Inc()
	res.Metrics.TotalMillis = float64(time.Since(started).Milliseconds())
	return res, nil
}

// hangupWith speaks a final message and ends the session.
func (p *Pipeline) hangupWith(ctx context.Context, res *TurnResult, message, reason string, started time.Time) (*TurnResult, error) {
	res.Hangup = true
	res.Reason = reason
	res.Reply = message
	res.Source = SourcePolicy
	res.Audio = p.synthesize(ctx, res.SessionID, message, &res.Metrics)
	p.store.End(res.SessionID)
	p.bus.Publish("call.ended", res.SessionID, map[string]any{"reason": reason})
	turnsTotal.WithLabelValues(outcomeHangup).Inc()
	res.Metrics.TotalMillis = float64(time.Since(started).Milliseconds())
	return res, nil
}

// finish synthesizes the reply, records the turn and publishes completion.
func (p *Pipeline) finish(ctx context.Context, res *TurnResult, reply, transcript string, gen uint64, started time.Time, metrics session.TurnMetrics) (*TurnResult, error) {
	sid := res.SessionID
	res.Reply = reply
	p.bus.Publish("turn.reply", sid, map[string]any{"reply": reply, "source": res.Source})

	if p.store.Generation(sid) != gen {
		return p.staleResult(res)
	}

	res.Audio = p.synthesize(ctx, sid, reply, &metrics)

	if p.store.Generation(sid) != gen {
		return p.staleResult(res)
	}

	metrics.TotalMillis = float64(time.Since(started).Milliseconds())
	res.Metrics = metrics
	res.OK = true
	_ = p.store.WithLock(sid, func(s *session.Session) error {
		s.RecordTurn(session.TurnRecord{
			Transcript:  transcript,
			Reply:       reply,
			ForcedReply: res.Source == SourceForced,
			Metrics:     metrics,
		})
		return nil
	})
	if err := p.store.Save(sid); err != nil {
		p.logger.Warn("session save failed", "session_id", sid, "error", err)
	}
	p.publishComplete(res, started, metrics)
	return res, nil
}

// staleResult marks a turn aborted by a mid-flight session reset. The reply
// is discarded rather than spoken into a conversation that no longer exists.
func (p *Pipeline) staleResult(res *TurnResult) (*TurnResult, error) {
	res.Stale = true
	res.Reason = "session_reset"
	res.Audio = nil
	p.bus.Publish("turn.stale", res.SessionID, nil)
	return res, nil
}

func (p *Pipeline) publishComplete(res *TurnResult, started time.Time, metrics session.TurnMetrics) {
	turnsTotal.WithLabelValues(outcomeOK).Inc()
	stageSeconds.WithLabelValues("total").Observe(time.Since(started).Seconds())
	p.bus.Publish("turn.complete", res.SessionID, map[string]any{
		"source":   res.Source,
		"total_ms": metrics.TotalMillis,
	})
}

func (p *Pipeline) synthesize(ctx context.Context, sid, text string, metrics *session.TurnMetrics) []byte {
	if text == "" || p.synthesizer == nil {
		return nil
	}
	ttsStart := time.Now()
	tCtx, tSpan := p.tracer.StartSpan(ctx, observability.SpanSynthesize, observability.SessionAttrs(sid)...)
	audio, err := p.synthesizer.Synthesize(tCtx, text)
	tSpan.End()
	metrics.TTSMillis = float64(time.Since(ttsStart).Milliseconds())
	stageSeconds.WithLabelValues("tts").Observe(time.Since(ttsStart).Seconds())
	if err != nil {
		p.logger.Warn("synthesis failed", "session_id", sid, "error", err)
		return nil
	}
	return audio
}

// SaveCarryover persists the session's history for its caller so the next
// call can resume. Called on session end when keep_history is enabled.
func (p *Pipeline) SaveCarryover(sid string) {
	cfg := p.cfg()
	if !cfg.KeepHistory {
		return
	}
	var number, summary string
	var history []session.Message
	_ = p.store.WithLock(sid, func(s *session.Session) error {
		number = s.CallerNumber()
		history = s.History()
		summary = s.Summary()
		return nil
	})
	if number == "" || len(history) == 0 {
		return
	}
	if err := p.store.SaveCallerHistory(number, history, summary); err != nil {
		p.logger.Warn("caller history save failed", "session_id", sid, "error", err)
	}
}

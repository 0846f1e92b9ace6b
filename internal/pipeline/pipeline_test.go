package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate/internal/agentlink"
	"voicegate/internal/bus"
	"voicegate/internal/config"
	"voicegate/internal/instructions"
	"voicegate/internal/llm"
	"voicegate/internal/prompt"
	"voicegate/internal/session"
	"voicegate/internal/speech"
)

type fakeAgents struct {
	takeover bool
	reply    string
	err      error
	calls    int
}

func (f *fakeAgents) UnderTakeover(string) bool { return f.takeover }

func (f *fakeAgents) Delegate(context.Context, string, string) (string, error) {
	f.calls++
	return f.reply, f.err
}

type fixture struct {
	pipe   *Pipeline
	store  *session.Store
	bus    *bus.Bus
	instr  *instructions.Store
	llm    *llm.Mock
	asr    *speech.MockTranscriber
	tts    *speech.MockSynthesizer
	agents *fakeAgents
	cfg    *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := &config.Config{
		LLMSystemPrompt:       "You are a phone assistant.",
		MaxHistoryTurns:       8,
		UnknownCallersAllowed: true,
		AuthRejectMessage:     "I'm sorry, I can't help you right now. Goodbye.",
		AuthMaxAttempts:       3,
		MaxDurationSec:        300,
	}
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{
		store:  session.NewStore(t.TempDir(), 10*time.Minute, nil),
		bus:    bus.New(nil),
		llm:    llm.NewMock("generated reply"),
		asr:    &speech.MockTranscriber{Transcript: "hello there"},
		tts:    &speech.MockSynthesizer{},
		agents: &fakeAgents{},
		cfg:    cfg,
	}
	f.instr = instructions.NewStore(func() string { return cfg.LLMSystemPrompt })
	f.pipe = New(Options{
		Store:       f.store,
		Bus:         f.bus,
		Instr:       f.instr,
		Compactor:   prompt.NewCompactor(llm.NewMock("digest"), nil),
		Transcriber: f.asr,
		Synthesizer: f.tts,
		LLM:         f.llm,
		Agents:      f.agents,
		Config:      func() *config.Config { return f.cfg },
	})
	return f
}

func (f *fixture) run(t *testing.T, req TurnRequest) *TurnResult {
	t.Helper()
	res, err := f.pipe.Run(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestRunNormalTurn(t *testing.T) {
	f := newFixture(t, nil)

	res := f.run(t, TurnRequest{
		Audio:         []byte("wav-bytes"),
		CallerNumber:  "+15550100",
		CallDirection: "incoming",
	})

	assert.True(t, res.OK)
	assert.False(t, res.Hangup)
	assert.False(t, res.Rejected)
	assert.Equal(t, "hello there", res.Transcript)
	assert.Equal(t, "generated reply", res.Reply)
	assert.Equal(t, SourceLLM, res.Source)
	assert.NotEmpty(t, res.Audio, "reply must be synthesized")
	assert.Equal(t, 1, f.asr.Calls())
	assert.Equal(t, 1, f.llm.Calls())

	_ = f.store.WithLock(res.SessionID, func(s *session.Session) error {
		history := s.History()
		require.Len(t, history, 2)
		assert.Equal(t, session.Message{Role: "user", Content: "hello there"}, history[0])
		assert.Equal(t, session.Message{Role: "assistant", Content: "generated reply"}, history[1])
		assert.Equal(t, 1, s.TurnCount())
		return nil
	})
}

func TestRunForcedReplyBypassesASRAndLLM(t *testing.T) {
	f := newFixture(t, nil)

	res := f.run(t, TurnRequest{
		Audio:       []byte("ignored"),
		ForcedReply: "Hello, this is the assistant.",
	})

	assert.True(t, res.OK)
	assert.Equal(t, "Hello, this is the assistant.", res.Reply)
	assert.Equal(t, SourceForced, res.Source)
	assert.NotEmpty(t, res.Audio)
	assert.Equal(t, 0, f.asr.Calls())
	assert.Equal(t, 0, f.llm.Calls())

	_ = f.store.WithLock(res.SessionID, func(s *session.Session) error {
		assert.Equal(t, 0, s.HistoryLen(), "forced replies are not conversation")
		turns := s.Turns()
		require.Len(t, turns, 1)
		assert.True(t, turns[0].ForcedReply)
		return nil
	})
}

func TestRunBlocklistedCallerRejected(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.CallerBlocklist = []string{"+1 555 0100"}
	})

	res := f.run(t, TurnRequest{
		Audio:        []byte("wav"),
		CallerNumber: "+1-555-0100",
	})

	assert.False(t, res.OK)
	assert.True(t, res.Rejected)
	assert.True(t, res.Hangup)
	assert.Equal(t, "blocklisted", res.Reason)
	assert.Equal(t, f.cfg.AuthRejectMessage, res.Reply)
	assert.NotEmpty(t, res.Audio, "reject message is still spoken")
	assert.Equal(t, 0, f.llm.Calls())
	assert.True(t, f.store.IsEnded(res.SessionID))
}

func TestRunAuthGate(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.AuthPassphrase = "blue harvest"
	})

	// Wrong guess: counted, caller asked to retry.
	f.asr.Transcript = "open the door"
	res := f.run(t, TurnRequest{Audio: []byte("wav")})
	sid := res.SessionID
	assert.True(t, res.OK)
	assert.Equal(t, "That's not correct. Please try again.", res.Reply)
	assert.Equal(t, 0, f.llm.Calls())

	// Fuzzy match authenticates.
	f.asr.Transcript = "the passphrase is Blue, Harvest!"
	res = f.run(t, TurnRequest{SessionID: sid, Audio: []byte("wav")})
	assert.Equal(t, "Authentication successful. How can I help you?", res.Reply)
	_ = f.store.WithLock(sid, func(s *session.Session) error {
		assert.True(t, s.Authenticated())
		return nil
	})

	// Subsequent turns reach the LLM.
	f.asr.Transcript = "what's on my calendar"
	res = f.run(t, TurnRequest{SessionID: sid, Audio: []byte("wav")})
	assert.Equal(t, SourceLLM, res.Source)
	assert.Equal(t, 1, f.llm.Calls())
}

func TestRunAuthMaxAttemptsHangsUp(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.AuthPassphrase = "blue harvest"
		cfg.AuthMaxAttempts = 1
	})

	f.asr.Transcript = "wrong guess"
	res := f.run(t, TurnRequest{Audio: []byte("wav")})

	assert.True(t, res.Hangup)
	assert.Equal(t, "auth_failed", res.Reason)
	assert.Equal(t, f.cfg.AuthRejectMessage, res.Reply)
	assert.Equal(t, 0, f.llm.Calls())
	assert.True(t, f.store.IsEnded(res.SessionID))

	_ = f.store.WithLock(res.SessionID, func(s *session.Session) error {
		assert.Equal(t, session.AuthRejected, s.AuthStatus())
		return nil
	})
}

func TestRunEmptyTranscript(t *testing.T) {
	f := newFixture(t, nil)
	f.asr.Transcript = "   "

	res := f.run(t, TurnRequest{Audio: []byte("wav")})
	assert.True(t, res.OK)
	assert.Equal(t, replyEmptyAudio, res.Reply)
	assert.Equal(t, 0, f.llm.Calls(), "nothing to say to the LLM")
}

func TestRunHintBacksEmptyTranscription(t *testing.T) {
	f := newFixture(t, nil)
	f.asr.Transcript = ""

	res := f.run(t, TurnRequest{Audio: []byte("wav"), Hint: "what is the weather"})
	assert.True(t, res.OK)
	assert.Equal(t, "what is the weather", res.Transcript)
	assert.Equal(t, "generated reply", res.Reply)
	assert.Equal(t, 1, f.asr.Calls(), "transcription is still attempted first")
	assert.Equal(t, 1, f.llm.Calls())
}

func TestRunHintBacksFailedTranscription(t *testing.T) {
	f := newFixture(t, nil)
	f.asr.Err = context.DeadlineExceeded

	res := f.run(t, TurnRequest{Audio: []byte("wav"), Hint: "call me back later"})
	assert.Equal(t, "call me back later", res.Transcript)
	assert.Equal(t, SourceLLM, res.Source)
	assert.Equal(t, "generated reply", res.Reply)
}

func TestRunSilenceDoesNotBurnAuthAttempt(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.AuthPassphrase = "blue harvest"
		cfg.AuthMaxAttempts = 1
	})
	f.asr.Transcript = ""

	res := f.run(t, TurnRequest{Audio: []byte("wav")})
	assert.True(t, res.OK)
	assert.False(t, res.Hangup)
	assert.Equal(t, replyEmptyAudio, res.Reply)

	_ = f.store.WithLock(res.SessionID, func(s *session.Session) error {
		assert.Equal(t, session.AuthPending, s.AuthStatus())
		assert.Equal(t, 0, s.AuthAttempts())
		return nil
	})
}

func TestRunDelegatesUnderTakeover(t *testing.T) {
	f := newFixture(t, nil)
	f.agents.takeover = true
	f.agents.reply = "operator says hi"

	res := f.run(t, TurnRequest{Audio: []byte("wav")})
	assert.Equal(t, SourceAgent, res.Source)
	assert.Equal(t, "operator says hi", res.Reply)
	assert.Equal(t, 0, f.llm.Calls())

	// The delegated exchange still lands in history.
	_ = f.store.WithLock(res.SessionID, func(s *session.Session) error {
		require.Equal(t, 2, s.HistoryLen())
		assert.Equal(t, "operator says hi", s.History()[1].Content)
		return nil
	})
}

func TestRunDelegationTimeoutFallsBackToLLM(t *testing.T) {
	f := newFixture(t, nil)
	f.agents.takeover = true
	f.agents.err = agentlink.ErrDelegationTimeout

	res := f.run(t, TurnRequest{Audio: []byte("wav")})
	assert.Equal(t, SourceLLM, res.Source)
	assert.Equal(t, "generated reply", res.Reply)
	assert.Equal(t, 1, f.agents.calls)
	assert.Equal(t, 1, f.llm.Calls())
}

func TestRunInjectPreemptsTurn(t *testing.T) {
	f := newFixture(t, nil)
	sid := f.store.GetOrCreate("")
	_ = f.store.WithLock(sid, func(s *session.Session) error {
		s.QueueInject("please hold", "")
		return nil
	})

	res := f.run(t, TurnRequest{SessionID: sid, Audio: []byte("wav")})
	assert.Equal(t, SourceInject, res.Source)
	assert.Equal(t, "please hold", res.Reply)
	assert.Equal(t, 0, f.asr.Calls(), "caller audio is discarded untranscribed")
	assert.Equal(t, 0, f.llm.Calls())

	// The queue drained: the next turn runs normally.
	res = f.run(t, TurnRequest{SessionID: sid, Audio: []byte("wav")})
	assert.Equal(t, SourceLLM, res.Source)
}

func TestRunTranscriptHintSkipsASR(t *testing.T) {
	f := newFixture(t, nil)

	res := f.run(t, TurnRequest{Transcript: "typed instead of spoken"})
	assert.Equal(t, "typed instead of spoken", res.Transcript)
	assert.Equal(t, 0, f.asr.Calls())
	assert.Equal(t, 1, f.llm.Calls())
}

func TestRunKeepHistoryCarryover(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.KeepHistory = true
	})
	prior := []session.Message{
		{Role: "user", Content: "remember the cake"},
		{Role: "assistant", Content: "noted"},
	}
	require.NoError(t, f.store.SaveCallerHistory("+15550100", prior, "they like cake"))

	res := f.run(t, TurnRequest{Audio: []byte("wav"), CallerNumber: "+1 (555) 0100"})

	_ = f.store.WithLock(res.SessionID, func(s *session.Session) error {
		history := s.History()
		require.Len(t, history, 4, "carryover plus the new exchange")
		assert.Equal(t, "remember the cake", history[0].Content)
		assert.Equal(t, "they like cake", s.Summary())
		return nil
	})
	// The carried context reached the prompt.
	assert.Contains(t, messageContents(f.llm.Last), "remember the cake")
}

func messageContents(messages []llm.Message) string {
	var all string
	for _, m := range messages {
		all += m.Content + "\n"
	}
	return all
}

func TestRunStaleGenerationDiscardsReply(t *testing.T) {
	f := newFixture(t, nil)
	sid := f.store.GetOrCreate("")

	// The "LLM" resets the session mid-generation, standing in for a caller
	// hangup racing a slow backend.
	f.pipe.llm = &resettingLLM{inner: f.llm, store: f.store, sid: sid}

	res := f.run(t, TurnRequest{SessionID: sid, Audio: []byte("wav")})
	assert.True(t, res.Stale)
	assert.False(t, res.OK)
	assert.Empty(t, res.Audio, "a stale reply is never spoken")

	_ = f.store.WithLock(sid, func(s *session.Session) error {
		assert.Equal(t, 0, s.HistoryLen())
		return nil
	})
}

type resettingLLM struct {
	inner *llm.Mock
	store *session.Store
	sid   string
}

func (r *resettingLLM) Generate(ctx context.Context, messages []llm.Message) (llm.Result, error) {
	r.store.Reset(r.sid)
	return r.inner.Generate(ctx, messages)
}

func (r *resettingLLM) Health(ctx context.Context) map[string]any { return r.inner.Health(ctx) }

func TestRunResetClearsStateFirst(t *testing.T) {
	f := newFixture(t, nil)
	sid := f.store.GetOrCreate("")
	_ = f.store.WithLock(sid, func(s *session.Session) error {
		s.AppendMessage("user", "old context")
		s.AppendMessage("assistant", "old reply")
		return nil
	})

	res := f.run(t, TurnRequest{SessionID: sid, Audio: []byte("wav"), Reset: true})
	assert.True(t, res.OK)
	_ = f.store.WithLock(sid, func(s *session.Session) error {
		history := s.History()
		require.Len(t, history, 2, "only the new exchange survives the reset")
		assert.Equal(t, "hello there", history[0].Content)
		return nil
	})
}

func TestRunMaxDurationEndsCall(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.MaxDurationSec = 1
		cfg.MaxDurationMessage = "We're out of time. Goodbye."
	})
	sid := f.store.GetOrCreate("")
	time.Sleep(1100 * time.Millisecond)

	res := f.run(t, TurnRequest{SessionID: sid, Audio: []byte("wav")})
	assert.True(t, res.Hangup)
	assert.Equal(t, "max_duration", res.Reason)
	assert.Equal(t, "We're out of time. Goodbye.", res.Reply)
	assert.True(t, f.store.IsEnded(sid))
}

func TestRunLLMFailureSpeaksFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.Err = context.DeadlineExceeded

	res := f.run(t, TurnRequest{Audio: []byte("wav")})
	assert.True(t, res.OK, "the caller still hears something")
	assert.Equal(t, replyLLMFallback, res.Reply)
	assert.NotEmpty(t, res.Audio)
}

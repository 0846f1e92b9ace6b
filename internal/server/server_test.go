package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate/internal/agentlink"
	"voicegate/internal/bus"
	"voicegate/internal/config"
	"voicegate/internal/instructions"
	"voicegate/internal/llm"
	"voicegate/internal/phone"
	"voicegate/internal/pipeline"
	"voicegate/internal/prompt"
	"voicegate/internal/session"
	"voicegate/internal/speech"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *speech.MockTranscriber) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicegate.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	configMgr, err := config.Load(path, nil)
	require.NoError(t, err)
	if mutate != nil {
		_, err = configMgr.Update(mutate)
		require.NoError(t, err)
	}
	cfg := configMgr.Snapshot()

	store := session.NewStore(t.TempDir(), cfg.SessionTTL(), nil)
	eventBus := bus.New(nil)
	instr := instructions.NewStore(func() string { return configMgr.Snapshot().LLMSystemPrompt })
	agents := agentlink.NewManager(store, eventBus, time.Second, nil)
	mockLLM := llm.NewMock("generated reply")
	synth := &speech.MockSynthesizer{}
	asr := &speech.MockTranscriber{Transcript: "hello there"}

	pipe := pipeline.New(pipeline.Options{
		Store:       store,
		Bus:         eventBus,
		Instr:       instr,
		Compactor:   prompt.NewCompactor(llm.NewMock("digest"), nil),
		Transcriber: asr,
		Synthesizer: synth,
		LLM:         mockLLM,
		Agents:      agents,
		Config:      configMgr.Snapshot,
	})

	srv := New(Options{
		ConfigMgr:   configMgr,
		Store:       store,
		Bus:         eventBus,
		Instr:       instr,
		Pipeline:    pipe,
		Agents:      agents,
		LLM:         mockLLM,
		Synthesizer: synth,
		Bridge:      phone.NewBridge("", nil),
		Version:     "test",
	})
	return srv, asr
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w, decoded
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w, body := doJSON(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestBearerAuth(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.BearerToken = "sesame"
	})

	w, _ := doJSON(t, s, http.MethodGet, "/api/sessions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = doJSON(t, s, http.MethodGet, "/api/sessions", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = doJSON(t, s, http.MethodGet, "/api/sessions", nil, map[string]string{"Authorization": "Bearer sesame"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open for probes.
	w, _ = doJSON(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w, body := doJSON(t, s, http.MethodPost, "/api/session/new", map[string]any{
		"caller_number": "+1 (555) 0100",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sid := body["session_id"].(string)
	require.NotEmpty(t, sid)

	w, body = doJSON(t, s, http.MethodGet, "/api/sessions/"+sid, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "+15550100", body["caller_number"])

	w, _ = doJSON(t, s, http.MethodPost, "/api/session/reset", map[string]any{"session_id": sid}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, s, http.MethodPost, "/api/session/end", map[string]any{"session_id": sid}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Ending twice conflicts.
	w, _ = doJSON(t, s, http.MethodPost, "/api/session/end", map[string]any{"session_id": sid}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	state, ok := s.CallState(sid)
	require.True(t, ok)
	assert.Equal(t, true, state["ended"])
	assert.Contains(t, state, "ended_at")
}

func TestTurnMultipart(t *testing.T) {
	s, _ := newTestServer(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", "turn.wav")
	require.NoError(t, err)
	_, _ = part.Write([]byte("fake-wav"))
	_ = mw.WriteField("caller_number", "+15550100")
	_ = mw.WriteField("call_direction", "incoming")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/turn", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "hello there", body["transcript"])
	assert.Equal(t, "generated reply", body["reply"])
	assert.NotEmpty(t, body["audio_base64"])
	assert.Equal(t, false, body["hangup"])
}

func TestTurnHintBacksEmptyTranscription(t *testing.T) {
	s, asr := newTestServer(t, nil)
	asr.Transcript = ""

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", "turn.wav")
	require.NoError(t, err)
	_, _ = part.Write([]byte("fake-wav"))
	_ = mw.WriteField("transcript_hint", "what is the weather")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/turn", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "what is the weather", body["transcript"], "hint backs a silent recording")
	assert.Equal(t, "generated reply", body["reply"])
}

func TestInstructionEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)
	sid := s.store.GetOrCreate("")

	w, _ := doJSON(t, s, http.MethodPost, "/api/instructions/"+sid, map[string]any{"text": "be terse"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "be terse", s.instr.Session(sid))

	w, _ = doJSON(t, s, http.MethodPost, "/api/instructions/"+sid+"/turn", map[string]any{"text": "just once"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "just once", s.instr.PeekTurn(sid))

	w, _ = doJSON(t, s, http.MethodDelete, "/api/instructions/"+sid, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, s.instr.Session(sid))

	w, _ = doJSON(t, s, http.MethodPost, "/api/instructions/unknown-id", map[string]any{"text": "x"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCallConfigGuardOverREST(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w, body := doJSON(t, s, http.MethodPost, "/api/config/call", map[string]any{
		"greeting_owner": "Dana",
		"bearer_token":   "stolen",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.ElementsMatch(t, []any{"greeting_owner"}, body["applied"])
	assert.ElementsMatch(t, []any{"bearer_token"}, body["refused"])
	assert.Equal(t, "Dana", s.configMgr.Snapshot().GreetingOwner)
	assert.Empty(t, s.configMgr.Snapshot().BearerToken)
}

func TestAgentContextActiveResolution(t *testing.T) {
	s, _ := newTestServer(t, nil)
	sid := s.store.GetOrCreate("")

	w, _ := doJSON(t, s, http.MethodPost, "/api/agent/context/_active", map[string]any{"text": "caller is a VIP"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "caller is a VIP", s.instr.Knowledge(sid))

	w, body := doJSON(t, s, http.MethodGet, "/api/agent/context/"+sid, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "caller is a VIP", body["knowledge"])

	w, _ = doJSON(t, s, http.MethodDelete, "/api/agent/context/"+sid, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, s.instr.Knowledge(sid))
}

func TestCallInjectQueuesUtterance(t *testing.T) {
	s, _ := newTestServer(t, nil)
	sid := s.store.GetOrCreate("")

	w, _ := doJSON(t, s, http.MethodPost, "/api/call/inject", map[string]any{
		"session_id": sid,
		"text":       "please hold",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var inj *session.Inject
	_ = s.store.WithLock(sid, func(sess *session.Session) error {
		inj = sess.DrainInject()
		return nil
	})
	require.NotNil(t, inj)
	assert.Equal(t, "please hold", inj.Text)
	assert.NotEmpty(t, inj.AudioBase64, "inject is pre-synthesized")
}

func TestDialWithoutBridge(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w, body := doJSON(t, s, http.MethodPost, "/api/call/dial", map[string]any{"number": "+15550123"}, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, body["error"], "no bridge command")
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w, body := doJSON(t, s, http.MethodGet, "/api/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test", body["version"])
	assert.Contains(t, body, "active_sessions")
	assert.Contains(t, body, "config")
	cfg := body["config"].(map[string]any)
	_, hasToken := cfg["bearer_token"]
	assert.False(t, hasToken, "status must not leak credentials")
}

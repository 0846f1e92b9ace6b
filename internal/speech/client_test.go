package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTranscriptShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bare string", `"hello there"`, "hello there"},
		{"text field", `{"text": "hello there"}`, "hello there"},
		{"transcript field", `{"transcript": "hello there"}`, "hello there"},
		{"segments", `{"segments": [{"text": " hello"}, {"text": "there "}]}`, "hello there"},
		{"garbage", `not json`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parseTranscript([]byte(tc.body)))
		})
	}
}

func TestTranscribePostsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-test", r.FormValue("model"))
		assert.Equal(t, "en", r.FormValue("language"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "turn.wav", header.Filename)

		_ = json.NewEncoder(w).Encode(map[string]any{"text": "hi there"})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, STTModel: "whisper-test", STTLanguage: "en"}, nil)
	text, err := c.Transcribe(context.Background(), []byte("fake-wav"), "")
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)
}

func TestSynthesizeReturnsAudio(t *testing.T) {
	wav := []byte("RIFF....WAVE")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "kokoro-test", req["model"])
		assert.Equal(t, "wav", req["response_format"])
		assert.Equal(t, "Hello.", req["input"])
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, TTSModel: "kokoro-test", TTSVoice: "am_adam", TTSSpeed: 1.0}, nil)
	audio, err := c.Synthesize(context.Background(), "Hello.")
	require.NoError(t, err)
	assert.Equal(t, wav, audio)
}

func TestSynthesizeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	_, err := c.Synthesize(context.Background(), "Hello.")
	assert.Error(t, err)
}

func TestMockSynthesizerProducesWAV(t *testing.T) {
	m := &MockSynthesizer{}
	audio, err := m.Synthesize(context.Background(), "a short reply")
	require.NoError(t, err)
	require.Greater(t, len(audio), 44, "header plus samples")
	assert.Equal(t, "RIFF", string(audio[:4]))
	assert.Equal(t, "WAVE", string(audio[8:12]))
	assert.Equal(t, 1, m.Calls())
}

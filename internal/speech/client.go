package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"voicegate/internal/logging"
	"voicegate/internal/textnorm"
)

// Config configures the speech server client.
type Config struct {
	BaseURL     string
	STTModel    string
	STTLanguage string
	TTSModel    string
	TTSVoice    string
	TTSSpeed    float64
	Timeout     time.Duration
}

// Client talks to an OpenAI-style speech server for both transcription and
// synthesis.
type Client struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient constructs a speech client from config.
func NewClient(config Config, logger *logging.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &Client{
		config:     config,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger).Component("speech"),
	}
}

// Transcribe runs ASR on the supplied audio bytes.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if filename == "" {
		filename = "turn.wav"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	_ = writer.WriteField("model", c.config.STTModel)
	_ = writer.WriteField("language", c.config.STTLanguage)
	if err := writer.Close(); err != nil {
		return "", err
	}

	endpoint := c.baseURL + "/v1/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("asr request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("asr status %d", resp.StatusCode)
	}

	return textnorm.SafeText(parseTranscript(data)), nil
}

// parseTranscript accepts the assorted shapes speech servers return: a bare
// string, {"text": ...}, {"transcript": ...}, or a segments array.
func parseTranscript(data []byte) string {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		return asString
	}
	var payload struct {
		Text       string `json:"text"`
		Transcript string `json:"transcript"`
		Segments   []struct {
			Text string `json:"text"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	if payload.Text != "" {
		return payload.Text
	}
	if payload.Transcript != "" {
		return payload.Transcript
	}
	var parts []string
	for _, seg := range payload.Segments {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Synthesize runs TTS on the reply text, returning WAV bytes.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	payload := map[string]any{
		"model":           c.config.TTSModel,
		"input":           textnorm.TrimForSpeech(text),
		"voice":           c.config.TTSVoice,
		"speed":           c.config.TTSSpeed,
		"response_format": "wav",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/v1/audio/speech"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Health checks the speech server's model listing.
func (c *Client) Health(ctx context.Context) map[string]any {
	checkCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return map[string]any{"ok": false, "error": fmt.Sprintf("status %d", resp.StatusCode)}
	}
	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return map[string]any{"ok": false, "error": err.Error()}
	}
	models := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		models = append(models, m.ID)
	}
	return map[string]any{"ok": true, "models": models}
}

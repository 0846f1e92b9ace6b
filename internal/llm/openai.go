package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"voicegate/internal/logging"
	"voicegate/internal/textnorm"
)

// openaiClient speaks the OpenAI-compatible chat completions API.
type openaiClient struct {
	model       string
	apiKey      string
	baseURL     string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	logger      *logging.Logger
}

// NewOpenAIClient constructs a chat-completions client from config.
func NewOpenAIClient(config Config, logger *logging.Logger) (Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("llm: base URL is required")
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &openaiClient{
		model:       config.Model,
		apiKey:      config.APIKey,
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logging.OrNop(logger).Component("llm"),
	}, nil
}

func (c *openaiClient) Generate(ctx context.Context, messages []Message) (Result, error) {
	payload := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"max_tokens":  c.maxTokens,
		"temperature": c.temperature,
		"stream":      false,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("llm request", "model", c.model, "messages", len(messages))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("llm status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("llm returned no choices")
	}

	text := extractContent(parsed.Choices[0].Message.Content)
	if text == "" {
		text = parsed.Choices[0].Text
	}
	text = textnorm.TrimForSpeech(text)
	if text == "" {
		text = "Got it. Please continue."
	}
	return Result{Text: text, Model: c.model}, nil
}

// extractContent handles both string content and the parts-array form some
// servers return.
func extractContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return textnorm.SafeText(s)
	}
	var parts []struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var texts []string
		for _, p := range parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			} else if p.Content != "" {
				texts = append(texts, p.Content)
			}
		}
		return textnorm.SafeText(strings.Join(texts, " "))
	}
	return ""
}

func (c *openaiClient) Health(ctx context.Context) map[string]any {
	return map[string]any{
		"backend":    "openai_remote",
		"base_url":   c.baseURL,
		"model":      c.model,
		"configured": c.baseURL != "",
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

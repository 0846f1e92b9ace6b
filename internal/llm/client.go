// Package llm is the boundary to the text-generation collaborator. The
// gateway only needs chat-style completion over an OpenAI-compatible API;
// the model itself is out of scope.
package llm

import (
	"context"
	"time"
)

// Message is one chat message in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is a completed generation.
type Result struct {
	Text  string
	Model string
}

// Config configures an HTTP client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Client generates replies for assembled prompts.
type Client interface {
	Generate(ctx context.Context, messages []Message) (Result, error)
	Health(ctx context.Context) map[string]any
}

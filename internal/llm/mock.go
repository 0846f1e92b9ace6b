package llm

import (
	"context"
	"sync"
	"sync/atomic"
)

// Mock is a scripted client for tests and dry runs. Replies are returned in
// order, falling back to Reply when the script runs out. The call counter
// makes summarization caching observable in tests.
type Mock struct {
	mu      sync.Mutex
	Replies []string
	Reply   string
	Err     error

	calls atomic.Int64
	Last  []Message
}

// NewMock returns a mock that always answers with reply.
func NewMock(reply string) *Mock {
	return &Mock{Reply: reply}
}

func (m *Mock) Generate(_ context.Context, messages []Message) (Result, error) {
	n := m.calls.Add(1)
	m.mu.Lock()
	m.Last = append([]Message(nil), messages...)
	err := m.Err
	text := m.Reply
	if int(n) <= len(m.Replies) {
		text = m.Replies[n-1]
	}
	m.mu.Unlock()
	if err != nil {
		return Result{}, err
	}
	if text == "" {
		text = "Got it. Please continue."
	}
	return Result{Text: text, Model: "mock"}, nil
}

// Calls returns how many generations have been requested.
func (m *Mock) Calls() int {
	return int(m.calls.Load())
}

func (m *Mock) Health(context.Context) map[string]any {
	return map[string]any{"backend": "mock", "calls": m.Calls()}
}

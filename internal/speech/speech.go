// Package speech is the boundary to the ASR and TTS collaborators, both
// served by one OpenAI-style speech server. Inference internals are out of
// scope; this package owns only the request/response contracts.
package speech

import "context"

// Transcriber converts caller audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Synthesizer converts reply text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// HealthChecker reports collaborator reachability for status output.
type HealthChecker interface {
	Health(ctx context.Context) map[string]any
}

// Package prompt assembles the per-turn LLM prompt from the instruction
// layers and session history, and compacts older history into a summary to
// bound prompt size.
package prompt

import (
	"voicegate/internal/instructions"
	"voicegate/internal/llm"
	"voicegate/internal/session"
)

// Assembler builds the message list for one generation.
type Assembler struct {
	instr *instructions.Store
}

// NewAssembler creates an assembler over the instruction layers.
func NewAssembler(instr *instructions.Store) *Assembler {
	return &Assembler{instr: instr}
}

// Build assembles the prompt in fixed order: effective system instruction
// (session override or base, with the one-shot supplement consumed here),
// operator knowledge merged into the system text, the compacted summary,
// verbatim recent history newest-last, and the current transcript.
//
// Build must run inside Store.WithLock so a concurrent injection or
// instruction update observes a consistent before/after snapshot, never a
// partially assembled prompt.
func (a *Assembler) Build(sess *session.Session, transcript string) []llm.Message {
	sid := sess.ID()

	system := a.instr.EffectiveSystem(sid)
	if knowledge := a.instr.Knowledge(sid); knowledge != "" {
		system += "\n\nIMPORTANT: use the following facts when answering:\n" + knowledge
	}

	messages := []llm.Message{{Role: "system", Content: system}}
	if summary := sess.Summary(); summary != "" {
		messages = append(messages, llm.Message{
			Role:    "system",
			Content: "Summary of earlier conversation:\n" + summary,
		})
	}
	for _, m := range sess.History() {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: transcript})
	return messages
}

package prompt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"voicegate/internal/llm"
	"voicegate/internal/logging"
	"voicegate/internal/session"
	"voicegate/internal/token"
)

const summaryCacheSize = 64

const summarizeInstruction = "Summarize this phone conversation history into a concise paragraph. " +
	"Preserve: caller identity, key facts mentioned, decisions made, " +
	"questions asked, and any commitments. " +
	"Drop: filler, greetings, repetition. " +
	"Output only the summary, nothing else."

// Limits bounds verbatim history before compaction kicks in.
type Limits struct {
	// MaxHistoryTurns caps verbatim history at twice this many messages.
	MaxHistoryTurns int
	// ContextTokens, when positive, additionally bounds the estimated token
	// usage of the retained window.
	ContextTokens int
	// ReserveTokens is headroom kept for the model output and system prompt.
	ReserveTokens int
}

// Compactor summarizes older history into a digest that replaces the prior
// summary wholesale. Summaries are cached by content hash so recompaction
// over an unchanged prefix hits the cache; concurrent identical requests
// collapse into one LLM call.
type Compactor struct {
	client llm.Client
	cache  *lru.Cache[string, string]
	group  singleflight.Group
	logger *logging.Logger
}

// NewCompactor creates a compactor using client for summarization.
func NewCompactor(client llm.Client, logger *logging.Logger) *Compactor {
	cache, _ := lru.New[string, string](summaryCacheSize)
	return &Compactor{
		client: client,
		cache:  cache,
		logger: logging.OrNop(logger).Component("compactor"),
	}
}

type compactionPlan struct {
	prefix       []session.Message
	recent       []session.Message
	priorSummary string
}

// plan decides, under the session lock, whether compaction is due and what
// to summarize.
func (c *Compactor) plan(sess *session.Session, limits Limits) *compactionPlan {
	history := sess.History()
	if len(history) == 0 {
		return nil
	}

	maxTurns := limits.MaxHistoryTurns
	if maxTurns < 1 {
		maxTurns = 1
	}
	keep := maxTurns * 2

	if limits.ContextTokens > 0 {
		budget := limits.ContextTokens - limits.ReserveTokens
		for keep > 2 {
			window := history
			if len(history) >= keep {
				window = history[len(history)-keep:]
			}
			total := 0
			for _, m := range window {
				total += token.Count(m.Content)
			}
			if total <= budget {
				break
			}
			keep -= 2
		}
	}

	if len(history) <= keep {
		return nil
	}
	return &compactionPlan{
		prefix:       history[:len(history)-keep],
		recent:       history[len(history)-keep:],
		priorSummary: sess.Summary(),
	}
}

// Compact checks the session against limits and, when verbatim history has
// outgrown them, summarizes the oldest messages and drops them. The LLM call
// runs without the session lock; the result is applied only if the session
// was not reset in the meantime.
func (c *Compactor) Compact(ctx context.Context, store *session.Store, sid string, limits Limits) error {
	var pl *compactionPlan
	var gen uint64
	_ = store.WithLock(sid, func(s *session.Session) error {
		gen = s.Generation()
		pl = c.plan(s, limits)
		return nil
	})
	if pl == nil {
		return nil
	}

	digest, err := c.summarize(ctx, pl.priorSummary, pl.prefix)
	if err != nil {
		// Summarization failure degrades to plain truncation, like losing
		// the oldest turns of a long call rather than failing the turn.
		c.logger.Warn("summarization failed, truncating history", "session_id", sid, "error", err)
		digest = ""
	}

	return store.WithLock(sid, func(s *session.Session) error {
		if s.Generation() != gen {
			return nil // session was reset mid-compaction
		}
		s.SetSummary(digest)
		s.ReplaceHistory(pl.recent)
		return nil
	})
}

func (c *Compactor) summarize(ctx context.Context, priorSummary string, prefix []session.Message) (string, error) {
	key := summaryKey(priorSummary, prefix)
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		var parts []string
		if priorSummary != "" {
			parts = append(parts, "Previous summary:\n"+priorSummary)
		}
		for _, m := range prefix {
			parts = append(parts, fmt.Sprintf("%s: %s", m.Role, m.Content))
		}
		res, err := c.client.Generate(ctx, []llm.Message{
			{Role: "system", Content: summarizeInstruction},
			{Role: "user", Content: strings.Join(parts, "\n")},
		})
		if err != nil {
			return "", err
		}
		c.cache.Add(key, res.Text)
		return res.Text, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func summaryKey(priorSummary string, prefix []session.Message) string {
	h := sha256.New()
	h.Write([]byte(priorSummary))
	for _, m := range prefix {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

package prompt

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate/internal/llm"
	"voicegate/internal/session"
)

func fillHistory(st *session.Store, sid string, turns int) {
	_ = st.WithLock(sid, func(s *session.Session) error {
		for i := 0; i < turns; i++ {
			s.AppendMessage("user", fmt.Sprintf("question %d", i))
			s.AppendMessage("assistant", fmt.Sprintf("answer %d", i))
		}
		return nil
	})
}

func TestCompactBelowLimitIsNoop(t *testing.T) {
	st := session.NewStore("", time.Minute, nil)
	sid := st.GetOrCreate("")
	fillHistory(st, sid, 3)

	mock := llm.NewMock("digest")
	c := NewCompactor(mock, nil)
	require.NoError(t, c.Compact(context.Background(), st, sid, Limits{MaxHistoryTurns: 4}))

	assert.Equal(t, 0, mock.Calls(), "no summarization below the limit")
	_ = st.WithLock(sid, func(s *session.Session) error {
		assert.Equal(t, 6, s.HistoryLen())
		assert.Empty(t, s.Summary())
		return nil
	})
}

func TestCompactSummarizesPrefixAndKeepsRecent(t *testing.T) {
	st := session.NewStore("", time.Minute, nil)
	sid := st.GetOrCreate("")
	fillHistory(st, sid, 6)

	mock := llm.NewMock("they discussed six things")
	c := NewCompactor(mock, nil)
	require.NoError(t, c.Compact(context.Background(), st, sid, Limits{MaxHistoryTurns: 2}))

	assert.Equal(t, 1, mock.Calls())
	_ = st.WithLock(sid, func(s *session.Session) error {
		assert.Equal(t, 4, s.HistoryLen(), "twice max turns retained verbatim")
		assert.Equal(t, "they discussed six things", s.Summary())
		history := s.History()
		assert.Equal(t, "question 4", history[0].Content, "oldest retained message")
		assert.Equal(t, "answer 5", history[3].Content, "newest message survives")
		return nil
	})
}

func TestCompactTokenBudgetShrinksWindow(t *testing.T) {
	st := session.NewStore("", time.Minute, nil)
	sid := st.GetOrCreate("")
	long := strings.Repeat("latency budget overruns ", 20)
	_ = st.WithLock(sid, func(s *session.Session) error {
		for i := 0; i < 6; i++ {
			s.AppendMessage("user", long)
			s.AppendMessage("assistant", long)
		}
		return nil
	})

	mock := llm.NewMock("digest")
	c := NewCompactor(mock, nil)
	require.NoError(t, c.Compact(context.Background(), st, sid, Limits{
		MaxHistoryTurns: 4,
		ContextTokens:   150,
		ReserveTokens:   50,
	}))

	assert.Equal(t, 1, mock.Calls())
	_ = st.WithLock(sid, func(s *session.Session) error {
		assert.Equal(t, 2, s.HistoryLen(), "token budget shrinks the window below the turn cap")
		assert.Equal(t, "digest", s.Summary())
		return nil
	})
}

func TestCompactReplacesSummaryWholesale(t *testing.T) {
	st := session.NewStore("", time.Minute, nil)
	sid := st.GetOrCreate("")
	_ = st.WithLock(sid, func(s *session.Session) error {
		s.SetSummary("old digest")
		return nil
	})
	fillHistory(st, sid, 6)

	mock := llm.NewMock("new digest")
	c := NewCompactor(mock, nil)
	require.NoError(t, c.Compact(context.Background(), st, sid, Limits{MaxHistoryTurns: 1}))

	_ = st.WithLock(sid, func(s *session.Session) error {
		assert.Equal(t, "new digest", s.Summary(), "summary is replaced, never appended")
		return nil
	})
	// The prior summary is part of the summarization input.
	assert.Contains(t, mock.Last[1].Content, "old digest")
}

func TestCompactCachesByContentHash(t *testing.T) {
	mock := llm.NewMock("digest")
	c := NewCompactor(mock, nil)

	for i := 0; i < 2; i++ {
		st := session.NewStore("", time.Minute, nil)
		sid := st.GetOrCreate("")
		fillHistory(st, sid, 6)
		require.NoError(t, c.Compact(context.Background(), st, sid, Limits{MaxHistoryTurns: 2}))
	}
	assert.Equal(t, 1, mock.Calls(), "identical prefix must hit the summary cache")
}

func TestCompactFailureFallsBackToTruncation(t *testing.T) {
	st := session.NewStore("", time.Minute, nil)
	sid := st.GetOrCreate("")
	fillHistory(st, sid, 6)

	mock := llm.NewMock("")
	mock.Err = fmt.Errorf("backend down")
	c := NewCompactor(mock, nil)
	require.NoError(t, c.Compact(context.Background(), st, sid, Limits{MaxHistoryTurns: 2}))

	_ = st.WithLock(sid, func(s *session.Session) error {
		assert.Equal(t, 4, s.HistoryLen(), "history still trimmed")
		assert.Empty(t, s.Summary(), "no invented summary on failure")
		return nil
	})
}

func TestCompactAbortsAfterReset(t *testing.T) {
	st := session.NewStore("", time.Minute, nil)
	sid := st.GetOrCreate("")
	fillHistory(st, sid, 6)

	blocker := &resetOnGenerate{inner: llm.NewMock("digest"), st: st, sid: sid}
	c := NewCompactor(blocker, nil)
	require.NoError(t, c.Compact(context.Background(), st, sid, Limits{MaxHistoryTurns: 2}))

	_ = st.WithLock(sid, func(s *session.Session) error {
		assert.Equal(t, 0, s.HistoryLen(), "reset state must not be overwritten")
		assert.Empty(t, s.Summary())
		return nil
	})
}

// resetOnGenerate resets the session while summarization is in flight,
// simulating a caller hangup plus a fresh call racing the compactor.
type resetOnGenerate struct {
	inner *llm.Mock
	st    *session.Store
	sid   string
}

func (r *resetOnGenerate) Generate(ctx context.Context, messages []llm.Message) (llm.Result, error) {
	r.st.Reset(r.sid)
	return r.inner.Generate(ctx, messages)
}

func (r *resetOnGenerate) Health(ctx context.Context) map[string]any {
	return r.inner.Health(ctx)
}

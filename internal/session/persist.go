package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

var numberStrip = regexp.MustCompile(`[\s\-()]`)

// NormalizeNumber strips spacing and grouping characters from a caller
// number so list membership and history keys are stable.
func NormalizeNumber(number string) string {
	return numberStrip.ReplaceAllString(number, "")
}

// Detail is the full externally visible view of one session.
type Detail struct {
	SessionID     string       `json:"session_id"`
	CreatedAt     time.Time    `json:"created_at"`
	CallerNumber  string       `json:"caller_number,omitempty"`
	CallDirection string       `json:"call_direction,omitempty"`
	AuthStatus    string       `json:"auth_status"`
	History       []Message    `json:"history"`
	Summary       string       `json:"summary,omitempty"`
	TurnCount     int          `json:"turn_count"`
	Takeover      bool         `json:"agent_takeover"`
	Turns         []TurnRecord `json:"turns"`
}

// Summary is the lightweight listing entry for persisted sessions.
type Summary struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	TurnCount int       `json:"turn_count"`
}

// Detail returns the session's full state, checking memory first and falling
// back to the persisted record.
func (st *Store) Detail(id string) (*Detail, bool) {
	if st.Exists(id) {
		var d Detail
		_ = st.WithLock(id, func(s *Session) error {
			d = Detail{
				SessionID:     s.id,
				CreatedAt:     s.createdAt,
				CallerNumber:  s.callerNumber,
				CallDirection: s.callDirection,
				AuthStatus:    s.authStatus.String(),
				History:       s.History(),
				Summary:       s.summary,
				TurnCount:     s.turnCount,
				Takeover:      s.takeover,
				Turns:         s.Turns(),
			}
			return nil
		})
		return &d, true
	}
	if st.dir == "" {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(st.dir, id+".json"))
	if err != nil {
		return nil, false
	}
	var d Detail
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, false
	}
	return &d, true
}

// Save persists the session's turn log to disk.
func (st *Store) Save(id string) error {
	if st.dir == "" {
		return nil
	}
	d, ok := st.Detail(id)
	if !ok {
		return nil
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(st.dir, id+".json"), data, 0o644)
}

// ListSaved returns summaries of persisted sessions, newest first.
func (st *Store) ListSaved() []Summary {
	if st.dir == "" {
		return nil
	}
	paths, err := filepath.Glob(filepath.Join(st.dir, "*.json"))
	if err != nil {
		return nil
	}
	var out []Summary
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var d Detail
		if err := json.Unmarshal(data, &d); err != nil {
			continue
		}
		out = append(out, Summary{
			SessionID: d.SessionID,
			CreatedAt: d.CreatedAt,
			TurnCount: d.TurnCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// CallerHistory is the per-caller conversation carryover used when
// keep_history is enabled.
type CallerHistory struct {
	Number  string    `json:"number"`
	History []Message `json:"history"`
	Summary string    `json:"summary,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

func (st *Store) callerPath(number string) string {
	return filepath.Join(st.dir, "callers", NormalizeNumber(number)+".json")
}

// SaveCallerHistory persists a caller's history and summary for carryover
// into their next call.
func (st *Store) SaveCallerHistory(number string, history []Message, summary string) error {
	if st.dir == "" || NormalizeNumber(number) == "" {
		return nil
	}
	rec := CallerHistory{
		Number:  NormalizeNumber(number),
		History: history,
		Summary: summary,
		SavedAt: time.Now(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(st.callerPath(number), data, 0o644)
}

// LoadCallerHistory returns the saved carryover for a caller, if any.
func (st *Store) LoadCallerHistory(number string) (*CallerHistory, bool) {
	if st.dir == "" || NormalizeNumber(number) == "" {
		return nil, false
	}
	data, err := os.ReadFile(st.callerPath(number))
	if err != nil {
		return nil, false
	}
	var rec CallerHistory
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

// DeleteCallerHistory removes a caller's saved carryover.
func (st *Store) DeleteCallerHistory(number string) bool {
	if st.dir == "" || NormalizeNumber(number) == "" {
		return false
	}
	return os.Remove(st.callerPath(number)) == nil
}

// ListCallerHistories lists saved caller carryover records.
func (st *Store) ListCallerHistories() []CallerHistory {
	if st.dir == "" {
		return nil
	}
	paths, err := filepath.Glob(filepath.Join(st.dir, "callers", "*.json"))
	if err != nil {
		return nil
	}
	var out []CallerHistory
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec CallerHistory
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		rec.History = nil // listings stay lightweight
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out
}

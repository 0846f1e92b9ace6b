// Package agentlink manages the duplex operator control channels: which
// sessions are under remote takeover, and the request/response correlation
// that lets a turn await an operator-supplied reply with a timeout fallback.
package agentlink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voicegate/internal/bus"
	"voicegate/internal/logging"
	"voicegate/internal/session"
)

var (
	// ErrDelegationPending rejects a second delegation while one is
	// outstanding for the same session.
	ErrDelegationPending = errors.New("agentlink: delegation already outstanding for session")
	// ErrDelegationTimeout reports that no operator replied before the
	// deadline; the caller falls back to local generation.
	ErrDelegationTimeout = errors.New("agentlink: no operator reply before deadline")
	// ErrNoOperators reports that no control channels are connected.
	ErrNoOperators = errors.New("agentlink: no operator channels connected")
)

// pendingRequest correlates one outstanding delegation. The result slot is
// fulfilled exactly once: first reply wins, later replies are discarded.
type pendingRequest struct {
	id        string
	sessionID string
	reply     chan string
	resolved  atomic.Bool
}

// Manager owns the operator connection registry, the takeover map and the
// pending-request table. It is constructed once and shared by reference.
type Manager struct {
	mu             sync.RWMutex
	conns          map[*Conn]map[string]struct{} // conn -> sessions it took over
	takeover       map[string]*Conn
	pending        map[string]*pendingRequest
	pendingSession map[string]string // session id -> outstanding request id

	store   *session.Store
	bus     *bus.Bus
	gateway Gateway
	timeout time.Duration
	logger  *logging.Logger
}

// NewManager creates an agent channel manager. timeout is the delegation
// deadline (30s per protocol when zero).
func NewManager(store *session.Store, eventBus *bus.Bus, timeout time.Duration, logger *logging.Logger) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		conns:          make(map[*Conn]map[string]struct{}),
		takeover:       make(map[string]*Conn),
		pending:        make(map[string]*pendingRequest),
		pendingSession: make(map[string]string),
		store:          store,
		bus:            eventBus,
		timeout:        timeout,
		logger:         logging.OrNop(logger).Component("agentlink"),
	}
}

// SetGateway wires the command surface the dispatch table calls into. Must
// be called before HandleConnection.
func (m *Manager) SetGateway(g Gateway) { m.gateway = g }

// ConnCount returns the number of connected operator channels.
func (m *Manager) ConnCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Agents describes the connected operator channels for status output.
func (m *Manager) Agents() []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]map[string]any, 0, len(m.conns))
	for conn, sids := range m.conns {
		takeovers := make([]string, 0, len(sids))
		for sid := range sids {
			takeovers = append(takeovers, sid)
		}
		out = append(out, map[string]any{
			"id":                conn.id,
			"connected_at":      conn.connectedAt,
			"takeover_sessions": takeovers,
		})
	}
	return out
}

// UnderTakeover reports whether a connected operator owns reply generation
// for the session. A takeover held by a vanished connection is stale and
// cleaned up here.
func (m *Manager) UnderTakeover(sid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.takeover[sid]
	if !ok {
		return false
	}
	if _, live := m.conns[conn]; !live {
		delete(m.takeover, sid)
		m.store.SetTakeover(sid, false)
		return false
	}
	return true
}

// Takeover marks the session as operator-owned. Multiple operator channels
// may observe a session; the one that requested takeover is remembered so
// disconnect can release it.
func (m *Manager) Takeover(conn *Conn, sid string) bool {
	m.mu.Lock()
	sids, live := m.conns[conn]
	if !live {
		m.mu.Unlock()
		return false
	}
	m.takeover[sid] = conn
	sids[sid] = struct{}{}
	m.mu.Unlock()

	m.store.SetTakeover(sid, true)
	m.bus.Publish("agent.takeover", sid, nil)
	return true
}

// Release returns the session to local generation. Only the holding
// connection may release.
func (m *Manager) Release(conn *Conn, sid string) bool {
	m.mu.Lock()
	if m.takeover[sid] != conn {
		m.mu.Unlock()
		return false
	}
	delete(m.takeover, sid)
	if sids, ok := m.conns[conn]; ok {
		delete(sids, sid)
	}
	m.mu.Unlock()

	m.store.SetTakeover(sid, false)
	m.bus.Publish("agent.release", sid, nil)
	return true
}

// Delegate forwards a transcript to the operator channels and waits for a
// correlated reply. At most one delegation may be outstanding per session;
// a second is rejected without disturbing the first. On deadline the pending
// request is cancelled and the session remains under takeover.
func (m *Manager) Delegate(ctx context.Context, sid, transcript string) (string, error) {
	req := &pendingRequest{
		id:        uuid.NewString(),
		sessionID: sid,
		reply:     make(chan string, 1),
	}

	m.mu.Lock()
	if len(m.conns) == 0 {
		m.mu.Unlock()
		return "", ErrNoOperators
	}
	if _, outstanding := m.pendingSession[sid]; outstanding {
		m.mu.Unlock()
		return "", ErrDelegationPending
	}
	m.pending[req.id] = req
	m.pendingSession[sid] = req.id
	conns := make([]*Conn, 0, len(m.conns))
	for conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()
	defer m.removePending(req)

	msg := map[string]any{
		"type":       "turn.request",
		"session_id": sid,
		"transcript": transcript,
		"request_id": req.id,
	}
	for _, conn := range conns {
		conn.enqueue(msg)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case reply := <-req.reply:
		return reply, nil
	case <-timer.C:
		m.bus.Publish("agent.timeout", sid, map[string]any{"request_id": req.id})
		return "", ErrDelegationTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) removePending(req *pendingRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, req.id)
	if m.pendingSession[req.sessionID] == req.id {
		delete(m.pendingSession, req.sessionID)
	}
}

// Resolve routes an operator reply to its pending request. Returns false
// for unknown request ids (including replies that arrive after the deadline)
// and for duplicate replies; those are discarded, never an error.
func (m *Manager) Resolve(requestID, reply string) bool {
	m.mu.RLock()
	req := m.pending[requestID]
	m.mu.RUnlock()
	if req == nil {
		return false
	}
	if !req.resolved.CompareAndSwap(false, true) {
		return false
	}
	req.reply <- reply
	return true
}

// HandleConnection runs one operator channel to completion: it registers the
// connection, starts the writer and the event-bridge goroutines, and then
// becomes the connection's single reader. It returns when the peer
// disconnects.
func (m *Manager) HandleConnection(ws *websocket.Conn) {
	conn := newConn(ws)

	m.mu.Lock()
	m.conns[conn] = make(map[string]struct{})
	count := len(m.conns)
	m.mu.Unlock()

	go conn.writeLoop()

	sub := m.bus.Subscribe()
	go func() {
		for ev := range sub.Events() {
			if !conn.enqueue(ev) {
				return
			}
		}
	}()

	m.bus.Publish("agent.connected", "", map[string]any{"agent_count": count})
	m.logger.Info("operator connected", "conn_id", conn.id, "agents", count)

	m.readLoop(conn)

	m.bus.Unsubscribe(sub)
	conn.close()

	m.mu.Lock()
	sids := m.conns[conn]
	delete(m.conns, conn)
	for sid := range sids {
		if m.takeover[sid] == conn {
			delete(m.takeover, sid)
		}
	}
	count = len(m.conns)
	m.mu.Unlock()

	for sid := range sids {
		m.store.SetTakeover(sid, false)
	}
	m.bus.Publish("agent.disconnected", "", map[string]any{"agent_count": count})
	m.logger.Info("operator disconnected", "conn_id", conn.id, "agents", count)
}

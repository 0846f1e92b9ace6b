package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// handleAgentWS upgrades an operator control channel and hands it to the
// agent manager, which owns the connection from then on.
func (s *Server) handleAgentWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}
	s.agents.HandleConnection(ws)
}

// handleEventsWS streams the event bus to a monitoring client. The client is
// read only for pong frames; a slow client loses oldest events rather than
// stalling publishers.
func (s *Server) handleEventsWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("events websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ws.SetReadLimit(1024)
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

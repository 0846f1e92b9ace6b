package agentlink

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sendBuffer bounds the per-connection outbound queue. An operator channel
// that cannot drain its queue is disconnected rather than allowed to stall
// publishers.
const sendBuffer = 64

// Conn is one operator control connection. Exactly one reader goroutine
// consumes inbound frames (the manager's readLoop) and exactly one writer
// goroutine drains the send queue; everything else communicates with the
// connection through enqueue.
type Conn struct {
	id          string
	ws          *websocket.Conn
	send        chan any
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		id:          uuid.NewString(),
		ws:          ws,
		send:        make(chan any, sendBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// enqueue hands a message to the writer goroutine. Returns false when the
// connection is closed or its queue overflowed (which closes it).
func (c *Conn) enqueue(msg any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.close()
		return false
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

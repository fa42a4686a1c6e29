package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// client couples one websocket connection to the registry. Its parties set is
// guarded by the gateway mutex alongside the registry maps. The send channel
// is never closed; close signals the write loop through done instead, so
// senders blocked on a full buffer cannot hit a closed channel.
type client struct {
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	parties map[string]struct{}
	closed  sync.Once
}

func newClient(g *Gateway, conn *websocket.Conn) *client {
	return &client{
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, g.sendBuffer),
		done:    make(chan struct{}),
		parties: make(map[string]struct{}),
	}
}

// enqueue hands an unsolicited frame to the write loop without blocking; a
// full buffer drops the frame. Status pushes are periodic, so a dropped frame
// is superseded by the next one.
func (c *client) enqueue(payload []byte) {
	select {
	case <-c.done:
	case c.send <- payload:
	default:
	}
}

// reply delivers a direct response to the write loop. Responses carry acks,
// errors, and the one-time create secret, so they are never dropped: when
// status fan-out has filled the buffer, reply waits up to the write deadline
// for the loop to drain, then gives the connection up as unrecoverable.
func (c *client) reply(payload []byte) {
	select {
	case <-c.done:
		return
	case c.send <- payload:
		return
	default:
	}
	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case <-c.done:
	case c.send <- payload:
	case <-timer.C:
		c.close()
	}
}

func (c *client) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.gateway.handleMessage(context.Background(), c, payload)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close tears the connection down exactly once: sweep the registry, stop the
// write loop, and close the socket. In-flight store operations complete
// independently of the connection's lifetime.
func (c *client) close() {
	c.closed.Do(func() {
		c.gateway.DropConnection(context.Background(), c)
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
